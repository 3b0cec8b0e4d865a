package memory

import "github.com/cuemby/govcp/internal/types"

// levelRank orders levels for the "M.level <= max_level" access check.
var levelRank = map[types.Level]int{
	types.LevelL0: 0,
	types.LevelL1: 1,
	types.LevelL2: 2,
	types.LevelL3: 3,
}

// MaxLevel computes the highest level an accessor may read, per the
// cross-group access matrix: main sees everything; PRODUCT-scoped memories
// enforce absolute product isolation; otherwise ownership determines L2 vs
// L1/L0.
func MaxLevel(m *types.Memory, accessorGroup string, isMain bool, accessorProduct string) types.Level {
	if isMain {
		return types.LevelL3
	}

	if m.Scope == types.ScopeProduct {
		if accessorProduct == "" || accessorProduct != m.ProductID {
			return types.LevelL0
		}
		if accessorGroup == m.GroupFolder {
			return types.LevelL2
		}
		return types.LevelL1
	}

	// COMPANY scope
	if accessorGroup == m.GroupFolder {
		return types.LevelL2
	}
	return types.LevelL0
}

// CanAccess reports whether accessorGroup may read m, given its max level.
func CanAccess(m *types.Memory, accessorGroup string, isMain bool, accessorProduct string) bool {
	max := MaxLevel(m, accessorGroup, isMain, accessorProduct)
	return levelRank[m.Level] <= levelRank[max]
}
