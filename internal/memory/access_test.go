package memory

import (
	"testing"

	"github.com/cuemby/govcp/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestCanAccess_MainSeesEverything(t *testing.T) {
	m := &types.Memory{Level: types.LevelL3, Scope: types.ScopeCompany, GroupFolder: "developer"}
	assert.True(t, CanAccess(m, "qa", true, ""))
}

func TestCanAccess_ProductIsolation(t *testing.T) {
	m := &types.Memory{Level: types.LevelL1, Scope: types.ScopeProduct, ProductID: "prod-a", GroupFolder: "developer"}

	assert.False(t, CanAccess(m, "developer", false, "prod-b"))
	assert.False(t, CanAccess(m, "developer", false, ""))
	assert.True(t, CanAccess(m, "developer", false, "prod-a"))
}

func TestCanAccess_ProductOwnerSeesL2(t *testing.T) {
	m := &types.Memory{Level: types.LevelL2, Scope: types.ScopeProduct, ProductID: "prod-a", GroupFolder: "developer"}
	assert.True(t, CanAccess(m, "developer", false, "prod-a"))
	assert.False(t, CanAccess(m, "qa", false, "prod-a"))
}

func TestCanAccess_CompanyScopeOwnership(t *testing.T) {
	m := &types.Memory{Level: types.LevelL2, Scope: types.ScopeCompany, GroupFolder: "developer"}
	assert.True(t, CanAccess(m, "developer", false, ""))
	assert.False(t, CanAccess(m, "qa", false, ""))
}

func TestCanAccess_L3NeverAccessibleToNonMain(t *testing.T) {
	m := &types.Memory{Level: types.LevelL3, Scope: types.ScopeCompany, GroupFolder: "developer"}
	assert.False(t, CanAccess(m, "developer", false, ""))
}
