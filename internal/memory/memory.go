package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/govcp/internal/idgen"
	"github.com/cuemby/govcp/internal/limits"
	"github.com/cuemby/govcp/internal/metrics"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
)

// ErrL3AccessDenied marks a store attempt by a non-main caller at L3.
var ErrL3AccessDenied = fmt.Errorf("L3_ACCESS_DENIED")

// EmbedFunc computes an embedding for a text, or returns an error/false if
// unavailable (rate limited, breaker open, provider failure).
type EmbedFunc func(text string) ([]float64, error)

// Store wraps the durable store with the classification pipeline, access
// control, recall, and the embedding pipeline's limits gating.
type Store struct {
	db                storage.Store
	limitsEngine      *limits.Engine
	embeddingsEnabled bool
	embed             EmbedFunc
	embedProvider     string
}

func New(db storage.Store, limitsEngine *limits.Engine, embeddingsEnabled bool, embed EmbedFunc, embedProvider string) *Store {
	return &Store{db: db, limitsEngine: limitsEngine, embeddingsEnabled: embeddingsEnabled, embed: embed, embedProvider: embedProvider}
}

// UpsertInput is the caller-supplied content for a memory write.
type UpsertInput struct {
	ID            string
	Content       string
	Scope         types.Scope
	ProductID     string
	GroupFolder   string
	Tags          []string
	SourceType    string
	RequestedLevel types.Level
	IsMain        bool
}

// Upsert runs the classification pipeline and persists the memory.
// Embedding regeneration is eager: it is recomputed synchronously whenever
// content changes, subject to the same limits gating as a first write.
func (s *Store) Upsert(in UpsertInput, now time.Time) (*types.Memory, error) {
	scan := ScanAndSanitize(in.Content)

	level := in.RequestedLevel
	if level == "" {
		level = types.LevelL0
	}
	if scan.PIIDetected {
		level = types.LevelL3
	} else if in.Scope == types.ScopeProduct {
		level = maxLevel(level, types.LevelL2)
	}

	if level == types.LevelL3 && !in.IsMain {
		return nil, ErrL3AccessDenied
	}

	m := &types.Memory{
		ID:            in.ID,
		Content:       scan.Sanitized,
		ContentHash:   ContentHash(in.Content),
		Level:         level,
		Scope:         in.Scope,
		ProductID:     in.ProductID,
		GroupFolder:   in.GroupFolder,
		Tags:          in.Tags,
		PIIDetected:   scan.PIIDetected,
		PIITypes:      scan.PIITypes,
		SourceType:    in.SourceType,
		PolicyVersion: PolicyVersion,
		UpdatedAt:     now,
	}
	if m.ID == "" {
		m.ID = idgen.New()
		m.CreatedAt = now
		m.Version = 0
	} else if existing, err := s.db.GetMemory(m.ID); err == nil {
		// Optimistic-locking update: the version counter is monotone across
		// the memory's whole history, not reset on every call.
		m.CreatedAt = existing.CreatedAt
		m.Version = existing.Version
	} else {
		m.CreatedAt = now
		m.Version = 0
	}
	m.Version++

	if level != types.LevelL3 {
		m.Embedding = s.tryEmbed(scan.Sanitized, in.GroupFolder, now)
		if m.Embedding != nil {
			m.EmbeddingModel = s.embedProvider
		}
	}

	if err := s.db.UpsertMemory(m); err != nil {
		return nil, fmt.Errorf("upserting memory: %w", err)
	}
	return m, nil
}

func maxLevel(a, b types.Level) types.Level {
	if levelRank[a] >= levelRank[b] {
		return a
	}
	return b
}

// tryEmbed gates embedding generation through the limits engine — the rate
// scope is group:model, the breaker is keyed on the model host; on denial
// or failure it records the breaker failure and returns nil so the caller
// falls back to keyword recall. L3 content never reaches this path.
func (s *Store) tryEmbed(content, group string, now time.Time) []float64 {
	if !s.embeddingsEnabled || s.embed == nil || s.limitsEngine == nil {
		return nil
	}

	result, err := s.limitsEngine.EnforceProvider("embed", group+":"+s.embedProvider, s.embedProvider, now)
	if err != nil || !result.Allowed {
		return nil
	}

	vec, err := s.embed(content)
	if err != nil {
		_ = s.limitsEngine.RecordFailure(s.embedProvider, now)
		return nil
	}
	_ = s.limitsEngine.RecordSuccess(s.embedProvider, now)
	return vec
}

// RecallResult is the response to a recall query.
type RecallResult struct {
	Memories      []*types.Memory
	Mode          string // "semantic" | "keyword"
	AccessDenials int
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"is": true, "in": true, "on": true, "to": true, "for": true, "with": true,
}

func extractKeywords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) <= 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
		if len(out) == 10 {
			break
		}
	}
	return out
}

// Recall answers a scoped query for accessorGroup over the whole memory
// table — cross-group visibility is the access matrix's decision, not the
// query's — auditing every L3 candidate it encounters and applying the
// matrix before returning the top-k.
func (s *Store) Recall(query string, accessorGroup string, isMain bool, accessorProduct string, topK int, now time.Time) (RecallResult, error) {
	candidates, err := s.db.ListMemories()
	if err != nil {
		return RecallResult{}, err
	}

	useSemantic := s.embeddingsEnabled && s.embed != nil && hasEmbedding(candidates)
	var queryEmbedding []float64
	if useSemantic {
		queryEmbedding = s.tryEmbed(query, accessorGroup, now)
		if queryEmbedding == nil {
			useSemantic = false
		}
	}

	type scored struct {
		m     *types.Memory
		score float64
	}
	var ranked []scored

	if useSemantic {
		for _, m := range candidates {
			if len(m.Embedding) == 0 {
				continue
			}
			ranked = append(ranked, scored{m, cosine(queryEmbedding, m.Embedding)})
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		metrics.MemoryRecallTotal.WithLabelValues("semantic").Inc()
	} else {
		keywords := extractKeywords(query)
		for _, m := range candidates {
			matches := 0
			content := strings.ToLower(m.Content)
			for _, kw := range keywords {
				if strings.Contains(content, kw) {
					matches++
				}
			}
			score := 0.0
			if len(keywords) > 0 {
				score = float64(matches) / float64(len(keywords))
			}
			ranked = append(ranked, scored{m, score})
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		metrics.MemoryRecallTotal.WithLabelValues("keyword").Inc()
	}

	result := RecallResult{Mode: "keyword"}
	if useSemantic {
		result.Mode = "semantic"
	}

	for _, r := range ranked {
		if r.m.Level == types.LevelL3 {
			granted := isMain
			if err := s.auditAccess(r.m.ID, accessorGroup, granted, now); err != nil {
				return RecallResult{}, err
			}
		}

		if !CanAccess(r.m, accessorGroup, isMain, accessorProduct) {
			result.AccessDenials++
			continue
		}
		result.Memories = append(result.Memories, r.m)
		if topK > 0 && len(result.Memories) == topK {
			break
		}
	}

	return result, nil
}

func (s *Store) auditAccess(memoryID, accessorGroup string, granted bool, now time.Time) error {
	reason := ""
	if !granted {
		reason = "L3_ACCESS_DENIED"
	}
	return s.db.AppendMemoryAccessLog(&types.MemoryAccessLog{
		ID:            idgen.New(),
		MemoryID:      memoryID,
		AccessorGroup: accessorGroup,
		AccessType:    "recall",
		Granted:       granted,
		Reason:        reason,
		CreatedAt:     now,
	})
}

func hasEmbedding(memories []*types.Memory) bool {
	for _, m := range memories {
		if len(m.Embedding) > 0 {
			return true
		}
	}
	return false
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
