package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/govcp/internal/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks           = []byte("tasks")
	bucketActivities      = []byte("activities")
	bucketApprovals       = []byte("approvals")
	bucketApprovalsByKey  = []byte("approvals_by_key")
	bucketDispatches      = []byte("dispatches")
	bucketDispatchesByKey = []byte("dispatches_by_key")
	bucketMemories        = []byte("memories")
	bucketMemoryAccessLog = []byte("memory_access_log")
	bucketWorkers         = []byte("workers")
	bucketBreakers        = []byte("breakers")
	bucketRateLimits      = []byte("rate_limits")
	bucketQuotas          = []byte("quotas")
	bucketDenials         = []byte("denials")
	bucketNonces          = []byte("nonces")
	bucketExtCalls        = []byte("ext_calls")
)

// BoltStore implements Store using an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the governance database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "govcp.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks, bucketActivities, bucketApprovals, bucketApprovalsByKey,
			bucketDispatches, bucketDispatchesByKey, bucketMemories,
			bucketMemoryAccessLog, bucketWorkers, bucketBreakers,
			bucketRateLimits, bucketQuotas, bucketDenials, bucketNonces,
			bucketExtCalls,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

func (s *BoltStore) CreateTask(t *types.GovTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.GovTask, error) {
	var t types.GovTask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTasks() ([]*types.GovTask, error) {
	var out []*types.GovTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.GovTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListTasksByState(state types.TaskState) ([]*types.GovTask, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.GovTask
	for _, t := range all {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out, nil
}

// UpdateTaskVersioned performs the conditional-update emulation of a SQL
// `UPDATE ... WHERE id = ? AND version = ?`: within a single bbolt write
// transaction (bbolt serializes writers, giving this the same atomicity a
// SQL conditional UPDATE relies on), it re-reads the stored row, rejects the
// write if the stored version has moved past expectedVersion, and otherwise
// stamps the new version before persisting.
func (s *BoltStore) UpdateTaskVersioned(t *types.GovTask, expectedVersion int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(t.ID))
		if data == nil {
			return ErrNotFound
		}
		var current types.GovTask
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}
		t.Version = expectedVersion + 1
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.ID), out)
	})
}

// --- Activities ---

func (s *BoltStore) AppendActivity(a *types.GovActivity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivities)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ID), data)
	})
}

func (s *BoltStore) ListActivities(taskID string) ([]*types.GovActivity, error) {
	var out []*types.GovActivity
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActivities).ForEach(func(k, v []byte) error {
			var a types.GovActivity
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.TaskID == taskID {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// --- Approvals ---

func approvalKey(taskID string, gate types.GateType) string {
	return taskID + "|" + string(gate)
}

func (s *BoltStore) CreateApprovalIfAbsent(a *types.GovApproval) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		byKey := tx.Bucket(bucketApprovalsByKey)
		key := []byte(approvalKey(a.TaskID, a.GateType))
		if byKey.Get(key) != nil {
			return nil // already recorded: idempotent no-op
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketApprovals).Put([]byte(a.ID), data); err != nil {
			return err
		}
		if err := byKey.Put(key, []byte(a.ID)); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *BoltStore) ListApprovals(taskID string) ([]*types.GovApproval, error) {
	var out []*types.GovApproval
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(k, v []byte) error {
			var a types.GovApproval
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.TaskID == taskID {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// --- Dispatches ---

func (s *BoltStore) CreateDispatchIfAbsent(d *types.GovDispatch) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		byKey := tx.Bucket(bucketDispatchesByKey)
		key := []byte(d.DispatchKey)
		if byKey.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDispatches).Put([]byte(d.ID), data); err != nil {
			return err
		}
		if err := byKey.Put(key, []byte(d.ID)); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *BoltStore) UpdateDispatch(d *types.GovDispatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDispatches).Put([]byte(d.ID), data)
	})
}

func (s *BoltStore) GetDispatchByKey(key string) (*types.GovDispatch, error) {
	var d types.GovDispatch
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDispatchesByKey).Get([]byte(key))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketDispatches).Get(id)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDispatchesByState(state types.DispatchState) ([]*types.GovDispatch, error) {
	var out []*types.GovDispatch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDispatches).ForEach(func(k, v []byte) error {
			var d types.GovDispatch
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Status == state {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

// --- Memory ---

func (s *BoltStore) UpsertMemory(m *types.Memory) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMemories).Put([]byte(m.ID), data)
	})
}

func (s *BoltStore) GetMemory(id string) (*types.Memory, error) {
	var m types.Memory
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMemories).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListMemories() ([]*types.Memory, error) {
	var out []*types.Memory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).ForEach(func(k, v []byte) error {
			var m types.Memory
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListMemoriesByGroup(group string) ([]*types.Memory, error) {
	var out []*types.Memory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).ForEach(func(k, v []byte) error {
			var m types.Memory
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.GroupFolder == group {
				out = append(out, &m)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AppendMemoryAccessLog(l *types.MemoryAccessLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMemoryAccessLog).Put([]byte(l.ID), data)
	})
}

// ListMemoryAccessLogs returns every audit entry for memoryID, oldest first.
func (s *BoltStore) ListMemoryAccessLogs(memoryID string) ([]*types.MemoryAccessLog, error) {
	var out []*types.MemoryAccessLog
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemoryAccessLog).ForEach(func(k, v []byte) error {
			var l types.MemoryAccessLog
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if l.MemoryID == memoryID {
				out = append(out, &l)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Workers ---

func (s *BoltStore) CreateWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) UpdateWorker(w *types.Worker) error {
	return s.CreateWorker(w)
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

// --- Breakers ---

func (s *BoltStore) GetBreaker(scopeKey string) (*types.Breaker, error) {
	var b types.Breaker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBreakers).Get([]byte(scopeKey))
		if data == nil {
			b = types.Breaker{ScopeKey: scopeKey, State: types.BreakerClosed}
			return nil
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) SaveBreaker(b *types.Breaker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBreakers).Put([]byte(b.ScopeKey), data)
	})
}

// --- Rate limits ---

func (s *BoltStore) GetRateLimit(scopeKey string) (*types.RateLimit, error) {
	var rl types.RateLimit
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRateLimits).Get([]byte(scopeKey))
		if data == nil {
			rl = types.RateLimit{ScopeKey: scopeKey}
			return nil
		}
		return json.Unmarshal(data, &rl)
	})
	if err != nil {
		return nil, err
	}
	return &rl, nil
}

func (s *BoltStore) SaveRateLimit(rl *types.RateLimit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rl)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRateLimits).Put([]byte(rl.ScopeKey), data)
	})
}

// --- Quotas ---

func quotaKey(scopeKey, day string) string {
	return scopeKey + "|" + day
}

func (s *BoltStore) GetQuota(scopeKey, day string) (*types.Quota, error) {
	var q types.Quota
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQuotas).Get([]byte(quotaKey(scopeKey, day)))
		if data == nil {
			q = types.Quota{ScopeKey: scopeKey, Day: day}
			return nil
		}
		return json.Unmarshal(data, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *BoltStore) SaveQuota(q *types.Quota) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQuotas).Put([]byte(quotaKey(q.ScopeKey, q.Day)), data)
	})
}

// --- Denials ---

func (s *BoltStore) AppendDenial(d *types.DenialLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDenials).Put([]byte(d.ID), data)
	})
}

func (s *BoltStore) CountDenialsByCode() (map[string]int, error) {
	out := map[string]int{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDenials).ForEach(func(k, v []byte) error {
			var d types.DenialLog
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out[d.Code]++
			return nil
		})
	})
	return out, err
}

// --- External calls ---

func (s *BoltStore) AppendExtCall(c *types.ExtCall) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExtCalls).Put([]byte(c.ID), data)
	})
}

// ListExtCallsByTask returns every external call logged against taskID,
// oldest first.
func (s *BoltStore) ListExtCallsByTask(taskID string) ([]*types.ExtCall, error) {
	var out []*types.ExtCall
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExtCalls).ForEach(func(k, v []byte) error {
			var c types.ExtCall
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.TaskID == taskID {
				out = append(out, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Nonces ---

func nonceKey(workerID, requestID string) string {
	return workerID + "|" + requestID
}

func (s *BoltStore) CheckAndStoreNonce(workerID, requestID string, now time.Time) (bool, error) {
	fresh := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		key := []byte(nonceKey(workerID, requestID))
		if b.Get(key) != nil {
			return nil
		}
		n := types.Nonce{WorkerID: workerID, RequestID: requestID, CreatedAt: now}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		fresh = true
		return nil
	})
	return fresh, err
}

// PurgeNonces deletes nonce rows created before cutoff in one write
// transaction.
func (s *BoltStore) PurgeNonces(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var n types.Nonce
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
