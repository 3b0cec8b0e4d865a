package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.readinessComposite().Run(context.Background())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":    readyString(report.Ready),
		"timestamp": report.Timestamp,
		"checks":    report.Checks,
		"message":   report.Message,
	})
}

func readyString(ready bool) string {
	if ready {
		return "ready"
	}
	return "not ready"
}

// handleStats returns task counts by state plus the rolled-up
// denial-by-code counters for the dashboard.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	byState := map[types.TaskState]int{}
	for _, t := range tasks {
		byState[t.State]++
	}

	denials, err := s.store.CountDenialsByCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	workers, err := s.store.ListWorkers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_by_state":  byState,
		"total_tasks":     len(tasks),
		"denials_by_code": denials,
		"worker_count":    len(workers),
		"sse_connections": s.sse.OpenConnections(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.core.ListGovTasks(q.Get("group"), q.Get("product"), types.Scope(q.Get("scope")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	if state := q.Get("state"); state != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.State) == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	out := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.core.GetGovTaskByID(id)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(t))
}

func (s *Server) handleTaskActivities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	acts, err := s.core.ListActivities(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	seen := map[string]bool{}
	var products []string
	for _, t := range tasks {
		if t.ProductID == "" || seen[t.ProductID] {
			continue
		}
		seen[t.ProductID] = true
		products = append(products, t.ProductID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	out := make([]workerDTO, 0, len(workers))
	for _, wkr := range workers {
		out = append(out, toWorkerDTO(wkr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wkr, err := s.store.GetWorker(id)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDTO(wkr))
}

func (s *Server) handleWorkerDispatches(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var out []*types.GovDispatch
	for _, state := range []types.DispatchState{types.DispatchEnqueued, types.DispatchStarted, types.DispatchDone, types.DispatchFailed} {
		ds, err := s.store.ListDispatchesByState(state)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL")
			return
		}
		for _, d := range ds {
			if d.WorkerID == id {
				out = append(out, d)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatches": out})
}

// handleWorkerTunnels surfaces the worker's current SSH reverse-tunnel
// coordinates. There is no separate tunnel table in the data model (§3);
// the tunnel is a deterministic function of the worker row's local/remote
// port pair, so this derives it rather than inventing new storage.
func (s *Server) handleWorkerTunnels(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wkr, err := s.store.GetWorker(id)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnels": []map[string]any{
			{"local_port": wkr.LocalPort, "remote_port": wkr.RemotePort, "status": wkr.Status},
		},
	})
}

// handleListMemories lists stored memories, filtered by owner group and/or
// a case-insensitive content substring (?q=).
func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	group := params.Get("group")
	q := strings.ToLower(params.Get("q"))

	var memories []*types.Memory
	var err error
	if group != "" {
		memories, err = s.store.ListMemoriesByGroup(group)
	} else {
		memories, err = s.store.ListMemories()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	out := make([]memoryDTO, 0, len(memories))
	for _, m := range memories {
		if q != "" && !strings.Contains(strings.ToLower(m.Content), q) {
			continue
		}
		out = append(out, toMemoryDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	accessorGroup := q.Get("accessor_group")
	isMain := q.Get("is_main") == "true"
	accessorProduct := q.Get("accessor_product")

	if accessorGroup == "" {
		writeError(w, http.StatusBadRequest, "MISSING_GROUP")
		return
	}

	result, err := s.memStore.Recall(query, accessorGroup, isMain, accessorProduct, 10, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	out := make([]memoryDTO, 0, len(result.Memories))
	for _, m := range result.Memories {
		out = append(out, toMemoryDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memories":       out,
		"mode":           result.Mode,
		"access_denials": result.AccessDenials,
	})
}
