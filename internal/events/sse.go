package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/govcp/internal/metrics"
)

// secretShapedKey matches metadata keys that must never reach the cockpit.
var secretShapedKey = regexp.MustCompile(`(?i)secret|token|password|apikey|api_key|OS_HTTP_SECRET|_KEY$`)

// Sanitize strips any metadata key shaped like a secret before an event is
// serialized for the cockpit.
func Sanitize(e *Event) *Event {
	if e.Metadata == nil {
		return e
	}
	clean := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		if secretShapedKey.MatchString(k) {
			continue
		}
		clean[k] = v
	}
	out := *e
	out.Metadata = clean
	return &out
}

// perSourceConns enforces the per-source SSE connection cap.
type perSourceConns struct {
	mu    sync.Mutex
	count map[string]int
}

func newPerSourceConns() *perSourceConns {
	return &perSourceConns{count: map[string]int{}}
}

func (p *perSourceConns) tryAcquire(source string, cap int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count[source] >= cap {
		return false
	}
	p.count[source]++
	return true
}

func (p *perSourceConns) release(source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count[source] > 0 {
		p.count[source]--
	}
}

// DefaultConnCap is the default per-source SSE connection cap.
const DefaultConnCap = 3

// SSEHandler streams sanitized events from broker to the cockpit over
// Server-Sent Events, enforcing a per-source connection cap and sending a
// "connected" hello event on open.
type SSEHandler struct {
	broker  *Broker
	conns   *perSourceConns
	connCap int
	open    int64
}

func NewSSEHandler(broker *Broker, connCap int) *SSEHandler {
	if connCap <= 0 {
		connCap = DefaultConnCap
	}
	return &SSEHandler{broker: broker, conns: newPerSourceConns(), connCap: connCap}
}

// OpenConnections returns the number of currently open SSE streams, for
// health/readiness reporting.
func (h *SSEHandler) OpenConnections() int64 {
	return atomic.LoadInt64(&h.open)
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := r.RemoteAddr
	if !h.conns.tryAcquire(source, h.connCap) {
		http.Error(w, "too many connections from source", http.StatusTooManyRequests)
		return
	}
	defer h.conns.release(source)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	atomic.AddInt64(&h.open, 1)
	metrics.SSEConnectionsTotal.Inc()
	defer func() {
		atomic.AddInt64(&h.open, -1)
		metrics.SSEConnectionsTotal.Dec()
	}()

	writeEvent(w, "connected", map[string]any{"connected": true})
	flusher.Flush()

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			writeEvent(w, "connected", map[string]any{"connected": false})
			flusher.Flush()
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			writeEvent(w, string(ev.Type), Sanitize(ev))
			flusher.Flush()
		case <-time.After(30 * time.Second):
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
