package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncRecorder wraps httptest.ResponseRecorder with a mutex so a test
// goroutine can safely read Body while ServeHTTP is still writing to it.
type syncRecorder struct {
	mu   sync.Mutex
	rec  *httptest.ResponseRecorder
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{rec: httptest.NewRecorder()}
}

func (s *syncRecorder) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Header()
}

func (s *syncRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Write(b)
}

func (s *syncRecorder) WriteHeader(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.WriteHeader(status)
}

func (s *syncRecorder) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Flush()
}

func (s *syncRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Body.String()
}

func (s *syncRecorder) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Code
}

func TestSSEHandler_SendsConnectedHelloThenEvent(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	h := NewSSEHandler(broker, DefaultConnCap)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/ops/events", nil).WithContext(ctx)
	rec := newSyncRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(rec.body(), `"connected":true`)
	}, time.Second, 10*time.Millisecond)

	broker.Publish(&Event{Type: EventDispatchLifecycle, Message: "task moved"})

	require.Eventually(t, func() bool {
		return strings.Contains(rec.body(), "task moved")
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeHTTP did not return after context cancellation")
	}

	assert.Contains(t, rec.body(), `"connected":false`)
}

func TestSSEHandler_RejectsOverCapConnectionsFromSameSource(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	h := NewSSEHandler(broker, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req1 := httptest.NewRequest("GET", "/ops/events", nil).WithContext(ctx)
	req1.RemoteAddr = "10.0.0.5:1111"
	rec1 := httptest.NewRecorder()

	go h.ServeHTTP(rec1, req1)
	require.Eventually(t, func() bool {
		return h.OpenConnections() == 1
	}, time.Second, 5*time.Millisecond)

	req2 := httptest.NewRequest("GET", "/ops/events", nil)
	req2.RemoteAddr = "10.0.0.5:2222"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	assert.Equal(t, 429, rec2.Code)
}
