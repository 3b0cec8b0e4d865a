package workerproto

import (
	"testing"
	"time"

	"github.com/cuemby/govcp/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func signedEnvelope(secret []byte, workerID string, now time.Time, body []byte) Envelope {
	ts := now.Format(time.RFC3339)
	reqID, _ := NewRequestID()
	return Envelope{
		WorkerID: workerID, Timestamp: ts, RequestID: reqID, Body: body,
		hmac: Sign(secret, ts, reqID, body),
	}
}

func TestVerify_ValidRoundTrip(t *testing.T) {
	store := newTestStore(t)
	secret := []byte("shared-secret")
	now := time.Now()
	lookup := func(id string) ([]byte, bool, error) { return secret, true, nil }

	env := signedEnvelope(secret, "worker-1", now, []byte(`{"op":"recall"}`))
	code, err := Verify(store, lookup, env, DefaultTTL, now)
	require.NoError(t, err)
	assert.Equal(t, "", code)
}

func TestVerify_MissingWorkerID(t *testing.T) {
	store := newTestStore(t)
	lookup := func(id string) ([]byte, bool, error) { return nil, false, nil }
	code, err := Verify(store, lookup, Envelope{}, DefaultTTL, time.Now())
	require.NoError(t, err)
	assert.Equal(t, CodeMissingWorkerID, code)
}

func TestVerify_MissingHeaders(t *testing.T) {
	store := newTestStore(t)
	lookup := func(id string) ([]byte, bool, error) { return []byte("x"), true, nil }
	code, err := Verify(store, lookup, Envelope{WorkerID: "worker-1"}, DefaultTTL, time.Now())
	require.NoError(t, err)
	assert.Equal(t, CodeMissingHeaders, code)
}

func TestVerify_UnknownWorker(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	lookup := func(id string) ([]byte, bool, error) { return nil, false, nil }
	env := signedEnvelope([]byte("s"), "ghost", now, []byte("{}"))
	code, err := Verify(store, lookup, env, DefaultTTL, now)
	require.NoError(t, err)
	assert.Equal(t, CodeUnknownWorker, code)
}

func TestVerify_UnknownWorkerOutranksMissingHeaders(t *testing.T) {
	store := newTestStore(t)
	lookup := func(id string) ([]byte, bool, error) { return nil, false, nil }

	// Unregistered worker AND no signing headers: identity resolution is
	// the first verification step, so UNKNOWN_WORKER wins.
	code, err := Verify(store, lookup, Envelope{WorkerID: "ghost"}, DefaultTTL, time.Now())
	require.NoError(t, err)
	assert.Equal(t, CodeUnknownWorker, code)
}

func TestVerify_TTLBoundary(t *testing.T) {
	store := newTestStore(t)
	secret := []byte("shared-secret")
	lookup := func(id string) ([]byte, bool, error) { return secret, true, nil }
	signedAt := time.Now()

	// Exactly at the TTL boundary is still fresh.
	env := signedEnvelope(secret, "worker-1", signedAt, []byte("{}"))
	code, err := Verify(store, lookup, env, DefaultTTL, signedAt.Add(DefaultTTL))
	require.NoError(t, err)
	assert.Equal(t, "", code)

	env2 := signedEnvelope(secret, "worker-1", signedAt, []byte("{}"))
	code, err = Verify(store, lookup, env2, DefaultTTL, signedAt.Add(DefaultTTL+time.Second))
	require.NoError(t, err)
	assert.Equal(t, CodeTTLExpired, code)
}

func TestVerify_ReplayDetected(t *testing.T) {
	store := newTestStore(t)
	secret := []byte("shared-secret")
	now := time.Now()
	lookup := func(id string) ([]byte, bool, error) { return secret, true, nil }

	ts := now.Format(time.RFC3339)
	reqID, err := NewRequestID()
	require.NoError(t, err)
	body := []byte(`{"op":"recall"}`)
	env := Envelope{WorkerID: "worker-1", Timestamp: ts, RequestID: reqID, Body: body, hmac: Sign(secret, ts, reqID, body)}

	code, err := Verify(store, lookup, env, DefaultTTL, now)
	require.NoError(t, err)
	assert.Equal(t, "", code)

	code, err = Verify(store, lookup, env, DefaultTTL, now)
	require.NoError(t, err)
	assert.Equal(t, CodeReplayDetected, code)
}

func TestVerify_BodyMutationInvalidatesHMAC(t *testing.T) {
	store := newTestStore(t)
	secret := []byte("shared-secret")
	now := time.Now()
	lookup := func(id string) ([]byte, bool, error) { return secret, true, nil }

	env := signedEnvelope(secret, "worker-1", now, []byte(`{"op":"recall"}`))
	env.Body = []byte(`{"op":"delete_everything"}`)

	code, err := Verify(store, lookup, env, DefaultTTL, now)
	require.NoError(t, err)
	assert.Equal(t, CodeHMACInvalid, code)
}
