package workerproto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayDirs(t *testing.T) (requestDir, responseDir string) {
	t.Helper()
	root := t.TempDir()
	requestDir = filepath.Join(root, "developer", "requests")
	responseDir = filepath.Join(root, "developer", "responses")
	require.NoError(t, os.MkdirAll(requestDir, 0700))
	require.NoError(t, os.MkdirAll(responseDir, 0700))
	return requestDir, responseDir
}

func TestRelayPollOnce_ForwardsWritesAndClears(t *testing.T) {
	requestDir, responseDir := newRelayDirs(t)
	reqPath := filepath.Join(requestDir, "req-1.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{"op":"recall"}`), 0600))

	relay := NewRelay(nil, "", requestDir, responseDir)
	err := relay.PollOnce(func(groupFolder string, body []byte) ([]byte, error) {
		assert.JSONEq(t, `{"op":"recall"}`, string(body))
		return []byte(`{"memories":[]}`), nil
	})
	require.NoError(t, err)

	resp, err := os.ReadFile(filepath.Join(responseDir, "req-1.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"memories":[]}`, string(resp))

	_, err = os.Stat(reqPath)
	assert.True(t, os.IsNotExist(err), "request file must be removed after forwarding")
}

func TestRelayPollOnce_FailedForwardLeavesRequestForRetry(t *testing.T) {
	requestDir, responseDir := newRelayDirs(t)
	reqPath := filepath.Join(requestDir, "req-1.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{"op":"recall"}`), 0600))

	relay := NewRelay(nil, "", requestDir, responseDir)
	calls := 0
	err := relay.PollOnce(func(groupFolder string, body []byte) ([]byte, error) {
		calls++
		return nil, errors.New("cp unreachable")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// The request survives for the next poll; no partial response exists.
	_, err = os.Stat(reqPath)
	assert.NoError(t, err)
	entries, err := os.ReadDir(responseDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteAtomic_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, WriteAtomic(path, []byte("payload")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
