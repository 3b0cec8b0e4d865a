package workerproto

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic writes data to path by writing to a ".tmp" sibling file and
// renaming it into place, so a reader never observes a partial write. This
// is the pattern the IPC relay uses for every file it drops into a group's
// request or response directory, and for the dispatch snapshot files
// (gov_pipeline.json, ext_capabilities.json, tasks.json).
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// IPCRequest is one file dropped by a worker container into its group's IPC
// request directory.
type IPCRequest struct {
	Path        string
	GroupFolder string
	Body        []byte
}

// Relay polls a group's request directory, forwards each file to the CP's
// ops worker-IPC endpoint with a signed envelope, writes the response
// atomically into the group's response directory, and removes the
// original request file. Retries are caller-driven: a failed forward
// simply leaves the request file in place for the next poll.
type Relay struct {
	client      *Client
	baseURL     string
	requestDir  string
	responseDir string
}

func NewRelay(client *Client, baseURL, requestDir, responseDir string) *Relay {
	return &Relay{client: client, baseURL: baseURL, requestDir: requestDir, responseDir: responseDir}
}

// PollOnce scans the request directory once, forwarding and clearing
// whatever it finds. It never blocks waiting for new files to appear.
func (r *Relay) PollOnce(forward func(groupFolder string, body []byte) ([]byte, error)) error {
	entries, err := os.ReadDir(r.requestDir)
	if err != nil {
		return fmt.Errorf("reading ipc request dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		reqPath := filepath.Join(r.requestDir, entry.Name())
		body, err := os.ReadFile(reqPath)
		if err != nil {
			continue // transient read error; retry next poll
		}

		groupFolder := filepath.Base(r.requestDir)
		respBody, err := forward(groupFolder, body)
		if err != nil {
			continue // leave the request file for the next poll
		}

		respPath := filepath.Join(r.responseDir, entry.Name())
		if err := WriteAtomic(respPath, respBody); err != nil {
			continue
		}
		os.Remove(reqPath)
	}
	return nil
}
