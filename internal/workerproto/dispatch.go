package workerproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DispatchPayload is the body POSTed to a worker's /worker/dispatch.
type DispatchPayload struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	Prompt      string `json:"prompt"`
	IsMain      bool   `json:"isMain"`
	IPCSecret   string `json:"ipcSecret"`
}

// Client sends signed requests to a worker and tracks its WIP counter.
type Client struct {
	httpClient *http.Client
	selfID     string // this CP's identity, presented as X-Worker-Id on CP->worker calls
	secret     []byte
}

func NewClient(selfID string, secret []byte, timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}, selfID: selfID, secret: secret}
}

// Dispatch signs and POSTs payload to the worker's dispatch endpoint at
// baseURL. The caller is responsible for incrementing the worker's WIP
// counter before calling and decrementing it on completion callback or hard
// timeout — Dispatch itself only performs the single POST.
func (c *Client) Dispatch(ctx context.Context, baseURL string, payload DispatchPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/worker/dispatch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building dispatch request: %w", err)
	}
	if err := c.sign(req, body); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatching to worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func (c *Client) sign(req *http.Request, body []byte) error {
	requestID, err := NewRequestID()
	if err != nil {
		return err
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	hmacHex := Sign(c.secret, timestamp, requestID, body)

	req.Header.Set(HeaderHMAC, hmacHex)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set(HeaderWorkerID, c.selfID)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// CompletionPayload is the body a worker POSTs to /ops/worker/completion.
type CompletionPayload struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	Status      string `json:"status"`
	DispatchKey string `json:"dispatchKey,omitempty"`
}
