// Package workerproto implements the CP<->worker wire protocol: HMAC
// request signing and verification with TTL expiry and nonce replay
// defense, the dispatch POST, the IPC relay, and completion callbacks.
package workerproto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/govcp/internal/storage"
)

// Header names required on every signed request.
const (
	HeaderHMAC        = "X-Worker-HMAC"
	HeaderTimestamp   = "X-Worker-Timestamp"
	HeaderRequestID   = "X-Worker-RequestId"
	HeaderWorkerID    = "X-Worker-Id"
	HeaderGroupFolder = "X-Worker-GroupFolder"
)

// Error codes, stable strings.
const (
	CodeMissingHeaders  = "MISSING_HEADERS"
	CodeTTLExpired      = "TTL_EXPIRED"
	CodeReplayDetected  = "REPLAY_DETECTED"
	CodeHMACInvalid     = "HMAC_INVALID"
	CodeUnknownWorker   = "UNKNOWN_WORKER"
	CodeMissingWorkerID = "MISSING_WORKER_ID"
)

// DefaultTTL is the default request freshness window.
const DefaultTTL = 60 * time.Second

// SigningInput builds the exact byte string that is HMAC-signed:
// timestamp || "." || request_id || "." || body.
func SigningInput(timestamp, requestID string, body []byte) []byte {
	return []byte(timestamp + "." + requestID + "." + string(body))
}

// Sign computes the hex-encoded HMAC-SHA-256 over the signing input.
func Sign(secret []byte, timestamp, requestID string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(SigningInput(timestamp, requestID, body))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewRequestID returns a fresh random hex nonce with >=128 bits of entropy.
func NewRequestID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating request id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Envelope is one signed wire message's header fields plus body.
type Envelope struct {
	WorkerID  string
	Timestamp string
	RequestID string
	Body      []byte
	hmac      string // the HMAC presented by the caller, compared in Verify
}

// SecretLookup resolves a worker's shared HMAC secret.
type SecretLookup func(workerID string) (secret []byte, known bool, err error)

// Verify checks an inbound signed envelope: worker identity, header
// presence, timestamp TTL, nonce replay, and HMAC correctness, in that
// order — an unregistered worker is reported before any complaint about
// its headers.
func Verify(store storage.Store, lookup SecretLookup, env Envelope, ttl time.Duration, now time.Time) (code string, err error) {
	if env.WorkerID == "" {
		return CodeMissingWorkerID, nil
	}

	secret, known, err := lookup(env.WorkerID)
	if err != nil {
		return "", err
	}
	if !known {
		return CodeUnknownWorker, nil
	}

	if env.Timestamp == "" || env.RequestID == "" || env.hmac == "" {
		return CodeMissingHeaders, nil
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return CodeTTLExpired, nil
	}
	if abs(now.Sub(ts)) > ttl {
		return CodeTTLExpired, nil
	}

	fresh, err := store.CheckAndStoreNonce(env.WorkerID, env.RequestID, now)
	if err != nil {
		return "", err
	}
	if !fresh {
		return CodeReplayDetected, nil
	}
	// Lazy sweep: a nonce only matters while a request carrying it could
	// still pass the TTL check, which (allowing for skewed-forward
	// timestamps) is at most 2*ttl after it was recorded.
	if _, err := store.PurgeNonces(now.Add(-2 * ttl)); err != nil {
		return "", err
	}

	expected := Sign(secret, env.Timestamp, env.RequestID, env.Body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(env.hmac)) != 1 {
		return CodeHMACInvalid, nil
	}

	return "", nil
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// EnvelopeFromRequest extracts the signed envelope fields from an inbound
// HTTP request's headers and body.
func EnvelopeFromRequest(r *http.Request, body []byte) Envelope {
	return Envelope{
		WorkerID:  r.Header.Get(HeaderWorkerID),
		Timestamp: r.Header.Get(HeaderTimestamp),
		RequestID: r.Header.Get(HeaderRequestID),
		Body:      body,
		hmac:      r.Header.Get(HeaderHMAC),
	}
}
