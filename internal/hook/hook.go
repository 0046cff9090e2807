// Package hook is the reference side-effect handler: an HMAC-signed HTTP
// POST of the work-item payload to a configured endpoint. Response codes
// map onto the engine's outcome taxonomy — 2xx success, 404/410 target
// gone (terminal), everything else transient.
package hook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/scarson/conveyor/internal/engine"
)

// Payload is the hook kind's work-item payload shape. URL and secret are
// frozen at enqueue time so a claimed row is self-contained.
type Payload struct {
	URL    string          `json:"url"`
	Secret string          `json:"secret,omitempty"`
	Body   json.RawMessage `json:"body"`
}

// Handler posts payloads to their endpoint through an injected client.
type Handler struct {
	client *http.Client
}

// NewHandler creates a Handler. client should be the production
// safeurl-wrapped client from BuildSafeClient; tests inject a plain one.
func NewHandler(client *http.Client) *Handler {
	return &Handler{client: client}
}

// BuildSafeClient returns an SSRF-safe *http.Client for outbound hooks.
// Redirect following is disabled; timeout is 10 seconds.
func BuildSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// Handle delivers one payload and maps the result onto an engine outcome.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) engine.Outcome {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return engine.Outcome{
			Retryable:   true,
			ErrorCode:   engine.CodeInternal,
			ErrorDetail: fmt.Sprintf("decode hook payload: %v", err),
		}
	}
	if p.URL == "" {
		return engine.Outcome{
			Retryable:   false,
			ErrorCode:   engine.CodeGone,
			ErrorDetail: "hook payload has no url",
		}
	}

	status, err := Send(ctx, h.client, p.URL, p.Secret, p.Body)
	switch {
	case err != nil:
		return engine.Outcome{
			Retryable:   true,
			ErrorCode:   engine.CodeUnavailable,
			ErrorDetail: err.Error(),
		}
	case status >= 200 && status < 300:
		return engine.Outcome{Success: true}
	case status == http.StatusNotFound || status == http.StatusGone:
		return engine.Outcome{
			Retryable:   false,
			ErrorCode:   engine.CodeGone,
			ErrorDetail: fmt.Sprintf("endpoint returned %d", status),
		}
	default:
		return engine.Outcome{
			Retryable:   true,
			ErrorCode:   engine.CodeUnavailable,
			ErrorDetail: fmt.Sprintf("endpoint returned %d", status),
		}
	}
}

// Send posts body to url, signs with HMAC-SHA256 when secret is set, and
// discards the response body. Returns the response status code; err is
// non-nil only for transport-level failures.
func Send(ctx context.Context, client *http.Client, url, secret string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if secret != "" {
		// HMAC-SHA256 over "timestamp.body" so recipients can reject replays.
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(ts + "." + string(body)))
		req.Header.Set("X-Conveyor-Timestamp", ts)
		req.Header.Set("X-Conveyor-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	return resp.StatusCode, nil
}
