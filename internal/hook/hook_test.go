package hook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/conveyor/internal/engine"
	"github.com/scarson/conveyor/internal/hook"
)

func payloadFor(t *testing.T, url, secret string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(hook.Payload{URL: url, Secret: secret, Body: json.RawMessage(`{"event":"ping"}`)})
	require.NoError(t, err)
	return raw
}

func TestHandleSuccess(t *testing.T) {
	t.Parallel()
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := hook.NewHandler(srv.Client())
	out := h.Handle(context.Background(), payloadFor(t, srv.URL, ""))

	assert.True(t, out.Success)
	assert.JSONEq(t, `{"event":"ping"}`, string(gotBody))
}

func TestHandleSignsRequest(t *testing.T) {
	t.Parallel()
	const secret = "tok_abc123"
	var sig, ts string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Conveyor-Signature")
		ts = r.Header.Get("X-Conveyor-Timestamp")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := hook.NewHandler(srv.Client())
	out := h.Handle(context.Background(), payloadFor(t, srv.URL, secret))
	require.True(t, out.Success)

	unix, err := strconv.ParseInt(ts, 10, 64)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), time.Unix(unix, 0), time.Minute)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(body)))
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestHandleStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status    int
		success   bool
		retryable bool
		code      string
	}{
		{http.StatusOK, true, false, ""},
		{http.StatusAccepted, true, false, ""},
		{http.StatusNotFound, false, false, engine.CodeGone},
		{http.StatusGone, false, false, engine.CodeGone},
		{http.StatusInternalServerError, false, true, engine.CodeUnavailable},
		{http.StatusBadGateway, false, true, engine.CodeUnavailable},
		{http.StatusTooManyRequests, false, true, engine.CodeUnavailable},
	}

	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			h := hook.NewHandler(srv.Client())
			out := h.Handle(context.Background(), payloadFor(t, srv.URL, ""))

			assert.Equal(t, tc.success, out.Success)
			assert.Equal(t, tc.retryable, out.Retryable)
			assert.Equal(t, tc.code, out.ErrorCode)
		})
	}
}

func TestHandleTransportErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close() // refuse connections

	h := hook.NewHandler(http.DefaultClient)
	out := h.Handle(context.Background(), payloadFor(t, srv.URL, ""))

	assert.False(t, out.Success)
	assert.True(t, out.Retryable)
	assert.Equal(t, engine.CodeUnavailable, out.ErrorCode)
}

func TestHandleMissingURLIsTerminal(t *testing.T) {
	t.Parallel()
	h := hook.NewHandler(http.DefaultClient)
	out := h.Handle(context.Background(), json.RawMessage(`{"body":{"event":"ping"}}`))

	assert.False(t, out.Success)
	assert.False(t, out.Retryable)
	assert.Equal(t, engine.CodeGone, out.ErrorCode)
}

func TestHandleMalformedPayloadRetries(t *testing.T) {
	t.Parallel()
	h := hook.NewHandler(http.DefaultClient)
	out := h.Handle(context.Background(), json.RawMessage(`{"url":`))

	assert.False(t, out.Success)
	assert.True(t, out.Retryable)
	assert.Equal(t, engine.CodeInternal, out.ErrorCode)
}
