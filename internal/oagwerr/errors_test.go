package oagwerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStatusMapping(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindMissingTargetHost, http.StatusBadRequest},
		{KindRouteNotFound, http.StatusNotFound},
		{KindAuthFailed, http.StatusUnauthorized},
		{KindPluginRejected, http.StatusForbidden},
		{KindRateLimitExceeded, http.StatusTooManyRequests},
		{KindCircuitOpen, http.StatusServiceUnavailable},
		{KindConnectionTimeout, http.StatusGatewayTimeout},
		{KindStreamAborted, 499},
		{KindDownstreamError, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, New(tt.kind, "x").Status)
		})
	}

	// Unknown kinds fail closed as internal errors.
	assert.Equal(t, http.StatusInternalServerError, StatusFor(Kind("made_up")))
}

func TestErrorChain(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	e := Wrap(KindDownstreamError, "upstream connection failed", cause)

	assert.ErrorIs(t, e, cause)
	assert.True(t, IsKind(e, KindDownstreamError))
	assert.False(t, IsKind(e, KindRouteNotFound))
	assert.Contains(t, e.Error(), "refused")

	wrapped := fmt.Errorf("request aborted: %w", e)
	assert.True(t, IsKind(wrapped, KindDownstreamError))
}

func TestClassifyPassthrough(t *testing.T) {
	e := New(KindRouteNotFound, "no route")
	assert.Same(t, e, Classify(e))
	assert.Same(t, e, Classify(fmt.Errorf("outer: %w", e)))

	got := Classify(errors.New("surprise"))
	assert.Equal(t, KindInternal, got.Kind)
	assert.Nil(t, Classify(nil))
}

func TestWriteHTTPProblem(t *testing.T) {
	e := New(KindUnknownTargetHost, "host not in pool").
		WithField("valid_hosts", []string{"a.example.com", "b.example.com"})

	w := httptest.NewRecorder()
	e.WriteHTTP(w)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ContentTypeProblem, w.Header().Get("Content-Type"))
	assert.Equal(t, SourceGateway, w.Header().Get(HeaderErrorSource))
	assert.Empty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unknown_target_host.v1", body["type"])
	assert.Equal(t, "unknown_target_host", body["title"])
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
	assert.Equal(t, "host not in pool", body["detail"])
	assert.Len(t, body["valid_hosts"], 2)
}

func TestWriteHTTPRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	New(KindRateLimitExceeded, "slow down").WithRetryAfter(42 * time.Second).WriteHTTP(w)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))

	// Retriable kinds always carry a usable hint, even when none was set.
	w = httptest.NewRecorder()
	New(KindCircuitOpen, "open").WriteHTTP(w)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Non-retriable kinds never do.
	w = httptest.NewRecorder()
	New(KindAuthFailed, "denied").WriteHTTP(w)
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestProblemFlattensFieldsSafely(t *testing.T) {
	e := New(KindValidation, "bad").
		WithField("plugin", "cel").
		WithField("status", 999) // must not clobber the real status

	raw, err := json.Marshal(e.ToProblem())
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
	assert.Equal(t, "cel", body["plugin"])
}
