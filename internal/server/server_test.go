package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/snare/internal/artifact"
	"github.com/dativo-io/snare/internal/config"
	"github.com/dativo-io/snare/internal/engage"
	"github.com/dativo-io/snare/internal/slo"
	"github.com/dativo-io/snare/internal/store"
)

const testKey = "test-key"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	cfg := &config.Config{
		CallbackContractVersion: "1.1",
		MinIOCCategories:        2,
		MinRedFlags:             3,
		MaxTurns:                10,
		InactivityWindow:        180 * time.Second,
		RateLimitRPS:            1000,
		RateLimitBurst:          1000,
	}
	st, err := store.New(filepath.Join(t.TempDir(), "snare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agg := slo.New(15*time.Minute, 30*time.Second, 5*time.Second)
	orch := engage.New(st, artifact.NewExtractor(artifact.MustNewRegistry()), agg, cfg)
	return NewServer(orch, st, agg, cfg, map[string]string{testKey: "tester"}), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth {
		req.Header.Set("X-Snare-Key", testKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func postEvent(t *testing.T, h http.Handler, sessionID, text string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, h, http.MethodPost, "/v1/events", map[string]any{
		"sessionId": sessionID,
		"message":   map[string]any{"sender": "scammer", "text": text, "timestamp": time.Now().UTC()},
	}, true)
}

func TestHealthUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Routes(), http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Routes(), http.MethodPost, "/v1/events", map[string]any{"sessionId": "x"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEventIntakeValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/events", map[string]any{
		"message": map[string]any{"text": "hello"},
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/events", map[string]any{
		"sessionId": "sess-1",
		"message":   map[string]any{"text": ""},
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventIntakeProcesses(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Routes()

	rec := postEvent(t, h, "sess-1", "hello there")
	require.Equal(t, http.StatusOK, rec.Code)

	var res engage.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.TurnsEngaged)

	_, err := st.LoadSession(context.Background(), "sess-1")
	assert.NoError(t, err)
}

func TestSessionSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := doJSON(t, h, http.MethodGet, "/admin/session/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	postEvent(t, h, "sess-1", "call me at +91 98765 43210")
	postEvent(t, h, "sess-1", "see https://offers.example.com/deal")

	rec = doJSON(t, h, http.MethodGet, "/admin/session/sess-1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "FINALIZED", snap["state"])
	assert.Equal(t, float64(2), snap["turnsEngaged"])
	assert.Equal(t, "evidence_quorum", snap["finalizeReason"])
	ledger := snap["outbox"].([]any)
	require.Len(t, ledger, 1)
	first := ledger[0].(map[string]any)
	assert.Equal(t, "sess-1:1", first["reportId"])
	assert.Equal(t, "pending", first["status"])
}

func TestSessionTimelineMarksPostscript(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	postEvent(t, h, "sess-1", "call me at +91 98765 43210")
	postEvent(t, h, "sess-1", "see https://offers.example.com/deal")
	postEvent(t, h, "sess-1", "hello again") // after latch: postscript

	rec := doJSON(t, h, http.MethodGet, "/admin/session/sess-1/timeline", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var timeline struct {
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	require.Len(t, timeline.Events, 4)

	assert.Equal(t, "message", timeline.Events[0]["type"])
	assert.Nil(t, timeline.Events[0]["ignored"])
	assert.Equal(t, "lifecycle_finalized", timeline.Events[2]["type"])
	assert.Equal(t, "evidence_quorum", timeline.Events[2]["reason"])
	assert.Equal(t, "message", timeline.Events[3]["type"])
	assert.Equal(t, true, timeline.Events[3]["ignored"])
}

func TestCallbackLedger(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	postEvent(t, h, "sess-1", "call me at +91 98765 43210")
	postEvent(t, h, "sess-1", "see https://offers.example.com/deal")
	postEvent(t, h, "sess-2", "hello there")

	rec := doJSON(t, h, http.MethodGet, "/admin/callbacks?session_id=sess-1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Callbacks []map[string]any `json:"callbacks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Callbacks, 1)
	assert.Equal(t, "sess-1:1", resp.Callbacks[0]["reportId"])

	rec = doJSON(t, h, http.MethodGet, "/admin/callbacks?session_id=sess-2", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Callbacks)
}

func TestSLOSnapshotEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	postEvent(t, h, "sess-1", "call me at +91 98765 43210")
	postEvent(t, h, "sess-1", "see https://offers.example.com/deal")

	rec := doJSON(t, h, http.MethodGet, "/admin/slo", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap slo.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 900, snap.WindowSeconds)
	assert.Equal(t, 1.0, snap.FinalizeSuccessRate)
	assert.Equal(t, []string{"sess-1"}, snap.SessionsWaitingForReport)
}

func TestForceFinalizeAndClose(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	postEvent(t, h, "sess-1", "hello there")

	rec := doJSON(t, h, http.MethodPost, "/admin/session/sess-1/finalize",
		map[string]any{"reason": "refusal_loop"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var res engage.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Finalized)
	assert.Equal(t, "refusal_loop", res.Reason)

	rec = doJSON(t, h, http.MethodPost, "/admin/session/sess-1/close", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/admin/session/missing/finalize", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := &config.Config{
		CallbackContractVersion: "1.1",
		MinIOCCategories:        2,
		MaxTurns:                10,
		InactivityWindow:        180 * time.Second,
		RateLimitRPS:            1,
		RateLimitBurst:          1,
	}
	st, err := store.New(filepath.Join(t.TempDir(), "snare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	agg := slo.New(15*time.Minute, 30*time.Second, 5*time.Second)
	orch := engage.New(st, artifact.NewExtractor(artifact.MustNewRegistry()), agg, cfg)
	s := NewServer(orch, st, agg, cfg, map[string]string{testKey: "tester"})
	h := s.Routes()

	rec := doJSON(t, h, http.MethodGet, "/admin/slo", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/slo", nil, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
