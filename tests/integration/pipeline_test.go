//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/snare/internal/artifact"
	"github.com/dativo-io/snare/internal/config"
	"github.com/dativo-io/snare/internal/engage"
	"github.com/dativo-io/snare/internal/outbox"
	"github.com/dativo-io/snare/internal/server"
	"github.com/dativo-io/snare/internal/slo"
	"github.com/dativo-io/snare/internal/store"
)

const testAPIKey = "integration-test-key"

type stack struct {
	cfg    *config.Config
	store  *store.Store
	agg    *slo.Aggregator
	orch   *engage.Orchestrator
	worker *outbox.Worker
	api    http.Handler
}

// setupStack wires the full process the way "snare serve" does, minus the
// listener and cron: real SQLite store, built-in recognizers, orchestrator,
// outbox worker, and the chi router.
func setupStack(t *testing.T, callbackURL string) *stack {
	t.Helper()

	cfg := &config.Config{
		DataDir:                 t.TempDir(),
		CallbackURL:             callbackURL,
		CallbackTimeout:         5 * time.Second,
		CallbackMaxAttempts:     5,
		CallbackBaseDelay:       10 * time.Millisecond,
		CallbackMaxDelay:        time.Second,
		CallbackRetry429:        true,
		CallbackContractVersion: "1.1",
		MinIOCCategories:        2,
		MinRedFlags:             3,
		MaxTurns:                10,
		InactivityWindow:        180 * time.Second,
		OutboxPollInterval:      50 * time.Millisecond,
		OutboxClaimTTL:          time.Minute,
		SLOWindow:               15 * time.Minute,
		TargetFinalizeP95:       5,
		TargetCallbackP95:       3,
	}

	st, err := store.New(filepath.Join(cfg.DataDir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := artifact.NewRegistry("")
	require.NoError(t, err)

	agg := slo.New(cfg.SLOWindow, 5*time.Second, 3*time.Second)
	orch := engage.New(st, artifact.NewExtractor(reg), agg, cfg)
	srv := server.NewServer(orch, st, agg, cfg, map[string]string{testAPIKey: "ops"})

	return &stack{
		cfg:    cfg,
		store:  st,
		agg:    agg,
		orch:   orch,
		worker: outbox.NewWorker(st, agg, cfg),
		api:    srv.Routes(),
	}
}

func (s *stack) postEvent(t *testing.T, sessionID, text string) *httptest.ResponseRecorder {
	t.Helper()

	body := map[string]any{
		"sessionId": sessionID,
		"message":   map[string]any{"sender": "scammer", "text": text},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Snare-Key", testAPIKey)
	rec := httptest.NewRecorder()
	s.api.ServeHTTP(rec, req)
	return rec
}

func (s *stack) getJSON(t *testing.T, path string, out any) int {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Snare-Key", testAPIKey)
	rec := httptest.NewRecorder()
	s.api.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

// TestEngagementPipeline exercises the whole flow a production deployment
// sees: events arrive over HTTP, evidence quorum latches the session, the
// outbox worker delivers the frozen report to the operator callback, and the
// admin surface reflects every step.
func TestEngagementPipeline(t *testing.T) {
	var delivered atomic.Int32
	var gotIdempotencyKey atomic.Value
	var gotPayload atomic.Value

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdempotencyKey.Store(r.Header.Get("Idempotency-Key"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotPayload.Store(payload)
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	s := setupStack(t, callback.URL)

	rec := s.postEvent(t, "sess-pipeline", "Hello sir, this is customer support, call me at +91 98765 43210")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.postEvent(t, "sess-pipeline", "Complete verification at https://verify-wallet.example.com now, act fast or account blocked")
	require.Equal(t, http.StatusOK, rec.Code)

	var res engage.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Finalized)
	assert.Equal(t, "evidence_quorum", res.Reason)
	assert.Equal(t, "sess-pipeline:1", res.ReportID)

	// A message after latch is archived, never re-reported.
	rec = s.postEvent(t, "sess-pipeline", "Are you still there sir?")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Ignored)

	n := s.worker.ProcessOnce(context.Background(), time.Now())
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, "sess-pipeline:1", gotIdempotencyKey.Load())

	payload, ok := gotPayload.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sess-pipeline", payload["sessionId"])
	assert.Equal(t, true, payload["scamDetected"])

	// Nothing left to deliver; re-running the worker must not repost.
	n = s.worker.ProcessOnce(context.Background(), time.Now())
	assert.Zero(t, n)
	assert.Equal(t, int32(1), delivered.Load())

	// Admin surface agrees with what the callback receiver saw.
	var snap map[string]any
	require.Equal(t, http.StatusOK, s.getJSON(t, "/admin/session/sess-pipeline", &snap))
	assert.Equal(t, "FINALIZED", snap["state"])

	var ledger struct {
		Callbacks []map[string]any `json:"callbacks"`
	}
	require.Equal(t, http.StatusOK, s.getJSON(t, "/admin/callbacks?session_id=sess-pipeline", &ledger))
	require.Len(t, ledger.Callbacks, 1)
	assert.Equal(t, "delivered", ledger.Callbacks[0]["status"])

	var sloBody map[string]any
	require.Equal(t, http.StatusOK, s.getJSON(t, "/admin/slo", &sloBody))
	assert.Equal(t, float64(1), sloBody["finalize_success_rate"])
	assert.Equal(t, float64(1), sloBody["callback_delivery_success_rate"])
	assert.Empty(t, sloBody["sessions_waiting_for_report"])
}

// TestEngagementPipelineRetriesOutage verifies a flaky downstream does not
// lose a report: the first delivery attempts fail, the entry stays pending
// with backoff, and a later cycle lands it.
func TestEngagementPipelineRetriesOutage(t *testing.T) {
	var calls atomic.Int32
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	s := setupStack(t, callback.URL)

	rec := s.postEvent(t, "sess-outage", "Send UPI payment to scampay@upi to release your parcel")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.postEvent(t, "sess-outage", "Track it here https://parcel-fee.example.net/pay, limited time only, do not tell anyone")
	require.Equal(t, http.StatusOK, rec.Code)

	var res engage.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Finalized)

	now := time.Now()
	for i := 0; i < 3; i++ {
		s.worker.ProcessOnce(context.Background(), now)
		now = now.Add(2 * time.Second)
	}

	entry, err := s.store.GetOutboxEntry(context.Background(), res.ReportID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
	assert.Len(t, entry.History, 3)
}
