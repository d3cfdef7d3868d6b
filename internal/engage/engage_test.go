package engage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/snare/internal/artifact"
	"github.com/dativo-io/snare/internal/config"
	"github.com/dativo-io/snare/internal/report"
	"github.com/dativo-io/snare/internal/session"
	"github.com/dativo-io/snare/internal/slo"
	"github.com/dativo-io/snare/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		CallbackContractVersion: "1.1",
		MinIOCCategories:        2,
		MinRedFlags:             3,
		QuorumMinTurns:          0,
		MaxTurns:                10,
		InactivityWindow:        180 * time.Second,
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *store.Store, *slo.Aggregator) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "snare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agg := slo.New(15*time.Minute, 30*time.Second, 5*time.Second)
	ex := artifact.NewExtractor(artifact.MustNewRegistry())
	return New(st, ex, agg, cfg), st, agg
}

func event(id, text string) Event {
	return Event{
		SessionID: id,
		Message:   session.Message{Sender: "scammer", Text: text, Timestamp: time.Now().UTC()},
	}
}

func TestFirstEventStartsSession(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	now := time.Now().UTC()

	res, err := o.handleEvent(context.Background(), event("sess-1", "hello there"), now)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, res.State)
	assert.Equal(t, 1, res.TurnsEngaged)
	assert.False(t, res.Finalized)

	sess, err := st.LoadSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 1)
}

func TestQuorumFiresOnSecondCategoryNotEarlier(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := o.handleEvent(ctx, event("sess-1", "call me at +91 98765 43210"), now)
	require.NoError(t, err)
	assert.False(t, res.Finalized, "one category must not reach quorum")

	res, err = o.handleEvent(ctx, event("sess-1", "details at https://offers.example.com/deal"), now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, session.ReasonEvidenceQuorum, res.Reason)
	assert.Equal(t, "sess-1:1", res.ReportID)

	entry, err := st.GetOutboxEntry(ctx, "sess-1:1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, entry.Status)

	ok, err := report.VerifyFingerprint(entry.Payload)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, report.ValidateContract(entry.Payload))
}

func TestMaxTurnsFinalizesExactlyOnTenth(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	texts := []string{
		"hello there", "how are you", "nice weather today", "tell me more",
		"that sounds interesting", "go on please", "i am listening",
		"what happened next", "really now",
	}
	for i, text := range texts {
		res, err := o.handleEvent(ctx, event("sess-1", text), now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.False(t, res.Finalized, "turn %d must not finalize", i+1)
	}

	res, err := o.handleEvent(ctx, event("sess-1", "one more thing"), now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, session.ReasonMaxTurns, res.Reason)
	assert.Equal(t, 10, res.TurnsEngaged)
}

func TestPostscriptNeverChangesFrozenReport(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := o.handleEvent(ctx, event("sess-1", "call me at +91 98765 43210"), now)
	require.NoError(t, err)
	res, err := o.handleEvent(ctx, event("sess-1", "see https://offers.example.com/deal"), now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, res.Finalized)

	frozen, err := st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)

	// A later message carrying fresh intelligence is archival-only.
	late, err := o.handleEvent(ctx, event("sess-1", "actually pay to fraud@upi and +91 91234 56789"), now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, late.Ignored)

	after, err := st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalized, after.State)
	assert.JSONEq(t, string(frozen.FinalReport), string(after.FinalReport))
	assert.Equal(t, frozen.Artifacts, after.Artifacts)
	assert.Equal(t, frozen.RedFlags, after.RedFlags)
	assert.Len(t, after.Postscript, 1)

	entries, err := st.ListOutboxEntries(ctx, store.OutboxFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrentFinalizeExactlyOneWins(t *testing.T) {
	// Two orchestrators over one store model two replicas; the store's
	// optimistic versioning is the only coordination between them.
	cfg := testConfig()
	a, st, agg := newTestOrchestrator(t, cfg)
	ex := artifact.NewExtractor(artifact.MustNewRegistry())
	b := New(st, ex, agg, cfg)

	ctx := context.Background()
	now := time.Now().UTC()
	_, err := a.handleEvent(ctx, event("sess-1", "call me at +91 98765 43210"), now)
	require.NoError(t, err)

	type outcome struct {
		res *Result
		err error
	}
	outcomes := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, o := range []*Orchestrator{a, b} {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			res, err := o.HandleEvent(ctx, event("sess-1", "see https://offers.example.com/deal"))
			outcomes <- outcome{res: res, err: err}
		}(o)
	}
	wg.Wait()
	close(outcomes)

	finalized := 0
	for oc := range outcomes {
		if oc.err != nil {
			// The loser observed the conflict; that is the contract.
			continue
		}
		if oc.res.Finalized {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)

	entries, err := st.ListOutboxEntries(ctx, store.OutboxFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one finalize transition may commit")

	sess, err := st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalized, sess.State)
	assert.Equal(t, 1, sess.ReportSequence)
}

func TestStaleSessionFinalizesBeforeNewMessage(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := o.handleEvent(ctx, event("sess-1", "call me at +91 98765 43210"), now)
	require.NoError(t, err)

	// Past the inactivity window: the session finalizes on the evidence it
	// already holds before the new message is considered, and the message
	// lands in postscript.
	res, err := o.handleEvent(ctx, event("sess-1", "are you still there"), now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, session.StateFinalized, res.State)

	sess, err := st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.ReasonInactivity, sess.FinalizeReason)
	assert.Len(t, sess.Messages, 1)
	assert.Len(t, sess.Postscript, 1)
}

func TestEscalationMetadataFinalizes(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	ev := event("sess-1", "i will not talk about that")
	ev.Metadata = map[string]any{"escalation": "refusal_loop"}
	res, err := o.handleEvent(ctx, ev, now)
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, "refusal_loop", res.Reason)
}

func TestNoProgressThresholdFinalizes(t *testing.T) {
	cfg := testConfig()
	cfg.NoProgressTurns = 3
	o, _, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, text := range []string{"hello there", "how are you"} {
		res, err := o.handleEvent(ctx, event("sess-1", text), now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.False(t, res.Finalized)
	}
	res, err := o.handleEvent(ctx, event("sess-1", "nice weather today"), now.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, session.ReasonNoProgress, res.Reason)
}

func TestForceFinalize(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := o.handleEvent(ctx, event("sess-1", "hello there"), now)
	require.NoError(t, err)

	res, err := o.ForceFinalize(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, session.ReasonEscalation, res.Reason)

	sess, err := st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalized, sess.State)

	_, err = o.ForceFinalize(ctx, "sess-1", "")
	assert.Error(t, err)
}

func TestForceClose(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := o.handleEvent(ctx, event("sess-1", "hello there"), now)
	require.NoError(t, err)

	res, err := o.ForceClose(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, res.State)

	sess, err := st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, sess.State)
}

func TestSingleFlightRejectsConcurrentEvent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig())

	require.NoError(t, o.acquire("sess-1"))
	defer o.release("sess-1")

	_, err := o.HandleEvent(context.Background(), event("sess-1", "hello there"))
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestWatchdogSweepFinalizesStaleSessions(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := o.handleEvent(ctx, event("sess-stale", "call me at +91 98765 43210"), now.Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = o.handleEvent(ctx, event("sess-fresh", "hello there"), now)
	require.NoError(t, err)

	w := NewWatchdog(o, "* * * * *")
	n := w.Sweep(ctx, now)
	assert.Equal(t, 1, n)

	stale, err := st.LoadSession(ctx, "sess-stale")
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalized, stale.State)
	assert.Equal(t, session.ReasonInactivity, stale.FinalizeReason)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(stale.FinalReport, &payload))
	meta := payload["metadata"].(map[string]any)
	assert.Equal(t, session.ReasonInactivity, meta["finalizeReason"])

	fresh, err := st.LoadSession(ctx, "sess-fresh")
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, fresh.State)
}

func TestExternalDetectionVerdictSticksAndRatchets(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	ev := event("sess-1", "hello there")
	ev.Detection = &Detection{ScamDetected: true, ScamType: "UPI_FRAUD", Confidence: 0.9}
	_, err := o.handleEvent(ctx, ev, now)
	require.NoError(t, err)

	sess, err := st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, sess.ScamDetected)
	assert.Equal(t, "UPI_FRAUD", sess.ScamType)
	assert.InDelta(t, 0.9, sess.Confidence, 1e-9)

	// A weaker later verdict must not un-flag the session.
	ev = event("sess-1", "ok noted")
	ev.Detection = &Detection{ScamDetected: false, Confidence: 0.2}
	_, err = o.handleEvent(ctx, ev, now.Add(time.Second))
	require.NoError(t, err)

	sess, err = st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, sess.ScamDetected)
	assert.InDelta(t, 0.9, sess.Confidence, 1e-9)
}

func TestSignalFallbackVerdictReachesReport(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := o.handleEvent(ctx,
		event("sess-1", "urgent: verify at https://fraud-desk.example.com/kyc and share your otp, call +91 98765 43210"),
		now)
	require.NoError(t, err)
	require.True(t, res.Finalized)

	entry, err := st.GetOutboxEntry(ctx, res.ReportID)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entry.Payload, &payload))
	assert.Equal(t, true, payload["scamDetected"])
	assert.Equal(t, "BANK_IMPERSONATION", payload["scamType"])
	assert.InDelta(t, 1.0, payload["confidenceLevel"].(float64), 1e-9)
}
