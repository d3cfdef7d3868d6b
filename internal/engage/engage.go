// Package engage is the per-event entry point. The orchestrator serializes
// work per session (single-flight), runs extraction, evaluates finalization
// triggers, and commits the latch-and-drain transition that freezes a session
// into a deliverable report.
package engage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/snare/internal/artifact"
	"github.com/dativo-io/snare/internal/config"
	snareotel "github.com/dativo-io/snare/internal/otel"
	"github.com/dativo-io/snare/internal/report"
	"github.com/dativo-io/snare/internal/session"
	"github.com/dativo-io/snare/internal/slo"
	"github.com/dativo-io/snare/internal/store"
)

var tracer = snareotel.Tracer("github.com/dativo-io/snare/internal/engage")

// ErrSessionBusy is returned when an event arrives while another event for
// the same session is still being processed. The caller should retry after
// the in-flight event completes.
var ErrSessionBusy = errors.New("session busy")

// Event is one inbound conversational event. Validation of the outer request
// happens at the server boundary; by the time an Event reaches the
// orchestrator its shape is trusted.
type Event struct {
	SessionID           string            `json:"sessionId"`
	Message             session.Message   `json:"message"`
	ConversationHistory []session.Message `json:"conversationHistory,omitempty"`
	Detection           *Detection        `json:"detection,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
}

// Detection is the verdict block an upstream detection engine attaches to an
// event. When absent, the orchestrator derives a deterministic verdict from
// the red-flag signals it has accumulated itself.
type Detection struct {
	ScamDetected bool     `json:"scamDetected"`
	ScamType     string   `json:"scamType,omitempty"`
	Confidence   float64  `json:"confidenceLevel"`
	Reasons      []string `json:"reasons,omitempty"`
}

// Result summarizes what the orchestrator did with an event.
type Result struct {
	SessionID    string        `json:"sessionId"`
	State        session.State `json:"state"`
	TurnsEngaged int           `json:"turnsEngaged"`
	Ignored      bool          `json:"ignored"`
	Finalized    bool          `json:"finalized"`
	Reason       string        `json:"finalizeReason,omitempty"`
	ReportID     string        `json:"reportId,omitempty"`
}

type extraction struct {
	artifacts []artifact.Artifact
	redFlags  []string
}

// Orchestrator owns session writes during event processing. All coordination
// beyond the per-process single-flight lock goes through the store, so
// replicas on other hosts stay correct via optimistic versioning.
type Orchestrator struct {
	store     *store.Store
	extractor *artifact.Extractor
	agg       *slo.Aggregator

	policy          session.TriggerPolicy
	contractVersion string

	mu       sync.Mutex
	inFlight map[string]bool
}

// New builds an orchestrator from operator configuration.
func New(st *store.Store, ex *artifact.Extractor, agg *slo.Aggregator, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:     st,
		extractor: ex,
		agg:       agg,
		policy: session.TriggerPolicy{
			MinIOCCategories:  cfg.MinIOCCategories,
			MinRedFlags:       cfg.MinRedFlags,
			QuorumRequireBoth: cfg.QuorumRequireBoth,
			QuorumMinTurns:    cfg.QuorumMinTurns,
			MaxTurns:          cfg.MaxTurns,
			InactivityWindow:  cfg.InactivityWindow,
			NoProgressTurns:   cfg.NoProgressTurns,
			RepeatLimit:       cfg.RepeatLimit,
		},
		contractVersion: cfg.CallbackContractVersion,
		inFlight:        make(map[string]bool),
	}
}

// acquire takes the single-flight slot for a session id.
func (o *Orchestrator) acquire(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[id] {
		return ErrSessionBusy
	}
	o.inFlight[id] = true
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, id)
}

// HandleEvent processes one inbound event end to end.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) (*Result, error) {
	return o.handleEvent(ctx, ev, time.Now().UTC())
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev Event, now time.Time) (*Result, error) {
	if err := o.acquire(ev.SessionID); err != nil {
		return nil, err
	}
	defer o.release(ev.SessionID)

	correlationID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "engage.handle_event",
		trace.WithAttributes(
			attribute.String("session.id", ev.SessionID),
			attribute.String("correlation.id", correlationID),
		))
	defer span.End()

	sess, err := o.store.LoadSession(ctx, ev.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		sess = session.New(ev.SessionID, now)
		if err := sess.Transition(session.StateActive); err != nil {
			return nil, err
		}
		if err := o.store.CreateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
		log.Info().Str("session_id", sess.ID).Str("correlation_id", correlationID).Msg("session_started")
	} else if err != nil {
		return nil, err
	}

	// Watchdog check runs before the new message is considered: a session
	// that went quiet past the inactivity window finalizes on the evidence
	// it already has.
	if !sess.Latched() && sess.State == session.StateActive &&
		o.policy.InactivityWindow > 0 && now.Sub(sess.LastActivityAt) > o.policy.InactivityWindow {
		if err := o.finalize(ctx, sess, session.ReasonInactivity, now); err != nil {
			return nil, err
		}
	}

	if sess.Latched() {
		sess.AppendPostscript(ev.Message)
		if err := o.store.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
		log.Debug().Str("session_id", sess.ID).Msg("postscript_archived")
		return &Result{SessionID: sess.ID, State: sess.State, TurnsEngaged: sess.TurnsEngaged, Ignored: true}, nil
	}

	if esc, ok := ev.Metadata["escalation"].(string); ok && esc != "" {
		sess.Escalation = esc
	}

	o.recordTurn(sess, ev.Message)
	sess.LastActivityAt = now

	// Extraction is dispatched concurrently; the receive below is the drain
	// barrier that a finalize decision must pass before the report is built,
	// so the report always reflects a consistent snapshot.
	drain := make(chan extraction, 1)
	go func() {
		drain <- extraction{
			artifacts: o.extractor.Extract(ev.Message.Text),
			redFlags:  artifact.RedFlags(ev.Message.Text),
		}
	}()
	ex := <-drain

	added := sess.MergeArtifacts(ex.artifacts)
	added += sess.MergeRedFlags(ex.redFlags)
	if added == 0 {
		sess.NoProgressCount++
	} else {
		sess.NoProgressCount = 0
	}

	// Verdict: an upstream detection block wins; otherwise fall back to the
	// deterministic signal score over everything gathered so far. Two or
	// more distinct red flags mark the session as a scam.
	if ev.Detection != nil {
		sess.VerdictExternal = true
		sess.ApplyVerdict(ev.Detection.ScamDetected, ev.Detection.ScamType, ev.Detection.Confidence)
	} else if !sess.VerdictExternal {
		sess.ApplyVerdict(len(sess.RedFlags) >= 2, artifact.ScamTypeHint(sess.RedFlags),
			artifact.SignalScore(sess.RedFlags))
	}

	reason, fired := o.policy.Decide(sess, now)
	if !fired {
		if err := o.store.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
		return &Result{SessionID: sess.ID, State: sess.State, TurnsEngaged: sess.TurnsEngaged}, nil
	}

	if err := o.finalize(ctx, sess, reason, now); err != nil {
		return nil, err
	}
	return &Result{
		SessionID:    sess.ID,
		State:        sess.State,
		TurnsEngaged: sess.TurnsEngaged,
		Finalized:    true,
		Reason:       reason,
		ReportID:     sess.ReportID,
	}, nil
}

// recordTurn appends the message and updates the turn counters. A counterparty
// repeating the previous message verbatim (after normalization) bumps the
// repeat counter instead of resetting it.
func (o *Orchestrator) recordTurn(sess *session.Session, m session.Message) {
	norm := artifact.NormalizeText(m.Text)
	if n := len(sess.Messages); n > 0 && artifact.NormalizeText(sess.Messages[n-1].Text) == norm {
		sess.RepeatCount++
	} else {
		sess.RepeatCount = 0
	}
	sess.AppendMessage(m)
	sess.TurnsEngaged++
}

// finalize runs the latch-and-drain commit: READY_TO_REPORT, build the frozen
// report, fingerprint it, and persist session + outbox entry atomically. On
// storage failure the pre-trigger state is restored so the same trigger can
// safely re-fire on the next event or watchdog sweep.
func (o *Orchestrator) finalize(ctx context.Context, sess *session.Session, reason string, now time.Time) error {
	ctx, span := tracer.Start(ctx, "engage.finalize",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("finalize.reason", reason),
		))
	defer span.End()

	preTrigger, err := cloneSession(sess)
	if err != nil {
		return err
	}

	if err := sess.Transition(session.StateReadyToReport); err != nil {
		return err
	}

	finalizedAt := now
	sess.FinalizedAt = &finalizedAt
	sess.FinalizeReason = reason
	reportID := sess.NextReportID()

	rep, err := report.Build(sess, report.BuildParams{
		ReportID:        reportID,
		ContractVersion: o.contractVersion,
		FinalizeReason:  reason,
		GeneratedAt:     now,
	})
	if err != nil {
		o.rollback(ctx, sess, preTrigger)
		o.agg.RecordFinalize(now, false, 0)
		return fmt.Errorf("building report: %w", err)
	}

	payload, err := report.CanonicalJSON(rep)
	if err != nil {
		o.rollback(ctx, sess, preTrigger)
		o.agg.RecordFinalize(now, false, 0)
		return fmt.Errorf("serializing report: %w", err)
	}
	if err := report.ValidateContract(payload); err != nil {
		o.rollback(ctx, sess, preTrigger)
		o.agg.RecordFinalize(now, false, 0)
		return fmt.Errorf("report contract: %w", err)
	}

	sess.FinalReport = payload
	if err := sess.Transition(session.StateFinalized); err != nil {
		o.rollback(ctx, sess, preTrigger)
		return err
	}

	entry := &store.OutboxEntry{
		ReportID:      reportID,
		SessionID:     sess.ID,
		Payload:       payload,
		Status:        store.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.FinalizeSession(ctx, sess, entry); err != nil {
		o.rollback(ctx, sess, preTrigger)
		o.agg.RecordFinalize(now, false, 0)
		log.Error().Err(err).Str("session_id", sess.ID).Str("reason", reason).Msg("finalize_commit_failed")
		return fmt.Errorf("committing finalize: %w", err)
	}

	o.agg.RecordFinalize(now, true, sess.EngagementDuration(now))
	o.agg.MarkWaiting(sess.ID, now)
	log.Info().Str("session_id", sess.ID).Str("report_id", reportID).
		Str("reason", reason).Int("turns", sess.TurnsEngaged).Msg("session_finalized")
	return nil
}

// rollback restores the in-memory session to its pre-trigger snapshot. The
// durable row was never touched, so in-memory and store agree again.
func (o *Orchestrator) rollback(_ context.Context, sess *session.Session, preTrigger *session.Session) {
	*sess = *preTrigger
}

// ForceFinalize latches a session on an administrative escalation.
func (o *Orchestrator) ForceFinalize(ctx context.Context, sessionID, reason string) (*Result, error) {
	if err := o.acquire(sessionID); err != nil {
		return nil, err
	}
	defer o.release(sessionID)

	sess, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Latched() {
		return nil, fmt.Errorf("session %s already finalized", sessionID)
	}
	if reason == "" {
		reason = session.ReasonEscalation
	}

	now := time.Now().UTC()
	if err := o.finalize(ctx, sess, reason, now); err != nil {
		return nil, err
	}
	return &Result{
		SessionID: sess.ID, State: sess.State, TurnsEngaged: sess.TurnsEngaged,
		Finalized: true, Reason: reason, ReportID: sess.ReportID,
	}, nil
}

// ForceClose archives a session administratively.
func (o *Orchestrator) ForceClose(ctx context.Context, sessionID string) (*Result, error) {
	if err := o.acquire(sessionID); err != nil {
		return nil, err
	}
	defer o.release(sessionID)

	sess, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.ForceClose(); err != nil {
		return nil, err
	}
	if err := o.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", sessionID).Msg("session_closed")
	return &Result{SessionID: sess.ID, State: sess.State, TurnsEngaged: sess.TurnsEngaged}, nil
}

func cloneSession(s *session.Session) (*session.Session, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshotting session: %w", err)
	}
	var clone session.Session
	if err := json.Unmarshal(doc, &clone); err != nil {
		return nil, fmt.Errorf("restoring session snapshot: %w", err)
	}
	clone.Version = s.Version
	return &clone, nil
}
