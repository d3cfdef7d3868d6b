// Package session owns the per-session data model and finalization state
// machine. A session only ever moves forward through its lifecycle; once it
// latches (READY_TO_REPORT) the message log and intelligence sets are frozen
// and every later message is archival-only postscript.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dativo-io/snare/internal/artifact"
)

// State is a session lifecycle state.
type State string

const (
	StateInit          State = "INIT"
	StateActive        State = "ACTIVE"
	StateReadyToReport State = "READY_TO_REPORT"
	StateFinalized     State = "FINALIZED"
	StateClosed        State = "CLOSED"
)

// forward lists the only legal forward transitions. Administrative
// force-close is handled separately by ForceClose.
var forward = map[State]State{
	StateInit:          StateActive,
	StateActive:        StateReadyToReport,
	StateReadyToReport: StateFinalized,
	StateFinalized:     StateClosed,
}

// ErrIllegalTransition is returned when a transition would move a session
// backwards or skip a state.
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal session transition %s → %s", e.From, e.To)
}

// Message is one conversation entry (accepted or postscript).
type Message struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the authoritative per-session state container. It is persisted
// as a whole by the store under optimistic versioning; nothing outside the
// orchestrator mutates it during event processing.
type Session struct {
	ID      string `json:"sessionId"`
	Version int64  `json:"-"` // store-managed, not part of the document
	State   State  `json:"state"`

	Messages   []Message `json:"messages"`
	Postscript []Message `json:"postscript,omitempty"`

	Artifacts []artifact.Artifact `json:"artifacts"`
	RedFlags  []string            `json:"redFlags"`

	ScamDetected bool    `json:"scamDetected"`
	ScamType     string  `json:"scamType,omitempty"`
	Confidence   float64 `json:"confidenceLevel"`
	AgentNotes   string  `json:"agentNotes,omitempty"`

	// VerdictExternal marks that an upstream detection engine supplied the
	// verdict; the signal-derived fallback then never overrides it.
	VerdictExternal bool `json:"verdictExternal,omitempty"`

	TurnsEngaged    int `json:"turnsEngaged"`
	NoProgressCount int `json:"noProgressCount"`
	RepeatCount     int `json:"repeatCount"`

	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	FinalizedAt    *time.Time `json:"finalizedAt,omitempty"`

	// Escalation holds an external force-finalize reason (admin request or
	// refusal-loop signal); the escalation trigger fires on the next
	// evaluation.
	Escalation string `json:"escalation,omitempty"`

	FinalizeReason string          `json:"finalizeReason,omitempty"`
	ReportSequence int             `json:"reportSequence"`
	ReportID       string          `json:"reportId,omitempty"`
	FinalReport    json.RawMessage `json:"finalReport,omitempty"`
}

// New returns a fresh INIT session.
func New(id string, now time.Time) *Session {
	return &Session{
		ID:             id,
		State:          StateInit,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Transition advances the session one step forward. Any other move is an
// *ErrIllegalTransition.
func (s *Session) Transition(to State) error {
	if forward[s.State] != to {
		return &ErrIllegalTransition{From: s.State, To: to}
	}
	s.State = to
	return nil
}

// ForceClose archives the session from any non-terminal state. This is the
// single sanctioned jump in the lifecycle.
func (s *Session) ForceClose() error {
	switch s.State {
	case StateActive, StateReadyToReport, StateFinalized:
		s.State = StateClosed
		return nil
	default:
		return &ErrIllegalTransition{From: s.State, To: StateClosed}
	}
}

// Latched reports whether the session has stopped accepting input for
// extraction.
func (s *Session) Latched() bool {
	switch s.State {
	case StateReadyToReport, StateFinalized, StateClosed:
		return true
	}
	return false
}

// ApplyVerdict folds a detection verdict into the session. The verdict is
// sticky: once a session is marked a scam it stays one, and confidence only
// ratchets upward, so a single weak later reading cannot un-flag evidence
// already gathered.
func (s *Session) ApplyVerdict(scam bool, scamType string, confidence float64) {
	if scam {
		s.ScamDetected = true
	}
	if confidence > s.Confidence {
		s.Confidence = confidence
	}
	if scamType != "" && scamType != "UNKNOWN" {
		s.ScamType = scamType
	} else if s.ScamDetected && s.ScamType == "" {
		s.ScamType = "UNKNOWN"
	}
}

// AppendMessage records an accepted counterparty/agent message.
func (s *Session) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
}

// AppendPostscript archives a message received after latch. Postscript
// entries are immutable and never fed to extraction.
func (s *Session) AppendPostscript(m Message) {
	s.Postscript = append(s.Postscript, m)
}

// MergeArtifacts folds newly extracted artifacts into the session set,
// deduplicating by (category, canonical). Returns the number actually added.
func (s *Session) MergeArtifacts(arts []artifact.Artifact) int {
	existing := make(map[string]bool, len(s.Artifacts))
	for _, a := range s.Artifacts {
		existing[a.Key()] = true
	}
	added := 0
	for _, a := range arts {
		if existing[a.Key()] {
			continue
		}
		existing[a.Key()] = true
		s.Artifacts = append(s.Artifacts, a)
		added++
	}
	return added
}

// MergeRedFlags folds red-flag tags into the session's distinct set.
// Returns the number actually added.
func (s *Session) MergeRedFlags(tags []string) int {
	existing := make(map[string]bool, len(s.RedFlags))
	for _, f := range s.RedFlags {
		existing[f] = true
	}
	added := 0
	for _, f := range tags {
		if existing[f] {
			continue
		}
		existing[f] = true
		s.RedFlags = append(s.RedFlags, f)
		added++
	}
	return added
}

// CategoryCount returns the number of distinct categories with at least one
// VALID artifact. Invalid-but-plausible values are retained for the report
// but never count toward quorum.
func (s *Session) CategoryCount() int {
	cats := make(map[artifact.Category]bool)
	for _, a := range s.Artifacts {
		if a.Valid {
			cats[a.Category] = true
		}
	}
	return len(cats)
}

// RedFlagCount returns the number of distinct red-flag tags observed.
func (s *Session) RedFlagCount() int {
	return len(s.RedFlags)
}

// NextReportID increments the report sequence and returns the deterministic
// report identifier "{sessionId}:{reportSequence}".
func (s *Session) NextReportID() string {
	s.ReportSequence++
	s.ReportID = ReportID(s.ID, s.ReportSequence)
	return s.ReportID
}

// ReportID builds the deterministic report identifier. It is reproducible
// from the session id and sequence alone.
func ReportID(sessionID string, sequence int) string {
	return fmt.Sprintf("%s:%d", sessionID, sequence)
}

// EngagementDuration returns the wall-clock span of the engagement.
func (s *Session) EngagementDuration(now time.Time) time.Duration {
	end := now
	if s.FinalizedAt != nil {
		end = *s.FinalizedAt
	}
	if end.Before(s.CreatedAt) {
		return 0
	}
	return end.Sub(s.CreatedAt)
}
