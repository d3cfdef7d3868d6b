package session

import "time"

// Finalize reason codes. Escalation passes its external reason through
// verbatim instead.
const (
	ReasonEvidenceQuorum = "evidence_quorum"
	ReasonMaxTurns       = "max_turns_reached"
	ReasonInactivity     = "inactivity_timeout"
	ReasonNoProgress     = "no_progress_threshold"
	ReasonRepeat         = "repeat_threshold"
	ReasonEscalation     = "escalation"
)

// TriggerPolicy holds the configured finalization thresholds. Zero values
// disable the corresponding sub-condition except MinIOCCategories and
// MaxTurns, which the config layer guarantees positive.
type TriggerPolicy struct {
	MinIOCCategories  int
	MinRedFlags       int
	QuorumRequireBoth bool // AND instead of OR across the two quorum counts
	QuorumMinTurns    int
	MaxTurns          int
	InactivityWindow  time.Duration
	NoProgressTurns   int
	RepeatLimit       int
}

// Rule is one predicate in the ordered trigger list. It returns the reason
// code when its condition holds.
type Rule struct {
	Name     string
	Evaluate func(s *Session, now time.Time) (reason string, fired bool)
}

// Rules returns the trigger rules in strict priority order. Evaluation is
// first-win: the first rule whose condition holds decides the finalize
// reason and no later rule is consulted.
func (p TriggerPolicy) Rules() []Rule {
	return []Rule{
		{Name: "evidence_quorum", Evaluate: p.evidenceQuorum},
		{Name: "turn_time_budget", Evaluate: p.turnTimeBudget},
		{Name: "escalation", Evaluate: p.escalation},
	}
}

// Decide runs the rules against a session. Sessions that have already
// latched are never re-finalized.
func (p TriggerPolicy) Decide(s *Session, now time.Time) (string, bool) {
	if s.Latched() {
		return "", false
	}
	for _, r := range p.Rules() {
		if reason, fired := r.Evaluate(s, now); fired {
			return reason, true
		}
	}
	return "", false
}

func (p TriggerPolicy) evidenceQuorum(s *Session, _ time.Time) (string, bool) {
	if s.TurnsEngaged < p.QuorumMinTurns {
		return "", false
	}
	catsMet := s.CategoryCount() >= p.MinIOCCategories
	flagsMet := p.MinRedFlags > 0 && s.RedFlagCount() >= p.MinRedFlags
	if p.QuorumRequireBoth {
		if catsMet && flagsMet {
			return ReasonEvidenceQuorum, true
		}
		return "", false
	}
	if catsMet || flagsMet {
		return ReasonEvidenceQuorum, true
	}
	return "", false
}

func (p TriggerPolicy) turnTimeBudget(s *Session, now time.Time) (string, bool) {
	if s.TurnsEngaged >= p.MaxTurns {
		return ReasonMaxTurns, true
	}
	if p.InactivityWindow > 0 && now.Sub(s.LastActivityAt) > p.InactivityWindow {
		return ReasonInactivity, true
	}
	if p.NoProgressTurns > 0 && s.NoProgressCount >= p.NoProgressTurns {
		return ReasonNoProgress, true
	}
	if p.RepeatLimit > 0 && s.RepeatCount >= p.RepeatLimit+1 {
		return ReasonRepeat, true
	}
	return "", false
}

func (p TriggerPolicy) escalation(s *Session, _ time.Time) (string, bool) {
	if s.Escalation != "" {
		return s.Escalation, true
	}
	return "", false
}
