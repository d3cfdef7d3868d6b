package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/snare/internal/artifact"
)

func testPolicy() TriggerPolicy {
	return TriggerPolicy{
		MinIOCCategories: 2,
		MinRedFlags:      3,
		MaxTurns:         10,
		InactivityWindow: 180 * time.Second,
		NoProgressTurns:  3,
		RepeatLimit:      2,
	}
}

func activeSession(t *testing.T, id string) *Session {
	t.Helper()
	s := New(id, time.Now())
	require.NoError(t, s.Transition(StateActive))
	return s
}

func TestQuorumFiresOnSecondCategoryNotEarlier(t *testing.T) {
	pol := testPolicy()
	s := activeSession(t, "q-1")
	now := time.Now()
	s.LastActivityAt = now

	s.MergeArtifacts([]artifact.Artifact{
		{Category: artifact.CategoryPhone, Canonical: "+919876543210", Valid: true},
	})
	s.TurnsEngaged = 1
	_, fired := pol.Decide(s, now)
	assert.False(t, fired, "one category must not reach quorum")

	s.MergeArtifacts([]artifact.Artifact{
		{Category: artifact.CategoryURL, Canonical: "https://evil.example/pay", Valid: true},
	})
	s.TurnsEngaged = 2
	reason, fired := pol.Decide(s, now)
	require.True(t, fired, "second category must reach quorum")
	assert.Equal(t, ReasonEvidenceQuorum, reason)
}

func TestQuorumGatedByMinTurns(t *testing.T) {
	pol := testPolicy()
	pol.QuorumMinTurns = 8
	s := activeSession(t, "q-2")
	now := time.Now()
	s.LastActivityAt = now
	s.MergeArtifacts([]artifact.Artifact{
		{Category: artifact.CategoryPhone, Canonical: "+919876543210", Valid: true},
		{Category: artifact.CategoryUPI, Canonical: "x@ybl", Valid: true},
	})

	s.TurnsEngaged = 7
	_, fired := pol.Decide(s, now)
	assert.False(t, fired)

	s.TurnsEngaged = 8
	reason, fired := pol.Decide(s, now)
	require.True(t, fired)
	assert.Equal(t, ReasonEvidenceQuorum, reason)
}

func TestQuorumRedFlagsAloneSufficeUnderOR(t *testing.T) {
	pol := testPolicy()
	s := activeSession(t, "q-3")
	now := time.Now()
	s.LastActivityAt = now
	s.MergeRedFlags([]string{"OTP_REQUEST", "PAYMENT_REQUEST", "THREAT_PRESSURE"})

	reason, fired := pol.Decide(s, now)
	require.True(t, fired)
	assert.Equal(t, ReasonEvidenceQuorum, reason)
}

func TestQuorumRequireBothANDsSubconditions(t *testing.T) {
	pol := testPolicy()
	pol.QuorumRequireBoth = true
	s := activeSession(t, "q-4")
	now := time.Now()
	s.LastActivityAt = now
	s.MergeRedFlags([]string{"OTP_REQUEST", "PAYMENT_REQUEST", "THREAT_PRESSURE"})

	_, fired := pol.Decide(s, now)
	assert.False(t, fired, "flags alone must not fire under AND")

	s.MergeArtifacts([]artifact.Artifact{
		{Category: artifact.CategoryPhone, Canonical: "+919876543210", Valid: true},
		{Category: artifact.CategoryUPI, Canonical: "x@ybl", Valid: true},
	})
	_, fired = pol.Decide(s, now)
	assert.True(t, fired)
}

func TestMaxTurnsFiresExactlyOnTenthTurn(t *testing.T) {
	pol := testPolicy()
	s := activeSession(t, "b-1")
	now := time.Now()
	s.LastActivityAt = now

	s.TurnsEngaged = 9
	_, fired := pol.Decide(s, now)
	assert.False(t, fired)

	s.TurnsEngaged = 10
	reason, fired := pol.Decide(s, now)
	require.True(t, fired)
	assert.Equal(t, ReasonMaxTurns, reason)
}

func TestInactivityTrigger(t *testing.T) {
	pol := testPolicy()
	s := activeSession(t, "b-2")
	now := time.Now()
	s.LastActivityAt = now.Add(-181 * time.Second)

	reason, fired := pol.Decide(s, now)
	require.True(t, fired)
	assert.Equal(t, ReasonInactivity, reason)
}

func TestFirstWinPriority(t *testing.T) {
	pol := testPolicy()
	s := activeSession(t, "p-1")
	now := time.Now()
	s.LastActivityAt = now

	// Quorum, budget, and escalation all hold; quorum must win.
	s.MergeArtifacts([]artifact.Artifact{
		{Category: artifact.CategoryPhone, Canonical: "+919876543210", Valid: true},
		{Category: artifact.CategoryUPI, Canonical: "x@ybl", Valid: true},
	})
	s.TurnsEngaged = 10
	s.Escalation = "refusal_loop"

	reason, fired := pol.Decide(s, now)
	require.True(t, fired)
	assert.Equal(t, ReasonEvidenceQuorum, reason)
}

func TestEscalationPassthroughReason(t *testing.T) {
	pol := testPolicy()
	s := activeSession(t, "p-2")
	now := time.Now()
	s.LastActivityAt = now
	s.Escalation = "admin_force_finalize"

	reason, fired := pol.Decide(s, now)
	require.True(t, fired)
	assert.Equal(t, "admin_force_finalize", reason)
}

func TestLatchedSessionNeverRefires(t *testing.T) {
	pol := testPolicy()
	s := activeSession(t, "l-1")
	now := time.Now()
	s.TurnsEngaged = 10
	require.NoError(t, s.Transition(StateReadyToReport))

	_, fired := pol.Decide(s, now)
	assert.False(t, fired)
}

func TestNoProgressAndRepeatThresholds(t *testing.T) {
	pol := testPolicy()
	now := time.Now()

	s := activeSession(t, "b-3")
	s.LastActivityAt = now
	s.NoProgressCount = 3
	reason, fired := pol.Decide(s, now)
	require.True(t, fired)
	assert.Equal(t, ReasonNoProgress, reason)

	s2 := activeSession(t, "b-4")
	s2.LastActivityAt = now
	s2.RepeatCount = 3 // limit 2 tolerates two repeats
	reason, fired = pol.Decide(s2, now)
	require.True(t, fired)
	assert.Equal(t, ReasonRepeat, reason)
}
