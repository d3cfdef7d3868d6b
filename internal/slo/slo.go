// Package slo maintains rolling-window service-level indicators over finalize
// and callback-delivery outcomes. The aggregator is a read-only observer: it
// derives figures from the event stream and has no write authority over
// sessions or the outbox.
package slo

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	failedRingSize  = 50
	failedSnapSize  = 20
	waitingSnapSize = 50
)

type sample struct {
	at time.Time
	ms float64
}

type outcome struct {
	at      time.Time
	success bool
}

type failedCallback struct {
	sessionID string
	at        time.Time
}

// Aggregator accumulates windowed counters and latency samples. Safe for
// concurrent use.
type Aggregator struct {
	mu sync.Mutex

	window            time.Duration
	finalizeTargetP95 time.Duration
	callbackTargetP95 time.Duration

	finalizeOutcomes  []outcome
	finalizeLatencies []sample
	callbackOutcomes  []outcome
	callbackLatencies []sample

	waiting      map[string]time.Time
	recentFailed []failedCallback // bounded ring, newest last
}

// New returns an aggregator over the given rolling window.
func New(window, finalizeTargetP95, callbackTargetP95 time.Duration) *Aggregator {
	return &Aggregator{
		window:            window,
		finalizeTargetP95: finalizeTargetP95,
		callbackTargetP95: callbackTargetP95,
		waiting:           make(map[string]time.Time),
	}
}

// RecordFinalize records one finalize attempt. Latency is the span from
// session start to the finalize decision.
func (a *Aggregator) RecordFinalize(at time.Time, success bool, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.finalizeOutcomes = append(a.finalizeOutcomes, outcome{at: at, success: success})
	if success {
		a.finalizeLatencies = append(a.finalizeLatencies, sample{at: at, ms: float64(latency.Milliseconds())})
	}
	a.prune(at)
}

// RecordCallback records one delivery attempt outcome for a session.
func (a *Aggregator) RecordCallback(at time.Time, sessionID string, success bool, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.callbackOutcomes = append(a.callbackOutcomes, outcome{at: at, success: success})
	if success {
		a.callbackLatencies = append(a.callbackLatencies, sample{at: at, ms: float64(latency.Milliseconds())})
	} else {
		a.recentFailed = append(a.recentFailed, failedCallback{sessionID: sessionID, at: at})
		if len(a.recentFailed) > failedRingSize {
			a.recentFailed = a.recentFailed[len(a.recentFailed)-failedRingSize:]
		}
	}
	a.prune(at)
}

// MarkWaiting registers a session that has latched but whose report has not
// been delivered yet.
func (a *Aggregator) MarkWaiting(sessionID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waiting[sessionID] = at
}

// ResolveWaiting removes a session from the waiting set once its report is
// delivered or dead-lettered.
func (a *Aggregator) ResolveWaiting(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.waiting, sessionID)
}

// Snapshot is the read-only SLO view served by the admin surface.
type Snapshot struct {
	FinalizeSuccessRate  float64 `json:"finalize_success_rate"`
	FinalizeLatencyP50MS float64 `json:"finalize_latency_p50_ms"`
	FinalizeLatencyP95MS float64 `json:"finalize_latency_p95_ms"`
	FinalizeTargetP95MS  float64 `json:"finalize_latency_target_p95_ms"`

	CallbackSuccessRate  float64 `json:"callback_delivery_success_rate"`
	CallbackLatencyP95MS float64 `json:"callback_latency_p95_ms"`
	CallbackTargetP95MS  float64 `json:"callback_latency_target_p95_ms"`

	SessionsWaitingForReport []string `json:"sessions_waiting_for_report"`
	RecentFailedCallbacks    []string `json:"recent_failed_callbacks"`

	WindowSeconds int       `json:"window_seconds"`
	SnapshotAt    time.Time `json:"snapshot_at"`
}

// Snapshot computes the current windowed view.
func (a *Aggregator) Snapshot(now time.Time) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(now)

	snap := Snapshot{
		FinalizeSuccessRate:  successRate(a.finalizeOutcomes),
		FinalizeLatencyP50MS: percentile(a.finalizeLatencies, 50),
		FinalizeLatencyP95MS: percentile(a.finalizeLatencies, 95),
		FinalizeTargetP95MS:  float64(a.finalizeTargetP95.Milliseconds()),
		CallbackSuccessRate:  successRate(a.callbackOutcomes),
		CallbackLatencyP95MS: percentile(a.callbackLatencies, 95),
		CallbackTargetP95MS:  float64(a.callbackTargetP95.Milliseconds()),
		WindowSeconds:        int(a.window.Seconds()),
		SnapshotAt:           now.UTC(),
	}

	snap.SessionsWaitingForReport = a.waitingIDs()
	snap.RecentFailedCallbacks = a.recentFailedIDs()
	return snap
}

// waitingIDs returns waiting session ids, oldest first, bounded.
func (a *Aggregator) waitingIDs() []string {
	type waiter struct {
		id string
		at time.Time
	}
	ws := make([]waiter, 0, len(a.waiting))
	for id, at := range a.waiting {
		ws = append(ws, waiter{id: id, at: at})
	}
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].at.Equal(ws[j].at) {
			return ws[i].id < ws[j].id
		}
		return ws[i].at.Before(ws[j].at)
	})
	if len(ws) > waitingSnapSize {
		ws = ws[:waitingSnapSize]
	}
	ids := make([]string, len(ws))
	for i, w := range ws {
		ids[i] = w.id
	}
	return ids
}

// recentFailedIDs returns the most recent failed-callback session ids, newest
// first, deduplicated.
func (a *Aggregator) recentFailedIDs() []string {
	ids := make([]string, 0, failedSnapSize)
	seen := make(map[string]bool)
	for i := len(a.recentFailed) - 1; i >= 0 && len(ids) < failedSnapSize; i-- {
		id := a.recentFailed[i].sessionID
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// prune drops outcomes and samples that fell out of the rolling window.
// Callers hold the mutex.
func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.window)
	a.finalizeOutcomes = pruneOutcomes(a.finalizeOutcomes, cutoff)
	a.callbackOutcomes = pruneOutcomes(a.callbackOutcomes, cutoff)
	a.finalizeLatencies = pruneSamples(a.finalizeLatencies, cutoff)
	a.callbackLatencies = pruneSamples(a.callbackLatencies, cutoff)
}

func pruneOutcomes(os []outcome, cutoff time.Time) []outcome {
	i := 0
	for i < len(os) && os[i].at.Before(cutoff) {
		i++
	}
	return os[i:]
}

func pruneSamples(ss []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(ss) && ss[i].at.Before(cutoff) {
		i++
	}
	return ss[i:]
}

// successRate is successes/attempts; with no attempts in the window there is
// nothing failing, so the rate reads 1.
func successRate(os []outcome) float64 {
	if len(os) == 0 {
		return 1.0
	}
	successes := 0
	for _, o := range os {
		if o.success {
			successes++
		}
	}
	return float64(successes) / float64(len(os))
}

// percentile computes the nearest-rank percentile of the sample latencies.
func percentile(ss []sample, p float64) float64 {
	if len(ss) == 0 {
		return 0
	}
	vals := make([]float64, len(ss))
	for i, s := range ss {
		vals[i] = s.ms
	}
	sort.Float64s(vals)
	rank := int(math.Ceil(p / 100 * float64(len(vals))))
	if rank < 1 {
		rank = 1
	}
	return vals[rank-1]
}
