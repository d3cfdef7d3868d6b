package engage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/snare/internal/session"
)

const sweepBatchSize = 64

// Watchdog periodically sweeps for sessions that went quiet past the
// inactivity window and forces a finalize decision on the evidence they
// already hold. Sessions with traffic never need the sweep; it exists for
// counterparties that simply disappear.
type Watchdog struct {
	orch *Orchestrator
	cron *cron.Cron
	spec string
}

// NewWatchdog builds a sweeper on the given cron spec (standard 5-field).
func NewWatchdog(orch *Orchestrator, spec string) *Watchdog {
	return &Watchdog{orch: orch, cron: cron.New(), spec: spec}
}

// Start registers the sweep and starts the scheduler.
func (w *Watchdog) Start() error {
	_, err := w.cron.AddFunc(w.spec, func() {
		w.Sweep(context.Background(), time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("scheduling watchdog sweep: %w", err)
	}
	w.cron.Start()
	log.Info().Str("spec", w.spec).Msg("watchdog_started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (w *Watchdog) Stop() {
	<-w.cron.Stop().Done()
}

// Sweep finalizes every stale session it can claim. Returns the number
// finalized.
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-w.orch.policy.InactivityWindow)
	ids, err := w.orch.store.StaleSessionIDs(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("watchdog_scan_failed")
		return 0
	}

	finalized := 0
	for _, id := range ids {
		if err := w.sweepOne(ctx, id, now); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("watchdog_finalize_failed")
			continue
		}
		finalized++
	}
	if finalized > 0 {
		log.Info().Int("finalized", finalized).Msg("watchdog_sweep_completed")
	}
	return finalized
}

func (w *Watchdog) sweepOne(ctx context.Context, id string, now time.Time) error {
	if err := w.orch.acquire(id); err != nil {
		return err // an in-flight event will re-evaluate on its own
	}
	defer w.orch.release(id)

	sess, err := w.orch.store.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Latched() {
		return nil
	}
	return w.orch.finalize(ctx, sess, session.ReasonInactivity, now)
}
