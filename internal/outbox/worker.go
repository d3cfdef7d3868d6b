// Package outbox delivers finalized reports to the downstream callback
// endpoint. The worker polls the durable outbox, claims due entries, and
// retries with exponential backoff until a delivery is terminal: delivered,
// failed on a non-retryable response, or dead-lettered after the attempt
// budget is spent. Re-delivery of the same reportId is always traceable to
// one logical report via the idempotency header.
package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/snare/internal/config"
	snareotel "github.com/dativo-io/snare/internal/otel"
	"github.com/dativo-io/snare/internal/slo"
	"github.com/dativo-io/snare/internal/store"
)

var tracer = snareotel.Tracer("github.com/dativo-io/snare/internal/outbox")

const claimBatchSize = 16

// Worker is the callback delivery loop. Multiple workers may run against the
// same store; the claim column keeps them from processing the same entry.
type Worker struct {
	store  *store.Store
	agg    *slo.Aggregator
	client *http.Client

	url             string
	contractVersion string
	maxAttempts     int
	baseDelay       time.Duration
	maxDelay        time.Duration
	retry429        bool
	pollInterval    time.Duration
	claimTTL        time.Duration

	claimID string
}

// NewWorker builds a delivery worker from operator configuration.
func NewWorker(st *store.Store, agg *slo.Aggregator, cfg *config.Config) *Worker {
	return &Worker{
		store:           st,
		agg:             agg,
		client:          &http.Client{Timeout: cfg.CallbackTimeout},
		url:             cfg.CallbackURL,
		contractVersion: cfg.CallbackContractVersion,
		maxAttempts:     cfg.CallbackMaxAttempts,
		baseDelay:       cfg.CallbackBaseDelay,
		maxDelay:        cfg.CallbackMaxDelay,
		retry429:        cfg.CallbackRetry429,
		pollInterval:    cfg.OutboxPollInterval,
		claimTTL:        cfg.OutboxClaimTTL,
		claimID:         uuid.NewString(),
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("claim_id", w.claimID).Dur("poll_interval", w.pollInterval).Msg("outbox_worker_started")
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("claim_id", w.claimID).Msg("outbox_worker_stopped")
			return
		case <-ticker.C:
			w.ProcessOnce(ctx, time.Now().UTC())
		}
	}
}

// ProcessOnce runs one poll cycle: requeue stale claims, claim due entries,
// attempt each. Returns the number of entries processed.
func (w *Worker) ProcessOnce(ctx context.Context, now time.Time) int {
	ctx, span := tracer.Start(ctx, "outbox.process_once")
	defer span.End()

	if n, err := w.store.RequeueStaleClaims(ctx, now.Add(-w.claimTTL)); err != nil {
		log.Warn().Err(err).Msg("outbox_requeue_failed")
	} else if n > 0 {
		log.Warn().Int("requeued", n).Msg("outbox_stale_claims_requeued")
	}

	entries, err := w.store.ClaimDue(ctx, now, w.claimID, claimBatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("outbox_claim_failed")
		return 0
	}

	for _, entry := range entries {
		w.attempt(ctx, entry, now)
	}
	span.SetAttributes(attribute.Int("outbox.processed", len(entries)))
	return len(entries)
}

// attempt performs one delivery attempt for a claimed entry and persists the
// outcome. Attempts for a reportId are strictly ordered: the outcome of
// attempt N is recorded before attempt N+1 can be claimed.
func (w *Worker) attempt(ctx context.Context, entry *store.OutboxEntry, now time.Time) {
	ctx, span := tracer.Start(ctx, "outbox.attempt",
		trace.WithAttributes(
			attribute.String("report.id", entry.ReportID),
			attribute.Int("outbox.attempt", entry.Attempts+1),
		))
	defer span.End()

	start := time.Now()
	code, deliverErr := w.post(ctx, entry)
	elapsed := time.Since(start)

	entry.Attempts++
	record := store.AttemptRecord{
		Attempt:    entry.Attempts,
		Timestamp:  now.UTC(),
		DurationMS: elapsed.Milliseconds(),
		Code:       code,
	}

	switch {
	case deliverErr == nil && code >= 200 && code < 300:
		record.Success = true
		entry.History = append(entry.History, record)
		entry.Status = store.StatusDelivered
		if err := w.store.UpdateOutboxEntry(ctx, entry); err != nil {
			log.Error().Err(err).Str("report_id", entry.ReportID).Msg("outbox_update_failed")
			return
		}
		w.agg.RecordCallback(now, entry.SessionID, true, elapsed)
		w.agg.ResolveWaiting(entry.SessionID)
		log.Info().Str("report_id", entry.ReportID).Int("attempts", entry.Attempts).
			Dur("duration", elapsed).Msg("callback_delivered")

	case deliverErr == nil && w.terminal(code):
		record.Error = fmt.Sprintf("terminal response %d", code)
		entry.History = append(entry.History, record)
		entry.Status = store.StatusFailedTerminal
		if err := w.store.UpdateOutboxEntry(ctx, entry); err != nil {
			log.Error().Err(err).Str("report_id", entry.ReportID).Msg("outbox_update_failed")
			return
		}
		w.agg.RecordCallback(now, entry.SessionID, false, elapsed)
		w.agg.ResolveWaiting(entry.SessionID)
		log.Warn().Str("report_id", entry.ReportID).Int("code", code).Msg("callback_terminal_failure")

	default:
		if deliverErr != nil {
			record.Error = deliverErr.Error()
		} else {
			record.Error = fmt.Sprintf("retryable response %d", code)
		}
		entry.History = append(entry.History, record)
		w.agg.RecordCallback(now, entry.SessionID, false, elapsed)

		if entry.Attempts >= w.maxAttempts {
			if err := w.store.MoveToDeadLetter(ctx, entry, now); err != nil {
				log.Error().Err(err).Str("report_id", entry.ReportID).Msg("outbox_dead_letter_failed")
				return
			}
			w.agg.ResolveWaiting(entry.SessionID)
			log.Error().Str("report_id", entry.ReportID).Int("attempts", entry.Attempts).
				Msg("callback_dead_lettered")
			return
		}

		entry.NextAttemptAt = now.Add(w.backoff(entry.Attempts))
		if err := w.store.UpdateOutboxEntry(ctx, entry); err != nil {
			log.Error().Err(err).Str("report_id", entry.ReportID).Msg("outbox_update_failed")
			return
		}
		log.Warn().Str("report_id", entry.ReportID).Int("attempt", entry.Attempts).
			Int("code", code).Time("next_attempt_at", entry.NextAttemptAt).Msg("callback_retry_scheduled")
	}
}

// post sends the frozen report body. The Idempotency-Key carries the
// deterministic reportId so the receiver can collapse re-deliveries.
func (w *Worker) post(ctx context.Context, entry *store.OutboxEntry) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(entry.Payload))
	if err != nil {
		return 0, fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.ReportID)
	req.Header.Set("X-Report-Version", w.contractVersion)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("callback request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// terminal reports whether a response code ends delivery without retry.
// 4xx responses are terminal except 429, which retries when configured.
func (w *Worker) terminal(code int) bool {
	if code == http.StatusTooManyRequests {
		return !w.retry429
	}
	return code >= 400 && code < 500
}

// backoff computes the delay before the next attempt after `attempts`
// failures: min(maxDelay, base·2^(attempts−1)) with ±10% jitter.
func (w *Worker) backoff(attempts int) time.Duration {
	delay := w.baseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= w.maxDelay {
			delay = w.maxDelay
			break
		}
	}
	jitter := 0.9 + 0.2*rand.Float64()
	jittered := time.Duration(float64(delay) * jitter)
	if jittered > w.maxDelay {
		jittered = w.maxDelay
	}
	return jittered
}
