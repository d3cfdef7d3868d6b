// Package store persists sessions and outbox entries in SQLite under a
// single-writer-per-key discipline. Session writes go through optimistic
// versioning; outbox writes go through claim-based ownership. The orchestrator
// and the callback worker may run as separate processes, so all coordination
// lives here, never in process memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	snareotel "github.com/dativo-io/snare/internal/otel"
	"github.com/dativo-io/snare/internal/session"
)

var tracer = snareotel.Tracer("github.com/dativo-io/snare/internal/store")

var (
	// ErrSessionNotFound is returned when loading a session id with no row.
	ErrSessionNotFound = errors.New("session not found")

	// ErrVersionConflict is returned when a save loses an optimistic-version
	// race. It is retryable: reload and re-apply.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrEntryNotFound is returned when an outbox report id has no row.
	ErrEntryNotFound = errors.New("outbox entry not found")
)

// OutboxStatus is the delivery lifecycle state of an outbox entry.
type OutboxStatus string

const (
	StatusPending        OutboxStatus = "pending"
	StatusDelivered      OutboxStatus = "delivered"
	StatusFailedTerminal OutboxStatus = "failed:terminal"
	StatusFailedDLQ      OutboxStatus = "failed:dlq"
)

// AttemptRecord is one entry in an outbox delivery history.
type AttemptRecord struct {
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"ts"`
	DurationMS int64     `json:"durationMs"`
	Code       int       `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Success    bool      `json:"success"`
}

// OutboxEntry is a durable delivery intent for one finalized report. It is
// created in the same transaction that finalizes its session and afterwards
// mutated only by the callback worker. Entries are never deleted.
type OutboxEntry struct {
	ReportID      string          `json:"reportId"`
	SessionID     string          `json:"sessionId"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	History       []AttemptRecord `json:"history"`
	ClaimedBy     string          `json:"claimedBy,omitempty"`
	ClaimedAt     *time.Time      `json:"claimedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store is the SQLite-backed session and outbox store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	session_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);

CREATE TABLE IF NOT EXISTS outbox (
	report_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMP NOT NULL,
	claimed_by TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMP,
	payload_json TEXT NOT NULL,
	history_json TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_outbox_session ON outbox(session_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	report_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	history_json TEXT NOT NULL,
	failed_at TIMESTAMP NOT NULL
);
`

// New opens (or creates) the store at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating session schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session at version 1.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	ctx, span := tracer.Start(ctx, "store.create_session",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	query := `INSERT INTO sessions (id, version, state, created_at, last_activity_at, session_json)
	          VALUES (?, 1, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		sess.ID, string(sess.State), sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(), string(doc),
	); err != nil {
		return fmt.Errorf("inserting session %s: %w", sess.ID, err)
	}
	sess.Version = 1
	return nil
}

// LoadSession retrieves a session by id.
func (s *Store) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	ctx, span := tracer.Start(ctx, "store.load_session",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	var version int64
	var doc string
	query := `SELECT version, session_json FROM sessions WHERE id = ?`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session %s: %w", id, err)
	}
	sess.Version = version
	return &sess, nil
}

// SaveSession persists a session under optimistic versioning. The update only
// lands when the stored version still equals sess.Version; a lost race is
// ErrVersionConflict and the caller must reload before retrying. On success
// the in-memory version is bumped to match the store.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	ctx, span := tracer.Start(ctx, "store.save_session",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.Int64("session.version", sess.Version),
		))
	defer span.End()

	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	query := `UPDATE sessions SET version = version + 1, state = ?, last_activity_at = ?, session_json = ?
	          WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(sess.State), sess.LastActivityAt.UTC(), string(doc), sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking session update %s: %w", sess.ID, err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	sess.Version++
	return nil
}

// FinalizeSession commits the latch outcome: the session row (state FINALIZED,
// frozen report) and its outbox entry land in one transaction, or neither
// does. The version check inside the transaction guarantees that two
// concurrent finalize attempts cannot both succeed.
func (s *Store) FinalizeSession(ctx context.Context, sess *session.Session, entry *OutboxEntry) error {
	ctx, span := tracer.Start(ctx, "store.finalize_session",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("report.id", entry.ReportID),
		))
	defer span.End()

	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	history, err := json.Marshal(historyOrEmpty(entry.History))
	if err != nil {
		return fmt.Errorf("marshaling outbox history: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning finalize transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET version = version + 1, state = ?, last_activity_at = ?, session_json = ?
		 WHERE id = ? AND version = ?`,
		string(sess.State), sess.LastActivityAt.UTC(), string(doc), sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("finalizing session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking finalize update %s: %w", sess.ID, err)
	}
	if n == 0 {
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (report_id, session_id, status, attempts, next_attempt_at, payload_json, history_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ReportID, entry.SessionID, string(entry.Status), entry.Attempts,
		entry.NextAttemptAt.UTC(), string(entry.Payload), string(history),
		entry.CreatedAt.UTC(), entry.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("inserting outbox entry %s: %w", entry.ReportID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing finalize transaction: %w", err)
	}
	sess.Version++
	return nil
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	State session.State
	Limit int
}

// ListSessions returns sessions matching the filter, most recently active
// first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]*session.Session, error) {
	ctx, span := tracer.Start(ctx, "store.list_sessions",
		trace.WithAttributes(attribute.String("filter.state", string(f.State))))
	defer span.End()

	b := sq.Select("version", "session_json").From("sessions").OrderBy("last_activity_at DESC")
	if f.State != "" {
		b = b.Where(sq.Eq{"state": string(f.State)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []*session.Session
	for rows.Next() {
		var version int64
		var doc string
		if err := rows.Scan(&version, &doc); err != nil {
			continue
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			continue
		}
		sess.Version = version
		results = append(results, &sess)
	}
	span.SetAttributes(attribute.Int("session.count", len(results)))
	return results, rows.Err()
}

// StaleSessionIDs returns ids of ACTIVE or READY_TO_REPORT sessions whose last
// activity predates cutoff. The watchdog sweep feeds these back through the
// orchestrator for a forced finalize decision.
func (s *Store) StaleSessionIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "store.stale_session_ids")
	defer span.End()

	b := sq.Select("id").From("sessions").
		Where(sq.Eq{"state": []string{string(session.StateActive), string(session.StateReadyToReport)}}).
		Where(sq.Lt{"last_activity_at": cutoff.UTC()}).
		OrderBy("last_activity_at ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building stale-session query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	span.SetAttributes(attribute.Int("session.stale_count", len(ids)))
	return ids, rows.Err()
}

// GetOutboxEntry retrieves one outbox entry by report id.
func (s *Store) GetOutboxEntry(ctx context.Context, reportID string) (*OutboxEntry, error) {
	ctx, span := tracer.Start(ctx, "store.get_outbox_entry",
		trace.WithAttributes(attribute.String("report.id", reportID)))
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT report_id, session_id, status, attempts, next_attempt_at, claimed_by, claimed_at, payload_json, history_json, created_at, updated_at
		 FROM outbox WHERE report_id = ?`, reportID)
	entry, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying outbox entry %s: %w", reportID, err)
	}
	return entry, nil
}

// OutboxFilter narrows ListOutboxEntries.
type OutboxFilter struct {
	SessionID string
	Status    OutboxStatus
	Limit     int
}

// ListOutboxEntries returns ledger rows matching the filter, newest first.
func (s *Store) ListOutboxEntries(ctx context.Context, f OutboxFilter) ([]*OutboxEntry, error) {
	ctx, span := tracer.Start(ctx, "store.list_outbox",
		trace.WithAttributes(attribute.String("filter.session_id", f.SessionID)))
	defer span.End()

	b := sq.Select("report_id", "session_id", "status", "attempts", "next_attempt_at",
		"claimed_by", "claimed_at", "payload_json", "history_json", "created_at", "updated_at").
		From("outbox").OrderBy("created_at DESC")
	if f.SessionID != "" {
		b = b.Where(sq.Eq{"session_id": f.SessionID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building outbox query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var results []*OutboxEntry
	for rows.Next() {
		entry, err := scanOutbox(rows)
		if err != nil {
			continue
		}
		results = append(results, entry)
	}
	span.SetAttributes(attribute.Int("outbox.count", len(results)))
	return results, rows.Err()
}

// ClaimDue claims up to limit pending entries whose next_attempt_at has
// passed, marking them owned by claimID. Each row is claimed with a compare
// clause on the claim column, so two workers polling concurrently never
// receive the same entry.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, claimID string, limit int) ([]*OutboxEntry, error) {
	ctx, span := tracer.Start(ctx, "store.claim_due",
		trace.WithAttributes(attribute.String("claim.id", claimID)))
	defer span.End()

	b := sq.Select("report_id").From("outbox").
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": now.UTC()}).
		Where(sq.Eq{"claimed_by": ""}).
		OrderBy("next_attempt_at ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building claim query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying due outbox entries: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning due outbox entries: %w", err)
	}

	var claimed []*OutboxEntry
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE outbox SET claimed_by = ?, claimed_at = ?, updated_at = ?
			 WHERE report_id = ? AND status = ? AND claimed_by = ''`,
			claimID, now.UTC(), now.UTC(), id, string(StatusPending),
		)
		if err != nil {
			return claimed, fmt.Errorf("claiming outbox entry %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue // another worker got there first
		}
		entry, err := s.GetOutboxEntry(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, entry)
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(claimed)))
	return claimed, nil
}

// UpdateOutboxEntry persists the worker's delivery outcome and releases the
// claim.
func (s *Store) UpdateOutboxEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := tracer.Start(ctx, "store.update_outbox_entry",
		trace.WithAttributes(
			attribute.String("report.id", entry.ReportID),
			attribute.String("outbox.status", string(entry.Status)),
		))
	defer span.End()

	history, err := json.Marshal(historyOrEmpty(entry.History))
	if err != nil {
		return fmt.Errorf("marshaling outbox history: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = ?, next_attempt_at = ?, history_json = ?,
		        claimed_by = '', claimed_at = NULL, updated_at = ?
		 WHERE report_id = ?`,
		string(entry.Status), entry.Attempts, entry.NextAttemptAt.UTC(),
		string(history), time.Now().UTC(), entry.ReportID,
	)
	if err != nil {
		return fmt.Errorf("updating outbox entry %s: %w", entry.ReportID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrEntryNotFound
	}
	entry.ClaimedBy = ""
	entry.ClaimedAt = nil
	return nil
}

// MoveToDeadLetter marks an exhausted entry failed:dlq and copies it into the
// dead_letters table in one transaction. The outbox row stays behind for the
// ledger; nothing is deleted.
func (s *Store) MoveToDeadLetter(ctx context.Context, entry *OutboxEntry, failedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "store.move_to_dead_letter",
		trace.WithAttributes(attribute.String("report.id", entry.ReportID)))
	defer span.End()

	history, err := json.Marshal(historyOrEmpty(entry.History))
	if err != nil {
		return fmt.Errorf("marshaling outbox history: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = ?, history_json = ?,
		        claimed_by = '', claimed_at = NULL, updated_at = ?
		 WHERE report_id = ?`,
		string(StatusFailedDLQ), entry.Attempts, string(history), failedAt.UTC(), entry.ReportID,
	); err != nil {
		return fmt.Errorf("marking outbox entry %s dead: %w", entry.ReportID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (report_id, session_id, attempts, payload_json, history_json, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ReportID, entry.SessionID, entry.Attempts,
		string(entry.Payload), string(history), failedAt.UTC(),
	); err != nil {
		return fmt.Errorf("inserting dead letter %s: %w", entry.ReportID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing dead-letter transaction: %w", err)
	}
	entry.Status = StatusFailedDLQ
	entry.ClaimedBy = ""
	entry.ClaimedAt = nil
	return nil
}

// RequeueStaleClaims releases claims older than staleBefore so entries held
// by a crashed worker become available again. Returns the number released.
func (s *Store) RequeueStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "store.requeue_stale_claims")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET claimed_by = '', claimed_at = NULL, updated_at = ?
		 WHERE status = ? AND claimed_by != '' AND claimed_at < ?`,
		time.Now().UTC(), string(StatusPending), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeuing stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting requeued claims: %w", err)
	}
	span.SetAttributes(attribute.Int64("outbox.requeued", n))
	return int(n), nil
}

// DeadLetterCount returns the number of dead-lettered reports.
func (s *Store) DeadLetterCount(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "store.dead_letter_count")
	defer span.End()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var status, payload, history string
	var claimedAt sql.NullTime
	if err := row.Scan(&e.ReportID, &e.SessionID, &status, &e.Attempts, &e.NextAttemptAt,
		&e.ClaimedBy, &claimedAt, &payload, &history, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = OutboxStatus(status)
	e.Payload = json.RawMessage(payload)
	if claimedAt.Valid {
		t := claimedAt.Time
		e.ClaimedAt = &t
	}
	if err := json.Unmarshal([]byte(history), &e.History); err != nil {
		return nil, fmt.Errorf("unmarshaling outbox history: %w", err)
	}
	return &e, nil
}

func historyOrEmpty(h []AttemptRecord) []AttemptRecord {
	if h == nil {
		return []AttemptRecord{}
	}
	return h
}
