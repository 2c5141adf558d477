package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyaruka/phonenumbers"
)

// MaxErrorLen bounds recipient error messages before persisting.
const MaxErrorLen = 500

// Notifier receives progress snapshots after state-changing operations.
// Implementations must swallow their own failures: notification never
// blocks or rolls back the transition that triggered it.
type Notifier interface {
	Notify(ctx context.Context, snap Snapshot)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	DB       *pgxpool.Pool
	Notifier Notifier // optional; nil disables progress events
}

func (s *Store) notify(ctx context.Context, b *Batch) {
	if s.Notifier != nil {
		s.Notifier.Notify(ctx, SnapshotOf(b))
	}
}

const batchColumns = `id, tenant_key, agent_key, mode, status, template, attachment_url,
	total_recipients, sent_count, failed_count, error_summary,
	started_at, completed_at, created_at, updated_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.TenantKey, &b.AgentKey, &b.Mode, &b.Status, &b.Template,
		&b.AttachmentURL, &b.TotalRecipients, &b.SentCount, &b.FailedCount,
		&b.ErrorSummary, &b.StartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func lockBatch(ctx context.Context, tx pgx.Tx, id string) (*Batch, error) {
	return scanBatch(tx.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id=$1 FOR UPDATE`, id))
}

const recipientColumns = `id, batch_id, phone, name, variables, status, error_message, claimed_at, sent_at, created_at`

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var r Recipient
	err := row.Scan(&r.ID, &r.BatchID, &r.Phone, &r.Name, &r.Variables,
		&r.Status, &r.ErrorMessage, &r.ClaimedAt, &r.SentAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// normalizePhone formats parseable numbers to E.164 and keeps anything
// else as entered; validation stays lenient because legacy imports
// carry local-format numbers.
func normalizePhone(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return ""
	}
	if num, err := phonenumbers.Parse(p, ""); err == nil {
		return phonenumbers.Format(num, phonenumbers.E164)
	}
	return p
}

// CreateBatch persists a batch and its recipient ledger as one unit of
// work. Rows with a blank phone are dropped silently; TotalRecipients
// is reconciled to the rows actually inserted. Creation is rejected
// outright when the batch would push the agent past its daily quota.
func (s *Store) CreateBatch(ctx context.Context, req CreateBatchRequest) (*Batch, error) {
	if req.Mode != ModePull && req.Mode != ModePush {
		return nil, fmt.Errorf("invalid mode %q", req.Mode)
	}

	rows := make([]RecipientInput, 0, len(req.Recipients))
	for _, in := range req.Recipients {
		phone := normalizePhone(in.Phone)
		if phone == "" {
			continue
		}
		in.Phone = phone
		rows = append(rows, in)
	}
	if len(rows) == 0 {
		return nil, ErrNoRecipients
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rules, err := getOrCreateRules(ctx, tx, req.TenantKey, req.AgentKey)
	if err != nil {
		return nil, err
	}
	sentToday, err := sentToday(ctx, tx, req.AgentKey)
	if err != nil {
		return nil, err
	}
	if sentToday+len(rows) > rules.MaxDailyMessages {
		return nil, ErrQuotaExceeded
	}

	id := uuid.NewString()
	b, err := scanBatch(tx.QueryRow(ctx, `
		INSERT INTO batches(id, tenant_key, agent_key, mode, template, attachment_url, total_recipients)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+batchColumns,
		id, req.TenantKey, req.AgentKey, req.Mode, req.Template, req.AttachmentURL, len(rows)))
	if err != nil {
		return nil, err
	}

	for _, in := range rows {
		vars := in.Variables
		if vars == nil {
			vars = map[string]string{}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO batch_recipients(batch_id, phone, name, variables)
			VALUES($1,$2,$3,$4)`, id, in.Phone, in.Name, vars)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.notify(ctx, b)
	return b, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	return scanBatch(s.DB.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1`, id))
}

func (s *Store) GetRecipient(ctx context.Context, id int64) (*Recipient, error) {
	return scanRecipient(s.DB.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM batch_recipients WHERE id=$1`, id))
}

// ListRecipients returns the ledger for a batch in claim order,
// optionally filtered by status.
func (s *Store) ListRecipients(ctx context.Context, batchID string, status *string, limit, offset int) ([]Recipient, error) {
	q := `SELECT ` + recipientColumns + ` FROM batch_recipients WHERE batch_id=$1`
	args := []any{batchID}
	if status != nil {
		args = append(args, *status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context, batchID, status string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx,
		`SELECT count(*) FROM batch_recipients WHERE batch_id=$1 AND status=$2`,
		batchID, status).Scan(&n)
	return n, err
}

// SentToday counts successful deliveries attributed to an agent since
// local midnight; it feeds the daily quota checks.
func (s *Store) SentToday(ctx context.Context, agentKey string) (int, error) {
	return sentToday(ctx, s.DB, agentKey)
}

func sentToday(ctx context.Context, q querier, agentKey string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM batch_recipients r
		JOIN batches b ON b.id = r.batch_id
		WHERE b.agent_key=$1 AND r.status='SENT' AND r.sent_at >= date_trunc('day', now())
	`, agentKey).Scan(&n)
	return n, err
}

// Pause moves a PROCESSING batch to PAUSED. Pausing an already-PAUSED
// batch is a no-op so duplicate client requests are harmless.
func (s *Store) Pause(ctx context.Context, id string) (*Batch, error) {
	return s.transition(ctx, id, func(b *Batch) (string, error) {
		switch b.Status {
		case BatchPaused:
			return "", nil
		case BatchProcessing:
			return BatchPaused, nil
		default:
			return "", fmt.Errorf("%w: pause from %s", ErrInvalidTransition, b.Status)
		}
	})
}

// Resume moves a PAUSED batch back to PROCESSING and releases any
// recipient a crashed poller left claimed. Resuming a PROCESSING batch
// is a no-op.
func (s *Store) Resume(ctx context.Context, id string) (*Batch, error) {
	return s.transition(ctx, id, func(b *Batch) (string, error) {
		switch b.Status {
		case BatchProcessing:
			return "", nil
		case BatchPaused:
			return BatchProcessing, nil
		default:
			return "", fmt.Errorf("%w: resume from %s", ErrInvalidTransition, b.Status)
		}
	})
}

// Cancel terminates a non-terminal batch. Unlike pause/resume it is
// not idempotent: cancelling a COMPLETED or CANCELLED batch errors.
func (s *Store) Cancel(ctx context.Context, id string) (*Batch, error) {
	return s.transition(ctx, id, func(b *Batch) (string, error) {
		if terminalBatchStatus(b.Status) {
			return "", fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, b.Status)
		}
		return BatchCancelled, nil
	})
}

// AutoPause is the driver's escape hatch after consecutive delivery
// failures: forces PAUSED and records the failure summary.
func (s *Store) AutoPause(ctx context.Context, id, summary string) (*Batch, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := lockBatch(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != BatchProcessing {
		// Raced with an explicit pause/cancel; keep whatever won.
		return b, tx.Commit(ctx)
	}
	b, err = scanBatch(tx.QueryRow(ctx, `
		UPDATE batches SET status=$2, error_summary=left($3, $4), updated_at=now()
		WHERE id=$1 RETURNING `+batchColumns,
		id, BatchPaused, summary, MaxErrorLen))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.notify(ctx, b)
	return b, nil
}

func (s *Store) transition(ctx context.Context, id string, next func(*Batch) (string, error)) (*Batch, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := lockBatch(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	to, err := next(b)
	if err != nil {
		return nil, err
	}
	if to == "" { // idempotent no-op
		return b, tx.Commit(ctx)
	}

	if to == BatchProcessing && b.Status == BatchPaused {
		if err := resetStuck(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	b, err = scanBatch(tx.QueryRow(ctx, `
		UPDATE batches SET status=$2, updated_at=now(),
			started_at = CASE WHEN $2='PROCESSING' AND started_at IS NULL THEN now() ELSE started_at END
		WHERE id=$1 RETURNING `+batchColumns, id, to))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.notify(ctx, b)
	return b, nil
}

// ResetStuckInProgress releases IN_PROGRESS recipients back to PENDING.
// Resume does this implicitly; exposed for operational repair.
func (s *Store) ResetStuckInProgress(ctx context.Context, batchID string) (int, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE batch_recipients SET status='PENDING', claimed_at=NULL
		WHERE batch_id=$1 AND status='IN_PROGRESS'`, batchID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ResetStaleClaims releases only claims older than the cutoff, so a
// driver picking a batch up can recover after a crashed predecessor
// without clobbering a concurrent driver's in-flight sends.
func (s *Store) ResetStaleClaims(ctx context.Context, batchID string, olderThan time.Duration) (int, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE batch_recipients SET status='PENDING', claimed_at=NULL
		WHERE batch_id=$1 AND status='IN_PROGRESS'
		  AND claimed_at < now() - ($2 * interval '1 second')`, batchID, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func resetStuck(ctx context.Context, tx pgx.Tx, batchID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE batch_recipients SET status='PENDING', claimed_at=NULL
		WHERE batch_id=$1 AND status='IN_PROGRESS'`, batchID)
	return err
}

// NoWorkReason explains why GetNext yielded no task.
type NoWorkReason string

const (
	NoWorkNotRunnable NoWorkReason = "batch_not_runnable"
	NoWorkDisabled    NoWorkReason = "sending_disabled"
	NoWorkWindow      NoWorkReason = "outside_send_window"
	NoWorkQuota       NoWorkReason = "quota_exhausted"
	NoWorkNoPending   NoWorkReason = "no_pending_recipients"
)

// GetNext atomically claims the lowest-id PENDING recipient of a batch
// and returns it as a delivery task with resolved content. The first
// pull on a PENDING batch transitions it to PROCESSING. When no task
// is eligible the reason is returned instead; none of those cases is
// an error, so pollers just come back later.
func (s *Store) GetNext(ctx context.Context, batchID string) (*DeliveryTask, NoWorkReason, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := lockBatch(ctx, tx, batchID)
	if err != nil {
		return nil, "", err
	}
	if b.Status != BatchPending && b.Status != BatchProcessing {
		return nil, NoWorkNotRunnable, tx.Commit(ctx)
	}

	rules, err := getOrCreateRules(ctx, tx, b.TenantKey, b.AgentKey)
	if err != nil {
		return nil, "", err
	}
	if !rules.Enabled {
		return nil, NoWorkDisabled, tx.Commit(ctx)
	}
	if !withinSendWindow(time.Now(), rules) {
		return nil, NoWorkWindow, tx.Commit(ctx)
	}
	sent, err := sentToday(ctx, tx, b.AgentKey)
	if err != nil {
		return nil, "", err
	}
	if sent >= rules.MaxDailyMessages {
		return nil, NoWorkQuota, tx.Commit(ctx)
	}

	started := false
	if b.Status == BatchPending {
		b, err = scanBatch(tx.QueryRow(ctx, `
			UPDATE batches SET status='PROCESSING', started_at=now(), updated_at=now()
			WHERE id=$1 RETURNING `+batchColumns, batchID))
		if err != nil {
			return nil, "", err
		}
		started = true
	}

	r, err := scanRecipient(tx.QueryRow(ctx, `
		SELECT `+recipientColumns+` FROM batch_recipients
		WHERE batch_id=$1 AND status='PENDING'
		ORDER BY id LIMIT 1
		FOR UPDATE SKIP LOCKED`, batchID))
	if errors.Is(err, ErrRecipientNotFound) {
		if err := tx.Commit(ctx); err != nil {
			return nil, "", err
		}
		if started {
			s.notify(ctx, b)
		}
		return nil, NoWorkNoPending, nil
	}
	if err != nil {
		return nil, "", err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_recipients SET status='IN_PROGRESS', claimed_at=now() WHERE id=$1`, r.ID); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", err
	}
	if started {
		s.notify(ctx, b)
	}
	return &DeliveryTask{
		BatchID:       batchID,
		RecipientID:   r.ID,
		Phone:         r.Phone,
		Content:       ResolveContent(b.Template, r),
		AttachmentURL: b.AttachmentURL,
	}, "", nil
}

// ReportOutcome records one recipient's delivery result. The recipient
// status flip, the batch counter increment and the reactive completion
// check commit as a single transaction so counters can never drift
// from the ledger. Duplicate reports for an already-terminal recipient
// are ignored.
func (s *Store) ReportOutcome(ctx context.Context, batchID string, recipientID int64, outcome, errMsg string) (*Batch, error) {
	if outcome != OutcomeSent && outcome != OutcomeFailed && outcome != OutcomeSkipped {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := lockBatch(ctx, tx, batchID)
	if err != nil {
		return nil, err
	}
	r, err := scanRecipient(tx.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM batch_recipients WHERE id=$1 FOR UPDATE`, recipientID))
	if err != nil {
		return nil, err
	}
	if r.BatchID != batchID {
		return nil, fmt.Errorf("%w: recipient %d belongs to batch %s", ErrRecipientMismatch, recipientID, r.BatchID)
	}
	if r.Status == RecipientSent || r.Status == RecipientFailed || r.Status == RecipientSkipped {
		return b, tx.Commit(ctx)
	}

	switch outcome {
	case OutcomeSent:
		_, err = tx.Exec(ctx, `
			UPDATE batch_recipients SET status='SENT', sent_at=now(), error_message=NULL
			WHERE id=$1`, recipientID)
		if err == nil {
			_, err = tx.Exec(ctx,
				`UPDATE batches SET sent_count=sent_count+1, updated_at=now() WHERE id=$1`, batchID)
		}
	case OutcomeFailed, OutcomeSkipped:
		status := RecipientFailed
		if outcome == OutcomeSkipped {
			status = RecipientSkipped
		}
		_, err = tx.Exec(ctx, `
			UPDATE batch_recipients SET status=$2, error_message=left($3, $4)
			WHERE id=$1`, recipientID, status, errMsg, MaxErrorLen)
		if err == nil {
			_, err = tx.Exec(ctx,
				`UPDATE batches SET failed_count=failed_count+1, updated_at=now() WHERE id=$1`, batchID)
		}
	}
	if err != nil {
		return nil, err
	}

	b, err = completeIfExhausted(ctx, tx, batchID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.notify(ctx, b)
	return b, nil
}

// CompleteIfExhausted closes a PROCESSING batch whose ledger has no
// PENDING or IN_PROGRESS rows left. The push driver calls it when its
// loop runs dry; pull mode reaches the same code through ReportOutcome.
func (s *Store) CompleteIfExhausted(ctx context.Context, batchID string) (*Batch, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := lockBatch(ctx, tx, batchID); err != nil {
		return nil, err
	}
	b, err := completeIfExhausted(ctx, tx, batchID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if b.Status == BatchCompleted {
		s.notify(ctx, b)
	}
	return b, nil
}

// completeIfExhausted recomputes the open-recipient count inside the
// caller's transaction; cached counters are not trusted here.
func completeIfExhausted(ctx context.Context, tx pgx.Tx, batchID string) (*Batch, error) {
	var open int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM batch_recipients
		WHERE batch_id=$1 AND status IN ('PENDING','IN_PROGRESS')`, batchID).Scan(&open)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return scanBatch(tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1`, batchID))
	}
	return scanBatch(tx.QueryRow(ctx, `
		UPDATE batches SET
			status = CASE WHEN status='PROCESSING' THEN 'COMPLETED' ELSE status END,
			completed_at = CASE WHEN status='PROCESSING' AND completed_at IS NULL THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id=$1 RETURNING `+batchColumns, batchID))
}

// ReconcileCounters recomputes the aggregate counters from recipient
// statuses. The driver runs it periodically as drift defense; the
// counters are authoritative only because every mutation path updates
// them transactionally, and this keeps it provable.
func (s *Store) ReconcileCounters(ctx context.Context, batchID string) (*Batch, error) {
	b, err := scanBatch(s.DB.QueryRow(ctx, `
		UPDATE batches SET
			sent_count   = (SELECT count(*) FROM batch_recipients WHERE batch_id=$1 AND status='SENT'),
			failed_count = (SELECT count(*) FROM batch_recipients WHERE batch_id=$1 AND status IN ('FAILED','SKIPPED')),
			updated_at = now()
		WHERE id=$1 RETURNING `+batchColumns, batchID))
	if err != nil {
		return nil, err
	}
	return b, nil
}

// withinSendWindow reports whether the hour of t falls inside the rule
// set's allowed window. A window may wrap midnight (22 → 6).
func withinSendWindow(t time.Time, rs *RuleSet) bool {
	h := t.Hour()
	if rs.SendHourStart <= rs.SendHourEnd {
		return h >= rs.SendHourStart && h <= rs.SendHourEnd
	}
	return h >= rs.SendHourStart || h <= rs.SendHourEnd
}

// ListRunnablePushBatches scans for push-mode batches the driver
// should pick up. Two driver processes may see the same batch; the
// per-recipient claim in GetNext keeps that safe.
func (s *Store) ListRunnablePushBatches(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT b.id FROM batches b
		WHERE b.mode='push' AND b.status IN ('PENDING','PROCESSING')
		  AND EXISTS (
			SELECT 1 FROM batch_recipients r
			WHERE r.batch_id=b.id AND r.status IN ('PENDING','IN_PROGRESS')
		  )
		ORDER BY b.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteBatch removes a batch; the ledger cascades with it.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM batches WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}
