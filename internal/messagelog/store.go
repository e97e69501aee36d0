package messagelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"greeting-service/internal/db"
)

var ErrNotFound = errors.New("message log not found")

const logColumns = `id, user_id, message_type, message_content, scheduled_send_time,
	actual_send_time, status, retry_count, last_retry_at, idempotency_key,
	api_response_code, api_response_body, error_message, created_at, updated_at`

type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// InsertScheduled creates a SCHEDULED row. A duplicate idempotency key is a
// functional signal, not an error: the method returns (false, nil) and the
// caller discards the occasion as already materialized.
//
// The unique index carries scheduled_send_time because of partitioning, so it
// only rejects exact duplicates. The NOT EXISTS guard keeps the key unique
// across send times too: a timezone change between two runs shifts the
// instant but must not produce a second row. The daily scheduler is a
// singleton with overlap rejection, so the check and the insert do not race.
func (s *Store) InsertScheduled(ctx context.Context, m *MessageLog) (bool, error) {
	query := `INSERT INTO message_logs
		(id, user_id, message_type, message_content, scheduled_send_time, status, idempotency_key)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (SELECT 1 FROM message_logs WHERE idempotency_key = $7)
		ON CONFLICT (idempotency_key, scheduled_send_time) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		m.ID, m.UserID, m.MessageType, m.MessageContent, m.ScheduledSendTime, StatusScheduled, m.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("insert scheduled row: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert scheduled row: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*MessageLog, error) {
	query := `SELECT ` + logColumns + ` FROM message_logs WHERE id = $1`

	m, err := scanLog(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message log: %w", err)
	}
	return m, nil
}

// FindDueForEnqueue returns SCHEDULED rows with a send time in [from, to),
// ascending, for promotion to QUEUED.
func (s *Store) FindDueForEnqueue(ctx context.Context, from, to time.Time) ([]*MessageLog, error) {
	query := `SELECT ` + logColumns + ` FROM message_logs
		WHERE status = $1 AND scheduled_send_time >= $2 AND scheduled_send_time < $3
		ORDER BY scheduled_send_time ASC`

	rows, err := s.db.QueryContext(ctx, query, StatusScheduled, from, to)
	if err != nil {
		return nil, fmt.Errorf("find due rows: %w", err)
	}
	defer rows.Close()

	return collectLogs(rows)
}

// FindStranded returns rows whose status has not advanced in time: SCHEDULED,
// QUEUED and RETRYING rows past cutoff, and SENDING rows not touched since
// sendingCutoff (a worker claimed them and then went away).
func (s *Store) FindStranded(ctx context.Context, cutoff, sendingCutoff time.Time) ([]*MessageLog, error) {
	query := `SELECT ` + logColumns + ` FROM message_logs
		WHERE (status = ANY($1) AND scheduled_send_time < $2)
		   OR (status = $3 AND updated_at < $4)
		ORDER BY scheduled_send_time ASC`

	waiting := pq.Array([]string{string(StatusScheduled), string(StatusQueued), string(StatusRetrying)})
	rows, err := s.db.QueryContext(ctx, query, waiting, cutoff, StatusSending, sendingCutoff)
	if err != nil {
		return nil, fmt.Errorf("find stranded rows: %w", err)
	}
	defer rows.Close()

	return collectLogs(rows)
}

// UpdateStatus is the generic CAS: the row moves from→to only if it is still
// in from. A miss means another actor already handled the row.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	query := `UPDATE message_logs SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`

	return s.cas(ctx, query, id, from, to)
}

// ClaimForSend CASes the row into SENDING on behalf of a worker.
func (s *Store) ClaimForSend(ctx context.Context, id uuid.UUID, from Status) (bool, error) {
	return s.UpdateStatus(ctx, id, from, StatusSending)
}

// MarkSent finalizes a delivery: CAS SENDING→SENT with the vendor response
// and the first-acknowledgement timestamp. SENT is terminal.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, code int, body string) (bool, error) {
	query := `UPDATE message_logs
		SET status = $3, actual_send_time = now(), api_response_code = $4,
		    api_response_body = $5, updated_at = now()
		WHERE id = $1 AND status = $2`

	return s.cas(ctx, query, id, StatusSending, StatusSent, code, body)
}

// MarkRetry records a retryable failure: CAS SENDING→to (RETRYING for the
// broker redelivery path, SCHEDULED to hand the row back to the minute
// scheduler), bumping retry_count and storing the vendor outcome.
func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID, to Status, errMsg string, code *int, body *string) (bool, error) {
	query := `UPDATE message_logs
		SET status = $3, retry_count = retry_count + 1, last_retry_at = now(),
		    error_message = $4, api_response_code = $5, api_response_body = $6,
		    updated_at = now()
		WHERE id = $1 AND status = $2`

	return s.cas(ctx, query, id, StatusSending, to, errMsg, code, body)
}

// MarkRequeued is the recovery loop's takeover of a stranded SENDING row:
// CAS back to QUEUED counting the lost attempt.
func (s *Store) MarkRequeued(ctx context.Context, id uuid.UUID, from Status) (bool, error) {
	query := `UPDATE message_logs
		SET status = $3, retry_count = retry_count + 1, last_retry_at = now(), updated_at = now()
		WHERE id = $1 AND status = $2`

	return s.cas(ctx, query, id, from, StatusQueued)
}

// MarkFailed terminates a row from any of the given prior statuses.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, from []Status, errMsg string, code *int, body *string) (bool, error) {
	query := `UPDATE message_logs
		SET status = $3, error_message = $4, api_response_code = COALESCE($5, api_response_code),
		    api_response_body = COALESCE($6, api_response_body), updated_at = now()
		WHERE id = $1 AND status = ANY($2)`

	prior := make([]string, len(from))
	for i, st := range from {
		prior[i] = string(st)
	}

	res, err := s.db.ExecContext(ctx, query, id, pq.Array(prior), StatusFailed, errMsg, code, body)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) cas(ctx context.Context, query string, id uuid.UUID, from Status, args ...interface{}) (bool, error) {
	all := append([]interface{}{id, from}, args...)
	res, err := s.db.ExecContext(ctx, query, all...)
	if err != nil {
		return false, fmt.Errorf("status transition from %s: %w", from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("status transition from %s: %w", from, err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLog(r rowScanner) (*MessageLog, error) {
	var m MessageLog
	err := r.Scan(
		&m.ID, &m.UserID, &m.MessageType, &m.MessageContent, &m.ScheduledSendTime,
		&m.ActualSendTime, &m.Status, &m.RetryCount, &m.LastRetryAt, &m.IdempotencyKey,
		&m.APIResponseCode, &m.APIResponseBody, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectLogs(rows *sql.Rows) ([]*MessageLog, error) {
	var logs []*MessageLog
	for rows.Next() {
		m, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		logs = append(logs, m)
	}
	return logs, rows.Err()
}
