package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store is the durable record of transactions and their error logs. It
// supports atomic status transitions; terminal rows are fenced at the SQL
// level so a redelivered job can never un-send a transaction.
type Store interface {
	// CreateTransaction inserts a new PENDING row and returns it.
	CreateTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)

	// GetTransaction retrieves a transaction by id.
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// MarkQueued transitions PENDING → QUEUED after a successful enqueue.
	MarkQueued(ctx context.Context, id uuid.UUID) error

	// MarkProcessing transitions a non-terminal row to PROCESSING. Returns
	// false without error when the row is already terminal.
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkSent finalizes a delivery: sets sentAt, clears failureReason,
	// and stores the provider response under metadata.providerResponse.
	MarkSent(ctx context.Context, id uuid.UUID, providerResponse string) error

	// MarkRetry atomically increments retryCount, records the failure
	// reason, and transitions to RETRY. Returns the new retryCount.
	MarkRetry(ctx context.Context, id uuid.UUID, failureReason string) (int, error)

	// MarkDeadLetter terminates the transaction: sets failedAt and the
	// failure reason.
	MarkDeadLetter(ctx context.Context, id uuid.UUID, failureReason string) error

	// AppendErrorLog records one failed attempt. Append-only.
	AppendErrorLog(ctx context.Context, entry ErrorLog) (*ErrorLog, error)

	// ErrorLogs returns the transaction's failures, newest first.
	ErrorLogs(ctx context.Context, transactionID uuid.UUID) ([]ErrorLog, error)

	// ResetForReplay rewinds a dead-lettered row to PENDING with a zeroed
	// retry count, for manual DLQ replay.
	ResetForReplay(ctx context.Context, id uuid.UUID) error
}

// PostgresStore implements Store plus the admin read surface on the
// transactions and error_logs tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `transaction_id, user_id, notification_type, channel, status,
	content, subject, recipient, metadata, priority, retry_count, max_retries,
	failure_reason, created_at, updated_at, sent_at, failed_at`

// CreateTransaction inserts a new row. The caller supplies the resolved
// channel/priority; status, retryCount, and timestamps are set here.
func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if tx.TransactionID == uuid.Nil {
		tx.TransactionID = uuid.New()
	}
	now := time.Now()

	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if tx.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO transactions (
			transaction_id, user_id, notification_type, channel, status,
			content, subject, recipient, metadata, priority,
			retry_count, max_retries, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
		RETURNING ` + transactionColumns

	row := s.db.QueryRowContext(ctx, query,
		tx.TransactionID, tx.UserID, tx.Type, tx.Channel, StatusPending,
		tx.Content, tx.Subject, tx.Recipient, metadataJSON, tx.Priority,
		0, tx.MaxRetries, now, now,
	)

	created, err := scanTransaction(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return created, nil
}

// GetTransaction retrieves a transaction by id.
func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`, id)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// MarkQueued transitions PENDING → QUEUED.
func (s *PostgresStore) MarkQueued(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, `
		UPDATE transactions
		SET status = $2, updated_at = $3
		WHERE transaction_id = $1 AND status = $4
	`, id, StatusQueued, time.Now(), StatusPending)
}

// MarkProcessing transitions to PROCESSING unless the row is terminal.
// A zero-row update against an existing terminal row returns (false, nil)
// so redelivered jobs ack as no-ops.
func (s *PostgresStore) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, updated_at = $3
		WHERE transaction_id = $1 AND status NOT IN ($4, $5)
	`, id, StatusProcessing, time.Now(), StatusSent, StatusDeadLetter)
	if err != nil {
		return false, fmt.Errorf("failed to mark processing: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Either missing or terminal; distinguish for the caller.
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// MarkSent finalizes a successful delivery. The provider response is
// merged into metadata so the audit trail keeps the provider's message id.
func (s *PostgresStore) MarkSent(ctx context.Context, id uuid.UUID, providerResponse string) error {
	responseJSON, err := json.Marshal(map[string]string{"providerResponse": providerResponse})
	if err != nil {
		return fmt.Errorf("failed to marshal provider response: %w", err)
	}

	return s.exec(ctx, `
		UPDATE transactions
		SET status = $2,
			sent_at = $3,
			failure_reason = NULL,
			metadata = metadata || $4::jsonb,
			updated_at = $3
		WHERE transaction_id = $1 AND status NOT IN ($5, $6)
	`, id, StatusSent, time.Now(), responseJSON, StatusSent, StatusDeadLetter)
}

// MarkRetry increments retryCount atomically and returns the new value.
func (s *PostgresStore) MarkRetry(ctx context.Context, id uuid.UUID, failureReason string) (int, error) {
	var retryCount int
	err := s.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = $2,
			retry_count = retry_count + 1,
			failure_reason = $3,
			updated_at = $4
		WHERE transaction_id = $1 AND status NOT IN ($5, $6)
		RETURNING retry_count
	`, id, StatusRetry, failureReason, time.Now(), StatusSent, StatusDeadLetter).Scan(&retryCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to mark retry: %w", err)
	}
	return retryCount, nil
}

// MarkDeadLetter terminates the transaction.
func (s *PostgresStore) MarkDeadLetter(ctx context.Context, id uuid.UUID, failureReason string) error {
	now := time.Now()
	return s.exec(ctx, `
		UPDATE transactions
		SET status = $2,
			failed_at = $3,
			failure_reason = $4,
			updated_at = $3
		WHERE transaction_id = $1 AND status NOT IN ($5, $6)
	`, id, StatusDeadLetter, now, failureReason, StatusSent, StatusDeadLetter)
}

// AppendErrorLog records one failed attempt.
func (s *PostgresStore) AppendErrorLog(ctx context.Context, entry ErrorLog) (*ErrorLog, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_logs (
			id, transaction_id, error_type, error_message, error_stack,
			error_code, retryable, provider_response, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.TransactionID, entry.ErrorType, entry.ErrorMessage, entry.ErrorStack,
		entry.ErrorCode, entry.Retryable, entry.ProviderResponse, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert error log: %w", err)
	}
	return &entry, nil
}

// ErrorLogs returns the transaction's failure records, newest first.
func (s *PostgresStore) ErrorLogs(ctx context.Context, transactionID uuid.UUID) ([]ErrorLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, error_type, error_message, error_stack,
			error_code, retryable, provider_response, created_at
		FROM error_logs
		WHERE transaction_id = $1
		ORDER BY created_at DESC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get error logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []ErrorLog
	for rows.Next() {
		var e ErrorLog
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.ErrorType, &e.ErrorMessage, &e.ErrorStack,
			&e.ErrorCode, &e.Retryable, &e.ProviderResponse, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error log: %w", err)
		}
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error logs: %w", err)
	}
	return logs, nil
}

// ResetForReplay rewinds a dead-lettered transaction to PENDING.
func (s *PostgresStore) ResetForReplay(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, `
		UPDATE transactions
		SET status = $2,
			retry_count = 0,
			failure_reason = NULL,
			failed_at = NULL,
			updated_at = $3
		WHERE transaction_id = $1 AND status IN ($4, $5)
	`, id, StatusPending, time.Now(), StatusDeadLetter, StatusFailed)
}

// SearchTransactions returns transactions matching the filter, newest
// first.
func (s *PostgresStore) SearchTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	add := func(clause string, value interface{}) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, value)
		argIdx++
	}

	if filter.TransactionID != nil {
		add("transaction_id = $%d", *filter.TransactionID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Status != "" {
		// FAILED is an analytics alias of DEAD_LETTER.
		if filter.Status == StatusFailed {
			query += fmt.Sprintf(" AND status IN ($%d, $%d)", argIdx, argIdx+1)
			args = append(args, StatusFailed, StatusDeadLetter)
			argIdx += 2
		} else {
			add("status = $%d", filter.Status)
		}
	}
	if filter.Channel != "" {
		add("channel = $%d", filter.Channel)
	}
	if filter.FailureReason != "" {
		add("failure_reason ILIKE $%d", "%"+filter.FailureReason+"%")
	}
	if filter.StartDate != nil {
		add("created_at >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("created_at <= $%d", *filter.EndDate)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// DeadLetterTransactions returns dead-lettered rows for replay, oldest
// first so replays drain in arrival order. A non-empty errorType narrows
// the set to transactions whose most recent error is of that kind.
func (s *PostgresStore) DeadLetterTransactions(ctx context.Context, errorType ErrorKind, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + prefixColumns("t", transactionColumns) + `
		FROM transactions t
		WHERE t.status IN ($1, $2)`
	args := []interface{}{StatusDeadLetter, StatusFailed}

	if errorType != "" {
		query += `
		AND (
			SELECT error_type FROM error_logs
			WHERE transaction_id = t.transaction_id
			ORDER BY created_at DESC
			LIMIT 1
		) = $3`
		args = append(args, errorType)
	}

	query += fmt.Sprintf(`
		ORDER BY t.failed_at ASC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead-letter transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// exec runs an update that must touch exactly one row.
func (s *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var metadataBytes []byte

	err := row.Scan(
		&tx.TransactionID, &tx.UserID, &tx.Type, &tx.Channel, &tx.Status,
		&tx.Content, &tx.Subject, &tx.Recipient, &metadataBytes, &tx.Priority,
		&tx.RetryCount, &tx.MaxRetries, &tx.FailureReason,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.SentAt, &tx.FailedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

// isUniqueViolation checks for PostgreSQL error code 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
