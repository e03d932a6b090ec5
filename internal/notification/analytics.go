package notification

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// StatusCounts is the dashboard breakdown of transactions by status.
// FAILED and DEAD_LETTER are surfaced together as "failed".
type StatusCounts struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Retry      int64 `json:"retry"`
	Failed     int64 `json:"failed"`
}

// ErrorBreakdownItem counts errors of one kind.
type ErrorBreakdownItem struct {
	ErrorType ErrorKind `json:"errorType"`
	Count     int64     `json:"count"`
}

// RetryableBreakdownItem splits error volume by retryability.
type RetryableBreakdownItem struct {
	Retryable bool  `json:"retryable"`
	Count     int64 `json:"count"`
}

// ErrorAnalytics is the error dashboard payload.
type ErrorAnalytics struct {
	TotalErrors        int64                    `json:"totalErrors"`
	ErrorTypeBreakdown []ErrorBreakdownItem     `json:"errorTypeBreakdown"`
	RetryableBreakdown []RetryableBreakdownItem `json:"retryableBreakdown"`
	RecentErrors       []ErrorLog               `json:"recentErrors"`
}

// ChannelAnalytics is the per-channel delivery summary. Rates are
// percentages rounded to two decimals.
type ChannelAnalytics struct {
	Channel     Channel `json:"channel"`
	Total       int64   `json:"total"`
	Sent        int64   `json:"sent"`
	Failed      int64   `json:"failed"`
	Pending     int64   `json:"pending"`
	Retry       int64   `json:"retry"`
	DeadLetter  int64   `json:"deadLetter"`
	SuccessRate float64 `json:"successRate"`
	FailureRate float64 `json:"failureRate"`
}

// FailedTransaction pairs a dead-lettered transaction with its most
// recent error.
type FailedTransaction struct {
	Transaction *Transaction `json:"transaction"`
	LastError   *ErrorLog    `json:"lastError,omitempty"`
}

// StatusCounts returns transaction counts by status, optionally scoped to
// one user.
func (s *PostgresStore) StatusCounts(ctx context.Context, userID string) (*StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM transactions`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := &StatusCounts{}
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts.Total += count
		switch status {
		case StatusPending:
			counts.Pending += count
		case StatusQueued:
			counts.Queued += count
		case StatusProcessing:
			counts.Processing += count
		case StatusSent:
			counts.Sent += count
		case StatusRetry:
			counts.Retry += count
		case StatusFailed, StatusDeadLetter:
			counts.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// FailedTransactions lists dead-lettered transactions with their latest
// error, filtered by the error attributes.
func (s *PostgresStore) FailedTransactions(ctx context.Context, filter ErrorLogFilter) ([]FailedTransaction, error) {
	query := `
		SELECT ` + prefixColumns("t", transactionColumns) + `,
			e.id, e.transaction_id, e.error_type, e.error_message, e.error_stack,
			e.error_code, e.retryable, e.provider_response, e.created_at
		FROM transactions t
		LEFT JOIN LATERAL (
			SELECT * FROM error_logs
			WHERE transaction_id = t.transaction_id
			ORDER BY created_at DESC
			LIMIT 1
		) e ON true
		WHERE t.status IN ('FAILED', 'DEAD_LETTER')`
	args := []interface{}{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(" AND e.error_type = $%d", argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.Retryable != nil {
		query += fmt.Sprintf(" AND e.retryable = $%d", argIdx)
		args = append(args, *filter.Retryable)
		argIdx++
	}
	if filter.StartDate != nil {
		query += fmt.Sprintf(" AND t.failed_at >= $%d", argIdx)
		args = append(args, *filter.StartDate)
		argIdx++
	}
	if filter.EndDate != nil {
		query += fmt.Sprintf(" AND t.failed_at <= $%d", argIdx)
		args = append(args, *filter.EndDate)
		argIdx++
	}

	query += " ORDER BY t.failed_at DESC"

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
		return nil, fmt.Errorf("failed to list failed transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []FailedTransaction
	for rows.Next() {
		var tx Transaction
		var metadataBytes []byte
		var e struct {
			ID               sql.NullString
			TransactionID    sql.NullString
			ErrorType        sql.NullString
			ErrorMessage     sql.NullString
			ErrorStack       sql.NullString
			ErrorCode        sql.NullString
			Retryable        sql.NullBool
			ProviderResponse sql.NullString
			CreatedAt        sql.NullTime
		}

		err := rows.Scan(
			&tx.TransactionID, &tx.UserID, &tx.Type, &tx.Channel, &tx.Status,
			&tx.Content, &tx.Subject, &tx.Recipient, &metadataBytes, &tx.Priority,
			&tx.RetryCount, &tx.MaxRetries, &tx.FailureReason,
			&tx.CreatedAt, &tx.UpdatedAt, &tx.SentAt, &tx.FailedAt,
			&e.ID, &e.TransactionID, &e.ErrorType, &e.ErrorMessage, &e.ErrorStack,
			&e.ErrorCode, &e.Retryable, &e.ProviderResponse, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed transaction: %w", err)
		}
		if len(metadataBytes) > 0 {
			_ = tx.Metadata.Scan(metadataBytes)
		}

		item := FailedTransaction{Transaction: &tx}
		if e.ErrorMessage.Valid {
			lastError := &ErrorLog{
				TransactionID: tx.TransactionID,
				ErrorType:     ErrorKind(e.ErrorType.String),
				ErrorMessage:  e.ErrorMessage.String,
				Retryable:     e.Retryable.Bool,
				CreatedAt:     e.CreatedAt.Time,
			}
			if e.ErrorStack.Valid {
				lastError.ErrorStack = &e.ErrorStack.String
			}
			if e.ErrorCode.Valid {
				lastError.ErrorCode = &e.ErrorCode.String
			}
			if e.ProviderResponse.Valid {
				lastError.ProviderResponse = &e.ProviderResponse.String
			}
			item.LastError = lastError
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed transactions: %w", err)
	}
	return results, nil
}

// ErrorAnalytics aggregates the error_logs table over the window.
func (s *PostgresStore) ErrorAnalytics(ctx context.Context, start, end *time.Time) (*ErrorAnalytics, error) {
	where, args := errorWindow(start, end)

	analytics := &ErrorAnalytics{}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_logs`+where, args...).
		Scan(&analytics.TotalErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to count errors: %w", err)
	}

	typeRows, err := s.db.QueryContext(ctx,
		`SELECT error_type, COUNT(*) FROM error_logs`+where+` GROUP BY error_type ORDER BY COUNT(*) DESC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to break down by error type: %w", err)
	}
	defer func() { _ = typeRows.Close() }()
	for typeRows.Next() {
		var item ErrorBreakdownItem
		if err := typeRows.Scan(&item.ErrorType, &item.Count); err != nil {
			return nil, fmt.Errorf("failed to scan error type breakdown: %w", err)
		}
		analytics.ErrorTypeBreakdown = append(analytics.ErrorTypeBreakdown, item)
	}
	if err := typeRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error type breakdown: %w", err)
	}

	retryRows, err := s.db.QueryContext(ctx,
		`SELECT retryable, COUNT(*) FROM error_logs`+where+` GROUP BY retryable`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to break down by retryability: %w", err)
	}
	defer func() { _ = retryRows.Close() }()
	for retryRows.Next() {
		var item RetryableBreakdownItem
		if err := retryRows.Scan(&item.Retryable, &item.Count); err != nil {
			return nil, fmt.Errorf("failed to scan retryable breakdown: %w", err)
		}
		analytics.RetryableBreakdown = append(analytics.RetryableBreakdown, item)
	}
	if err := retryRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retryable breakdown: %w", err)
	}

	recentRows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, error_type, error_message, error_stack,
			error_code, retryable, provider_response, created_at
		FROM error_logs`+where+`
		ORDER BY created_at DESC
		LIMIT 50
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent errors: %w", err)
	}
	defer func() { _ = recentRows.Close() }()
	for recentRows.Next() {
		var e ErrorLog
		if err := recentRows.Scan(&e.ID, &e.TransactionID, &e.ErrorType, &e.ErrorMessage,
			&e.ErrorStack, &e.ErrorCode, &e.Retryable, &e.ProviderResponse, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recent error: %w", err)
		}
		analytics.RecentErrors = append(analytics.RecentErrors, e)
	}
	if err := recentRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recent errors: %w", err)
	}

	return analytics, nil
}

// ChannelAnalytics returns the delivery summary per channel, every channel
// present even when empty.
func (s *PostgresStore) ChannelAnalytics(ctx context.Context, start, end *time.Time) ([]ChannelAnalytics, error) {
	where := ""
	args := []interface{}{}
	argIdx := 1
	if start != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *start)
		argIdx++
	}
	if end != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *end)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, status, COUNT(*)
		FROM transactions
		WHERE 1=1`+where+`
		GROUP BY channel, status
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by channel: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byChannel := make(map[Channel]*ChannelAnalytics, len(AllChannels))
	for _, ch := range AllChannels {
		byChannel[ch] = &ChannelAnalytics{Channel: ch}
	}

	for rows.Next() {
		var ch Channel
		var status Status
		var count int64
		if err := rows.Scan(&ch, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan channel aggregate: %w", err)
		}
		agg, ok := byChannel[ch]
		if !ok {
			agg = &ChannelAnalytics{Channel: ch}
			byChannel[ch] = agg
		}
		agg.Total += count
		switch status {
		case StatusSent:
			agg.Sent += count
		case StatusPending, StatusQueued, StatusProcessing:
			agg.Pending += count
		case StatusRetry:
			agg.Retry += count
		case StatusDeadLetter:
			agg.DeadLetter += count
			agg.Failed += count
		case StatusFailed:
			agg.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel aggregates: %w", err)
	}

	results := make([]ChannelAnalytics, 0, len(AllChannels))
	for _, ch := range AllChannels {
		agg := byChannel[ch]
		if agg.Total > 0 {
			agg.SuccessRate = roundRate(agg.Sent, agg.Total)
			agg.FailureRate = roundRate(agg.Failed, agg.Total)
		}
		results = append(results, *agg)
	}
	return results, nil
}

func errorWindow(start, end *time.Time) (string, []interface{}) {
	where := ""
	args := []interface{}{}
	argIdx := 1
	if start != nil {
		where += fmt.Sprintf(" created_at >= $%d", argIdx)
		args = append(args, *start)
		argIdx++
	}
	if end != nil {
		if where != "" {
			where += " AND"
		}
		where += fmt.Sprintf(" created_at <= $%d", argIdx)
		args = append(args, *end)
	}
	if where != "" {
		where = " WHERE" + where
	}
	return where, args
}

func roundRate(part, total int64) float64 {
	return math.Round(float64(part)/float64(total)*10000) / 100
}

// prefixColumns qualifies each column in a comma-separated list with the
// given table alias.
func prefixColumns(alias, columns string) string {
	out := ""
	for i, col := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns(columns string) []string {
	var cols []string
	field := ""
	for _, r := range columns {
		switch r {
		case ',':
			cols = append(cols, field)
			field = ""
		case ' ', '\n', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		cols = append(cols, field)
	}
	return cols
}
