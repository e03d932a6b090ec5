// Package notification implements the dispatch pipeline: preference-driven
// channel and priority resolution, a two-tier priority queue with dead-letter
// handling, and the worker that drives each transaction through its state
// machine until delivery succeeds or retries run out.
//
// Architecture:
//
//	HTTP → Dispatcher → PostgreSQL (transactions) + Redis queue → Worker → Provider
//	                         ↓                                       ↓
//	                    error_logs (audit trail)              dead-letter queue
package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelPush     Channel = "PUSH"
)

// AllChannels lists every channel in the stable preference order.
// PreferredChannels and channel analytics iterate in this order.
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPush}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPush:
		return true
	}
	return false
}

// Type represents the category of notification.
type Type string

const (
	TypeTransactional Type = "TRANSACTIONAL"
	TypeMarketing     Type = "MARKETING"
	TypeSystem        Type = "SYSTEM"
	TypeAlert         Type = "ALERT"
)

// Status represents the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"     // Created, not yet enqueued
	StatusQueued     Status = "QUEUED"      // Enqueued, awaiting a worker
	StatusProcessing Status = "PROCESSING"  // A worker is attempting delivery
	StatusSent       Status = "SENT"        // Delivered. Terminal.
	StatusFailed     Status = "FAILED"      // Analytics alias of DEAD_LETTER; never produced by the worker
	StatusRetry      Status = "RETRY"       // Attempt failed, redelivery scheduled
	StatusDeadLetter Status = "DEAD_LETTER" // No further attempts. Terminal.
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDeadLetter
}

// Priority levels. Queue selection routes HIGH and above to the priority
// queue; within a queue, higher values are scheduled first.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

// ValidPriority reports whether p is inside the [LOW..URGENT] range.
func ValidPriority(p int) bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// Metadata is an opaque key-value map stored as JSONB alongside the
// transaction.
type Metadata map[string]interface{}

// Value implements driver.Valuer for database storage.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}

// Transaction is the persistent record of one notification submission
// across its entire lifecycle. Created by the Dispatcher, which also marks
// it QUEUED or dead-letters it when it cannot be enqueued; the Worker drives
// every later transition, and a dead-letter replay rewinds it to PENDING.
// Never deleted.
type Transaction struct {
	TransactionID uuid.UUID  `json:"transactionId" db:"transaction_id"`
	UserID        string     `json:"userId" db:"user_id"`
	Type          Type       `json:"notificationType" db:"notification_type"`
	Channel       Channel    `json:"channel" db:"channel"`
	Status        Status     `json:"status" db:"status"`
	Content       string     `json:"content" db:"content"`
	Subject       *string    `json:"subject,omitempty" db:"subject"`
	Recipient     string     `json:"recipient" db:"recipient"`
	Metadata      Metadata   `json:"metadata" db:"metadata"`
	Priority      int        `json:"priority" db:"priority"`
	RetryCount    int        `json:"retryCount" db:"retry_count"`
	MaxRetries    int        `json:"maxRetries" db:"max_retries"`
	FailureReason *string    `json:"failureReason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
	SentAt        *time.Time `json:"sentAt,omitempty" db:"sent_at"`
	FailedAt      *time.Time `json:"failedAt,omitempty" db:"failed_at"`
}

// ErrorKind categorizes delivery failures. The worker treats only the
// retryable bit as authoritative; the kind drives analytics.
type ErrorKind string

const (
	ErrorKindNetwork      ErrorKind = "NETWORK_ERROR"
	ErrorKindRateLimit    ErrorKind = "RATE_LIMIT"
	ErrorKindAuth         ErrorKind = "AUTHENTICATION_ERROR"
	ErrorKindInvalidData  ErrorKind = "INVALID_DATA"
	ErrorKindProvider     ErrorKind = "PROVIDER_ERROR"
	ErrorKindRetryable    ErrorKind = "RETRYABLE"
	ErrorKindNonRetryable ErrorKind = "NON_RETRYABLE"
)

// Valid reports whether k is a known error kind.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindNetwork, ErrorKindRateLimit, ErrorKindAuth, ErrorKindInvalidData,
		ErrorKindProvider, ErrorKindRetryable, ErrorKindNonRetryable:
		return true
	}
	return false
}

// ErrorLog is an append-only record of one failed delivery attempt.
type ErrorLog struct {
	ID               uuid.UUID `json:"id" db:"id"`
	TransactionID    uuid.UUID `json:"transactionId" db:"transaction_id"`
	ErrorType        ErrorKind `json:"errorType" db:"error_type"`
	ErrorMessage     string    `json:"errorMessage" db:"error_message"`
	ErrorStack       *string   `json:"errorStack,omitempty" db:"error_stack"`
	ErrorCode        *string   `json:"errorCode,omitempty" db:"error_code"`
	Retryable        bool      `json:"retryable" db:"retryable"`
	ProviderResponse *string   `json:"providerResponse,omitempty" db:"provider_response"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// Job is the queue payload: the snapshot of transaction fields a worker
// needs to perform one delivery attempt. It lives only in the broker.
type Job struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Channel       Channel   `json:"channel"`
	Recipient     string    `json:"recipient"`
	Subject       *string   `json:"subject,omitempty"`
	Content       string    `json:"content"`
	Priority      int       `json:"priority"`
	Metadata      Metadata  `json:"metadata,omitempty"`
}

// SubmitRequest is the input to Dispatcher.Submit. The HTTP layer
// validates shape; the dispatcher still defensively rejects missing
// required fields.
type SubmitRequest struct {
	UserID    string   `json:"userId"`
	Type      Type     `json:"notificationType"`
	Channel   Channel  `json:"channel,omitempty"`
	Content   string   `json:"content"`
	Subject   *string  `json:"subject,omitempty"`
	Recipient string   `json:"recipient"`
	Priority  *int     `json:"priority,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// SubmitResult echoes the resolved routing back to the caller.
type SubmitResult struct {
	TransactionID uuid.UUID `json:"transactionId"`
	Channel       Channel   `json:"channel"`
	Priority      int       `json:"priority"`
}

// BulkItemResult is the per-notification outcome of a bulk submission.
type BulkItemResult struct {
	Success       bool       `json:"success"`
	TransactionID *uuid.UUID `json:"transactionId,omitempty"`
	UserID        string     `json:"userId"`
	Error         *string    `json:"error,omitempty"`
}

// BulkResult aggregates a bulk submission.
type BulkResult struct {
	Total   int              `json:"total"`
	Queued  int              `json:"queued"`
	Failed  int              `json:"failed"`
	Results []BulkItemResult `json:"results"`
}

// TransactionFilter narrows admin transaction searches. Zero values mean
// "no constraint". FailureReason matches as a case-insensitive substring.
type TransactionFilter struct {
	TransactionID *uuid.UUID
	UserID        string
	Status        Status
	Channel       Channel
	FailureReason string
	StartDate     *time.Time
	EndDate       *time.Time
	Limit         int
	Offset        int
}

// ErrorLogFilter narrows admin failure searches.
type ErrorLogFilter struct {
	ErrorType ErrorKind
	Retryable *bool
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// Common errors surfaced by the pipeline.
var (
	ErrNotFound   = errors.New("transaction not found")
	ErrConflict   = errors.New("duplicate row")
	ErrValidation = errors.New("validation failed")
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
