package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Store that mirrors the Postgres transition
// semantics, including the terminal-status fences.
type fakeStore struct {
	mu   sync.Mutex
	txs  map[uuid.UUID]*Transaction
	logs []ErrorLog

	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: make(map[uuid.UUID]*Transaction)}
}

func (s *fakeStore) CreateTransaction(_ context.Context, tx *Transaction) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	if tx.TransactionID == uuid.Nil {
		tx.TransactionID = uuid.New()
	}
	now := time.Now()
	stored := *tx
	stored.Status = StatusPending
	stored.RetryCount = 0
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.txs[stored.TransactionID] = &stored
	copied := stored
	return &copied, nil
}

func (s *fakeStore) GetTransaction(_ context.Context, id uuid.UUID) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *tx
	return &copied, nil
}

func (s *fakeStore) MarkQueued(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Status != StatusPending {
		return ErrNotFound
	}
	tx.Status = StatusQueued
	tx.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) MarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return false, ErrNotFound
	}
	if tx.Status.Terminal() {
		return false, nil
	}
	tx.Status = StatusProcessing
	tx.UpdatedAt = time.Now()
	return true, nil
}

func (s *fakeStore) MarkSent(_ context.Context, id uuid.UUID, providerResponse string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Status.Terminal() {
		return ErrNotFound
	}
	now := time.Now()
	tx.Status = StatusSent
	tx.SentAt = &now
	tx.FailureReason = nil
	if tx.Metadata == nil {
		tx.Metadata = Metadata{}
	}
	tx.Metadata["providerResponse"] = providerResponse
	tx.UpdatedAt = now
	return nil
}

func (s *fakeStore) MarkRetry(_ context.Context, id uuid.UUID, failureReason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Status.Terminal() {
		return 0, ErrNotFound
	}
	tx.Status = StatusRetry
	tx.RetryCount++
	tx.FailureReason = &failureReason
	tx.UpdatedAt = time.Now()
	return tx.RetryCount, nil
}

func (s *fakeStore) MarkDeadLetter(_ context.Context, id uuid.UUID, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Status.Terminal() {
		return ErrNotFound
	}
	now := time.Now()
	tx.Status = StatusDeadLetter
	tx.FailedAt = &now
	tx.FailureReason = &failureReason
	tx.UpdatedAt = now
	return nil
}

func (s *fakeStore) AppendErrorLog(_ context.Context, entry ErrorLog) (*ErrorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	s.logs = append(s.logs, entry)
	return &entry, nil
}

func (s *fakeStore) ErrorLogs(_ context.Context, transactionID uuid.UUID) ([]ErrorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []ErrorLog
	for _, l := range s.logs {
		if l.TransactionID == transactionID {
			logs = append(logs, l)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	return logs, nil
}

func (s *fakeStore) ResetForReplay(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || (tx.Status != StatusDeadLetter && tx.Status != StatusFailed) {
		return ErrNotFound
	}
	tx.Status = StatusPending
	tx.RetryCount = 0
	tx.FailureReason = nil
	tx.FailedAt = nil
	tx.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) logCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, l := range s.logs {
		if l.TransactionID == id {
			count++
		}
	}
	return count
}

// fakeQueue records broker traffic in memory. Locks always succeed unless
// told otherwise.
type fakeQueue struct {
	mu         sync.Mutex
	enqueued   map[QueueName][]Job
	delayed    map[QueueName][]time.Time
	deadLetter []Job
	acks       []uuid.UUID
	lockDenied bool
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		enqueued: make(map[QueueName][]Job),
		delayed:  make(map[QueueName][]time.Time),
	}
}

func (q *fakeQueue) Enqueue(_ context.Context, queue QueueName, job Job, _ EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued[queue] = append(q.enqueued[queue], job)
	return nil
}

func (q *fakeQueue) Dequeue(_ context.Context, queue QueueName, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.enqueued[queue]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return append([]Job(nil), jobs...), nil
}

func (q *fakeQueue) ScheduleRetry(_ context.Context, queue QueueName, _ Job, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[queue] = append(q.delayed[queue], due)
	return nil
}

func (q *fakeQueue) PromoteDelayed(_ context.Context, _ QueueName, _ time.Time) (int, error) {
	return 0, nil
}

func (q *fakeQueue) MoveToDeadLetter(_ context.Context, _ QueueName, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = append(q.deadLetter, job)
	return nil
}

func (q *fakeQueue) Ack(_ context.Context, _ QueueName, transactionID uuid.UUID, _ bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks = append(q.acks, transactionID)
	return nil
}

func (q *fakeQueue) AcquireLock(_ context.Context, _ QueueName, _ uuid.UUID, _ string, _ time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.lockDenied, nil
}

func (q *fakeQueue) ReleaseLock(_ context.Context, _ QueueName, _ uuid.UUID, _ string) error {
	return nil
}

func (q *fakeQueue) Stats(_ context.Context, queue QueueName) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &QueueStats{Waiting: int64(len(q.enqueued[queue]))}, nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) enqueuedOn(queue QueueName) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued[queue])
}

// fakePrefs serves canned preferences, defaulting like the lazy store.
type fakePrefs struct {
	mu    sync.Mutex
	prefs map[string]Preferences
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{prefs: make(map[string]Preferences)}
}

func (p *fakePrefs) set(userID string, prefs Preferences) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefs.UserID = userID
	p.prefs[userID] = prefs
}

func (p *fakePrefs) Get(_ context.Context, userID string) (*Preferences, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefs, ok := p.prefs[userID]
	if !ok {
		prefs = DefaultPreferences(userID)
		p.prefs[userID] = prefs
	}
	copied := prefs
	return &copied, nil
}

func (p *fakePrefs) Update(ctx context.Context, userID string, update PreferencesUpdate) (*Preferences, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	current, err := p.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	update.apply(current)
	p.set(userID, *current)
	return current, nil
}

func (p *fakePrefs) PreferredChannels(ctx context.Context, userID string) ([]Channel, error) {
	prefs, err := p.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return prefs.PreferredChannels(), nil
}

func (p *fakePrefs) ChannelPriority(ctx context.Context, userID string, ch Channel) (int, error) {
	prefs, err := p.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return prefs.ChannelPriority(ch), nil
}

// fakeProvider plays back a script of failures before succeeding.
type fakeProvider struct {
	mu       sync.Mutex
	name     string
	ready    bool
	failures []*ProviderError
	calls    int
}

func newFakeProvider(name string, failures ...*ProviderError) *fakeProvider {
	return &fakeProvider{name: name, ready: true, failures: failures}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Ready() bool { return p.ready }

func (p *fakeProvider) Send(_ context.Context, _ string, _ *string, _ string, _ Metadata) (*ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls
	p.calls++
	if call < len(p.failures) {
		return nil, p.failures[call]
	}
	return &ProviderResult{
		ProviderName:      p.name,
		ProviderMessageID: fmt.Sprintf("msg-%d", call),
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var errBrokerDown = errors.New("broker unavailable")
