package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// Worker executes delivery jobs. It runs one pool per send queue (the
// priority pool is sized independently) and drives each transaction
// through PROCESSING → SENT | RETRY | DEAD_LETTER.
//
// The database retry_count is the authority on attempts: the broker's own
// counter is an upper bound only, and a redelivered job whose transaction
// is already terminal acks as a no-op.
type Worker struct {
	store     Store
	queue     Queue
	providers ProviderSet
	config    Config
	workerCfg WorkerConfig
	workerID  string

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewWorker creates a worker over both send queues.
func NewWorker(store Store, queue Queue, providers ProviderSet, config Config, workerCfg WorkerConfig) *Worker {
	return &Worker{
		store:     store,
		queue:     queue,
		providers: providers,
		config:    config,
		workerCfg: workerCfg,
		workerID:  fmt.Sprintf("%s-%s", workerCfg.WorkerPrefix, uuid.New().String()[:8]),
		stopCh:    make(chan struct{}),
	}
}

// Start launches both queue pools and the delayed-retry promoters. It
// blocks until the context is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.isRunning = true
	w.mu.Unlock()

	log.Printf("[worker] %s starting (regular=%d, priority=%d)",
		w.workerID, w.workerCfg.Concurrency, w.workerCfg.PriorityConcurrency)

	w.runPool(ctx, QueueRegular, w.workerCfg.Concurrency)
	w.runPool(ctx, QueuePriority, w.workerCfg.PriorityConcurrency)

	<-w.stopped(ctx)
	return ctx.Err()
}

func (w *Worker) stopped(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-w.stopCh:
		}
		close(done)
	}()
	return done
}

// runPool starts the fetch loop, processors, and delayed promoter for one
// queue. Pools share nothing: there is no cross-queue coordination.
func (w *Worker) runPool(ctx context.Context, queue QueueName, concurrency int) {
	jobs := make(chan Job, w.workerCfg.BatchSize*2)

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, queue, jobs, i)
	}

	w.wg.Add(1)
	go w.fetchLoop(ctx, queue, jobs)

	w.wg.Add(1)
	go w.promoteDelayedLoop(ctx, queue)
}

// fetchLoop polls the queue and feeds the pool. Dequeue is non-destructive;
// the per-transaction lock in process keeps two processors (or two
// processes) off the same job.
func (w *Worker) fetchLoop(ctx context.Context, queue QueueName, jobs chan<- Job) {
	defer w.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(w.workerCfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			batch, err := w.queue.Dequeue(ctx, queue, w.workerCfg.BatchSize)
			if err != nil {
				log.Printf("[worker] %s dequeue from %s failed: %v", w.workerID, queue, err)
				continue
			}
			for _, job := range batch {
				select {
				case jobs <- job:
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				}
			}
		}
	}
}

func (w *Worker) processLoop(ctx context.Context, queue QueueName, jobs <-chan Job, n int) {
	defer w.wg.Done()

	processorID := fmt.Sprintf("%s-%s-%d", w.workerID, queue, n)
	for job := range jobs {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if err := w.process(ctx, queue, job, processorID); err != nil {
			log.Printf("[worker] %s failed to process %s: %v", processorID, job.TransactionID, err)
			w.captureProcessError(err, job, processorID)
		}
	}
}

// promoteDelayedLoop moves due retries back onto the queue.
func (w *Worker) promoteDelayedLoop(ctx context.Context, queue QueueName) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.workerCfg.DelayedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			promoted, err := w.queue.PromoteDelayed(ctx, queue, time.Now())
			if err != nil {
				log.Printf("[worker] %s promote on %s failed: %v", w.workerID, queue, err)
				continue
			}
			if promoted > 0 {
				log.Printf("[worker] %s promoted %d delayed jobs on %s", w.workerID, promoted, queue)
			}
		}
	}
}

// process performs one delivery attempt for the job.
func (w *Worker) process(ctx context.Context, queue QueueName, job Job, processorID string) error {
	acquired, err := w.queue.AcquireLock(ctx, queue, job.TransactionID, processorID, w.config.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		// Another worker owns this job.
		return nil
	}
	defer func() {
		if err := w.queue.ReleaseLock(ctx, queue, job.TransactionID, processorID); err != nil {
			log.Printf("[worker] %s failed to release lock for %s: %v", processorID, job.TransactionID, err)
		}
	}()

	tx, err := w.store.GetTransaction(ctx, job.TransactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Row is gone; nothing to deliver. Drop the job.
			return w.queue.Ack(ctx, queue, job.TransactionID, false)
		}
		return err
	}

	// Idempotency: a redelivered job whose transaction already finished is
	// acked without touching the store.
	if tx.Status.Terminal() {
		return w.queue.Ack(ctx, queue, job.TransactionID, tx.Status == StatusSent)
	}

	if ok, err := w.store.MarkProcessing(ctx, tx.TransactionID); err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	} else if !ok {
		return w.queue.Ack(ctx, queue, job.TransactionID, false)
	}

	result, sendErr := w.send(ctx, job)
	if sendErr == nil {
		return w.succeed(ctx, queue, job, result)
	}
	return w.fail(ctx, queue, job, tx, sendErr)
}

// send invokes the channel's provider under the per-call timeout. A
// deadline hit is reported as an ETIMEDOUT transport failure so the
// classifier treats it as a retryable network error.
func (w *Worker) send(ctx context.Context, job Job) (*ProviderResult, *ProviderError) {
	provider, ok := w.providers.For(job.Channel)
	if !ok {
		return nil, NotConfiguredError(string(job.Channel), job.Recipient)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.config.ProviderTimeout)
	defer cancel()

	result, err := provider.Send(callCtx, job.Recipient, job.Subject, job.Content, job.Metadata)
	if err == nil {
		return result, nil
	}

	var perr *ProviderError
	if !errors.As(err, &perr) {
		perr = &ProviderError{
			ProviderName: provider.Name(),
			Recipient:    job.Recipient,
			Message:      err.Error(),
			Cause:        err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		perr.ErrorCode = "ETIMEDOUT"
		if perr.Message == "" {
			perr.Message = "provider call timed out"
		}
	}
	return nil, perr
}

func (w *Worker) succeed(ctx context.Context, queue QueueName, job Job, result *ProviderResult) error {
	response := result.ProviderName
	if result.ProviderMessageID != "" {
		response = fmt.Sprintf("%s:%s", result.ProviderName, result.ProviderMessageID)
	}

	if err := w.store.MarkSent(ctx, job.TransactionID, response); err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	if err := w.queue.Ack(ctx, queue, job.TransactionID, true); err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}

	log.Printf("[worker] %s sent via %s", job.TransactionID, job.Channel)
	return nil
}

// fail classifies the provider error, records it, and decides between
// RETRY and DEAD_LETTER. Non-retryable errors dead-letter immediately
// regardless of remaining attempts.
func (w *Worker) fail(ctx context.Context, queue QueueName, job Job, tx *Transaction, perr *ProviderError) error {
	class := Classify(perr)

	entry := ErrorLog{
		TransactionID: job.TransactionID,
		ErrorType:     class.Kind,
		ErrorMessage:  perr.Message,
		Retryable:     class.Retryable,
	}
	if perr.ErrorCode != "" {
		entry.ErrorCode = Ptr(perr.ErrorCode)
	}
	if perr.Cause != nil {
		entry.ErrorStack = Ptr(perr.Cause.Error())
	}
	if perr.StatusCode != 0 {
		entry.ProviderResponse = Ptr(fmt.Sprintf("status %d", perr.StatusCode))
	}
	if _, err := w.store.AppendErrorLog(ctx, entry); err != nil {
		log.Printf("[worker] failed to append error log for %s: %v", job.TransactionID, err)
	}

	// Re-read the authoritative attempt count rather than trusting the
	// broker or the snapshot taken before the send.
	current, err := w.store.GetTransaction(ctx, job.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to re-read transaction: %w", err)
	}

	if !class.Retryable || current.RetryCount+1 > current.MaxRetries {
		return w.deadLetter(ctx, queue, job, current, class, perr)
	}

	retryCount, err := w.store.MarkRetry(ctx, job.TransactionID, perr.Error())
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}

	delay := w.config.Backoff(retryCount)
	due := time.Now().Add(delay)
	if err := w.queue.ScheduleRetry(ctx, queue, job, due); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	log.Printf("[worker] %s retry %d/%d in %s (%s)",
		job.TransactionID, retryCount, current.MaxRetries, delay, class.Kind)
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, queue QueueName, job Job, tx *Transaction, class Classification, perr *ProviderError) error {
	if err := w.store.MarkDeadLetter(ctx, job.TransactionID, perr.Error()); err != nil {
		return fmt.Errorf("failed to mark dead-letter: %w", err)
	}
	if err := w.queue.MoveToDeadLetter(ctx, queue, job); err != nil {
		log.Printf("[worker] failed to move %s to dead-letter queue: %v", job.TransactionID, err)
	}

	log.Printf("[worker] %s dead-lettered after %d retries (%s: %s)",
		job.TransactionID, tx.RetryCount, class.Kind, perr.Message)

	w.captureDeadLetter(job, tx, class, perr)
	return nil
}

// Stop signals every loop and waits for in-flight jobs up to the drain
// deadline. Jobs still running past the deadline resurface through lock
// expiry and redelivery.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.mu.Unlock()

	log.Printf("[worker] %s stopping", w.workerID)
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[worker] %s stopped gracefully", w.workerID)
	case <-time.After(w.workerCfg.ShutdownTimeout):
		log.Printf("[worker] %s drain timeout, in-flight jobs will be redelivered", w.workerID)
	}
}

// IsRunning reports whether Start has been called and Stop has not.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

func (w *Worker) captureProcessError(err error, job Job, processorID string) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()

	scope.SetTag("service", "dispatch_worker")
	scope.SetTag("channel", string(job.Channel))
	scope.SetTag("processor_id", processorID)
	scope.SetExtra("transaction_id", job.TransactionID.String())

	hub.CaptureException(err)
}

func (w *Worker) captureDeadLetter(job Job, tx *Transaction, class Classification, perr *ProviderError) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()

	scope.SetTag("service", "dispatch_worker")
	scope.SetTag("channel", string(job.Channel))
	scope.SetTag("error_kind", string(class.Kind))
	scope.SetLevel(sentry.LevelWarning)

	scope.SetUser(sentry.User{ID: job.UserID})
	scope.SetExtra("transaction_id", job.TransactionID.String())
	scope.SetExtra("retry_count", tx.RetryCount)
	scope.SetExtra("max_retries", tx.MaxRetries)
	scope.SetExtra("error_message", perr.Message)

	hub.CaptureMessage(fmt.Sprintf("Transaction dead-lettered: %s (%s)", class.Kind, perr.Message))
}
