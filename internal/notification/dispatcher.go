package notification

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
)

// bulkBatchSize bounds how many submissions run concurrently in a bulk
// request; each batch completes before the next starts.
const bulkBatchSize = 50

// Dispatcher is the submission path: it resolves the effective channel and
// priority from preferences, persists the transaction, and enqueues the
// delivery job on the right tier.
type Dispatcher struct {
	store     Store
	prefs     PreferenceStore
	queue     Queue
	providers ProviderSet
	config    Config
}

// NewDispatcher wires the submission path. Collaborators are passed as
// values; there is no ambient registry.
func NewDispatcher(store Store, prefs PreferenceStore, queue Queue, providers ProviderSet, config Config) *Dispatcher {
	return &Dispatcher{
		store:     store,
		prefs:     prefs,
		queue:     queue,
		providers: providers,
		config:    config,
	}
}

// Submit validates the request, resolves routing, creates the transaction
// in PENDING, and enqueues the job. The returned transaction id is the
// client's handle for tracking the asynchronous outcome.
//
// Resolution:
//  1. channel: explicit request channel, else the user's first preferred
//     channel, else EMAIL
//  2. priority: explicit request priority, else the user's default
//     priority for the resolved channel, else MEDIUM
//
// Failure semantics: if the row is created but the enqueue fails, the row
// rolls forward to DEAD_LETTER with a synthetic error log rather than
// staying PENDING forever. Submissions to channels whose provider is not
// ready take the same path with a non-retryable INVALID_DATA error.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	channel, priority, err := d.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	notifType := req.Type
	if notifType == "" {
		notifType = TypeTransactional
	}

	tx, err := d.store.CreateTransaction(ctx, &Transaction{
		UserID:     req.UserID,
		Type:       notifType,
		Channel:    channel,
		Content:    req.Content,
		Subject:    req.Subject,
		Recipient:  req.Recipient,
		Metadata:   req.Metadata,
		Priority:   priority,
		MaxRetries: d.config.MaxRetryAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	result := &SubmitResult{
		TransactionID: tx.TransactionID,
		Channel:       channel,
		Priority:      priority,
	}

	if !d.providers.Ready(channel) {
		perr := NotConfiguredError(string(channel), req.Recipient)
		d.deadLetterOnSubmit(ctx, tx, perr.Error(), Classify(perr))
		return result, nil
	}

	job := Job{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Channel:       channel,
		Recipient:     tx.Recipient,
		Subject:       tx.Subject,
		Content:       tx.Content,
		Priority:      priority,
		Metadata:      tx.Metadata,
	}

	err = d.queue.Enqueue(ctx, SendQueueFor(priority), job, EnqueueOptions{
		Priority: priority,
		Attempts: d.config.MaxRetryAttempts + 1,
		Backoff:  d.config.RetryDelay,
	})
	if err != nil {
		// Roll the row forward instead of stranding it in PENDING.
		reason := fmt.Sprintf("enqueue failed: %v", err)
		d.deadLetterOnSubmit(ctx, tx, reason, Classification{ErrorKindNonRetryable, false})
		return result, nil
	}

	if err := d.store.MarkQueued(ctx, tx.TransactionID); err != nil {
		log.Printf("[dispatcher] failed to mark %s queued: %v", tx.TransactionID, err)
	}

	return result, nil
}

// BulkSubmit fans the requests out in bounded batches, awaiting each batch
// before starting the next. Per-item failures never abort the bulk; they
// surface in the item results.
func (d *Dispatcher) BulkSubmit(ctx context.Context, reqs []SubmitRequest) *BulkResult {
	result := &BulkResult{
		Total:   len(reqs),
		Results: make([]BulkItemResult, len(reqs)),
	}

	for start := 0; start < len(reqs); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(reqs) {
			end = len(reqs)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			group.Go(func() error {
				item := BulkItemResult{UserID: reqs[i].UserID}
				res, err := d.Submit(groupCtx, reqs[i])
				if err != nil {
					item.Error = Ptr(err.Error())
				} else {
					item.Success = true
					item.TransactionID = &res.TransactionID
				}
				result.Results[i] = item
				return nil
			})
		}
		_ = group.Wait()
	}

	for _, item := range result.Results {
		if item.Success {
			result.Queued++
		} else {
			result.Failed++
		}
	}
	return result
}

// ReplayDeadLetter rewinds dead-lettered transactions and re-enqueues them
// for delivery. Manual intervention for after an upstream issue is fixed.
func (d *Dispatcher) ReplayDeadLetter(ctx context.Context, txs []*Transaction) int {
	replayed := 0
	for _, tx := range txs {
		if err := d.store.ResetForReplay(ctx, tx.TransactionID); err != nil {
			log.Printf("[dispatcher] failed to reset %s for replay: %v", tx.TransactionID, err)
			continue
		}

		job := Job{
			TransactionID: tx.TransactionID,
			UserID:        tx.UserID,
			Channel:       tx.Channel,
			Recipient:     tx.Recipient,
			Subject:       tx.Subject,
			Content:       tx.Content,
			Priority:      tx.Priority,
			Metadata:      tx.Metadata,
		}
		err := d.queue.Enqueue(ctx, SendQueueFor(tx.Priority), job, EnqueueOptions{
			Priority: tx.Priority,
			Attempts: d.config.MaxRetryAttempts + 1,
			Backoff:  d.config.RetryDelay,
		})
		if err != nil {
			log.Printf("[dispatcher] failed to re-enqueue %s: %v", tx.TransactionID, err)
			continue
		}
		if err := d.store.MarkQueued(ctx, tx.TransactionID); err != nil {
			log.Printf("[dispatcher] failed to mark %s queued: %v", tx.TransactionID, err)
		}
		replayed++
	}

	if replayed > 0 {
		log.Printf("[dispatcher] replayed %d transactions from dead-letter", replayed)
	}
	return replayed
}

// resolve computes the effective channel and priority for the request.
func (d *Dispatcher) resolve(ctx context.Context, req SubmitRequest) (Channel, int, error) {
	channel := req.Channel
	if channel == "" {
		preferred, err := d.prefs.PreferredChannels(ctx, req.UserID)
		if err != nil {
			return "", 0, fmt.Errorf("failed to resolve preferred channels: %w", err)
		}
		if len(preferred) > 0 {
			channel = preferred[0]
		} else {
			channel = ChannelEmail
		}
	} else if !channel.Valid() {
		return "", 0, fmt.Errorf("%w: unknown channel %q", ErrValidation, channel)
	}

	if req.Priority != nil {
		if !ValidPriority(*req.Priority) {
			return "", 0, fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, PriorityLow, PriorityUrgent)
		}
		return channel, *req.Priority, nil
	}

	priority, err := d.prefs.ChannelPriority(ctx, req.UserID, channel)
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve channel priority: %w", err)
	}
	if !ValidPriority(priority) {
		priority = PriorityMedium
	}
	return channel, priority, nil
}

// deadLetterOnSubmit terminates a freshly-created transaction that never
// made it onto a queue, leaving a synthetic error log for the audit trail.
func (d *Dispatcher) deadLetterOnSubmit(ctx context.Context, tx *Transaction, reason string, class Classification) {
	if _, err := d.store.AppendErrorLog(ctx, ErrorLog{
		TransactionID: tx.TransactionID,
		ErrorType:     class.Kind,
		ErrorMessage:  reason,
		Retryable:     false,
	}); err != nil {
		log.Printf("[dispatcher] failed to append error log for %s: %v", tx.TransactionID, err)
	}
	if err := d.store.MarkDeadLetter(ctx, tx.TransactionID, reason); err != nil {
		log.Printf("[dispatcher] failed to dead-letter %s: %v", tx.TransactionID, err)
	}
	log.Printf("[dispatcher] %s dead-lettered on submit: %s", tx.TransactionID, reason)
}

func validate(req SubmitRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if req.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if req.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	return nil
}
