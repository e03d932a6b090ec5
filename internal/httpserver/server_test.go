package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifio/notifio/internal/notification"
)

// memStore implements notification.Store for handler tests.
type memStore struct {
	mu  sync.Mutex
	txs map[uuid.UUID]*notification.Transaction
}

func newMemStore() *memStore {
	return &memStore{txs: make(map[uuid.UUID]*notification.Transaction)}
}

func (s *memStore) CreateTransaction(_ context.Context, tx *notification.Transaction) (*notification.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.TransactionID = uuid.New()
	tx.Status = notification.StatusPending
	tx.CreatedAt = time.Now()
	tx.UpdatedAt = tx.CreatedAt
	copied := *tx
	s.txs[tx.TransactionID] = &copied
	return tx, nil
}

func (s *memStore) GetTransaction(_ context.Context, id uuid.UUID) (*notification.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	copied := *tx
	return &copied, nil
}

func (s *memStore) MarkQueued(_ context.Context, id uuid.UUID) error {
	return s.setStatus(id, notification.StatusQueued)
}

func (s *memStore) MarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	return true, s.setStatus(id, notification.StatusProcessing)
}

func (s *memStore) MarkSent(_ context.Context, id uuid.UUID, _ string) error {
	return s.setStatus(id, notification.StatusSent)
}

func (s *memStore) MarkRetry(_ context.Context, id uuid.UUID, _ string) (int, error) {
	return 0, s.setStatus(id, notification.StatusRetry)
}

func (s *memStore) MarkDeadLetter(_ context.Context, id uuid.UUID, _ string) error {
	return s.setStatus(id, notification.StatusDeadLetter)
}

func (s *memStore) AppendErrorLog(_ context.Context, entry notification.ErrorLog) (*notification.ErrorLog, error) {
	return &entry, nil
}

func (s *memStore) ErrorLogs(_ context.Context, _ uuid.UUID) ([]notification.ErrorLog, error) {
	return nil, nil
}

func (s *memStore) ResetForReplay(_ context.Context, id uuid.UUID) error {
	return s.setStatus(id, notification.StatusPending)
}

func (s *memStore) setStatus(id uuid.UUID, status notification.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return notification.ErrNotFound
	}
	tx.Status = status
	return nil
}

// memQueue implements notification.Queue, counting enqueues per queue.
type memQueue struct {
	mu       sync.Mutex
	enqueued map[notification.QueueName]int
}

func newMemQueue() *memQueue {
	return &memQueue{enqueued: make(map[notification.QueueName]int)}
}

func (q *memQueue) Enqueue(_ context.Context, queue notification.QueueName, _ notification.Job, _ notification.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued[queue]++
	return nil
}

func (q *memQueue) Dequeue(_ context.Context, _ notification.QueueName, _ int) ([]notification.Job, error) {
	return nil, nil
}

func (q *memQueue) ScheduleRetry(_ context.Context, _ notification.QueueName, _ notification.Job, _ time.Time) error {
	return nil
}

func (q *memQueue) PromoteDelayed(_ context.Context, _ notification.QueueName, _ time.Time) (int, error) {
	return 0, nil
}

func (q *memQueue) MoveToDeadLetter(_ context.Context, _ notification.QueueName, _ notification.Job) error {
	return nil
}

func (q *memQueue) Ack(_ context.Context, _ notification.QueueName, _ uuid.UUID, _ bool) error {
	return nil
}

func (q *memQueue) AcquireLock(_ context.Context, _ notification.QueueName, _ uuid.UUID, _ string, _ time.Duration) (bool, error) {
	return true, nil
}

func (q *memQueue) ReleaseLock(_ context.Context, _ notification.QueueName, _ uuid.UUID, _ string) error {
	return nil
}

func (q *memQueue) Stats(_ context.Context, _ notification.QueueName) (*notification.QueueStats, error) {
	return &notification.QueueStats{}, nil
}

func (q *memQueue) Close() error { return nil }

// memPrefs implements notification.PreferenceStore with lazy defaults.
type memPrefs struct {
	mu    sync.Mutex
	prefs map[string]notification.Preferences
}

func newMemPrefs() *memPrefs {
	return &memPrefs{prefs: make(map[string]notification.Preferences)}
}

func (p *memPrefs) Get(_ context.Context, userID string) (*notification.Preferences, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefs, ok := p.prefs[userID]
	if !ok {
		prefs = notification.DefaultPreferences(userID)
		p.prefs[userID] = prefs
	}
	copied := prefs
	return &copied, nil
}

func (p *memPrefs) Update(ctx context.Context, userID string, update notification.PreferencesUpdate) (*notification.Preferences, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	current, err := p.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if update.SMSEnabled != nil {
		current.SMSEnabled = *update.SMSEnabled
	}
	if update.EmailEnabled != nil {
		current.EmailEnabled = *update.EmailEnabled
	}
	if update.SMSPriority != nil {
		current.SMSPriority = *update.SMSPriority
	}
	p.mu.Lock()
	p.prefs[userID] = *current
	p.mu.Unlock()
	return current, nil
}

func (p *memPrefs) PreferredChannels(ctx context.Context, userID string) ([]notification.Channel, error) {
	prefs, err := p.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return prefs.PreferredChannels(), nil
}

func (p *memPrefs) ChannelPriority(ctx context.Context, userID string, ch notification.Channel) (int, error) {
	prefs, err := p.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return prefs.ChannelPriority(ch), nil
}

// okProvider always succeeds.
type okProvider struct{ name string }

func (p okProvider) Name() string { return p.name }
func (p okProvider) Ready() bool  { return true }
func (p okProvider) Send(_ context.Context, _ string, _ *string, _ string, _ notification.Metadata) (*notification.ProviderResult, error) {
	return &notification.ProviderResult{ProviderName: p.name}, nil
}

func newTestApp(t *testing.T) (*memStore, *memQueue, *fiber.App) {
	t.Helper()
	store := newMemStore()
	queue := newMemQueue()
	prefs := newMemPrefs()

	providers := notification.ProviderSet{
		notification.ChannelEmail:    okProvider{"email"},
		notification.ChannelSMS:      okProvider{"sms"},
		notification.ChannelWhatsApp: okProvider{"whatsapp"},
		notification.ChannelPush:     okProvider{"push"},
	}

	dispatcher := notification.NewDispatcher(store, prefs, queue, providers, notification.DefaultConfig())

	app := New(Deps{
		Dispatcher:  dispatcher,
		Preferences: prefs,
		Queue:       queue,
	})

	return store, queue, app
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body interface{}) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func TestSendEndpoint(t *testing.T) {
	store, queue, app := newTestApp(t)

	code, raw := doJSON(t, app, http.MethodPost, "/notifications/send", map[string]interface{}{
		"userId":    "u1",
		"channel":   "EMAIL",
		"content":   "hi",
		"recipient": "a@b.c",
		"priority":  2,
	})
	require.Equal(t, http.StatusAccepted, code)

	var body struct {
		Success       bool   `json:"success"`
		TransactionID string `json:"transactionId"`
		Channel       string `json:"channel"`
		Priority      int    `json:"priority"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.True(t, body.Success)
	assert.Equal(t, "EMAIL", body.Channel)
	assert.Equal(t, 2, body.Priority)

	id, err := uuid.Parse(body.TransactionID)
	require.NoError(t, err)
	tx, err := store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusQueued, tx.Status)
	assert.Equal(t, 1, queue.enqueued[notification.QueueRegular])
}

func TestSendEndpoint_Validation(t *testing.T) {
	_, _, app := newTestApp(t)

	code, raw := doJSON(t, app, http.MethodPost, "/notifications/send", map[string]interface{}{
		"userId":    "u1",
		"recipient": "a@b.c",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(raw), "content")
}

func TestSendBulkEndpoint(t *testing.T) {
	_, queue, app := newTestApp(t)

	code, raw := doJSON(t, app, http.MethodPost, "/notifications/send-bulk", map[string]interface{}{
		"notifications": []map[string]interface{}{
			{"userId": "u1", "channel": "EMAIL", "content": "hi", "recipient": "a@b.c"},
			{"userId": "u2", "channel": "EMAIL", "content": "hi", "recipient": ""},
			{"userId": "u3", "channel": "EMAIL", "content": "hi", "recipient": "c@d.e", "priority": 4},
		},
	})
	require.Equal(t, http.StatusAccepted, code)

	var body struct {
		Success bool `json:"success"`
		Total   int  `json:"total"`
		Queued  int  `json:"queued"`
		Failed  int  `json:"failed"`
		Results []struct {
			Success bool   `json:"success"`
			UserID  string `json:"userId"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.True(t, body.Success)
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.Queued)
	assert.Equal(t, 1, body.Failed)
	require.Len(t, body.Results, 3)
	assert.False(t, body.Results[1].Success)

	assert.Equal(t, 1, queue.enqueued[notification.QueueRegular])
	assert.Equal(t, 1, queue.enqueued[notification.QueuePriority])
}

func TestPreferencesEndpoints(t *testing.T) {
	_, _, app := newTestApp(t)

	code, raw := doJSON(t, app, http.MethodGet, "/users/u1/preferences", nil)
	require.Equal(t, http.StatusOK, code)

	var prefs notification.Preferences
	require.NoError(t, json.Unmarshal(raw, &prefs))
	assert.True(t, prefs.EmailEnabled)
	assert.False(t, prefs.SMSEnabled)

	code, raw = doJSON(t, app, http.MethodPut, "/users/u1/preferences", map[string]interface{}{
		"smsEnabled":  true,
		"smsPriority": 3,
	})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(raw, &prefs))
	assert.True(t, prefs.SMSEnabled)
	assert.Equal(t, 3, prefs.SMSPriority)

	code, _ = doJSON(t, app, http.MethodPut, "/users/u1/preferences", map[string]interface{}{
		"smsPriority": 11,
	})
	assert.Equal(t, http.StatusBadRequest, code)
}
