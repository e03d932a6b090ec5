package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Preferences is the per-user routing configuration: which channels are
// enabled and each channel's default priority. Rows are created lazily on
// first read.
type Preferences struct {
	UserID string `json:"userId" db:"user_id"`

	EmailEnabled    bool `json:"emailEnabled" db:"email_enabled"`
	SMSEnabled      bool `json:"smsEnabled" db:"sms_enabled"`
	WhatsAppEnabled bool `json:"whatsappEnabled" db:"whatsapp_enabled"`
	PushEnabled     bool `json:"pushEnabled" db:"push_enabled"`

	EmailPriority    int `json:"emailPriority" db:"email_priority"`
	SMSPriority      int `json:"smsPriority" db:"sms_priority"`
	WhatsAppPriority int `json:"whatsappPriority" db:"whatsapp_priority"`
	PushPriority     int `json:"pushPriority" db:"push_priority"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DefaultPreferences returns the row created on first read: email only,
// priorities laddered EMAIL=1 .. PUSH=4.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:           userID,
		EmailEnabled:     true,
		EmailPriority:    PriorityLow,
		SMSPriority:      PriorityMedium,
		WhatsAppPriority: PriorityHigh,
		PushPriority:     PriorityUrgent,
	}
}

// Enabled reports whether the channel is enabled.
func (p Preferences) Enabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelSMS:
		return p.SMSEnabled
	case ChannelWhatsApp:
		return p.WhatsAppEnabled
	case ChannelPush:
		return p.PushEnabled
	}
	return false
}

// ChannelPriority returns the stored default priority for the channel,
// falling back to LOW for channels the row does not recognize.
func (p Preferences) ChannelPriority(ch Channel) int {
	switch ch {
	case ChannelEmail:
		return p.EmailPriority
	case ChannelSMS:
		return p.SMSPriority
	case ChannelWhatsApp:
		return p.WhatsAppPriority
	case ChannelPush:
		return p.PushPriority
	}
	return PriorityLow
}

// PreferredChannels returns the enabled channels in the stable order
// EMAIL, SMS, WHATSAPP, PUSH.
func (p Preferences) PreferredChannels() []Channel {
	var channels []Channel
	for _, ch := range AllChannels {
		if p.Enabled(ch) {
			channels = append(channels, ch)
		}
	}
	return channels
}

// PreferencesUpdate is a partial update: only non-nil fields overwrite.
type PreferencesUpdate struct {
	EmailEnabled    *bool `json:"emailEnabled,omitempty"`
	SMSEnabled      *bool `json:"smsEnabled,omitempty"`
	WhatsAppEnabled *bool `json:"whatsappEnabled,omitempty"`
	PushEnabled     *bool `json:"pushEnabled,omitempty"`

	EmailPriority    *int `json:"emailPriority,omitempty"`
	SMSPriority      *int `json:"smsPriority,omitempty"`
	WhatsAppPriority *int `json:"whatsappPriority,omitempty"`
	PushPriority     *int `json:"pushPriority,omitempty"`
}

// Validate checks that supplied priorities are inside [LOW..URGENT].
func (u PreferencesUpdate) Validate() error {
	for _, p := range []*int{u.EmailPriority, u.SMSPriority, u.WhatsAppPriority, u.PushPriority} {
		if p != nil && !ValidPriority(*p) {
			return fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, PriorityLow, PriorityUrgent)
		}
	}
	return nil
}

// apply merges the update into p, right-biased: defined fields overwrite.
func (u PreferencesUpdate) apply(p *Preferences) {
	if u.EmailEnabled != nil {
		p.EmailEnabled = *u.EmailEnabled
	}
	if u.SMSEnabled != nil {
		p.SMSEnabled = *u.SMSEnabled
	}
	if u.WhatsAppEnabled != nil {
		p.WhatsAppEnabled = *u.WhatsAppEnabled
	}
	if u.PushEnabled != nil {
		p.PushEnabled = *u.PushEnabled
	}
	if u.EmailPriority != nil {
		p.EmailPriority = *u.EmailPriority
	}
	if u.SMSPriority != nil {
		p.SMSPriority = *u.SMSPriority
	}
	if u.WhatsAppPriority != nil {
		p.WhatsAppPriority = *u.WhatsAppPriority
	}
	if u.PushPriority != nil {
		p.PushPriority = *u.PushPriority
	}
}

// PreferenceStore resolves and mutates per-user preferences.
type PreferenceStore interface {
	// Get returns the stored row, creating defaults on first read.
	Get(ctx context.Context, userID string) (*Preferences, error)

	// Update applies a partial update and returns the resulting full row.
	// The row is created from defaults first when absent.
	Update(ctx context.Context, userID string, update PreferencesUpdate) (*Preferences, error)

	// PreferredChannels returns the user's enabled channels in stable order.
	PreferredChannels(ctx context.Context, userID string) ([]Channel, error)

	// ChannelPriority returns the user's default priority for the channel.
	ChannelPriority(ctx context.Context, userID string, ch Channel) (int, error)
}

// PostgresPreferenceStore implements PreferenceStore on the preferences
// table (user_id primary key).
type PostgresPreferenceStore struct {
	db *sql.DB
}

// NewPostgresPreferenceStore creates a preference store.
func NewPostgresPreferenceStore(db *sql.DB) *PostgresPreferenceStore {
	return &PostgresPreferenceStore{db: db}
}

const preferenceColumns = `user_id, email_enabled, sms_enabled, whatsapp_enabled, push_enabled,
	email_priority, sms_priority, whatsapp_priority, push_priority, created_at, updated_at`

// Get returns the stored row or lazily creates defaults. Creation is
// race-safe: a concurrent insert loser falls back to reading the winner's
// row via the unique-key conflict.
func (s *PostgresPreferenceStore) Get(ctx context.Context, userID string) (*Preferences, error) {
	prefs, err := s.read(ctx, userID)
	if err == nil {
		return prefs, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	created, err := s.insertDefaults(ctx, userID)
	if err != nil {
		if isUniqueViolation(err) {
			prefs, err := s.read(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to re-read preferences after conflict: %w", err)
			}
			return prefs, nil
		}
		return nil, fmt.Errorf("failed to create default preferences: %w", err)
	}
	return created, nil
}

// Update upserts the row, overwriting only the supplied fields.
func (s *PostgresPreferenceStore) Update(ctx context.Context, userID string, update PreferencesUpdate) (*Preferences, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	update.apply(current)
	current.UpdatedAt = time.Now()

	row := s.db.QueryRowContext(ctx, `
		UPDATE preferences
		SET email_enabled = $2, sms_enabled = $3, whatsapp_enabled = $4, push_enabled = $5,
			email_priority = $6, sms_priority = $7, whatsapp_priority = $8, push_priority = $9,
			updated_at = $10
		WHERE user_id = $1
		RETURNING `+preferenceColumns,
		userID,
		current.EmailEnabled, current.SMSEnabled, current.WhatsAppEnabled, current.PushEnabled,
		current.EmailPriority, current.SMSPriority, current.WhatsAppPriority, current.PushPriority,
		current.UpdatedAt,
	)

	updated, err := scanPreferences(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update preferences: %w", err)
	}
	return updated, nil
}

// PreferredChannels returns the enabled subset in stable order.
func (s *PostgresPreferenceStore) PreferredChannels(ctx context.Context, userID string) ([]Channel, error) {
	prefs, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return prefs.PreferredChannels(), nil
}

// ChannelPriority returns the stored per-channel priority.
func (s *PostgresPreferenceStore) ChannelPriority(ctx context.Context, userID string, ch Channel) (int, error) {
	prefs, err := s.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return prefs.ChannelPriority(ch), nil
}

func (s *PostgresPreferenceStore) read(ctx context.Context, userID string) (*Preferences, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+preferenceColumns+` FROM preferences WHERE user_id = $1`, userID)
	return scanPreferences(row)
}

func (s *PostgresPreferenceStore) insertDefaults(ctx context.Context, userID string) (*Preferences, error) {
	defaults := DefaultPreferences(userID)
	now := time.Now()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO preferences (
			user_id, email_enabled, sms_enabled, whatsapp_enabled, push_enabled,
			email_priority, sms_priority, whatsapp_priority, push_priority,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+preferenceColumns,
		userID,
		defaults.EmailEnabled, defaults.SMSEnabled, defaults.WhatsAppEnabled, defaults.PushEnabled,
		defaults.EmailPriority, defaults.SMSPriority, defaults.WhatsAppPriority, defaults.PushPriority,
		now, now,
	)
	return scanPreferences(row)
}

func scanPreferences(row rowScanner) (*Preferences, error) {
	var p Preferences
	err := row.Scan(
		&p.UserID, &p.EmailEnabled, &p.SMSEnabled, &p.WhatsAppEnabled, &p.PushEnabled,
		&p.EmailPriority, &p.SMSPriority, &p.WhatsAppPriority, &p.PushPriority,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
