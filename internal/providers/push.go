package providers

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/notifio/notifio/internal/notification"
)

const pushProviderName = "push"

// PushConfig holds the Firebase service account location.
type PushConfig struct {
	CredentialsFile string
}

// PushProvider delivers push notifications through Firebase Cloud
// Messaging. The recipient is the device registration token; string
// metadata values ride along as FCM data.
type PushProvider struct {
	client *messaging.Client
}

// NewPushProvider initializes the FCM client. Missing or bad credentials
// leave the provider not ready; submission to PUSH then dead-letters with
// a configuration error instead of failing at startup.
func NewPushProvider(ctx context.Context, cfg PushConfig) (*PushProvider, error) {
	p := &PushProvider{}
	if cfg.CredentialsFile == "" {
		return p, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fcm client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *PushProvider) Name() string { return pushProviderName }

func (p *PushProvider) Ready() bool { return p.client != nil }

// Send delivers one push message.
func (p *PushProvider) Send(ctx context.Context, recipient string, subject *string, body string, metadata notification.Metadata) (*notification.ProviderResult, error) {
	if !p.Ready() {
		return nil, notification.NotConfiguredError(pushProviderName, recipient)
	}

	title := ""
	if subject != nil {
		title = *subject
	}

	msg := &messaging.Message{
		Token: recipient,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: stringData(metadata),
	}

	id, err := p.client.Send(ctx, msg)
	if err != nil {
		return nil, mapFCMError(recipient, err)
	}

	return &notification.ProviderResult{
		ProviderName:      pushProviderName,
		ProviderMessageID: id,
	}, nil
}

// mapFCMError translates the firebase error taxonomy onto the status codes
// the classifier keys on.
func mapFCMError(recipient string, err error) *notification.ProviderError {
	perr := &notification.ProviderError{
		ProviderName: pushProviderName,
		Recipient:    recipient,
		Message:      err.Error(),
		Cause:        err,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		perr.ErrorCode = "ETIMEDOUT"
	case errorutils.IsUnavailable(err) || errorutils.IsInternal(err):
		perr.StatusCode = 503
	case errorutils.IsResourceExhausted(err):
		perr.StatusCode = 429
	case errorutils.IsUnauthenticated(err) || errorutils.IsPermissionDenied(err):
		perr.StatusCode = 401
	case messaging.IsUnregistered(err) || errorutils.IsNotFound(err) || errorutils.IsInvalidArgument(err):
		perr.StatusCode = 400
	}
	return perr
}

func stringData(metadata notification.Metadata) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	data := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			data[k] = s
		}
	}
	if len(data) == 0 {
		return nil
	}
	return data
}
