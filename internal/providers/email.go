// Package providers contains the channel adapters. Each provider wraps one
// external SDK behind the uniform notification.Provider contract and maps
// the SDK's failure shapes onto notification.ProviderError fields so the
// classifier never sees SDK types.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/notifio/notifio/internal/notification"
)

const emailProviderName = "email"

// EmailConfig holds SendGrid credentials and sender identity.
type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// EmailProvider delivers email through SendGrid.
type EmailProvider struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
}

// NewEmailProvider creates the email provider. With an empty API key the
// provider constructs but reports not ready; Send then fails with a
// non-retryable configuration error.
func NewEmailProvider(cfg EmailConfig) *EmailProvider {
	p := &EmailProvider{
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}
	if cfg.APIKey != "" {
		p.client = sendgrid.NewSendClient(cfg.APIKey)
	}
	return p
}

func (p *EmailProvider) Name() string { return emailProviderName }

func (p *EmailProvider) Ready() bool { return p.client != nil && p.fromEmail != "" }

// Send delivers one email. SendGrid acks with 202; anything else is a
// failure carrying the API status code and body.
func (p *EmailProvider) Send(ctx context.Context, recipient string, subject *string, body string, metadata notification.Metadata) (*notification.ProviderResult, error) {
	if !p.Ready() {
		return nil, notification.NotConfiguredError(emailProviderName, recipient)
	}

	subj := ""
	if subject != nil {
		subj = *subject
	}

	from := mail.NewEmail(p.fromName, p.fromEmail)
	to := mail.NewEmail("", recipient)
	message := mail.NewSingleEmail(from, subj, to, body, body)

	resp, err := p.client.SendWithContext(ctx, message)
	if err != nil {
		perr := &notification.ProviderError{
			ProviderName: emailProviderName,
			Recipient:    recipient,
			Message:      err.Error(),
			Cause:        err,
		}
		if errors.Is(err, context.DeadlineExceeded) {
			perr.ErrorCode = "ETIMEDOUT"
		}
		return nil, perr
	}

	if resp.StatusCode >= 300 {
		return nil, &notification.ProviderError{
			ProviderName: emailProviderName,
			Recipient:    recipient,
			StatusCode:   resp.StatusCode,
			Message:      fmt.Sprintf("sendgrid rejected the message: %s", strings.TrimSpace(resp.Body)),
		}
	}

	result := &notification.ProviderResult{
		ProviderName: emailProviderName,
		RawResponse:  resp.Body,
	}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		result.ProviderMessageID = ids[0]
	}
	return result, nil
}
