package providers

import (
	"context"
	"errors"
	"strconv"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/notifio/notifio/internal/notification"
)

const smsProviderName = "sms"

// TwilioConfig holds Twilio credentials and sender numbers.
type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	FromNumber   string // E.164 sender for SMS
	WhatsAppFrom string // E.164 sender for WhatsApp, without the whatsapp: prefix
}

// Configured reports whether credentials are present.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

// SMSProvider delivers SMS through the Twilio Messages API.
type SMSProvider struct {
	client *twilio.RestClient
	from   string
}

// NewSMSProvider creates the SMS provider. Unconfigured credentials leave
// the provider not ready rather than failing construction.
func NewSMSProvider(cfg TwilioConfig) *SMSProvider {
	p := &SMSProvider{from: cfg.FromNumber}
	if cfg.Configured() {
		p.client = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
	}
	return p
}

func (p *SMSProvider) Name() string { return smsProviderName }

func (p *SMSProvider) Ready() bool { return p.client != nil && p.from != "" }

// Send delivers one SMS. The subject is ignored; SMS has no subject line.
func (p *SMSProvider) Send(ctx context.Context, recipient string, _ *string, body string, _ notification.Metadata) (*notification.ProviderResult, error) {
	if !p.Ready() {
		return nil, notification.NotConfiguredError(smsProviderName, recipient)
	}
	return sendTwilioMessage(ctx, p.client, smsProviderName, p.from, recipient, body)
}

// sendTwilioMessage performs one Messages API call and maps the Twilio
// REST error shape onto ProviderError. Shared by the SMS and WhatsApp
// providers.
func sendTwilioMessage(ctx context.Context, client *twilio.RestClient, providerName, from, to, body string) (*notification.ProviderResult, error) {
	params := &api.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(body)

	resp, err := client.Api.CreateMessage(params)
	if err != nil {
		perr := &notification.ProviderError{
			ProviderName: providerName,
			Recipient:    to,
			Message:      err.Error(),
			Cause:        err,
		}
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			perr.StatusCode = restErr.Status
			perr.ErrorCode = strconv.Itoa(restErr.Code)
			perr.Message = restErr.Message
		} else if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			perr.ErrorCode = "ETIMEDOUT"
		}
		return nil, perr
	}

	result := &notification.ProviderResult{ProviderName: providerName}
	if resp.Sid != nil {
		result.ProviderMessageID = *resp.Sid
	}
	if resp.Status != nil {
		result.RawResponse = *resp.Status
	}
	return result, nil
}
