package providers

import (
	"context"
	"strings"

	"github.com/twilio/twilio-go"

	"github.com/notifio/notifio/internal/notification"
)

const whatsappProviderName = "whatsapp"

// WhatsAppProvider delivers WhatsApp messages through the Twilio Messages
// API. Twilio addresses WhatsApp endpoints with a whatsapp: prefix on both
// sides of the conversation.
type WhatsAppProvider struct {
	client *twilio.RestClient
	from   string
}

// NewWhatsAppProvider creates the WhatsApp provider on the shared Twilio
// credentials.
func NewWhatsAppProvider(cfg TwilioConfig) *WhatsAppProvider {
	p := &WhatsAppProvider{from: cfg.WhatsAppFrom}
	if cfg.Configured() {
		p.client = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
	}
	return p
}

func (p *WhatsAppProvider) Name() string { return whatsappProviderName }

func (p *WhatsAppProvider) Ready() bool { return p.client != nil && p.from != "" }

// Send delivers one WhatsApp message.
func (p *WhatsAppProvider) Send(ctx context.Context, recipient string, _ *string, body string, _ notification.Metadata) (*notification.ProviderResult, error) {
	if !p.Ready() {
		return nil, notification.NotConfiguredError(whatsappProviderName, recipient)
	}
	return sendTwilioMessage(ctx, p.client, whatsappProviderName,
		whatsappAddress(p.from), whatsappAddress(recipient), body)
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
