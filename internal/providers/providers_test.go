package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifio/notifio/internal/notification"
)

func TestWhatsAppAddress(t *testing.T) {
	assert.Equal(t, "whatsapp:+5511999999999", whatsappAddress("+5511999999999"))
	assert.Equal(t, "whatsapp:+5511999999999", whatsappAddress("whatsapp:+5511999999999"))
}

func TestStringData(t *testing.T) {
	assert.Nil(t, stringData(nil))
	assert.Nil(t, stringData(notification.Metadata{"count": 3}))

	data := stringData(notification.Metadata{
		"campaign": "launch",
		"count":    3,
	})
	assert.Equal(t, map[string]string{"campaign": "launch"}, data)
}

func TestUnconfiguredProvidersReportNotReady(t *testing.T) {
	email := NewEmailProvider(EmailConfig{})
	assert.False(t, email.Ready())

	sms := NewSMSProvider(TwilioConfig{})
	assert.False(t, sms.Ready())

	whatsapp := NewWhatsAppProvider(TwilioConfig{})
	assert.False(t, whatsapp.Ready())

	push, err := NewPushProvider(context.Background(), PushConfig{})
	require.NoError(t, err)
	assert.False(t, push.Ready())
}

func TestUnconfiguredSendFailsNonRetryably(t *testing.T) {
	email := NewEmailProvider(EmailConfig{})

	_, err := email.Send(context.Background(), "a@b.c", nil, "hi", nil)
	require.Error(t, err)

	var perr *notification.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, notification.ErrCodeNotConfigured, perr.ErrorCode)

	class := notification.Classify(perr)
	assert.Equal(t, notification.ErrorKindInvalidData, class.Kind)
	assert.False(t, class.Retryable)
}

func TestTwilioConfigConfigured(t *testing.T) {
	assert.False(t, TwilioConfig{AccountSID: "AC123"}.Configured())
	assert.True(t, TwilioConfig{AccountSID: "AC123", AuthToken: "secret"}.Configured())
}
