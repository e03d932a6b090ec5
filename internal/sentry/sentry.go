// Package sentry provides error tracking integration with Sentry/GlitchTip.
package sentry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/notifio/notifio/internal/config"
)

// sensitiveHeaders are stripped from events before they leave the process.
var sensitiveHeaders = []string{"Authorization", "Cookie", "X-Api-Key"}

// Init initializes Sentry with the given configuration.
// Returns nil if Sentry is disabled or DSN is empty (graceful degradation).
func Init(cfg config.Config) error {
	if !cfg.EnableSentry || cfg.SentryDSN == "" {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     "notifio@1.0.0",
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			sanitizeEvent(event)
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	return nil
}

// Flush flushes any buffered events before shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// CaptureError captures an error with optional context.
func CaptureError(err error, tags map[string]string, extras map[string]interface{}) {
	if err == nil {
		return
	}

	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()

	for k, v := range tags {
		scope.SetTag(k, v)
	}
	for k, v := range extras {
		scope.SetExtra(k, v)
	}

	hub.CaptureException(err)
}

func sanitizeEvent(event *sentry.Event) {
	if event.Request == nil {
		return
	}
	for _, header := range sensitiveHeaders {
		delete(event.Request.Headers, header)
	}
}
