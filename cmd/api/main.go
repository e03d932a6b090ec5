package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/notifio/notifio/internal/config"
	"github.com/notifio/notifio/internal/httpserver"
	"github.com/notifio/notifio/internal/notification"
	"github.com/notifio/notifio/internal/providers"
	sentrypkg "github.com/notifio/notifio/internal/sentry"

	_ "github.com/lib/pq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := sentrypkg.Init(cfg); err != nil {
		logger.Printf("WARNING: Sentry initialization failed: %v", err)
	} else if cfg.EnableSentry {
		logger.Printf("Sentry initialized for environment: %s", cfg.SentryEnvironment)
	}
	defer sentrypkg.Flush(2 * time.Second)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	defer func() {
		if err := db.Close(); err != nil {
			logger.Printf("failed to close db: %v", err)
		}
	}()

	// Wait for DB with retry
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		if err := db.Ping(); err == nil {
			logger.Println("Database connection established")
			break
		}
		if i == maxRetries-1 {
			log.Fatalf("failed to connect to database after %d retries", maxRetries)
		}
		logger.Printf("Waiting for database... (%d/%d)", i+1, maxRetries)
		time.Sleep(1 * time.Second)
	}

	queue, err := notification.NewRedisQueue(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Printf("failed to close queue: %v", err)
		}
	}()
	logger.Println("Redis connection established for dispatch queues")

	providerSet := buildProviders(ctx, cfg, logger)

	store := notification.NewPostgresStore(db)
	prefs := notification.NewPostgresPreferenceStore(db)

	pipelineCfg := notification.LoadConfig()
	workerCfg := notification.LoadWorkerConfig()

	dispatcher := notification.NewDispatcher(store, prefs, queue, providerSet, pipelineCfg)
	worker := notification.NewWorker(store, queue, providerSet, pipelineCfg, workerCfg)

	app := httpserver.New(httpserver.Deps{
		Dispatcher:  dispatcher,
		Preferences: prefs,
		Store:       store,
		Queue:       queue,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	group.Go(func() error {
		if err := worker.Start(groupCtx); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}

		worker.Stop()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("service error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// buildProviders wires the fixed channel→provider mapping. Providers with
// missing credentials stay registered but not ready; submissions to those
// channels dead-letter with a configuration error.
func buildProviders(ctx context.Context, cfg config.Config, logger *log.Logger) notification.ProviderSet {
	twilioCfg := providers.TwilioConfig{
		AccountSID:   cfg.TwilioAccountSID,
		AuthToken:    cfg.TwilioAuthToken,
		FromNumber:   cfg.TwilioFromNumber,
		WhatsAppFrom: cfg.TwilioWhatsAppFrom,
	}

	set := notification.ProviderSet{
		notification.ChannelEmail: providers.NewEmailProvider(providers.EmailConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}),
		notification.ChannelSMS:      providers.NewSMSProvider(twilioCfg),
		notification.ChannelWhatsApp: providers.NewWhatsAppProvider(twilioCfg),
	}

	push, err := providers.NewPushProvider(ctx, providers.PushConfig{
		CredentialsFile: cfg.FirebaseCredentialsFile,
	})
	if err != nil {
		logger.Printf("WARNING: push provider initialization failed, PUSH disabled: %v", err)
		push, _ = providers.NewPushProvider(ctx, providers.PushConfig{})
	}
	set[notification.ChannelPush] = push

	for channel, provider := range set {
		if provider.Ready() {
			logger.Printf("%s provider ready", channel)
		} else {
			logger.Printf("WARNING: %s provider not configured", channel)
		}
	}
	return set
}
