package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"

	"github.com/MrJamesThe3rd/gigflow/internal/config"
	"github.com/MrJamesThe3rd/gigflow/internal/database"
	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
	engagementStore "github.com/MrJamesThe3rd/gigflow/internal/engagement/store"
	gigflowHttp "github.com/MrJamesThe3rd/gigflow/internal/http"
	engagementHandler "github.com/MrJamesThe3rd/gigflow/internal/http/engagement"
	"github.com/MrJamesThe3rd/gigflow/internal/http/middleware"
	webhookHandler "github.com/MrJamesThe3rd/gigflow/internal/http/webhook"
	messagingStore "github.com/MrJamesThe3rd/gigflow/internal/messaging/store"
	partyStore "github.com/MrJamesThe3rd/gigflow/internal/party/store"
	"github.com/MrJamesThe3rd/gigflow/internal/payments"
	"github.com/MrJamesThe3rd/gigflow/internal/sideeffect"
	"github.com/MrJamesThe3rd/gigflow/internal/telemetry"
	"github.com/MrJamesThe3rd/gigflow/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.App.Name, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer shutdownTracing(context.Background())

	db, err := database.New(ctx, cfg.ConnectionString(), database.Pool{
		MaxOpen:     cfg.DB.MaxOpen,
		MaxIdle:     cfg.DB.MaxIdle,
		MaxLifetime: cfg.DB.MaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	processor, err := newProcessor(cfg)
	if err != nil {
		return err
	}

	templates, err := sideeffect.NewTemplates(language.Make(cfg.SideEffects.Locale))
	if err != nil {
		return fmt.Errorf("loading message templates: %w", err)
	}

	var (
		engagements = engagementStore.New(db)
		parties     = partyStore.New(db)
		messages    = messagingStore.New(db)
	)

	dispatcher := sideeffect.New(messages, engagements, processor, templates, sideeffect.Config{
		Workers:     cfg.SideEffects.Workers,
		QueueSize:   cfg.SideEffects.QueueSize,
		MaxAttempts: cfg.SideEffects.MaxAttempts,
	})

	engagementService := engagement.NewService(engagements, parties, processor, dispatcher,
		engagement.WithSystemActor(cfg.Payments.SystemActorID),
	)

	ingestor := webhook.NewIngestor(
		engagements,
		engagementService,
		payments.NewVerifier(cfg.Payments.WebhookSecret, cfg.Payments.SignatureTolerance),
		dispatcher,
		webhook.WithRetry(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second

			return b
		}, cfg.Payments.ConflictRetries),
	)

	var (
		authenticator = middleware.NewAuthenticator(cfg.Auth.JWTSecret)
		engagementH   = engagementHandler.NewHandler(engagementService)
		webhookH      = webhookHandler.NewHandler(ingestor)
	)

	router := gigflowHttp.New(authenticator, engagementH, webhookH, gigflowHttp.Options{
		AllowedOrigins: cfg.Auth.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	effectsDone := make(chan error, 1)
	go func() {
		effectsDone <- dispatcher.Run(context.WithoutCancel(ctx))
	}()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", server.Addr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}

		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			dispatcher.Close()
			return fmt.Errorf("serving http: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	// No new transitions can arrive once the server is down.
	dispatcher.Close()

	select {
	case err := <-effectsDone:
		if err != nil {
			slog.Error("side-effect workers stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("side-effect queue not drained before shutdown deadline")
	}

	return nil
}

func newProcessor(cfg *config.Config) (payments.Processor, error) {
	if cfg.Payments.Sandbox {
		slog.Warn("using sandbox payment processor")
		return payments.NewSandbox(), nil
	}

	mp, err := payments.NewMercadoPago(cfg.Payments.MercadoPagoToken)
	if err != nil {
		return nil, fmt.Errorf("configuring mercadopago: %w", err)
	}

	return mp, nil
}
