// cmd/server is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/joho/godotenv"

	"github.com/sanghaapp/sangha-events/internal/access"
	"github.com/sanghaapp/sangha-events/internal/capacity"
	"github.com/sanghaapp/sangha-events/internal/config"
	"github.com/sanghaapp/sangha-events/internal/database"
	"github.com/sanghaapp/sangha-events/internal/handler"
	"github.com/sanghaapp/sangha-events/internal/logging"
	"github.com/sanghaapp/sangha-events/internal/participation"
	"github.com/sanghaapp/sangha-events/internal/payment"
	"github.com/sanghaapp/sangha-events/internal/repository"
)

func main() {
	ctx := context.Background()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "console")
		bootLog.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	// ── 1. Connect to PostgreSQL ──────────────────────────────────────────
	pool, err := database.NewPool(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	log.Info().Msg("connected to postgres")

	// ── 2. Wire up layers ────────────────────────────────────────────────
	eventRepo := repository.NewEventRepository(pool)
	participantRepo := repository.NewParticipantRepository(pool)
	archiveRepo := repository.NewArchiveRepository(pool)
	webhookRepo := repository.NewWebhookRepository(pool)

	guard := capacity.NewGuard(participantRepo)
	provider := payment.NewClient(cfg.PaymentAPIBase, cfg.PaymentSecretKey)
	verifier := payment.NewVerifier(cfg.WebhookSecret)
	signer := access.NewGrantSigner(cfg.RoomSigningKey)

	accessCtl := access.NewController(
		eventRepo, participantRepo, archiveRepo, provider, signer,
		cfg.RoomPreroll, cfg.LiveRoomBaseURL, cfg.ArchiveBaseURL, log,
	)
	manager := participation.NewManager(
		eventRepo, participantRepo, guard, provider, webhookRepo, accessCtl,
		participation.FullRefund, log,
	)
	h := handler.New(eventRepo, manager, accessCtl, verifier, log)

	// ── 3. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(handler.RequestLogger(log))

	r.Get("/health", handler.HealthCheck)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)
		r.Get("/{id}", h.GetEvent)
		r.Post("/{id}/cancel", h.CancelEvent)
		r.Get("/{id}/participants", h.ListParticipants)
		r.Post("/{id}/join", h.Join)
		r.Post("/{id}/confirm-payment", h.ConfirmPayment)
		r.Post("/{id}/cancel-participation", h.CancelParticipation)
	})

	r.Route("/workshops", func(r chi.Router) {
		r.Get("/{id}/room-access", h.RoomAccess)
		r.Get("/{id}/archive-access", h.ArchiveAccess)
		r.Post("/{id}/archive-purchase", h.PurchaseArchive)
		r.Post("/{id}/archive-purchase/confirm", h.ConfirmArchivePurchase)
	})

	// The webhook endpoint is public; rate-limit it per source IP.
	r.With(httprate.LimitByIP(120, time.Minute)).
		Post("/webhooks/payment", h.Webhook)

	// ── 4. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}
