// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/unclebandit/mailstorm-backend/internal/app"
	"github.com/unclebandit/mailstorm-backend/internal/client"
	"github.com/unclebandit/mailstorm-backend/internal/config"
	"github.com/unclebandit/mailstorm-backend/internal/controller"
	"github.com/unclebandit/mailstorm-backend/internal/db"
	"github.com/unclebandit/mailstorm-backend/internal/handler"
	"github.com/unclebandit/mailstorm-backend/internal/repository"
	"github.com/unclebandit/mailstorm-backend/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.MigrateOnStart {
		if err := db.ApplyMigrations(cfg.Database.PostgresURL); err != nil {
			log.Fatal(err)
		}
	}
	conn, err := db.Open(cfg.Database.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatal(err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	q, err := app.NewQueue(cfg.Queue)
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	campaignRepo := &repository.CampaignRepository{DB: conn}
	recipientRepo := &repository.RecipientRepository{DB: conn}
	openRepo := &repository.EmailOpenRepository{DB: conn}

	campaignService := &service.CampaignService{
		CampaignRepo:  campaignRepo,
		RecipientRepo: recipientRepo,
		Dispatcher: &service.Dispatcher{
			CampaignRepo: campaignRepo,
			Templates:    &service.TemplateService{BaseURL: cfg.Server.BaseURL},
			Queue:        q,
			JobOptions:   app.JobOptions(cfg.Queue),
		},
	}

	sink := service.NewNotificationSink(service.DefaultNotificationCapacity)
	trackingService := &service.TrackingService{
		CampaignRepo:  campaignRepo,
		RecipientRepo: recipientRepo,
		OpenRepo:      openRepo,
		Sink:          sink,
		Templates:     &service.TemplateService{BaseURL: cfg.Server.BaseURL},
	}
	if cfg.Webhook.URL != "" {
		trackingService.Notifier = client.NewWebhookClient(cfg.Webhook.URL, cfg.Webhook.Timeout)
	}

	// with the in-memory broker the send workers live in this process
	var workers sync.WaitGroup
	if cfg.Queue.Driver == config.QueueDriverMemory {
		worker := app.NewSendWorker(cfg, conn, rdb)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := q.Consume(ctx, worker.Handle); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("send workers stopped", "err", err)
			}
		}()
		slog.Info("in-process send workers started", "concurrency", cfg.Queue.Concurrency)
	}

	campaignController := &controller.CampaignController{CampaignService: campaignService}
	trackingHandler := &handler.TrackingHandler{Service: trackingService, Sink: sink}

	r := chi.NewRouter()
	r.Use(loggingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// public links embedded in emails
	r.Get("/api/opens/track/{campaignId}/{recipientId}", trackingHandler.TrackOpen)
	r.Get("/api/unsubscribe/{campaignId}/{recipientId}", trackingHandler.Unsubscribe)
	r.Get("/api/campaigns/{campaignId}/view/{recipientId}", trackingHandler.ViewEmail)

	r.Group(func(r chi.Router) {
		r.Use(handler.RequireOwner)

		r.Get("/api/opens/notifications", trackingHandler.ListNotifications)
		r.Delete("/api/opens/notifications", trackingHandler.ClearNotifications)
		r.Get("/api/opens/campaign/{id}", trackingHandler.CampaignOpens)
		r.Get("/api/opens/recent", trackingHandler.RecentOpens)

		r.Post("/api/campaigns/send", campaignController.SendCampaign)
		r.Post("/api/campaigns/draft", campaignController.CreateDraft)
		r.Get("/api/campaigns", campaignController.ListCampaigns)
		r.Get("/api/campaigns/{id}", campaignController.GetCampaignDetails)
		r.Get("/api/campaigns/{id}/recipients", campaignController.ListRecipients)
		r.Post("/api/campaigns/{id}/send", campaignController.ResumeCampaign)
		r.Post("/api/campaigns/{id}/pause", campaignController.PauseCampaign)
		r.Post("/api/campaigns/{id}/resend-failed", campaignController.ResendFailed)
		r.Delete("/api/campaigns/{id}", campaignController.DeleteCampaign)
	})

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server running", "addr", cfg.Server.Address, "queue", cfg.Queue.Driver, "redis", cfg.Redis.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "err", err)
	}
	workers.Wait()
	trackingService.Wait()
	slog.Info("server shutdown")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
