// cmd/worker/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/unclebandit/mailstorm-backend/internal/app"
	"github.com/unclebandit/mailstorm-backend/internal/config"
	"github.com/unclebandit/mailstorm-backend/internal/db"
	"github.com/unclebandit/mailstorm-backend/internal/queue"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Queue.Driver != config.QueueDriverAMQP {
		log.Fatal("the standalone worker needs QUEUE_DRIVER=amqp; with the memory driver the server runs the workers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	q, err := queue.DialAMQP(queue.AMQPOptions{
		URL:         cfg.Queue.AMQPURL,
		Name:        cfg.Queue.Name,
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.Attempts,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	worker := app.NewSendWorker(cfg, conn, rdb)

	slog.Info("worker running, waiting for messages", "queue", cfg.Queue.Name, "concurrency", cfg.Queue.Concurrency)
	if err := q.Consume(ctx, worker.Handle); err != nil {
		log.Fatalf("consumer stopped: %v", err)
	}
	slog.Info("worker shutdown")
}
