// Command server runs the ticket-bridge service: the webhook HTTP API, the
// Redis-backed queue consumers, and the sync engine between them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/threadsync/go-ticket-bridge/internal/config"
	httpapi "github.com/threadsync/go-ticket-bridge/internal/http"
	"github.com/threadsync/go-ticket-bridge/internal/observability"
	"github.com/threadsync/go-ticket-bridge/internal/queue"
	"github.com/threadsync/go-ticket-bridge/internal/repo"
	"github.com/threadsync/go-ticket-bridge/internal/services"
	"github.com/threadsync/go-ticket-bridge/internal/slack"
	"github.com/threadsync/go-ticket-bridge/internal/sysutil"
	"github.com/threadsync/go-ticket-bridge/internal/zendesk"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	rdb, err := queue.Connect(ctx, cfg.Queue.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	defer func() { _ = rdb.Close() }()

	chat := slack.NewClient("")
	tickets := zendesk.NewClient("")
	channels := services.NewChannelService(db)

	syncSvc := &services.SyncService{
		DB:               db,
		Tickets:          tickets,
		Chat:             chat,
		Channels:         channels,
		MessageQueueName: cfg.Queue.MessageQueue,
		ReceiptTTL:       cfg.ReceiptTTL,
	}

	q := queue.New(rdb, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		OnDead: func(ctx context.Context, queueName string, env *queue.Envelope) {
			// Both job shapes share team_id and event, which is all the
			// failure notice needs.
			var job services.MessageJob
			if err := json.Unmarshal(env.Body, &job); err != nil {
				log.Error().Err(err).Str("queue", queueName).Msg("undecodable dead letter")
				return
			}
			syncSvc.NotifyDeliveryFailure(ctx, &job)
		},
	})
	syncSvc.Queue = q

	// Queue consumers. Several workers per queue; ordering is restored by
	// the idempotency layer, not the transport.
	var workers sync.WaitGroup
	consume := func(name string, h queue.Handler) {
		for i := 0; i < cfg.Queue.Workers; i++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				if err := q.Consume(ctx, name, h); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Str("queue", name).Msg("consumer stopped")
				}
			}()
		}
	}
	consume(cfg.Queue.MessageQueue, func(ctx context.Context, body []byte) error {
		var job services.MessageJob
		if err := json.Unmarshal(body, &job); err != nil {
			return err
		}
		return syncSvc.ProcessMessage(ctx, &job)
	})
	consume(cfg.Queue.FileQueue, func(ctx context.Context, body []byte) error {
		var job services.FileJob
		if err := json.Unmarshal(body, &job); err != nil {
			return err
		}
		return syncSvc.ProcessFile(ctx, &job)
	})

	// HTTP server.
	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, q, chat, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	workers.Wait()
	log.Info().Msg("bye")
}
