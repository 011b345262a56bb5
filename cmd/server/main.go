package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"rollcall/checkin/internal/clients"
	"rollcall/checkin/internal/config"
	"rollcall/checkin/internal/finalize"
	internalhttp "rollcall/checkin/internal/http"
	"rollcall/checkin/internal/ingest"
	"rollcall/checkin/internal/jobs"
	"rollcall/checkin/internal/notify"
	"rollcall/checkin/internal/repository"
	"rollcall/checkin/internal/session"
	"rollcall/checkin/internal/token"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded .env")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("timezone %q: %v", cfg.Timezone, err)
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	collaborators := clients.New(cfg.RosterBaseURL, cfg.IdentityBaseURL, cfg.MessagingBaseURL, cfg.MessagingToken, cfg.ClientTimeout)

	codec := token.NewCodec(token.SigningConfig{Secret: cfg.TokenSecret})
	sessions := session.NewManager(codec, store, collaborators.Roster, collaborators.Identity, cfg.SessionTTLDefault)
	ingestor := ingest.NewService(codec, store, redisClient)
	finalizer := finalize.NewFinalizer(store, collaborators.Roster, collaborators.Identity, loc)

	dispatcher := notify.NewDispatcher(store, collaborators.Identity, collaborators.Messenger)

	server := internalhttp.NewServer(cfg, store, sessions, ingestor, finalizer, dispatcher, collaborators.Identity)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartReminderJob(ctx, cfg, collaborators.Roster, dispatcher, store, redisClient, loc)

	go func() {
		log.Printf("checkin http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
