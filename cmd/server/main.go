package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/auth"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/bots"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/broadcast"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/config"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/gateway"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/handlers"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/metrics"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/party"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("[Server] No .env file found, using environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	slog.Info("[Server] Store ready", "driver", cfg.Store.Driver)

	// Cross-pod broadcast bus; single-pod when Redis is not configured.
	var bus broadcast.Bus
	var redisConnected func() bool
	if cfg.Redis.Addr != "" {
		adapter, err := broadcast.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer adapter.Close()

		redisBus, err := broadcast.NewRedisBus(adapter, cfg.Redis.Channel)
		if err != nil {
			log.Fatalf("Failed to start Redis bus: %v", err)
		}
		defer redisBus.Close()
		bus = redisBus
		redisConnected = func() bool { return true }
	} else {
		slog.Info("[Server] REDIS_ADDR not set, running single-pod")
	}

	secret := cfg.Auth.Secret
	if secret == "" {
		if cfg.Server.Env == "production" {
			log.Fatal("AUTH_SECRET is required in production")
		}
		slog.Warn("[Server] AUTH_SECRET not set, using development default")
		secret = "dev-secret"
	}
	authp, err := auth.NewProvider(secret, cfg.TokenTTL(), cfg.Auth.AdminKeyHash)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}

	m := metrics.NewMetrics()
	bcast := broadcast.New(bus)
	registry := party.NewRegistry(st, bcast, m,
		party.WithMailboxCap(cfg.Actors.MailboxCap),
		party.WithIdleTTL(cfg.ActorIdleTTL()),
	)
	defer registry.Stop()

	var driver gateway.AdminDriver
	if cfg.Bots.Enabled {
		botDriver := bots.NewDriver(st, registry, bcast, time.Duration(cfg.Bots.AutoplayDelayMs)*time.Millisecond)
		defer botDriver.Stop()
		driver = botDriver
		slog.Info("[Server] Bot driver enabled", "autoplay_delay_ms", cfg.Bots.AutoplayDelayMs)
	}

	gw := gateway.New(authp, st, registry, bcast, driver, m, gateway.Options{
		RateLimit:  cfg.Gateway.RateLimit,
		RateWindow: time.Duration(cfg.Gateway.RateWindow) * time.Second,
		SendBuffer: cfg.Gateway.SendBuffer,
	})
	defer gw.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/ws", gw.HandleWS)
	router.Handle("/metrics", promhttp.Handler())
	api := &handlers.API{Auth: authp, Store: st, Registry: registry, RedisConnected: redisConnected}
	api.Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("[Server] Listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	slog.Info("[Server] Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("[Server] Shutdown error", "error", err)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgresStore(cfg.Store.DSN)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.Store.DSN)
	}
}
