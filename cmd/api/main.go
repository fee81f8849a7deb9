package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach-engine/internal/api"
	"outreach-engine/internal/breaker"
	"outreach-engine/internal/config"
	"outreach-engine/internal/gateway"
	"outreach-engine/internal/ledger"
	"outreach-engine/internal/provider"
	"outreach-engine/internal/queue"
	"outreach-engine/internal/ratelimit"
	"outreach-engine/internal/store"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	hints := queue.New(redisClient)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	credits := ledger.New(st.Pool())

	router := provider.NewRouter()
	premium := provider.NewHTTPProvider("premium", cfg.PremiumProviderModel, cfg.PremiumProviderURL, cfg.PremiumProviderKey, cfg.PremiumCostPerToken, cfg.ProviderTimeout)
	cheap := provider.NewHTTPProvider("cheap", cfg.CheapProviderModel, cfg.CheapProviderURL, cfg.CheapProviderKey, cfg.CheapCostPerToken, cfg.ProviderTimeout)
	router.Register(premium)
	router.Register(cheap)
	router.SetPremium(premium.Name())
	router.SetCheap(cheap.Name())

	b := breaker.New(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	gw := gateway.New(router, b, gateway.NewCache(cfg.CacheTTL), credits, log)

	server := api.New(cfg, st, credits, gw, hints, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
