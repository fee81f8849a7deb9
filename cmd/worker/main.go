package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	"outreach-engine/internal/config"
	"outreach-engine/internal/ledger"
	"outreach-engine/internal/messaging"
	"outreach-engine/internal/models"
	"outreach-engine/internal/queue"
	"outreach-engine/internal/store"
	"outreach-engine/internal/telemetry"
	"outreach-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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
	credits := ledger.New(st.Pool())

	senders := messaging.NewRegistry()
	if cfg.SESFromEmail != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "error", err)
			os.Exit(1)
		}
		emailSender, err := messaging.NewSESEmailSender(awsCfg, cfg.SESFromEmail)
		if err != nil {
			log.Error("init ses sender", "error", err)
			os.Exit(1)
		}
		senders.Register(emailSender)
	} else {
		senders.Register(messaging.NewLogSender(models.ChannelEmail, log))
	}
	if cfg.SMSGatewayURL != "" {
		senders.Register(messaging.NewHTTPSMSSender(cfg.SMSGatewayURL, cfg.SMSAPIKey, cfg.ProviderTimeout))
	} else {
		senders.Register(messaging.NewLogSender(models.ChannelSMS, log))
	}

	processor := worker.NewProcessor(st, hints, cfg.PollInterval, cfg.ClaimBatchSize, log)
	campaigns := worker.NewCampaignWorker(st, st, credits, senders, cfg.BatchSize, log)
	campaigns.Register(processor)
	processor.SetTick(campaigns.SweepDue)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker started", "poll_interval", cfg.PollInterval.String(), "batch_size", cfg.BatchSize)
	if err := processor.Run(ctx); err != nil {
		log.Info("worker stopped", "reason", err)
	}
}
