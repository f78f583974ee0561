// Command processor consumes topic messages, generates articles under an
// exclusive lease, and hands finished articles to the markdown stage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/engine/model"
	"github.com/emberpress/emberpress/engine/process"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/config"
	"github.com/emberpress/emberpress/pkg/diag"
	"github.com/emberpress/emberpress/pkg/kv"
	"github.com/emberpress/emberpress/pkg/lease"
	"github.com/emberpress/emberpress/pkg/metrics"
	"github.com/emberpress/emberpress/pkg/natsutil"
	"github.com/emberpress/emberpress/pkg/resilience"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("processor exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	owner := "processor-" + uuid.NewString()[:8]
	nc, js, err := natsutil.Connect(cfg.NATSURL, owner)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	for _, s := range []struct{ stream, subject string }{
		{natsutil.StreamProcess, natsutil.SubjectProcess},
		{natsutil.StreamMarkdown, natsutil.SubjectMarkdown},
		{natsutil.StreamDeadLetter, natsutil.SubjectDeadLetterRx},
	} {
		if err := natsutil.EnsureStream(ctx, js, s.stream, s.subject); err != nil {
			return fmt.Errorf("ensure stream %s: %w", s.stream, err)
		}
	}
	// AckWait must outlive a full generation; the lease TTL is sized for that.
	consumer, err := natsutil.EnsureConsumer(ctx, js, natsutil.StreamProcess, "processor", cfg.MaxDeliver, cfg.LeaseTTL())
	if err != nil {
		return fmt.Errorf("ensure consumer: %w", err)
	}

	leaseKV, err := kv.NewNATS(ctx, js, natsutil.BucketLeases, 2*cfg.LeaseTTL())
	if err != nil {
		return fmt.Errorf("lease bucket: %w", err)
	}
	collected, err := blob.NewObjectStore(ctx, js, natsutil.BucketCollected)
	if err != nil {
		return fmt.Errorf("collected bucket: %w", err)
	}
	processed, err := blob.NewObjectStore(ctx, js, natsutil.BucketProcessed)
	if err != nil {
		return fmt.Errorf("processed bucket: %w", err)
	}
	topics, err := blob.NewObjectStore(ctx, js, natsutil.BucketTopics)
	if err != nil {
		return fmt.Errorf("topic bucket: %w", err)
	}

	var client model.Client
	switch cfg.ModelProvider {
	case "anthropic":
		client = model.NewAnthropic(cfg.AnthropicKey, cfg.AnthropicModel, cfg.ModelTimeout())
	default:
		client = model.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.ModelTimeout())
	}

	proc := process.New(process.Deps{
		Leases:     lease.NewManager(leaseKV, owner, cfg.LeaseTTL()),
		Topics:     process.NewTopicStore(topics),
		Collected:  collected,
		Processed:  processed,
		Model:      client,
		Limiter:    resilience.NewLimiter(resilience.LimiterOpts{QPM: cfg.OpenAIQPM, Burst: 2, BackoffMax: cfg.MaxBackoff()}),
		Breaker:    resilience.NewBreaker(resilience.DefaultBreakerOpts),
		JS:         js,
		Logger:     logger,
		MinQuality: cfg.MinQualityScore,
	})

	reg := metrics.New()
	worker := natsutil.NewWorker(js, consumer, func(ctx context.Context, msg domain.QueueMessage) error {
		payload, err := domain.DecodePayload[domain.TopicPayload](msg)
		if err != nil {
			return domain.E(domain.KindValidation, "processor", err)
		}
		_, err = proc.ProcessTopic(ctx, payload)
		return err
	}, natsutil.WorkerOpts{
		ServiceName:  process.ServiceName,
		MaxDeliver:   cfg.MaxDeliver,
		IdleShutdown: cfg.IdleShutdown(),
	}, logger, reg)

	srv := diag.New(process.ServiceName, cfg.HTTPPort, reg, worker.Pending, nil, logger)
	srv.Start(ctx)

	logger.Info("processor started", "owner", owner, "provider", cfg.ModelProvider)
	return worker.Run(ctx)
}
