// Command markdown consumes processed-article messages, renders each to a
// front-mattered markdown document, and nudges the site publisher.
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
	"github.com/emberpress/emberpress/engine/markdown"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/config"
	"github.com/emberpress/emberpress/pkg/diag"
	"github.com/emberpress/emberpress/pkg/metrics"
	"github.com/emberpress/emberpress/pkg/natsutil"
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
		logger.Error("markdown generator exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, js, err := natsutil.Connect(cfg.NATSURL, "markdown-"+uuid.NewString()[:8])
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	for _, s := range []struct{ stream, subject string }{
		{natsutil.StreamMarkdown, natsutil.SubjectMarkdown},
		{natsutil.StreamPublish, natsutil.SubjectPublish},
		{natsutil.StreamDeadLetter, natsutil.SubjectDeadLetterRx},
	} {
		if err := natsutil.EnsureStream(ctx, js, s.stream, s.subject); err != nil {
			return fmt.Errorf("ensure stream %s: %w", s.stream, err)
		}
	}
	consumer, err := natsutil.EnsureConsumer(ctx, js, natsutil.StreamMarkdown, "markdown", cfg.MaxDeliver, 0)
	if err != nil {
		return fmt.Errorf("ensure consumer: %w", err)
	}

	processed, err := blob.NewObjectStore(ctx, js, natsutil.BucketProcessed)
	if err != nil {
		return fmt.Errorf("processed bucket: %w", err)
	}
	mdStore, err := blob.NewObjectStore(ctx, js, natsutil.BucketMarkdown)
	if err != nil {
		return fmt.Errorf("markdown bucket: %w", err)
	}

	gen := markdown.New(markdown.Deps{
		Processed: processed,
		Markdown:  mdStore,
		JS:        js,
		Logger:    logger,
	})

	reg := metrics.New()
	worker := natsutil.NewWorker(js, consumer, func(ctx context.Context, msg domain.QueueMessage) error {
		payload, err := domain.DecodePayload[domain.MarkdownPayload](msg)
		if err != nil {
			return domain.E(domain.KindValidation, "markdown", err)
		}
		return gen.Generate(ctx, payload)
	}, natsutil.WorkerOpts{
		ServiceName:  markdown.ServiceName,
		MaxDeliver:   cfg.MaxDeliver,
		IdleShutdown: cfg.IdleShutdown(),
	}, logger, reg)

	srv := diag.New(markdown.ServiceName, cfg.HTTPPort, reg, worker.Pending, nil, logger)
	srv.Start(ctx)

	logger.Info("markdown generator started")
	return worker.Run(ctx)
}
