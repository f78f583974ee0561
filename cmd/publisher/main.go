// Command publisher consumes publish requests, coalesces the backlog into
// one site build, and deploys the result. A singleton lease keeps replicas
// from building concurrently.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/engine/publish"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/config"
	"github.com/emberpress/emberpress/pkg/diag"
	"github.com/emberpress/emberpress/pkg/kv"
	"github.com/emberpress/emberpress/pkg/lease"
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
		logger.Error("publisher exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	owner := "publisher-" + uuid.NewString()[:8]
	nc, js, err := natsutil.Connect(cfg.NATSURL, owner)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	for _, s := range []struct{ stream, subject string }{
		{natsutil.StreamPublish, natsutil.SubjectPublish},
		{natsutil.StreamDeadLetter, natsutil.SubjectDeadLetterRx},
	} {
		if err := natsutil.EnsureStream(ctx, js, s.stream, s.subject); err != nil {
			return fmt.Errorf("ensure stream %s: %w", s.stream, err)
		}
	}
	// AckWait covers staging, the build subprocess, and the deploy.
	consumer, err := natsutil.EnsureConsumer(ctx, js, natsutil.StreamPublish, "publisher", cfg.MaxDeliver, 2*cfg.BuildTimeout())
	if err != nil {
		return fmt.Errorf("ensure consumer: %w", err)
	}

	leaseKV, err := kv.NewNATS(ctx, js, natsutil.BucketLeases, 2*cfg.LeaseTTL())
	if err != nil {
		return fmt.Errorf("lease bucket: %w", err)
	}
	mdStore, err := blob.NewObjectStore(ctx, js, natsutil.BucketMarkdown)
	if err != nil {
		return fmt.Errorf("markdown bucket: %w", err)
	}
	web, err := blob.NewObjectStore(ctx, js, natsutil.BucketWeb)
	if err != nil {
		return fmt.Errorf("web bucket: %w", err)
	}
	backups, err := blob.NewObjectStore(ctx, js, natsutil.BucketBackups)
	if err != nil {
		return fmt.Errorf("backup bucket: %w", err)
	}

	pub := publish.New(publish.Deps{
		Markdown:     mdStore,
		Web:          web,
		Backups:      backups,
		Leases:       lease.NewManager(leaseKV, owner, cfg.LeaseTTL()),
		Logger:       logger,
		SiteDir:      cfg.SiteDir,
		BuildCmd:     strings.Fields(cfg.SiteBuildCommand),
		BuildTimeout: cfg.BuildTimeout(),
	})

	reg := metrics.New()
	builds := reg.Counter("publisher_builds_total", "Completed site builds")
	buildTime := reg.Histogram("publisher_build_seconds", "Site build duration", nil)

	worker := natsutil.NewWorker(js, consumer, func(ctx context.Context, msg domain.QueueMessage) error {
		payload, err := domain.DecodePayload[domain.PublishPayload](msg)
		if err != nil {
			return domain.E(domain.KindValidation, "publisher", err)
		}
		stats, err := pub.Publish(ctx, payload)
		if err == nil && stats.Skipped == "" {
			builds.Inc()
			buildTime.Observe(stats.BuildTime.Seconds())
		}
		return err
	}, natsutil.WorkerOpts{
		ServiceName:  publish.ServiceName,
		MaxDeliver:   cfg.MaxDeliver,
		Coalesce:     true,
		IdleShutdown: cfg.IdleShutdown(),
	}, logger, reg)

	srv := diag.New(publish.ServiceName, cfg.HTTPPort, reg, worker.Pending, func(ctx context.Context, op string) error {
		if op != domain.OpPublishSite {
			return fmt.Errorf("publisher cannot inject %q", op)
		}
		env, err := domain.NewMessage(domain.OpPublishSite, publish.ServiceName, "", domain.PublishPayload{
			Trigger:   "manual",
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return natsutil.Publish(ctx, js, natsutil.SubjectPublish, env, "")
	}, logger)
	srv.Start(ctx)

	logger.Info("publisher started", "owner", owner, "site_dir", cfg.SiteDir)
	return worker.Run(ctx)
}
