// Command collector fetches trending items from the configured sources on a
// schedule, gates and dedups them, and fans accepted topics out onto the
// processing queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/emberpress/emberpress/engine/collect"
	"github.com/emberpress/emberpress/engine/sources"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/config"
	"github.com/emberpress/emberpress/pkg/dedup"
	"github.com/emberpress/emberpress/pkg/diag"
	"github.com/emberpress/emberpress/pkg/kv"
	"github.com/emberpress/emberpress/pkg/metrics"
	"github.com/emberpress/emberpress/pkg/natsutil"
	"github.com/emberpress/emberpress/pkg/resilience"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	interval := flag.Duration("interval", 0, "collection interval (0 = use config, negative = one-shot)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, *interval, logger); err != nil {
		logger.Error("collector exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, interval time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, js, err := natsutil.Connect(cfg.NATSURL, "collector-"+uuid.NewString()[:8])
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	if err := natsutil.EnsureStream(ctx, js, natsutil.StreamProcess, natsutil.SubjectProcess); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}
	if err := natsutil.EnsureStream(ctx, js, natsutil.StreamDeadLetter, natsutil.SubjectDeadLetterRx); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	dedupKV, err := kv.NewNATS(ctx, js, natsutil.BucketDedup, cfg.DedupWindow())
	if err != nil {
		return fmt.Errorf("dedup bucket: %w", err)
	}
	collected, err := blob.NewObjectStore(ctx, js, natsutil.BucketCollected)
	if err != nil {
		return fmt.Errorf("collected bucket: %w", err)
	}

	redditLimiter := resilience.NewLimiter(resilience.LimiterOpts{
		QPM: cfg.RedditQPM, Burst: 5, BackoffMax: cfg.MaxBackoff(),
	})
	mastodonLimiter := resilience.NewLimiter(resilience.LimiterOpts{
		QPM: cfg.MastodonQPM, Burst: 5, BackoffMax: cfg.MaxBackoff(),
	})

	adapters := sources.Table(
		sources.NewReddit(redditLimiter).Adapter(),
		sources.NewMastodon(mastodonLimiter).Adapter(),
		sources.NewRSS(time.Second).Adapter(),
	)

	var specs []sources.Spec
	if len(cfg.Subreddits) > 0 {
		specs = append(specs, sources.Spec{Kind: sources.KindReddit, Subreddits: cfg.Subreddits, Sort: "hot", MaxItems: 25})
	}
	if len(cfg.MastodonInstances) > 0 {
		specs = append(specs, sources.Spec{Kind: sources.KindMastodon, Instances: cfg.MastodonInstances, MaxItems: 25})
	}
	if len(cfg.RSSFeeds) > 0 {
		specs = append(specs, sources.Spec{Kind: sources.KindRSS, Feeds: cfg.RSSFeeds, MaxItems: 25})
	}

	quality := collect.QualitySpec{
		MinScoreReddit:    cfg.MinScoreReddit,
		MinBoostsMastodon: cfg.MinBoostsMastodon,
		MinComments:       cfg.MinComments,
		IncludeKeywords:   cfg.IncludeKeywords,
		ExcludeKeywords:   cfg.ExcludeKeywords,
	}

	collector := collect.New(collect.Deps{
		Adapters:    adapters,
		Dedup:       dedup.New(dedupKV, cfg.DedupWindow()),
		Collected:   collected,
		JS:          js,
		Logger:      logger,
		MaxArticles: cfg.MaxArticlesPerRun,
	})

	reg := metrics.New()
	runs := reg.Counter("collector_runs_total", "Completed collection runs")
	published := reg.Counter("collector_topics_published_total", "Topics enqueued for processing")

	wakeCh := make(chan struct{}, 1)
	srv := diag.New(collect.ServiceName, cfg.HTTPPort, reg, nil, func(_ context.Context, op string) error {
		if op != "collect" {
			return fmt.Errorf("collector cannot inject %q", op)
		}
		select {
		case wakeCh <- struct{}{}:
		default:
		}
		return nil
	}, logger)
	srv.Start(ctx)

	runOnce := func() {
		stats, err := collector.Collect(ctx, specs, quality)
		if err != nil {
			logger.Error("collection run failed", "error", err)
			return
		}
		runs.Inc()
		published.Add(int64(stats.Published))
	}

	runOnce()
	if interval < 0 {
		return nil
	}
	if interval == 0 {
		interval = cfg.CollectInterval()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			runOnce()
		case <-wakeCh:
			logger.Info("wake requested")
			runOnce()
		}
	}
}
