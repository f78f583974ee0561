// Package config loads the pipeline configuration once at process startup.
// Every option has a default; the environment overrides it (DEDUP_WINDOW_DAYS
// overrides dedup_window_days, and so on). The resulting value is passed
// explicitly into every component — no hidden singletons.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every recognized option.
type Config struct {
	NATSURL  string
	HTTPPort int

	DedupWindowDays   int
	LeaseTTLSeconds   int
	MaxBackoffSeconds int
	MaxDeliver        int

	RedditQPM   int
	MastodonQPM int
	OpenAIQPM   int

	MinScoreReddit    int
	MinBoostsMastodon int
	MinComments       int
	IncludeKeywords   []string
	ExcludeKeywords   []string

	MaxArticlesPerRun   int
	MinQualityScore     float64
	BuildTimeoutSeconds int
	SiteBuildCommand    string
	SiteDir             string

	CollectIntervalSeconds int

	IdleShutdownSeconds int
	DisableAutoShutdown bool

	ModelProvider       string // "openai" or "anthropic"
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	AnthropicKey        string
	AnthropicModel      string
	ModelTimeoutSeconds int

	Subreddits        []string
	MastodonInstances []string
	RSSFeeds          []string
}

// Load reads defaults and environment overrides.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("http_port", 8080)

	v.SetDefault("dedup_window_days", 14)
	v.SetDefault("lease_ttl_seconds", 900)
	v.SetDefault("max_backoff_seconds", 300)
	v.SetDefault("max_deliver", 5)

	v.SetDefault("reddit_qpm", 60)
	v.SetDefault("mastodon_qpm", 60)
	v.SetDefault("openai_qpm", 60)

	v.SetDefault("min_score_reddit", 25)
	v.SetDefault("min_boosts_mastodon", 5)
	v.SetDefault("min_comments", 0)
	v.SetDefault("include_keywords", "")
	v.SetDefault("exclude_keywords", "")

	v.SetDefault("max_articles_per_run", 100)
	v.SetDefault("min_quality_score", 0.5)
	v.SetDefault("build_timeout_seconds", 300)
	v.SetDefault("site_build_command", "hugo --minify --destination")
	v.SetDefault("site_dir", "./site")

	v.SetDefault("collect_interval_seconds", 1800)

	v.SetDefault("idle_shutdown_seconds", 300)
	v.SetDefault("disable_auto_shutdown", false)

	v.SetDefault("model_provider", "openai")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_base_url", "https://api.openai.com")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("anthropic_model", "claude-sonnet-4-5")
	v.SetDefault("model_timeout_seconds", 120)

	v.SetDefault("subreddits", "technology,programming")
	v.SetDefault("mastodon_instances", "mastodon.social")
	v.SetDefault("rss_feeds", "")

	cfg := Config{
		NATSURL:  v.GetString("nats_url"),
		HTTPPort: v.GetInt("http_port"),

		DedupWindowDays:   v.GetInt("dedup_window_days"),
		LeaseTTLSeconds:   v.GetInt("lease_ttl_seconds"),
		MaxBackoffSeconds: v.GetInt("max_backoff_seconds"),
		MaxDeliver:        v.GetInt("max_deliver"),

		RedditQPM:   v.GetInt("reddit_qpm"),
		MastodonQPM: v.GetInt("mastodon_qpm"),
		OpenAIQPM:   v.GetInt("openai_qpm"),

		MinScoreReddit:    v.GetInt("min_score_reddit"),
		MinBoostsMastodon: v.GetInt("min_boosts_mastodon"),
		MinComments:       v.GetInt("min_comments"),
		IncludeKeywords:   splitList(v.GetString("include_keywords")),
		ExcludeKeywords:   splitList(v.GetString("exclude_keywords")),

		MaxArticlesPerRun:   v.GetInt("max_articles_per_run"),
		MinQualityScore:     v.GetFloat64("min_quality_score"),
		BuildTimeoutSeconds: v.GetInt("build_timeout_seconds"),
		SiteBuildCommand:    v.GetString("site_build_command"),
		SiteDir:             v.GetString("site_dir"),

		CollectIntervalSeconds: v.GetInt("collect_interval_seconds"),

		IdleShutdownSeconds: v.GetInt("idle_shutdown_seconds"),
		DisableAutoShutdown: v.GetBool("disable_auto_shutdown"),

		ModelProvider:       v.GetString("model_provider"),
		OpenAIAPIKey:        v.GetString("openai_api_key"),
		OpenAIBaseURL:       v.GetString("openai_base_url"),
		OpenAIModel:         v.GetString("openai_model"),
		AnthropicKey:        v.GetString("anthropic_api_key"),
		AnthropicModel:      v.GetString("anthropic_model"),
		ModelTimeoutSeconds: v.GetInt("model_timeout_seconds"),

		Subreddits:        splitList(v.GetString("subreddits")),
		MastodonInstances: splitList(v.GetString("mastodon_instances")),
		RSSFeeds:          splitList(v.GetString("rss_feeds")),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("lease_ttl_seconds must be positive, got %d", c.LeaseTTLSeconds)
	}
	if c.DedupWindowDays <= 0 {
		return fmt.Errorf("dedup_window_days must be positive, got %d", c.DedupWindowDays)
	}
	switch c.ModelProvider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown model_provider %q", c.ModelProvider)
	}
	return nil
}

// LeaseTTL returns the lease duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// DedupWindow returns the dedup retention.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowDays) * 24 * time.Hour
}

// MaxBackoff returns the rate-limit backoff ceiling.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// BuildTimeout returns the publisher's subprocess deadline.
func (c Config) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutSeconds) * time.Second
}

// CollectInterval returns the scheduled collection period.
func (c Config) CollectInterval() time.Duration {
	return time.Duration(c.CollectIntervalSeconds) * time.Second
}

// ModelTimeout returns the generative-model call deadline.
func (c Config) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutSeconds) * time.Second
}

// IdleShutdown returns the scale-to-zero idle window; zero when disabled.
func (c Config) IdleShutdown() time.Duration {
	if c.DisableAutoShutdown {
		return 0
	}
	return time.Duration(c.IdleShutdownSeconds) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
