// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Scrape     ScrapeConfig     `mapstructure:"scrape"`
	Render     RenderConfig     `mapstructure:"render"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Search     SearchConfig     `mapstructure:"search"`
	Embed      EmbedConfig      `mapstructure:"embed"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port         int   `mapstructure:"port"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CacheConfig sets the TTLs for each cache tier.
type CacheConfig struct {
	SearchTTLHours     int `mapstructure:"search_ttl_hours"`
	AcademicTTLHours   int `mapstructure:"academic_ttl_hours"`
	NewsTTLHours       int `mapstructure:"news_ttl_hours"`
	StandardTTLHours   int `mapstructure:"standard_ttl_hours"`
	MetadataTTLHours   int `mapstructure:"metadata_ttl_hours"`
	JanitorIntervalMin int `mapstructure:"janitor_interval_minutes"`
}

// ScrapeConfig governs fetch strategies and extraction.
type ScrapeConfig struct {
	MinContentLength   int    `mapstructure:"min_content_length"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	UserAgent          string `mapstructure:"user_agent"`
	MaxBodyBytes       int    `mapstructure:"max_body_bytes"`
	DomainFailureLimit int    `mapstructure:"domain_failure_limit"`
	RespectRobots      bool   `mapstructure:"respect_robots"`
}

// RenderConfig points at the managed browser-rendering API.
type RenderConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	WaitSelector   string `mapstructure:"wait_selector"`
}

// CrawlConfig points at the job-based crawl service.
type CrawlConfig struct {
	RunURL         string  `mapstructure:"run_url"`
	StatusURL      string  `mapstructure:"status_url"`
	ItemsURL       string  `mapstructure:"items_url"`
	APIKey         string  `mapstructure:"api_key"`
	Project        string  `mapstructure:"project"`
	Spider         string  `mapstructure:"spider"`
	PollInitialSec float64 `mapstructure:"poll_initial_seconds"`
	PollMultiplier float64 `mapstructure:"poll_multiplier"`
	PollMaxSec     float64 `mapstructure:"poll_max_seconds"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// BrowserConfig configures the local headless-browser fallback.
type BrowserConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// SearchConfig configures the web search provider chain.
type SearchConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	EngineID   string `mapstructure:"engine_id"`
	MaxResults int    `mapstructure:"max_results"`
	MaxPhrases int    `mapstructure:"max_phrases"`
}

// EmbedConfig configures the sentence embedding service client.
type EmbedConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Dimensions     int    `mapstructure:"dimensions"`
	BatchSize      int    `mapstructure:"batch_size"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PoolConfig governs the bounded fetch pool.
type PoolConfig struct {
	GlobalSlots     int      `mapstructure:"global_slots"`
	DomainSlots     int      `mapstructure:"domain_slots"`
	JitterMinMs     int      `mapstructure:"jitter_min_ms"`
	JitterMaxMs     int      `mapstructure:"jitter_max_ms"`
	DomainRate      float64  `mapstructure:"domain_rate"`
	DomainBurst     int      `mapstructure:"domain_burst"`
	PriorityDomains []string `mapstructure:"priority_domains"`
}

// SimilarityConfig holds the comparison thresholds.
type SimilarityConfig struct {
	Threshold             float64 `mapstructure:"threshold"`
	EncyclopediaThreshold float64 `mapstructure:"encyclopedia_threshold"`
	MaxSentences          int     `mapstructure:"max_sentences"`
	MinSentenceLength     int     `mapstructure:"min_sentence_length"`
	MinContainmentLength  int     `mapstructure:"min_containment_length"`
	ParagraphMinLength    int     `mapstructure:"paragraph_min_length"`
	ParagraphRatio        float64 `mapstructure:"paragraph_ratio"`
	WordOverlapRatio      float64 `mapstructure:"word_overlap_ratio"`
	LCSMinChars           int     `mapstructure:"lcs_min_chars"`
	LCSFraction           float64 `mapstructure:"lcs_fraction"`
	SnapPercentage        float64 `mapstructure:"snap_percentage"`
	TimeoutSeconds        int     `mapstructure:"timeout_seconds"`
}

// PipelineConfig governs the job dispatcher.
type PipelineConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// JobsConfig selects the job store backend and retention.
type JobsConfig struct {
	Backend          string `mapstructure:"backend"`
	DSN              string `mapstructure:"dsn"`
	Table            string `mapstructure:"table"`
	RetentionHours   int    `mapstructure:"retention_hours"`
	SweepIntervalMin int    `mapstructure:"sweep_interval_minutes"`
}

// ArchiveConfig selects the evidence archive backend.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
}

// NotifyConfig selects the completion event publisher backend.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PURETEXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)

	v.SetDefault("cache.search_ttl_hours", 24)
	v.SetDefault("cache.academic_ttl_hours", 168)
	v.SetDefault("cache.news_ttl_hours", 72)
	v.SetDefault("cache.standard_ttl_hours", 120)
	v.SetDefault("cache.metadata_ttl_hours", 720)
	v.SetDefault("cache.janitor_interval_minutes", 10)

	v.SetDefault("scrape.min_content_length", 200)
	v.SetDefault("scrape.timeout_seconds", 25)
	v.SetDefault("scrape.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("scrape.max_body_bytes", 10<<20)
	v.SetDefault("scrape.domain_failure_limit", 3)
	v.SetDefault("scrape.respect_robots", false)

	v.SetDefault("render.timeout_seconds", 40)
	v.SetDefault("render.wait_selector", "body")

	v.SetDefault("crawl.spider", "article")
	v.SetDefault("crawl.poll_initial_seconds", 2.0)
	v.SetDefault("crawl.poll_multiplier", 1.5)
	v.SetDefault("crawl.poll_max_seconds", 10.0)
	v.SetDefault("crawl.timeout_seconds", 90)

	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.nav_timeout_seconds", 30)

	v.SetDefault("search.max_results", 8)
	v.SetDefault("search.max_phrases", 2)

	v.SetDefault("embed.model", "text-embedding-3-small")
	v.SetDefault("embed.dimensions", 512)
	v.SetDefault("embed.batch_size", 128)
	v.SetDefault("embed.timeout_seconds", 30)

	v.SetDefault("pool.global_slots", 12)
	v.SetDefault("pool.domain_slots", 2)
	v.SetDefault("pool.jitter_min_ms", 100)
	v.SetDefault("pool.jitter_max_ms", 500)
	v.SetDefault("pool.domain_rate", 1.0)
	v.SetDefault("pool.domain_burst", 2)
	v.SetDefault("pool.priority_domains", []string{
		"sciencedirect.com", "springer.com", "wiley.com", "ncbi.nlm.nih.gov",
	})

	v.SetDefault("similarity.threshold", 0.65)
	v.SetDefault("similarity.encyclopedia_threshold", 0.60)
	v.SetDefault("similarity.max_sentences", 500)
	v.SetDefault("similarity.min_sentence_length", 20)
	v.SetDefault("similarity.min_containment_length", 100)
	v.SetDefault("similarity.paragraph_min_length", 150)
	v.SetDefault("similarity.paragraph_ratio", 0.8)
	v.SetDefault("similarity.word_overlap_ratio", 0.70)
	v.SetDefault("similarity.lcs_min_chars", 40)
	v.SetDefault("similarity.lcs_fraction", 0.5)
	v.SetDefault("similarity.snap_percentage", 95)
	v.SetDefault("similarity.timeout_seconds", 60)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_depth", 64)

	v.SetDefault("jobs.backend", "memory")
	v.SetDefault("jobs.table", "check_jobs")
	v.SetDefault("jobs.retention_hours", 24)
	v.SetDefault("jobs.sweep_interval_minutes", 60)

	v.SetDefault("archive.backend", "memory")
	v.SetDefault("notify.backend", "memory")
	v.SetDefault("notify.topic", "check-completions")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scrape.MinContentLength <= 0 {
		return fmt.Errorf("scrape.min_content_length must be > 0")
	}
	if c.Scrape.TimeoutSeconds <= 0 {
		return fmt.Errorf("scrape.timeout_seconds must be > 0")
	}
	if c.Pool.GlobalSlots <= 0 || c.Pool.DomainSlots <= 0 {
		return fmt.Errorf("pool slots must be > 0")
	}
	if c.Pool.DomainSlots > c.Pool.GlobalSlots {
		return fmt.Errorf("pool.domain_slots must not exceed pool.global_slots")
	}
	if c.Pool.JitterMinMs < 0 || c.Pool.JitterMaxMs < c.Pool.JitterMinMs {
		return fmt.Errorf("pool jitter range is invalid")
	}
	if c.Similarity.Threshold <= 0 || c.Similarity.Threshold > 1 {
		return fmt.Errorf("similarity.threshold must be in (0, 1]")
	}
	if c.Similarity.EncyclopediaThreshold <= 0 || c.Similarity.EncyclopediaThreshold > c.Similarity.Threshold {
		return fmt.Errorf("similarity.encyclopedia_threshold must be in (0, threshold]")
	}
	if c.Similarity.MaxSentences <= 0 {
		return fmt.Errorf("similarity.max_sentences must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.QueueDepth <= 0 {
		return fmt.Errorf("pipeline.queue_depth must be > 0")
	}
	switch c.Jobs.Backend {
	case "memory":
	case "postgres":
		if c.Jobs.DSN == "" {
			return fmt.Errorf("jobs.dsn must be set when jobs.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown jobs.backend: %s", c.Jobs.Backend)
	}
	switch c.Archive.Backend {
	case "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.backend is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown archive.backend: %s", c.Archive.Backend)
	}
	switch c.Notify.Backend {
	case "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.backend is pubsub")
		}
	default:
		return fmt.Errorf("unknown notify.backend: %s", c.Notify.Backend)
	}
	if c.Crawl.PollMultiplier < 1 {
		return fmt.Errorf("crawl.poll_multiplier must be >= 1")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when browser is enabled")
	}
	return nil
}

// ScrapeTimeout returns the per-fetch timeout as a duration.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Scrape.TimeoutSeconds) * time.Second
}

// SimilarityTimeout returns the comparison deadline as a duration.
func (c Config) SimilarityTimeout() time.Duration {
	return time.Duration(c.Similarity.TimeoutSeconds) * time.Second
}

// JobRetention returns how long terminal jobs are kept.
func (c Config) JobRetention() time.Duration {
	return time.Duration(c.Jobs.RetentionHours) * time.Hour
}
