// Package config loads and validates indexer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Convert    ConvertConfig    `mapstructure:"convert"`
	Store      StoreConfig      `mapstructure:"store"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Scratch    ScratchConfig    `mapstructure:"scratch"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Reindex    ReindexConfig    `mapstructure:"reindex"`
	Progress   ProgressConfig   `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
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

// QueueConfig selects the job broker and names its queues.
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	NATS         NATSConfig    `mapstructure:"nats"`
	Names        QueueNames    `mapstructure:"names"`
	Timeouts     QueueTimeouts `mapstructure:"timeouts"`
}

// NATSConfig points the JetStream broker at a server.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
	Bucket string `mapstructure:"bucket"`
}

// QueueNames names the explore, import and render queues.
type QueueNames struct {
	Explore string `mapstructure:"explore"`
	Import  string `mapstructure:"import"`
	Render  string `mapstructure:"render"`
}

// QueueTimeouts holds per-queue job budgets.
type QueueTimeouts struct {
	Explore time.Duration `mapstructure:"explore"`
	Import  time.Duration `mapstructure:"import"`
	Render  time.Duration `mapstructure:"render"`
}

// WorkerConfig sizes the in-process worker pool.
type WorkerConfig struct {
	Concurrency int      `mapstructure:"concurrency"`
	Queues      []string `mapstructure:"queues"`
}

// RepositoryConfig configures repository backends.
type RepositoryConfig struct {
	Backend           string        `mapstructure:"backend"`
	SVNBinary         string        `mapstructure:"svn_binary"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// ConvertConfig points at the external conversion service.
type ConvertConfig struct {
	ServiceURL string         `mapstructure:"service_url"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	Headless   HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp HTML renderer.
type HeadlessConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
}

// StoreConfig selects and tunes the document store.
type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	DSN           string `mapstructure:"dsn"`
	MaxConns      int32  `mapstructure:"max_conns"`
	Alias         string `mapstructure:"alias"`
	SearchConfig  string `mapstructure:"search_config"`
	Collation     string `mapstructure:"collation"`
	CopyBatchSize int    `mapstructure:"copy_batch_size"`
}

// ArtifactsConfig sets where rendered PDFs and retained uploads live.
type ArtifactsConfig struct {
	Backend      string `mapstructure:"backend"`
	PDFDir       string `mapstructure:"pdf_dir"`
	UploadDir    string `mapstructure:"upload_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	PDFPrefix    string `mapstructure:"pdf_prefix"`
	UploadPrefix string `mapstructure:"upload_prefix"`
}

// ScratchConfig sets the parent of per-job temporary directories.
type ScratchConfig struct {
	Dir string `mapstructure:"dir"`
	// MaxAge is how long an orphaned job directory survives before the sweep
	// removes it. SweepInterval <= 0 disables the sweep.
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// PublisherConfig holds metadata for indexed-document notifications.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ReindexConfig tunes the migrator.
type ReindexConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ProgressConfig tunes the job event hub.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is applied to the environment first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("INDEXER")
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
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_bytes", int64(256<<20))
	v.SetDefault("logging.development", true)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.poll_interval", 2*time.Second)
	v.SetDefault("queue.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.nats.stream", "JOBS")
	v.SetDefault("queue.nats.bucket", "JOBS")
	v.SetDefault("queue.names.explore", "explore")
	v.SetDefault("queue.names.import", "import")
	v.SetDefault("queue.names.render", "render")
	v.SetDefault("queue.timeouts.explore", time.Hour)
	v.SetDefault("queue.timeouts.import", 30*time.Minute)
	v.SetDefault("queue.timeouts.render", 10*time.Minute)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queues", []string{"explore", "import", "render"})
	v.SetDefault("repository.backend", "svn")
	v.SetDefault("repository.svn_binary", "svn")
	v.SetDefault("repository.command_timeout", 10*time.Minute)
	v.SetDefault("repository.user_agent", "repo-indexer/0.1")
	v.SetDefault("repository.requests_per_second", 0)
	v.SetDefault("repository.burst", 1)
	v.SetDefault("convert.service_url", "http://unoserver:2004")
	v.SetDefault("convert.timeout", 5*time.Minute)
	v.SetDefault("convert.headless.enabled", false)
	v.SetDefault("convert.headless.nav_timeout", 30*time.Second)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.max_conns", int32(10))
	v.SetDefault("store.alias", "documents")
	v.SetDefault("store.search_config", "english")
	v.SetDefault("store.collation", "C")
	v.SetDefault("store.copy_batch_size", 500)
	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.pdf_dir", "/var/lib/pdf_storage")
	v.SetDefault("artifacts.upload_dir", "/var/lib/upload_storage")
	v.SetDefault("artifacts.pdf_prefix", "pdf")
	v.SetDefault("artifacts.upload_prefix", "uploads")
	v.SetDefault("scratch.max_age", 24*time.Hour)
	v.SetDefault("scratch.sweep_interval", time.Hour)
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("reindex.poll_interval", 5*time.Second)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 64)
	v.SetDefault("progress.flush_interval", time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Backend {
	case "memory":
	case "nats":
		if c.Queue.NATS.URL == "" {
			return fmt.Errorf("queue.nats.url must be set when queue.backend is nats")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or nats, got %q", c.Queue.Backend)
	}
	if c.Queue.Names.Explore == "" || c.Queue.Names.Import == "" || c.Queue.Names.Render == "" {
		return fmt.Errorf("queue.names must name explore, import and render queues")
	}
	if c.Queue.Timeouts.Explore <= 0 || c.Queue.Timeouts.Import <= 0 || c.Queue.Timeouts.Render <= 0 {
		return fmt.Errorf("queue.timeouts must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Repository.Backend != "svn" && c.Repository.Backend != "httpindex" {
		return fmt.Errorf("repository.backend must be svn or httpindex, got %q", c.Repository.Backend)
	}
	if c.Convert.ServiceURL == "" {
		return fmt.Errorf("convert.service_url must be set")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres, got %q", c.Store.Backend)
	}
	if c.Store.Alias == "" {
		return fmt.Errorf("store.alias must be set")
	}
	switch c.Artifacts.Backend {
	case "local":
		if c.Artifacts.PDFDir == "" || c.Artifacts.UploadDir == "" {
			return fmt.Errorf("artifacts.pdf_dir and artifacts.upload_dir must be set for local artifacts")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket must be set for gcs artifacts")
		}
	case "memory":
	default:
		return fmt.Errorf("artifacts.backend must be local, gcs or memory, got %q", c.Artifacts.Backend)
	}
	if c.Publisher.Backend == "pubsub" && c.Publisher.ProjectID == "" {
		return fmt.Errorf("publisher.project_id must be set when publisher.backend is pubsub")
	}
	if c.Scratch.SweepInterval > 0 && c.Scratch.MaxAge <= 0 {
		return fmt.Errorf("scratch.max_age must be > 0 when the scratch sweep is enabled")
	}
	if c.Reindex.PollInterval <= 0 {
		return fmt.Errorf("reindex.poll_interval must be > 0")
	}
	return nil
}

// TimeoutFor returns the job budget for a queue, falling back to the import budget.
func (c Config) TimeoutFor(queue string) time.Duration {
	switch queue {
	case c.Queue.Names.Explore:
		return c.Queue.Timeouts.Explore
	case c.Queue.Names.Render:
		return c.Queue.Timeouts.Render
	default:
		return c.Queue.Timeouts.Import
	}
}
