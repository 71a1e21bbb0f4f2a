// Package config loads and validates engine configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/deadurl"
	"github.com/LocalNewsImpact/newscrawler/internal/detector"
	"github.com/LocalNewsImpact/newscrawler/internal/domainstate"
	"github.com/LocalNewsImpact/newscrawler/internal/output"
	"github.com/LocalNewsImpact/newscrawler/internal/policy/ratelimit"
	"github.com/LocalNewsImpact/newscrawler/internal/proxy"
	"github.com/LocalNewsImpact/newscrawler/internal/scheduler"
	"github.com/LocalNewsImpact/newscrawler/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. NEWSCRAWLER_PROXY_ACTIVE.
const EnvPrefix = "NEWSCRAWLER"

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig          `mapstructure:"logging"`
	Job       JobConfig              `mapstructure:"job"`
	Pacing    PacingConfig           `mapstructure:"pacing"`
	Backoff   domainstate.Config     `mapstructure:"backoff"`
	DeadURL   deadurl.Config         `mapstructure:"dead_url"`
	HTTP      HTTPConfig             `mapstructure:"http"`
	Headless  HeadlessConfig         `mapstructure:"headless"`
	Detector  detector.Config        `mapstructure:"detector"`
	Proxy     ProxyConfig            `mapstructure:"proxy"`
	Telemetry TelemetryConfig        `mapstructure:"telemetry"`
	Output    OutputConfig           `mapstructure:"output"`
	Archive   storage.ArchiveConfig  `mapstructure:"archive"`
	Attempts  storage.AttemptsConfig `mapstructure:"attempts"`
	Admin     AdminConfig            `mapstructure:"admin"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// JobConfig holds per-job defaults that CLI flags may override.
type JobConfig struct {
	Dataset string `mapstructure:"dataset"`
	Input   string `mapstructure:"input"`
	Limit   int    `mapstructure:"limit"`
	Batches int    `mapstructure:"batches"`
	// RequiredFields must all be present for a method to count as success.
	RequiredFields []string `mapstructure:"required_fields"`
	MinBodyChars   int      `mapstructure:"min_body_chars"`
}

// PacingConfig is the requested profile plus the single-domain safe minimums.
type PacingConfig struct {
	scheduler.Profile `mapstructure:",squash"`
	SingleDomain      scheduler.Profile `mapstructure:"single_domain"`
	SampleLimit       int               `mapstructure:"sample_limit"`
	HostFloor         ratelimit.Config  `mapstructure:"host_floor"`
}

// HTTPConfig configures the two HTTP methods and header rotation.
type HTTPConfig struct {
	Timeout       time.Duration            `mapstructure:"timeout"`
	MaxBodyBytes  int64                    `mapstructure:"max_body_bytes"`
	RespectRobots bool                     `mapstructure:"respect_robots"`
	UserAgents    []string                 `mapstructure:"user_agents"`
	RotateMin     int                      `mapstructure:"rotate_min"`
	RotateMax     int                      `mapstructure:"rotate_max"`
	Referer       scheduler.RefererWeights `mapstructure:"referer"`
}

// HeadlessConfig configures the browser method.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Engine            string        `mapstructure:"engine"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ChromePath        string        `mapstructure:"chrome_path"`
}

// ProxyConfig lists provider profiles and the active one.
type ProxyConfig struct {
	Active       string          `mapstructure:"active"`
	Profiles     []proxy.Profile `mapstructure:"profiles"`
	ProfilesFile string          `mapstructure:"profiles_file"`
}

// TelemetryConfig controls the attempt hub, its sinks and tracing.
type TelemetryConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout  time.Duration `mapstructure:"sink_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	LogAttempts  bool          `mapstructure:"log_attempts"`
	Prometheus   bool          `mapstructure:"prometheus"`
	Tracing      TracingConfig `mapstructure:"tracing"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// OutputConfig selects where final results go.
type OutputConfig struct {
	// JSONLPath is a file path, or "-" for stdout. Empty disables JSONL.
	JSONLPath string              `mapstructure:"jsonl_path"`
	PubSub    output.PubSubConfig `mapstructure:"pubsub"`
}

// AdminConfig controls the optional admin server.
type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

// Loader owns the viper instance so the config file can be watched.
type Loader struct {
	v    *viper.Viper
	path string
	mu   sync.Mutex
}

// NewLoader prepares a loader for path (which may be empty).
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return NewLoader(path).Load()
}

// Load reads the file (if any), unmarshals and validates.
func (l *Loader) Load() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decodeLocked()
}

func (l *Loader) decodeLocked() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls onChange with the re-read config whenever the file changes.
// Invalid edits are reported through onError and otherwise ignored.
func (l *Loader) Watch(onChange func(Config), onError func(error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.decodeLocked()
		l.mu.Unlock()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("job.input", "-")
	v.SetDefault("job.required_fields", []string{"title", "body"})
	v.SetDefault("job.min_body_chars", 200)

	pacing := scheduler.DefaultProfile()
	v.SetDefault("pacing.inter_request_min", pacing.InterRequestMin)
	v.SetDefault("pacing.inter_request_max", pacing.InterRequestMax)
	v.SetDefault("pacing.batch_size", pacing.BatchSize)
	v.SetDefault("pacing.batch_sleep", pacing.BatchSleep)
	v.SetDefault("pacing.batch_jitter", pacing.BatchJitter)
	v.SetDefault("pacing.long_pause", pacing.LongPause)
	v.SetDefault("pacing.max_same_host_streak", pacing.MaxSameHostStreak)
	safe := scheduler.ConservativeProfile()
	v.SetDefault("pacing.single_domain.inter_request_min", safe.InterRequestMin)
	v.SetDefault("pacing.single_domain.inter_request_max", safe.InterRequestMax)
	v.SetDefault("pacing.single_domain.batch_size", safe.BatchSize)
	v.SetDefault("pacing.single_domain.batch_sleep", safe.BatchSleep)
	v.SetDefault("pacing.single_domain.batch_jitter", safe.BatchJitter)
	v.SetDefault("pacing.single_domain.long_pause", safe.LongPause)
	v.SetDefault("pacing.single_domain.max_same_host_streak", safe.MaxSameHostStreak)
	v.SetDefault("pacing.sample_limit", scheduler.DefaultSampleLimit)

	backoff := domainstate.DefaultConfig()
	v.SetDefault("backoff.generic.base", backoff.Generic.Base)
	v.SetDefault("backoff.generic.max", backoff.Generic.Max)
	v.SetDefault("backoff.captcha.base", backoff.Captcha.Base)
	v.SetDefault("backoff.captcha.max", backoff.Captcha.Max)
	v.SetDefault("backoff.jitter", backoff.Jitter)
	v.SetDefault("backoff.headless_failure_limit", backoff.HeadlessFailureLimit)
	v.SetDefault("backoff.forbidden_threshold", backoff.ForbiddenThreshold)

	v.SetDefault("dead_url.ttl", deadurl.DefaultTTL)

	referer := scheduler.DefaultRefererWeights()
	v.SetDefault("http.timeout", 20*time.Second)
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.rotate_min", 5)
	v.SetDefault("http.rotate_max", 15)
	v.SetDefault("http.referer.homepage", referer.Homepage)
	v.SetDefault("http.referer.prior_page", referer.PriorPage)
	v.SetDefault("http.referer.search", referer.Search)
	v.SetDefault("http.referer.none", referer.None)

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.engine", "chromedp")
	v.SetDefault("headless.navigation_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 2*time.Second)

	v.SetDefault("proxy.active", proxy.DefaultProviderName)

	v.SetDefault("telemetry.buffer_size", 4096)
	v.SetDefault("telemetry.max_batch", 500)
	v.SetDefault("telemetry.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("telemetry.sink_timeout", 10*time.Second)
	v.SetDefault("telemetry.max_retries", 2)
	v.SetDefault("telemetry.retry_backoff", 200*time.Millisecond)
	v.SetDefault("telemetry.log_attempts", false)
	v.SetDefault("telemetry.prometheus", true)
	v.SetDefault("telemetry.tracing.sample_ratio", 0.05)

	v.SetDefault("output.jsonl_path", "-")
	v.SetDefault("archive.backend", storage.BackendNone)
	v.SetDefault("attempts.backend", storage.StoreNone)
	v.SetDefault("attempts.postgres.table", "extraction_attempts")
}

// Validate enforces semantic constraints on the configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Backoff.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backoff: %w", err))
	}
	if err := c.Pacing.Profile.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pacing: %w", err))
	}
	if err := c.Pacing.SingleDomain.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pacing.single_domain: %w", err))
	}
	if _, err := crawler.ParseFields(c.Job.RequiredFields); err != nil {
		errs = append(errs, fmt.Errorf("job.required_fields: %w", err))
	}
	if c.Job.Limit < 0 || c.Job.Batches < 0 {
		errs = append(errs, errors.New("job.limit and job.batches must be >= 0"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.HTTP.RotateMin < 0 || c.HTTP.RotateMax < c.HTTP.RotateMin {
		errs = append(errs, errors.New("http.rotate_max must be >= http.rotate_min >= 0"))
	}
	switch c.Headless.Engine {
	case "chromedp", "rod":
	default:
		errs = append(errs, fmt.Errorf("headless.engine %q must be chromedp or rod", c.Headless.Engine))
	}
	if c.Telemetry.Tracing.SampleRatio < 0 || c.Telemetry.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.tracing.sample_ratio must be in [0, 1]"))
	}
	if c.Output.JSONLPath == "" && c.Output.PubSub.Topic == "" {
		errs = append(errs, errors.New("output: configure output.jsonl_path or output.pubsub.topic"))
	}
	if c.Output.PubSub.Topic != "" && c.Output.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("output.pubsub.project_id is required with a topic"))
	}
	switch c.Archive.Backend {
	case "", storage.BackendNone, storage.BackendMemory:
	case storage.BackendLocal:
		if c.Archive.Local.BaseDir == "" {
			errs = append(errs, errors.New("archive.local.base_dir is required"))
		}
	case storage.BackendGCS:
		if c.Archive.GCS.Bucket == "" {
			errs = append(errs, errors.New("archive.gcs.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend))
	}
	switch c.Attempts.Backend {
	case "", storage.StoreNone:
	case storage.StoreSQLite:
		if c.Attempts.SQLitePath == "" {
			errs = append(errs, errors.New("attempts.sqlite_path is required"))
		}
	case storage.StorePostgres:
		if c.Attempts.Postgres.DSN == "" {
			errs = append(errs, errors.New("attempts.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("attempts.backend %q is not supported", c.Attempts.Backend))
	}
	return errors.Join(errs...)
}

// RequiredFields returns the parsed job.required_fields mask.
func (c Config) RequiredFields() crawler.Fields {
	f, _ := crawler.ParseFields(c.Job.RequiredFields)
	return f
}

// ProxyProfiles merges inline profiles with the optional catalog file.
func (c Config) ProxyProfiles() ([]proxy.Profile, string, error) {
	if c.Proxy.ProfilesFile == "" {
		return c.Proxy.Profiles, c.Proxy.Active, nil
	}
	cat, err := proxy.LoadCatalog(c.Proxy.ProfilesFile)
	if err != nil {
		return nil, "", fmt.Errorf("load proxy catalog: %w", err)
	}
	profiles, active := proxy.Merge(c.Proxy.Profiles, c.Proxy.Active, cat)
	return profiles, active, nil
}
