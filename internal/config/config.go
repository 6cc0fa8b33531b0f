// File: internal/config/config.go
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Interaction() InteractionConfig
	Runner() RunnerConfig
	Network() NetworkConfig
	Reporting() ReportingConfig
	Metrics() MetricsConfig

	// Runner Setters
	SetRunnerWorkers(int)
	SetRunnerTagFilter(string)

	// Browser Setters
	SetBrowserEngine(string)
	SetBrowserHeadless(bool)

	// Reporting Setters
	SetReportingDir(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	InteractionCfg InteractionConfig `mapstructure:"interaction" yaml:"interaction"`
	RunnerCfg      RunnerConfig      `mapstructure:"runner" yaml:"runner"`
	NetworkCfg     NetworkConfig     `mapstructure:"network" yaml:"network"`
	ReportingCfg   ReportingConfig   `mapstructure:"reporting" yaml:"reporting"`
	MetricsCfg     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Interaction() InteractionConfig { return c.InteractionCfg }
func (c *Config) Runner() RunnerConfig           { return c.RunnerCfg }
func (c *Config) Network() NetworkConfig         { return c.NetworkCfg }
func (c *Config) Reporting() ReportingConfig     { return c.ReportingCfg }
func (c *Config) Metrics() MetricsConfig         { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetRunnerWorkers(n int)      { c.RunnerCfg.Workers = n }
func (c *Config) SetRunnerTagFilter(s string) { c.RunnerCfg.TagFilter = s }
func (c *Config) SetBrowserEngine(e string)   { c.BrowserCfg.Engine = e }
func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }
func (c *Config) SetReportingDir(d string)    { c.ReportingCfg.Dir = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the run history database connection. An empty URL disables history.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Supported browser engines.
const (
	EngineChromedp   = "chromedp"
	EnginePlaywright = "playwright"
	EngineRod        = "rod"
)

// BrowserConfig holds settings for the browser the scenarios drive.
type BrowserConfig struct {
	Engine            string         `mapstructure:"engine" yaml:"engine"`
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	LaunchTimeout     time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// InteractionConfig tunes the waiter, locator and sequencer.
type InteractionConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MinProbeGap        time.Duration `mapstructure:"min_probe_gap" yaml:"min_probe_gap"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	LocateTimeout      time.Duration `mapstructure:"locate_timeout" yaml:"locate_timeout"`
	StrategyTimeout    time.Duration `mapstructure:"strategy_timeout" yaml:"strategy_timeout"`
	PreTimeout         time.Duration `mapstructure:"pre_timeout" yaml:"pre_timeout"`
	PostTimeout        time.Duration `mapstructure:"post_timeout" yaml:"post_timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	SoftPostconditions bool          `mapstructure:"soft_postconditions" yaml:"soft_postconditions"`
	TestIDAttribute    string        `mapstructure:"test_id_attribute" yaml:"test_id_attribute"`
}

// RunnerConfig configures the scenario worker pool.
type RunnerConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	ScenarioTimeout time.Duration `mapstructure:"scenario_timeout" yaml:"scenario_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout" yaml:"teardown_timeout"`
	TagFilter       string        `mapstructure:"tag_filter" yaml:"tag_filter"`
	FailFast        bool          `mapstructure:"fail_fast" yaml:"fail_fast"`
}

// FaultRule injects a response or delay for matching requests passing through the fault proxy.
type FaultRule struct {
	URLContains string        `mapstructure:"url_contains" yaml:"url_contains"`
	Method      string        `mapstructure:"method" yaml:"method"`
	Status      int           `mapstructure:"status" yaml:"status"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay"`
	Body        string        `mapstructure:"body" yaml:"body"`
}

// Validate checks a single fault rule.
func (f FaultRule) Validate() error {
	if f.URLContains == "" {
		return fmt.Errorf("fault rule requires url_contains")
	}
	if f.Status == 0 && f.Delay <= 0 {
		return fmt.Errorf("fault rule for %q must set a status or a delay", f.URLContains)
	}
	if f.Status != 0 && (f.Status < 100 || f.Status > 599) {
		return fmt.Errorf("fault rule for %q has invalid status %d", f.URLContains, f.Status)
	}
	return nil
}

// FaultProxyConfig configures the fault injection proxy.
type FaultProxyConfig struct {
	ListenAddr string      `mapstructure:"listen_addr" yaml:"listen_addr"`
	Faults     []FaultRule `mapstructure:"faults" yaml:"faults"`

	// MITM decrypts HTTPS with the proxy's built-in CA so faults apply to https URLs.
	// Browsers must then ignore TLS errors.
	MITM bool `mapstructure:"mitm" yaml:"mitm"`
}

// NetworkConfig tunes the network behavior of the application.
type NetworkConfig struct {
	Headers    map[string]string `mapstructure:"headers" yaml:"headers"`
	IdleQuiet  time.Duration     `mapstructure:"idle_quiet" yaml:"idle_quiet"`
	FaultProxy FaultProxyConfig  `mapstructure:"fault_proxy" yaml:"fault_proxy"`
}

// S3Config configures report uploads. An empty bucket disables uploading.
type S3Config struct {
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix"`
	Region       string `mapstructure:"region" yaml:"region"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

// ReportingConfig selects the report formats written after a run.
type ReportingConfig struct {
	Dir   string   `mapstructure:"dir" yaml:"dir"`
	JSON  bool     `mapstructure:"json" yaml:"json"`
	JUnit bool     `mapstructure:"junit" yaml:"junit"`
	S3    S3Config `mapstructure:"s3" yaml:"s3"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "tether")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.engine", EngineChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 768})
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "30s")

	// -- Interaction --
	v.SetDefault("interaction.poll_interval", "250ms")
	v.SetDefault("interaction.min_probe_gap", "25ms")
	v.SetDefault("interaction.default_timeout", "10s")
	v.SetDefault("interaction.locate_timeout", "10s")
	v.SetDefault("interaction.strategy_timeout", "2s")
	v.SetDefault("interaction.pre_timeout", "5s")
	v.SetDefault("interaction.post_timeout", "15s")
	v.SetDefault("interaction.max_attempts", 3)
	v.SetDefault("interaction.retry_backoff", "250ms")
	v.SetDefault("interaction.soft_postconditions", false)
	v.SetDefault("interaction.test_id_attribute", "data-testid")

	// -- Runner --
	v.SetDefault("runner.workers", 4)
	v.SetDefault("runner.scenario_timeout", "120s")
	v.SetDefault("runner.teardown_timeout", "15s")
	v.SetDefault("runner.tag_filter", `not ("skip" in tags)`)
	v.SetDefault("runner.fail_fast", false)

	// -- Network --
	v.SetDefault("network.idle_quiet", "500ms")
	v.SetDefault("network.fault_proxy.listen_addr", "127.0.0.1:0")

	// -- Reporting --
	v.SetDefault("reporting.dir", "./reports")
	v.SetDefault("reporting.json", true)
	v.SetDefault("reporting.junit", true)
	v.SetDefault("reporting.s3.region", "us-east-1")
	v.SetDefault("reporting.s3.prefix", "tether/")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "TETHER_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the URL if Unmarshal didn't pick it up
	if cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("TETHER_DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.InteractionCfg.Validate(); err != nil {
		return fmt.Errorf("interaction configuration invalid: %w", err)
	}
	if err := c.RunnerCfg.Validate(); err != nil {
		return fmt.Errorf("runner configuration invalid: %w", err)
	}
	for i, f := range c.NetworkCfg.FaultProxy.Faults {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("network.fault_proxy.faults[%d] invalid: %w", i, err)
		}
	}
	if c.MetricsCfg.Enabled {
		if _, _, err := net.SplitHostPort(c.MetricsCfg.ListenAddr); err != nil {
			return fmt.Errorf("metrics.listen_addr %q is not a host:port address: %w", c.MetricsCfg.ListenAddr, err)
		}
	}
	return nil
}

// Validate checks the browser settings.
func (b *BrowserConfig) Validate() error {
	switch strings.ToLower(b.Engine) {
	case EngineChromedp, EnginePlaywright, EngineRod:
	default:
		return fmt.Errorf("browser.engine must be one of chromedp, playwright or rod, got %q", b.Engine)
	}
	if b.LaunchTimeout <= 0 {
		return fmt.Errorf("browser.launch_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the interaction timings.
func (i *InteractionConfig) Validate() error {
	if i.PollInterval < 100*time.Millisecond || i.PollInterval > 500*time.Millisecond {
		return fmt.Errorf("interaction.poll_interval must be between 100ms and 500ms, got %v", i.PollInterval)
	}
	if i.MinProbeGap < 0 || i.MinProbeGap > i.PollInterval {
		return fmt.Errorf("interaction.min_probe_gap must be between 0 and poll_interval")
	}
	if i.DefaultTimeout <= 0 || i.LocateTimeout <= 0 || i.StrategyTimeout <= 0 || i.PreTimeout <= 0 || i.PostTimeout <= 0 {
		return fmt.Errorf("interaction timeouts must be positive durations")
	}
	if i.MaxAttempts <= 0 {
		return fmt.Errorf("interaction.max_attempts must be a positive integer")
	}
	if i.RetryBackoff < 0 {
		return fmt.Errorf("interaction.retry_backoff must not be negative")
	}
	return nil
}

// Validate checks the runner settings.
func (r *RunnerConfig) Validate() error {
	if r.Workers <= 0 {
		return fmt.Errorf("runner.workers must be a positive integer")
	}
	if r.ScenarioTimeout <= 0 {
		return fmt.Errorf("runner.scenario_timeout must be a positive duration")
	}
	if r.TeardownTimeout <= 0 {
		return fmt.Errorf("runner.teardown_timeout must be a positive duration")
	}
	return nil
}
