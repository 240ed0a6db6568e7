package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every followsync environment variable
const EnvPrefix = "FOLLOWSYNC_"

// Config holds all configuration options for a sync run
type Config struct {
	Store     StoreConfig     `yaml:"store" json:"store"`
	Browser   BrowserConfig   `yaml:"browser" json:"browser"`
	Scrape    ScrapeConfig    `yaml:"scrape" json:"scrape"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Lock      LockConfig      `yaml:"lock" json:"lock"`
	Ledger    LedgerConfig    `yaml:"ledger" json:"ledger"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Output    OutputConfig    `yaml:"output" json:"output"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// StoreConfig describes the remote record store
type StoreConfig struct {
	BaseURL      string `yaml:"base_url" json:"base_url"`
	BaseID       string `yaml:"base_id" json:"base_id"`
	Table        string `yaml:"table" json:"table"`
	TargetsTable string `yaml:"targets_table" json:"targets_table"`
	// Token is normally supplied through the environment or the keyring
	Token            string        `yaml:"token,omitempty" json:"-"`
	BatchSize        int           `yaml:"batch_size" json:"batch_size"`
	PageSize         int           `yaml:"page_size" json:"page_size"`
	MaxFormulaLength int           `yaml:"max_formula_length" json:"max_formula_length"`
	Upsert           bool          `yaml:"upsert" json:"upsert"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	Fields           FieldsConfig  `yaml:"fields" json:"fields"`
}

// FieldsConfig names the store columns used by the engine
type FieldsConfig struct {
	Username         string `yaml:"username" json:"username"`
	FollowedAccounts string `yaml:"followed_accounts" json:"followed_accounts"`
	Followers        string `yaml:"followers" json:"followers"`
	AccountID        string `yaml:"account_id" json:"account_id"`
}

// BrowserConfig holds browser session settings
type BrowserConfig struct {
	ProfileBaseURL    string        `yaml:"profile_base_url" json:"profile_base_url"`
	CookiePath        string        `yaml:"cookie_path" json:"cookie_path"`
	AuthCookie        string        `yaml:"auth_cookie" json:"auth_cookie"`
	ExecPath          string        `yaml:"exec_path" json:"exec_path"`
	Headless          bool          `yaml:"headless" json:"headless"`
	UserAgent         string        `yaml:"user_agent" json:"user_agent"`
	WindowWidth       int           `yaml:"window_width" json:"window_width"`
	WindowHeight      int           `yaml:"window_height" json:"window_height"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`
	ScreenshotDir     string        `yaml:"screenshot_dir" json:"screenshot_dir"`
}

// ScrapeConfig controls scroll extraction and its convergence policy
type ScrapeConfig struct {
	ListingSelector string        `yaml:"listing_selector" json:"listing_selector"`
	InitialWait     time.Duration `yaml:"initial_wait" json:"initial_wait"`
	ScrollStep      int           `yaml:"scroll_step" json:"scroll_step"`
	MinPause        time.Duration `yaml:"min_pause" json:"min_pause"`
	MaxPause        time.Duration `yaml:"max_pause" json:"max_pause"`
	StaleRounds     int           `yaml:"stale_rounds" json:"stale_rounds"`
	MaxHandles      int           `yaml:"max_handles" json:"max_handles"`
	MaxDuration     time.Duration `yaml:"max_duration" json:"max_duration"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
}

// SyncConfig holds orchestrator settings
type SyncConfig struct {
	Targets     []string      `yaml:"targets" json:"targets"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	BatchDelay  time.Duration `yaml:"batch_delay" json:"batch_delay"`
	RunTimeout  time.Duration `yaml:"run_timeout" json:"run_timeout"`
	DryRun      bool          `yaml:"dry_run" json:"dry_run"`
}

// CacheConfig holds account cache settings
type CacheConfig struct {
	Backend string        `yaml:"backend" json:"backend"`
	Path    string        `yaml:"path" json:"path"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Strategy string        `yaml:"strategy" json:"strategy"`
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// RetryConfig holds retry policy configuration
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	RateLimitDelay    time.Duration `yaml:"rate_limit_delay" json:"rate_limit_delay"`
	MaxRetryAfter     time.Duration `yaml:"max_retry_after" json:"max_retry_after"`
}

// LockConfig holds single-instance lock settings
type LockConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LedgerConfig holds the optional Postgres edge ledger settings
type LedgerConfig struct {
	DSN string `yaml:"dsn,omitempty" json:"-"`
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" json:"textfile_path"`
}

// OutputConfig holds report output settings
type OutputConfig struct {
	HistoryFile string `yaml:"history_file" json:"history_file"`
	JSON        bool   `yaml:"json" json:"json"`
	Color       bool   `yaml:"color" json:"color"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Store: StoreConfig{
			BaseURL:          "https://api.airtable.com",
			Table:            "Accounts",
			BatchSize:        10,
			PageSize:         100,
			MaxFormulaLength: 8000,
			Upsert:           true,
			Timeout:          30 * time.Second,
			Fields: FieldsConfig{
				Username:         "Username",
				FollowedAccounts: "Followed Accounts",
				Followers:        "Followers",
				AccountID:        "Account ID",
			},
		},
		Browser: BrowserConfig{
			ProfileBaseURL:    "https://x.com",
			CookiePath:        filepath.Join(dataDir, "cookies.json"),
			AuthCookie:        "auth_token",
			Headless:          true,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			WindowWidth:       1280,
			WindowHeight:      2000,
			NavigationTimeout: 60 * time.Second,
			ScreenshotDir:     "screenshots",
		},
		Scrape: ScrapeConfig{
			ListingSelector: `div[aria-label='Timeline: Following']`,
			InitialWait:     30 * time.Second,
			ScrollStep:      600,
			MinPause:        1 * time.Second,
			MaxPause:        5 * time.Second,
			StaleRounds:     3,
			MaxHandles:      0,
			MaxDuration:     15 * time.Minute,
			MaxAttempts:     3,
		},
		Sync: SyncConfig{
			Concurrency: 3,
			BatchDelay:  200 * time.Millisecond,
			RunTimeout:  2 * time.Hour,
		},
		Cache: CacheConfig{
			Backend: "file",
			Path:    DefaultCachePath("file"),
			TTL:     24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Strategy: "token_bucket",
			Requests: 5,
			Window:   time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       5,
			BaseDelay:         1 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
			RateLimitDelay:    30 * time.Second,
			MaxRetryAfter:     5 * time.Minute,
		},
		Lock: LockConfig{
			Path: filepath.Join(dataDir, "followsync.lock"),
		},
		Output: OutputConfig{
			HistoryFile: filepath.Join(dataDir, "history.json"),
			Color:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DataDir returns the XDG data directory for followsync state files
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "followsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "followsync")
	}
	return ".followsync"
}

// DefaultCachePath is the cache location used for backend when none is
// configured. The memory backend has no path.
func DefaultCachePath(backend string) string {
	switch backend {
	case "file":
		return filepath.Join(DataDir(), "account_cache.json")
	case "badger":
		return filepath.Join(DataDir(), "account_cache.badger")
	default:
		return ""
	}
}

// applyCacheDefaults moves a defaulted cache path to the configured
// backend's own default, so a badger directory never lands on the JSON
// snapshot file
func (c *Config) applyCacheDefaults() {
	if c.Cache.Path != "" && c.Cache.Path != DefaultCachePath("file") {
		return
	}
	switch c.Cache.Backend {
	case "file", "badger", "memory":
		c.Cache.Path = DefaultCachePath(c.Cache.Backend)
	}
}

// LoadFromEnv loads configuration from environment variables. The
// unprefixed AIRTABLE_* and COOKIE_PATH names are accepted for
// compatibility with existing deployments; prefixed names win.
func (c *Config) LoadFromEnv() error {
	var errs []error

	setString(&c.Store.Token, "AIRTABLE_TOKEN", EnvPrefix+"STORE_TOKEN")
	setString(&c.Store.BaseID, "AIRTABLE_BASE_ID", EnvPrefix+"STORE_BASE_ID")
	setString(&c.Store.Table, "AIRTABLE_ACCOUNTS_TABLE", EnvPrefix+"STORE_TABLE")
	setString(&c.Store.TargetsTable, "AIRTABLE_FOLLOWERS_TABLE", EnvPrefix+"STORE_TARGETS_TABLE")
	setString(&c.Store.BaseURL, "AIRTABLE_API_ENDPOINT", EnvPrefix+"STORE_BASE_URL")
	setString(&c.Store.Fields.Username, "FIELD_USERNAME")
	setString(&c.Store.Fields.FollowedAccounts, "FIELD_FOLLOWED_ACCOUNTS")
	setString(&c.Store.Fields.AccountID, "FIELD_ACCOUNT_ID")
	errs = append(errs, setInt(&c.Store.BatchSize, "AIRTABLE_BATCH_SIZE", EnvPrefix+"STORE_BATCH_SIZE"))
	errs = append(errs, setInt(&c.RateLimit.Requests, "AIRTABLE_RATE_LIMIT", EnvPrefix+"RATE_LIMIT"))

	setString(&c.Browser.CookiePath, "COOKIE_PATH", EnvPrefix+"COOKIE_PATH")
	setString(&c.Browser.ExecPath, "CHROME_BIN", EnvPrefix+"CHROME_BIN")
	errs = append(errs, setBool(&c.Browser.Headless, EnvPrefix+"HEADLESS"))

	errs = append(errs, setInt(&c.Scrape.MaxHandles, EnvPrefix+"MAX_HANDLES"))
	errs = append(errs, setInt(&c.Scrape.StaleRounds, EnvPrefix+"STALE_ROUNDS"))
	errs = append(errs, setInt(&c.Sync.Concurrency, EnvPrefix+"CONCURRENCY"))
	if targets := os.Getenv(EnvPrefix + "TARGETS"); targets != "" {
		c.Sync.Targets = splitList(targets)
	}

	setString(&c.Cache.Backend, EnvPrefix+"CACHE_BACKEND")
	setString(&c.Cache.Path, EnvPrefix+"CACHE_PATH")
	errs = append(errs, setDuration(&c.Cache.TTL, EnvPrefix+"CACHE_TTL"))

	setString(&c.Lock.Path, "LOCK_FILE", EnvPrefix+"LOCK_FILE")
	setString(&c.Ledger.DSN, "DATABASE_URL", EnvPrefix+"LEDGER_DSN")
	setString(&c.Metrics.TextfilePath, EnvPrefix+"METRICS_TEXTFILE")

	setString(&c.Logging.Level, EnvPrefix+"LOG_LEVEL")
	setString(&c.Logging.Format, EnvPrefix+"LOG_FORMAT")
	setString(&c.Logging.File, "LOG_FILE", EnvPrefix+"LOG_FILE")

	return errors.Join(errs...)
}

// setString assigns the last non-empty variable among names
func setString(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
}

func setInt(dst *int, names ...string) error {
	for _, name := range names {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	return nil
}

func setBool(dst *bool, names ...string) error {
	for _, name := range names {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	return nil
}

func setDuration(dst *time.Duration, names ...string) error {
	for _, name := range names {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}
	return nil
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

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = FindConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// FindConfigFile returns the first config file found in the standard
// locations, or an empty string
func FindConfigFile() string {
	home := os.Getenv("HOME")
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = filepath.Join(home, ".config")
	}

	locations := []string{
		"followsync.yaml",
		"followsync.yml",
		filepath.Join(configHome, "followsync", "config.yaml"),
		filepath.Join(configHome, "followsync", "config.yml"),
		filepath.Join(home, ".followsync.yaml"),
		filepath.Join(home, ".followsync.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid. Credentials are checked
// separately by ValidateCredentials because the token may come from the
// keyring after loading.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.BaseURL == "" {
		errs = append(errs, errors.New("store base URL is required"))
	} else if _, err := url.ParseRequestURI(c.Store.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid store base URL: %w", err))
	}
	if c.Store.Table == "" {
		errs = append(errs, errors.New("store table is required"))
	}
	if c.Store.BatchSize <= 0 || c.Store.BatchSize > 10 {
		errs = append(errs, errors.New("store batch size must be between 1 and 10"))
	}
	if c.Store.PageSize <= 0 || c.Store.PageSize > 100 {
		errs = append(errs, errors.New("store page size must be between 1 and 100"))
	}
	if c.Store.MaxFormulaLength < 100 {
		errs = append(errs, errors.New("max formula length must be at least 100"))
	}
	if c.Store.Fields.Username == "" || c.Store.Fields.FollowedAccounts == "" || c.Store.Fields.Followers == "" {
		errs = append(errs, errors.New("username, followed accounts and followers field names are required"))
	}

	if c.Browser.ProfileBaseURL == "" {
		errs = append(errs, errors.New("profile base URL is required"))
	}
	if c.Browser.AuthCookie == "" {
		errs = append(errs, errors.New("auth cookie name is required"))
	}

	if c.Scrape.ListingSelector == "" {
		errs = append(errs, errors.New("listing selector is required"))
	}
	if c.Scrape.ScrollStep <= 0 {
		errs = append(errs, errors.New("scroll step must be positive"))
	}
	if c.Scrape.StaleRounds < 1 {
		errs = append(errs, errors.New("stale rounds must be at least 1"))
	}
	if c.Scrape.MinPause < 0 || c.Scrape.MaxPause < c.Scrape.MinPause {
		errs = append(errs, errors.New("scroll pause range is invalid"))
	}
	if c.Scrape.MaxHandles < 0 {
		errs = append(errs, errors.New("max handles cannot be negative"))
	}
	if c.Scrape.MaxDuration <= 0 {
		errs = append(errs, errors.New("max scrape duration must be positive"))
	}
	if c.Scrape.InitialWait <= 0 {
		errs = append(errs, errors.New("initial wait must be positive"))
	}

	if c.Sync.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if c.Sync.Concurrency > 5 {
		errs = append(errs, errors.New("concurrency should not exceed 5"))
	}
	if c.Sync.BatchDelay < 0 {
		errs = append(errs, errors.New("batch delay cannot be negative"))
	}

	switch c.Cache.Backend {
	case "file", "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("invalid cache backend %q", c.Cache.Backend))
	}
	if c.Cache.Backend != "memory" && c.Cache.Path == "" {
		errs = append(errs, errors.New("cache path is required"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}

	switch c.RateLimit.Strategy {
	case "token_bucket", "fixed_window", "sliding_window":
	default:
		errs = append(errs, fmt.Errorf("invalid rate limit strategy %q", c.RateLimit.Strategy))
	}
	if c.RateLimit.Requests <= 0 {
		errs = append(errs, errors.New("rate limit requests must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry max attempts must be at least 1"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("backoff multiplier must be at least 1"))
	}

	if c.Lock.Path == "" {
		errs = append(errs, errors.New("lock path is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, errors.New("log format must be console or json"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ValidateCredentials checks the settings needed to talk to the store
func (c *Config) ValidateCredentials() error {
	var errs []error
	if c.Store.Token == "" {
		errs = append(errs, errors.New("store API token is required (AIRTABLE_TOKEN or `followsync auth set-token`)"))
	}
	if c.Store.BaseID == "" {
		errs = append(errs, errors.New("store base ID is required (AIRTABLE_BASE_ID)"))
	}
	return errors.Join(errs...)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["base-id"].(string); ok && v != "" {
		c.Store.BaseID = v
	}
	if v, ok := flags["table"].(string); ok && v != "" {
		c.Store.Table = v
	}
	if v, ok := flags["cookies"].(string); ok && v != "" {
		c.Browser.CookiePath = v
	}
	if v, ok := flags["headless"].(bool); ok {
		c.Browser.Headless = v
	}
	if v, ok := flags["max-handles"].(int); ok && v > 0 {
		c.Scrape.MaxHandles = v
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Sync.Concurrency = v
	}
	if v, ok := flags["dry-run"].(bool); ok && v {
		c.Sync.DryRun = true
	}
	if v, ok := flags["cache-backend"].(string); ok && v != "" {
		c.Cache.Backend = v
	}
	if v, ok := flags["json"].(bool); ok && v {
		c.Output.JSON = true
	}
	if v, ok := flags["no-color"].(bool); ok && v {
		c.Output.Color = false
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := flags["log-format"].(string); ok && v != "" {
		c.Logging.Format = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// .env files are optional
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".followsync.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)
	config.applyCacheDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
