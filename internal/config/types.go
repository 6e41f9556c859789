package config

// Config is the whole scand configuration file.
//
// All durations are Go duration strings ("500ms", "30s", "2m").
type Config struct {
	// Environment is "production" or anything else. Outside production the
	// event dispatcher runs in strict mode.
	Environment string `json:"environment"`

	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Quota    QuotaConfig    `json:"quota"`
	Schedule ScheduleConfig `json:"schedule"`
	Runner   RunnerConfig   `json:"runner"`
	HTTP     HTTPConfig     `json:"http"`
	Billing  BillingConfig  `json:"billing"`
	Pprof    PprofConfig    `json:"pprof"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./scand.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// QuotaConfig overrides per-plan scan limits. Plans left out keep their
// built-in default.
type QuotaConfig struct {
	Plans map[string]int64 `json:"plans,omitempty"`
}

type ScheduleConfig struct {
	// Timezone is an IANA name used to read "HH:MM" values. Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// RunnerConfig controls the due-schedule poller and its scan workers.
//
// Defaults: tick "@every 30s", workers 4, no rate limit, no scan timeout,
// retry_max 2, retry_base 1s, retry_max_delay 1m.
type RunnerConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // default true

	Tick          string  `json:"tick,omitempty"`
	Workers       int     `json:"workers,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	ScanTimeout   string  `json:"scan_timeout,omitempty"`
	RetryMax      *int    `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`

	Scanner ScannerConfig `json:"scanner"`
}

// ScannerConfig picks how a due scan is executed: "log" only logs it,
// "webhook" posts it to URL.
type ScannerConfig struct {
	Kind    string `json:"kind,omitempty"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"` // never logged
	Timeout string `json:"timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled         bool     `json:"enabled"`
	Addr            string   `json:"addr,omitempty"` // default 127.0.0.1:8080
	AllowOrigins    []string `json:"allow_origins,omitempty"`
	BodyLimit       string   `json:"body_limit,omitempty"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	Heartbeat       string   `json:"heartbeat,omitempty"`
}

// BillingConfig wires the Stripe webhook. The webhook endpoint answers 404
// while WebhookSecret is empty.
type BillingConfig struct {
	WebhookSecret string            `json:"webhook_secret,omitempty"` // never logged
	Prices        map[string]string `json:"prices,omitempty"`         // price id or lookup key -> plan
	Tolerance     string            `json:"tolerance,omitempty"`
}

// PprofConfig controls the optional profiling listener. A non-loopback Addr
// needs Token or AllowInsecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// Production reports whether the environment is production.
func (c *Config) Production() bool {
	return c != nil && (c.Environment == "production" || c.Environment == "prod")
}

// RunnerEnabled defaults to true when omitted.
func (c *Config) RunnerEnabled() bool {
	return c == nil || c.Runner.Enabled == nil || *c.Runner.Enabled
}
