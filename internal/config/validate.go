package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var knownDrivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "sqlite3": true, "postgres": true, "postgresql": true}

// Validate checks everything that can be checked without building the
// components. Errors name the offending key.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch {
	case !knownDrivers[driver]:
		add(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	case (driver == "file" || driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(c.Storage.Path) == "":
		add(fmt.Errorf("storage.path is required when storage.driver=%s", driver))
	case (driver == "postgres" || driver == "postgresql") && strings.TrimSpace(c.Storage.DSN) == "":
		add(errors.New("storage.dsn is required when storage.driver=postgres"))
	}
	_, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)
	if c.Storage.MaxOpenConns < 0 {
		add(errors.New("storage.max_open_conns must be >= 0"))
	}
	if c.Storage.CompactEvery < 0 {
		add(errors.New("storage.compact_every must be >= 0"))
	}

	for plan, limit := range c.Quota.Plans {
		if limit < 0 {
			add(fmt.Errorf("quota.plans.%s: limit must be >= 0", plan))
		}
	}

	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err))
		}
	}

	r := c.Runner
	if r.Workers < 0 {
		add(errors.New("runner.workers must be >= 0"))
	}
	if r.RatePerSec < 0 {
		add(errors.New("runner.rate_per_sec must be >= 0"))
	}
	if r.Burst < 0 {
		add(errors.New("runner.burst must be >= 0"))
	}
	if r.RetryMax != nil && *r.RetryMax < 0 {
		add(errors.New("runner.retry_max must be >= 0"))
	}
	for key, raw := range map[string]string{
		"runner.scan_timeout":    r.ScanTimeout,
		"runner.retry_base":      r.RetryBase,
		"runner.retry_max_delay": r.RetryMaxDelay,
		"runner.scanner.timeout": r.Scanner.Timeout,
	} {
		_, err := ParseDurationField(key, raw)
		add(err)
	}
	switch strings.ToLower(strings.TrimSpace(r.Scanner.Kind)) {
	case "", "log":
	case "webhook":
		u, err := url.Parse(strings.TrimSpace(r.Scanner.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("runner.scanner.url: absolute http(s) URL required, got %q", r.Scanner.URL))
		}
	default:
		add(fmt.Errorf("runner.scanner.kind: unknown %q (want log or webhook)", r.Scanner.Kind))
	}

	for key, raw := range map[string]string{
		"http.read_timeout":     c.HTTP.ReadTimeout,
		"http.shutdown_timeout": c.HTTP.ShutdownTimeout,
		"http.heartbeat":        c.HTTP.Heartbeat,
		"billing.tolerance":     c.Billing.Tolerance,
	} {
		_, err := ParseDurationField(key, raw)
		add(err)
	}

	if c.Pprof.MutexProfileFraction < 0 || c.Pprof.BlockProfileRate < 0 {
		add(errors.New("pprof profile rates must be >= 0"))
	}

	return errors.Join(errs...)
}
