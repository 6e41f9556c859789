package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"scand/internal/billing"
	"scand/internal/config"
	"scand/internal/httpapi"
	"scand/internal/observability/pprof"
	"scand/internal/quota"
	"scand/internal/runner"
	"scand/internal/schedule"
	"scand/internal/storage"
	logx "scand/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, fmt.Errorf("storage.driver=none is not supported; use memory")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
		CompactEvery: sc.CompactEvery,
	}, nil
}

// mapCatalog overlays configured plan limits on the built-in catalog.
func mapCatalog(cfg *config.Config) (quota.Catalog, error) {
	cat := quota.DefaultCatalog()
	for name, limit := range cfg.Quota.Plans {
		p, err := quota.ParsePlan(name)
		if err != nil {
			return nil, fmt.Errorf("quota.plans: %w", err)
		}
		cat[p] = limit
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	loc, err := schedule.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

func mapRunner(cfg *config.Config) (runner.Config, error) {
	rc := cfg.Runner
	if _, err := runner.ParseTick(rc.Tick); err != nil {
		return runner.Config{}, fmt.Errorf("runner.tick: %w", err)
	}
	scanTimeout, err := config.ParseDurationField("runner.scan_timeout", rc.ScanTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("runner.retry_base", rc.RetryBase, time.Second)
	if err != nil {
		return runner.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("runner.retry_max_delay", rc.RetryMaxDelay, time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	retryMax := 2
	if rc.RetryMax != nil {
		retryMax = *rc.RetryMax
	}
	return runner.Config{
		Tick:        rc.Tick,
		Workers:     rc.Workers,
		RatePerSec:  rc.RatePerSec,
		Burst:       rc.Burst,
		ScanTimeout: scanTimeout,
		RetryMax:    retryMax,
		Backoff:     runner.Backoff{Base: base, Max: maxDelay, Jitter: 0.2},
	}, nil
}

func mapScanner(cfg *config.Config, log logx.Logger) (runner.Scanner, error) {
	sc := cfg.Runner.Scanner
	switch strings.ToLower(strings.TrimSpace(sc.Kind)) {
	case "", "log":
		return runner.LogScanner{Log: log}, nil
	case "webhook":
		timeout, err := config.ParseDurationOrDefault("runner.scanner.timeout", sc.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		return runner.WebhookScanner{
			URL:    strings.TrimSpace(sc.URL),
			Token:  sc.Token,
			Client: &http.Client{Timeout: timeout},
		}, nil
	default:
		return nil, fmt.Errorf("runner.scanner.kind: unknown %q", sc.Kind)
	}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	heartbeat, err := config.ParseDurationOrDefault("http.heartbeat", hc.Heartbeat, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            strings.TrimSpace(hc.Addr),
		AllowOrigins:    hc.AllowOrigins,
		BodyLimit:       hc.BodyLimit,
		ReadTimeout:     read,
		ShutdownTimeout: shutdown,
		Heartbeat:       heartbeat,
	}, nil
}

func mapBilling(cfg *config.Config) (billing.Config, error) {
	tol, err := config.ParseDurationField("billing.tolerance", cfg.Billing.Tolerance)
	if err != nil {
		return billing.Config{}, err
	}
	for key, plan := range cfg.Billing.Prices {
		if _, err := quota.ParsePlan(plan); err != nil {
			return billing.Config{}, fmt.Errorf("billing.prices.%s: %w", key, err)
		}
	}
	return billing.Config{
		WebhookSecret: strings.TrimSpace(cfg.Billing.WebhookSecret),
		Prices:        cfg.Billing.Prices,
		Tolerance:     tol,
	}, nil
}

func mapPprof(cfg *config.Config) pprof.Config {
	pc := cfg.Pprof
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 strings.TrimSpace(pc.Addr),
		Prefix:               pc.Prefix,
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}
}

// validate runs every mapping so a reload that would fail to apply is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapCatalog(cfg); err != nil {
		return err
	}
	if _, err := mapLocation(cfg); err != nil {
		return err
	}
	if _, err := mapRunner(cfg); err != nil {
		return err
	}
	if _, err := mapScanner(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	_, err := mapBilling(cfg)
	return err
}
