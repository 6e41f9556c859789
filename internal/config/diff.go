package config

import (
	"reflect"
	"strings"

	logx "scand/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Secrets (DSN, tokens,
// webhook secret) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("environment", oldCfg.Environment != newCfg.Environment,
		logx.String("environment", newCfg.Environment))

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
	)

	section("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
	)

	section("quota", !reflect.DeepEqual(oldCfg.Quota.Plans, newCfg.Quota.Plans),
		logx.Any("quota.plans", newCfg.Quota.Plans))

	section("schedule", oldCfg.Schedule != newCfg.Schedule,
		logx.String("schedule.timezone", newCfg.Schedule.Timezone))

	or, nr := oldCfg.Runner, newCfg.Runner
	runnerDiff := oldCfg.RunnerEnabled() != newCfg.RunnerEnabled() ||
		or.Tick != nr.Tick || or.Workers != nr.Workers ||
		or.RatePerSec != nr.RatePerSec || or.Burst != nr.Burst ||
		or.ScanTimeout != nr.ScanTimeout || !reflect.DeepEqual(or.RetryMax, nr.RetryMax) ||
		or.RetryBase != nr.RetryBase || or.RetryMaxDelay != nr.RetryMaxDelay ||
		or.Scanner != nr.Scanner
	section("runner", runnerDiff,
		logx.Bool("runner.enabled", newCfg.RunnerEnabled()),
		logx.String("runner.tick", nr.Tick),
		logx.Int("runner.workers", nr.Workers),
		logx.Any("runner.rate_per_sec", nr.RatePerSec),
		logx.String("runner.scanner", nr.Scanner.Kind),
		logx.Bool("runner.scanner.token_set", nr.Scanner.Token != ""),
	)

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	section("http", oh.Enabled != nh.Enabled || oh.Addr != nh.Addr ||
		!reflect.DeepEqual(oh.AllowOrigins, nh.AllowOrigins) || oh.BodyLimit != nh.BodyLimit ||
		oh.ReadTimeout != nh.ReadTimeout || oh.ShutdownTimeout != nh.ShutdownTimeout ||
		oh.Heartbeat != nh.Heartbeat,
		logx.Bool("http.enabled", nh.Enabled),
		logx.String("http.addr", nh.Addr),
	)

	ob, nb := oldCfg.Billing, newCfg.Billing
	section("billing", ob.WebhookSecret != nb.WebhookSecret || ob.Tolerance != nb.Tolerance ||
		!reflect.DeepEqual(ob.Prices, nb.Prices),
		logx.Bool("billing.secret_set", nb.WebhookSecret != ""),
		logx.Int("billing.prices", len(nb.Prices)),
	)

	section("pprof", oldCfg.Pprof != newCfg.Pprof,
		logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
		logx.String("pprof.addr", newCfg.Pprof.Addr),
		logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
	)

	return changed, attrs
}

// RestartRequired reports sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "http", "billing", "environment":
			out = append(out, s)
		}
	}
	return out
}
