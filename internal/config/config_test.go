package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
environment: production
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./scand.db
  busy_timeout: 2s
quota:
  plans:
    pro: 750
schedule:
  timezone: UTC
runner:
  tick: "@every 15s"
  workers: 8
  rate_per_sec: 2.5
  retry_max: 0
  scanner:
    kind: webhook
    url: https://scanner.internal/scan
http:
  enabled: true
  allow_origins: ["https://app.example.com"]
billing:
  webhook_secret: whsec_x
  prices:
    price_123: basic
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("scand.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !cfg.Production() || cfg.Logging.Level != "debug" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Quota.Plans["pro"] != 750 || cfg.Runner.Workers != 8 || cfg.Runner.RatePerSec != 2.5 {
		t.Fatalf("numbers: %+v %+v", cfg.Quota, cfg.Runner)
	}
	if cfg.Runner.RetryMax == nil || *cfg.Runner.RetryMax != 0 {
		t.Fatal("explicit retry_max 0 must survive")
	}
	if !cfg.RunnerEnabled() {
		t.Fatal("runner defaults to enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body string
	}{
		{"unknown json field", "c.json", `{"runner":{"wrokers":3}}`},
		{"trailing json", "c.json", `{} {}`},
		{"unknown yaml field", "c.yml", "telegram:\n  token: x\n"},
		{"bad yaml", "c.yaml", "runner: [\n"},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.file, []byte(tt.body)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"sqlite path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"postgres dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"timezone", Config{Schedule: ScheduleConfig{Timezone: "Mars/Olympus"}}, "schedule.timezone"},
		{"plan limit", Config{Quota: QuotaConfig{Plans: map[string]int64{"pro": -3}}}, "quota.plans.pro"},
		{"retry", Config{Runner: RunnerConfig{RetryMax: &neg}}, "runner.retry_max"},
		{"duration", Config{Runner: RunnerConfig{ScanTimeout: "soon"}}, "runner.scan_timeout"},
		{"scanner kind", Config{Runner: RunnerConfig{Scanner: ScannerConfig{Kind: "grpc"}}}, "runner.scanner.kind"},
		{"scanner url", Config{Runner: RunnerConfig{Scanner: ScannerConfig{Kind: "webhook", URL: "/relative"}}}, "runner.scanner.url"},
		{"billing", Config{Billing: BillingConfig{Tolerance: "-1s"}}, "billing.tolerance"},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: Validate() = %v, want mention of %s", tt.name, err, tt.want)
		}
	}
	if err := (&Config{}).Validate(); err != nil {
		t.Fatalf("zero config must be valid: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("k", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("k", "0s", time.Second); err != nil || d != time.Second {
		t.Fatalf("zero: %v %v", d, err)
	}
	if d, err := ParseDurationField("k", " 1m "); err != nil || d != time.Minute {
		t.Fatalf("trim: %v %v", d, err)
	}
	if _, err := ParseDurationField("k.x", "-2s"); err == nil || !strings.Contains(err.Error(), "k.x") {
		t.Fatalf("negative: %v", err)
	}
}

func TestSummarizeHidesSecrets(t *testing.T) {
	t.Parallel()
	old := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:hunter2@db/scand"}}
	next := &Config{
		Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:hunter3@db/scand"},
		Runner:  RunnerConfig{Workers: 2},
		Billing: BillingConfig{WebhookSecret: "whsec_secret"},
	}
	sections, attrs := SummarizeConfigChange(old, next)
	if strings.Join(sections, ",") != "storage,runner,billing" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(sections); strings.Join(got, ",") != "storage,billing" {
		t.Fatalf("restart = %v", got)
	}
	if s, _ := SummarizeConfigChange(next, next); len(s) != 0 {
		t.Fatalf("no-op diff = %v", s)
	}
}

func TestSubscribeKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{Environment: "a"}, &Config{Environment: "b"}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("got %v, want latest", got.Environment)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed")
	}
	m.Unsubscribe(ch) // no panic on repeat
}

func TestWatchReloadsValidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "scand.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"runner":{"workers":1}}`)

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Runner.Workers > 100 {
			return errors.New("too many workers")
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher a moment to attach
	time.Sleep(100 * time.Millisecond)

	write(`{"runner":{"workers":500}}`)
	select {
	case c := <-sub:
		t.Fatalf("rejected config published: %+v", c.Runner)
	case <-time.After(300 * time.Millisecond):
	}
	if m.Get().Runner.Workers != 1 {
		t.Fatalf("rejected config committed")
	}

	write(`{"runner":{"workers":6}}`)
	select {
	case c := <-sub:
		if c.Runner.Workers != 6 {
			t.Fatalf("workers = %d", c.Runner.Workers)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Runner.Workers != 6 {
		t.Fatal("reload not committed")
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	raw, err := os.ReadFile(filepath.Join("..", "..", "scand.example.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Decode("scand.example.yaml", raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Pprof.Enabled || cfg.Billing.Prices["pro_monthly"] != "pro" {
		t.Fatalf("cfg = %+v %+v", cfg.Pprof, cfg.Billing)
	}
}
