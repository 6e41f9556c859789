package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scand/internal/billing"
	"scand/internal/eventbus"
	"scand/internal/quota"
	"scand/internal/schedule"
	"scand/internal/storage"
	logx "scand/pkg/logx"
)

type fixture struct {
	srv  *Server
	bus  *eventbus.Dispatcher
	reg  *schedule.Registry
	quot *quota.Service
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	st := storage.NewMemory()
	bus := eventbus.New(eventbus.Options{Strict: true})
	q := quota.New(st, quota.Options{Publisher: bus})
	reg := schedule.New(st, schedule.Options{Location: time.UTC, Publisher: bus})
	deps := Deps{Quota: q, Schedules: reg, Events: bus, Log: logx.Nop()}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := New(Config{Heartbeat: 50 * time.Millisecond}, deps)
	require.NoError(t, err)
	return &fixture{srv: srv, bus: bus, reg: reg, quot: q}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(d *Deps) { d.Health = func() any { return "fine" } })
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"detail":"fine"`)
}

func TestQuotaCreatesFreeDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/subscribers/u-1/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got quotaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, quota.Free, got.State.Plan)
	assert.True(t, got.State.Active)
	assert.Equal(t, int64(5), got.Decision.ScansRemaining)
	assert.False(t, got.Decision.NeedsUpgrade)
}

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/v1/schedules/doc-1",
		`{"subscriber_id":"u-1","document_name":"Policy","industry":"health","time":"9:05","frequency":"Weekly"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var def schedule.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))
	assert.Equal(t, "doc-1", def.DocumentID)
	assert.Equal(t, "09:05", def.Time)
	assert.EqualValues(t, "weekly", def.Frequency)
	assert.False(t, def.NextRun.IsZero())

	rec = f.do(t, http.MethodGet, "/v1/schedules/doc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	f.do(t, http.MethodPut, "/v1/schedules/doc-2", `{"subscriber_id":"u-2","time":"10:00"}`)
	rec = f.do(t, http.MethodGet, "/v1/schedules?subscriber_id=u-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Schedules []schedule.Definition `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Schedules, 1)
	assert.Equal(t, "doc-2", list.Schedules[0].DocumentID)

	rec = f.do(t, http.MethodDelete, "/v1/schedules/doc-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/v1/schedules/doc-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code, "cancel is idempotent")

	rec = f.do(t, http.MethodGet, "/v1/schedules/doc-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing subscriber", body: `{"time":"09:00"}`, want: "subscriber_id"},
		{name: "bad time", body: `{"subscriber_id":"u","time":"25:00"}`, want: "time"},
		{name: "not json", body: `{`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/v1/schedules/doc-x", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

type downQuota struct{}

func (downQuota) Check(context.Context, string) (quota.State, quota.Decision, error) {
	return quota.State{}, quota.Decision{}, fmt.Errorf("%w: dial tcp: refused", quota.ErrStoreUnavailable)
}

type conflictQuota struct{}

func (conflictQuota) Check(context.Context, string) (quota.State, quota.Decision, error) {
	return quota.State{}, quota.Decision{}, quota.ErrConcurrentModification
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(d *Deps) { d.Quota = downQuota{} })
	rec := f.do(t, http.MethodGet, "/v1/subscribers/u/quota", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.NotContains(t, rec.Body.String(), "refused")

	f = newFixture(t, func(d *Deps) { d.Quota = conflictQuota{} })
	rec = f.do(t, http.MethodGet, "/v1/subscribers/u/quota", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?kind=scan_completed", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	require.Equal(t, ": connected", lines.Text())

	f.bus.Publish(eventbus.Event{Kind: eventbus.PIIDetected, Payload: "filtered"})
	f.bus.Publish(eventbus.Event{Kind: eventbus.ScanCompleted, Payload: map[string]string{"document_id": "doc-9"}})

	var event, data string
	for lines.Scan() {
		line := lines.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	assert.Equal(t, "scan_completed", event)
	assert.Contains(t, data, "doc-9")
	assert.NotContains(t, data, "filtered")
}

func TestEventStreamRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/events?kind=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeBilling struct {
	enabled bool
	err     error
	got     string
}

func (b *fakeBilling) Enabled() bool { return b.enabled }

func (b *fakeBilling) Handle(_ context.Context, payload []byte, sig string) (billing.Outcome, error) {
	b.got = sig + "|" + string(payload)
	if b.err != nil {
		return billing.Outcome{}, b.err
	}
	return billing.Outcome{EventID: "evt_1", Applied: true}, nil
}

func TestStripeWebhook(t *testing.T) {
	t.Parallel()

	fb := &fakeBilling{enabled: true}
	f := newFixture(t, func(d *Deps) { d.Billing = fb })
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `t=1,v1=abc|{"id":"evt_1"}`, fb.got)

	fb.err = fmt.Errorf("%w: bad", billing.ErrSignature)
	rec = f.do(t, http.MethodPost, "/v1/billing/stripe", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fb.err = fmt.Errorf("%w: db", quota.ErrStoreUnavailable)
	rec = f.do(t, http.MethodPost, "/v1/billing/stripe", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	off := newFixture(t, func(d *Deps) { d.Billing = &fakeBilling{} })
	rec = off.do(t, http.MethodPost, "/v1/billing/stripe", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	srv, err := New(Config{Addr: "127.0.0.1:0"}, Deps{
		Quota:     quota.New(st, quota.Options{}),
		Schedules: schedule.New(st, schedule.Options{}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
