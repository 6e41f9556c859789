package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scand/internal/quota"
	logx "scand/pkg/logx"
)

const secret = "whsec_test"

type recorder struct {
	mu      sync.Mutex
	calls   []call
	failErr error
}

type call struct {
	subscriber string
	update     quota.PlanUpdate
}

func (r *recorder) UpdatePlan(_ context.Context, id string, u quota.PlanUpdate) (quota.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return quota.State{}, r.failErr
	}
	r.calls = append(r.calls, call{subscriber: id, update: u})
	st := quota.State{SubscriberID: id, Plan: quota.Free, Active: true}
	if u.Plan != nil {
		st.Plan = *u.Plan
	}
	if u.Active != nil {
		st.Active = *u.Active
	}
	if u.Lifetime != nil {
		st.IsLifetime = *u.Lifetime
	}
	return st, nil
}

func (r *recorder) last(t *testing.T) call {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.calls)
	return r.calls[len(r.calls)-1]
}

func event(t *testing.T, id, typ string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"created":     time.Now().Unix(),
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func sign(payload []byte, key string, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func newTranslator(rec *recorder) *Translator {
	return NewTranslator(Config{
		WebhookSecret: secret,
		Prices:        map[string]string{"price_basic_m": "basic"},
	}, rec, logx.Nop())
}

func subscription(status, priceID, lookup string, meta map[string]string) map[string]any {
	return map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"status":   status,
		"customer": "cus_1",
		"metadata": meta,
		"items": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":    "si_1",
				"price": map[string]any{"id": priceID, "lookup_key": lookup},
			}},
		},
	}
}

func TestSubscriptionUpdatedMapsPlan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		status     string
		price      string
		lookup     string
		meta       map[string]string
		subscriber string
		plan       quota.Plan
		active     bool
	}{
		{name: "price id", status: "active", price: "price_basic_m", subscriber: "cus_1", plan: quota.Basic, active: true},
		{name: "lookup prefix", status: "trialing", price: "price_x", lookup: "pro_yearly", subscriber: "cus_1", plan: quota.Pro, active: true},
		{name: "metadata wins", status: "past_due", price: "price_basic_m", meta: map[string]string{"plan": "enterprise", "subscriber_id": "u-9"}, subscriber: "u-9", plan: quota.Enterprise, active: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recorder{}
			tr := newTranslator(rec)
			payload := event(t, "evt_"+tt.name, "customer.subscription.updated", subscription(tt.status, tt.price, tt.lookup, tt.meta))

			out, err := tr.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
			require.NoError(t, err)
			assert.True(t, out.Applied)
			assert.Equal(t, tt.subscriber, out.SubscriberID)

			c := rec.last(t)
			require.NotNil(t, c.update.Plan)
			assert.Equal(t, tt.plan, *c.update.Plan)
			require.NotNil(t, c.update.Active)
			assert.Equal(t, tt.active, *c.update.Active)
			assert.False(t, c.update.ResetUsage)
		})
	}
}

func TestUnmappedPriceOnlyTouchesActive(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	tr := newTranslator(rec)
	payload := event(t, "evt_unmapped", "customer.subscription.created", subscription("active", "price_mystery", "", nil))

	_, err := tr.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
	require.NoError(t, err)
	c := rec.last(t)
	assert.Nil(t, c.update.Plan)
	require.NotNil(t, c.update.Active)
	assert.True(t, *c.update.Active)
}

func TestSubscriptionDeletedFallsBackToFree(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	tr := newTranslator(rec)
	payload := event(t, "evt_del", "customer.subscription.deleted", subscription("canceled", "price_basic_m", "", nil))

	out, err := tr.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, quota.Free, out.State.Plan)
	c := rec.last(t)
	require.NotNil(t, c.update.Plan)
	assert.Equal(t, quota.Free, *c.update.Plan)
}

func TestInvoicePaidResetsUsage(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	tr := newTranslator(rec)

	cycle := event(t, "evt_inv1", "invoice.paid", map[string]any{
		"id":             "in_1",
		"object":         "invoice",
		"customer":       "cus_1",
		"billing_reason": "subscription_cycle",
		"subscription_details": map[string]any{
			"metadata": map[string]string{"subscriber_id": "u-1"},
		},
	})
	out, err := tr.Handle(context.Background(), cycle, sign(cycle, secret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "u-1", out.SubscriberID)
	assert.True(t, rec.last(t).update.ResetUsage)

	manual := event(t, "evt_inv2", "invoice.paid", map[string]any{
		"id":             "in_2",
		"object":         "invoice",
		"customer":       "cus_1",
		"billing_reason": "manual",
	})
	out, err = tr.Handle(context.Background(), manual, sign(manual, secret, time.Now()))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Len(t, rec.calls, 1)
}

func TestCheckoutLifetime(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	tr := newTranslator(rec)
	session := func(id, mode, status string) []byte {
		return event(t, id, "checkout.session.completed", map[string]any{
			"id":                  "cs_" + id,
			"object":              "checkout.session",
			"mode":                mode,
			"payment_status":      status,
			"client_reference_id": "u-42",
			"metadata":            map[string]string{"plan": "lifetime"},
		})
	}

	paid := session("evt_cs1", "payment", "paid")
	out, err := tr.Handle(context.Background(), paid, sign(paid, secret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "u-42", out.SubscriberID)
	assert.True(t, out.State.IsLifetime)

	for _, p := range [][]byte{session("evt_cs2", "subscription", "paid"), session("evt_cs3", "payment", "unpaid")} {
		out, err := tr.Handle(context.Background(), p, sign(p, secret, time.Now()))
		require.NoError(t, err)
		assert.False(t, out.Applied)
	}
	assert.Len(t, rec.calls, 1)
}

func TestSignatureRejected(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	tr := newTranslator(rec)
	payload := event(t, "evt_sig", "customer.subscription.updated", subscription("active", "price_basic_m", "", nil))

	_, err := tr.Handle(context.Background(), payload, sign(payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, ErrSignature)

	_, err = tr.Handle(context.Background(), payload, sign(payload, secret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrSignature)

	_, err = tr.Handle(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrSignature)
	assert.Empty(t, rec.calls)

	disabled := NewTranslator(Config{}, rec, logx.Nop())
	assert.False(t, disabled.Enabled())
	_, err = disabled.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	tr := newTranslator(rec)
	payload := event(t, "evt_dup", "customer.subscription.updated", subscription("active", "price_basic_m", "", nil))

	_, err := tr.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
	require.NoError(t, err)
	out, err := tr.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Len(t, rec.calls, 1)
}

func TestQuotaFailureIsRetryable(t *testing.T) {
	t.Parallel()
	rec := &recorder{failErr: fmt.Errorf("%w: db down", quota.ErrStoreUnavailable)}
	tr := newTranslator(rec)
	payload := event(t, "evt_retry", "customer.subscription.updated", subscription("active", "price_basic_m", "", nil))

	_, err := tr.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
	require.True(t, errors.Is(err, quota.ErrStoreUnavailable))

	rec.mu.Lock()
	rec.failErr = nil
	rec.mu.Unlock()
	out, err := tr.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
	require.NoError(t, err)
	assert.True(t, out.Applied, "failed delivery must not be remembered as seen")
}

func TestMissingSubscriberIsPayloadError(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	tr := newTranslator(rec)
	sub := subscription("active", "price_basic_m", "", nil)
	delete(sub, "customer")
	payload := event(t, "evt_nosub", "customer.subscription.updated", sub)

	_, err := tr.Handle(context.Background(), payload, sign(payload, secret, time.Now()))
	assert.ErrorIs(t, err, ErrPayload)
}

func TestRecentRingEvicts(t *testing.T) {
	t.Parallel()
	r := newRecent(2)
	r.add("a")
	r.add("b")
	r.add("a")
	r.add("c")
	assert.False(t, r.has("a"))
	assert.True(t, r.has("b"))
	assert.True(t, r.has("c"))
}
