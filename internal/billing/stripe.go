// Package billing turns payment-provider webhooks into quota plan updates.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"scand/internal/quota"
	logx "scand/pkg/logx"
)

var (
	ErrSignature = errors.New("billing: webhook signature verification failed")
	ErrPayload   = errors.New("billing: malformed webhook payload")
	ErrDisabled  = errors.New("billing: webhook secret not configured")
)

const lifetimePlan = "lifetime"

type Config struct {
	WebhookSecret string
	// Prices maps a Stripe price ID or lookup key to a plan name. Unmapped
	// lookup keys are matched by prefix ("pro_monthly" -> pro).
	Prices map[string]string
	// Tolerance is the accepted signature age; 0 uses the library default.
	Tolerance time.Duration
}

// PlanUpdater is the part of the quota service the translator writes to.
type PlanUpdater interface {
	UpdatePlan(ctx context.Context, subscriberID string, u quota.PlanUpdate) (quota.State, error)
}

// Outcome describes what one webhook did.
type Outcome struct {
	EventID      string      `json:"event_id"`
	Type         string      `json:"type"`
	SubscriberID string      `json:"subscriber_id,omitempty"`
	Applied      bool        `json:"applied"`
	Duplicate    bool        `json:"duplicate,omitempty"`
	State        quota.State `json:"state,omitempty"`
}

// Translator verifies Stripe webhooks and applies them through PlanUpdater.
type Translator struct {
	cfg   Config
	quota PlanUpdater
	log   logx.Logger
	seen  *recent
}

func NewTranslator(cfg Config, q PlanUpdater, log logx.Logger) *Translator {
	return &Translator{cfg: cfg, quota: q, log: log, seen: newRecent(1024)}
}

func (t *Translator) Enabled() bool { return strings.TrimSpace(t.cfg.WebhookSecret) != "" }

// Handle verifies payload against the Stripe-Signature header and applies
// it. Redelivered events (same ID) are acknowledged without reapplying.
// Errors from the quota service are returned as is so the caller can ask
// Stripe to retry.
func (t *Translator) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if !t.Enabled() {
		return Outcome{}, ErrDisabled
	}
	opts := webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}
	if t.cfg.Tolerance > 0 {
		opts.Tolerance = t.cfg.Tolerance
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, t.cfg.WebhookSecret, opts)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	out := Outcome{EventID: event.ID, Type: string(event.Type)}
	if t.seen.has(event.ID) {
		out.Duplicate = true
		return out, nil
	}
	t.log.Info("webhook received",
		logx.String("type", string(event.Type)),
		logx.String("id", event.ID),
		logx.Time("created", time.Unix(event.Created, 0)),
	)

	subscriber, update, ok, err := t.translate(event)
	if err != nil {
		return out, err
	}
	if !ok {
		t.seen.add(event.ID)
		t.log.Debug("webhook ignored", logx.String("type", string(event.Type)))
		return out, nil
	}

	st, err := t.quota.UpdatePlan(ctx, subscriber, update)
	if err != nil {
		return out, err
	}
	t.seen.add(event.ID)
	out.SubscriberID = subscriber
	out.Applied = true
	out.State = st
	t.log.Info("plan updated from billing",
		logx.String("subscriber", subscriber),
		logx.String("plan", string(st.Plan)),
		logx.Bool("active", st.Active),
		logx.Bool("lifetime", st.IsLifetime),
		logx.String("reason", update.Reason),
	)
	return out, nil
}

func (t *Translator) translate(event stripe.Event) (string, quota.PlanUpdate, bool, error) {
	if event.Data == nil {
		return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: no data", ErrPayload)
	}
	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: subscription: %v", ErrPayload, err)
		}
		id := subscriberOf(sub.Metadata, "", sub.Customer)
		if id == "" {
			return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: subscription %s has no subscriber", ErrPayload, sub.ID)
		}
		active := subscriptionActive(sub.Status)
		u := quota.PlanUpdate{Active: &active, Reason: "billing:" + string(event.Type)}
		if plan, ok := t.planOf(&sub); ok {
			u.Plan = &plan
		} else {
			t.log.Warn("subscription price not mapped to a plan", logx.String("subscription", sub.ID))
		}
		return id, u, true, nil

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: subscription: %v", ErrPayload, err)
		}
		id := subscriberOf(sub.Metadata, "", sub.Customer)
		if id == "" {
			return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: subscription %s has no subscriber", ErrPayload, sub.ID)
		}
		free, active := quota.Free, true
		return id, quota.PlanUpdate{Plan: &free, Active: &active, Reason: "billing:" + string(event.Type)}, true, nil

	case stripe.EventTypeInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: invoice: %v", ErrPayload, err)
		}
		if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle &&
			inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCreate {
			return "", quota.PlanUpdate{}, false, nil
		}
		meta := inv.Metadata
		if inv.SubscriptionDetails != nil && len(inv.SubscriptionDetails.Metadata) > 0 {
			meta = inv.SubscriptionDetails.Metadata
		}
		id := subscriberOf(meta, "", inv.Customer)
		if id == "" {
			return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: invoice %s has no subscriber", ErrPayload, inv.ID)
		}
		active := true
		return id, quota.PlanUpdate{Active: &active, ResetUsage: true, Reason: "billing:period"}, true, nil

	case stripe.EventTypeCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: checkout session: %v", ErrPayload, err)
		}
		// Subscriptions are handled by customer.subscription.*; only one-off
		// lifetime purchases matter here.
		if cs.Mode != stripe.CheckoutSessionModePayment || !strings.EqualFold(cs.Metadata["plan"], lifetimePlan) {
			return "", quota.PlanUpdate{}, false, nil
		}
		if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return "", quota.PlanUpdate{}, false, nil
		}
		id := subscriberOf(cs.Metadata, cs.ClientReferenceID, cs.Customer)
		if id == "" {
			return "", quota.PlanUpdate{}, false, fmt.Errorf("%w: checkout session %s has no subscriber", ErrPayload, cs.ID)
		}
		lifetime, active := true, true
		return id, quota.PlanUpdate{Lifetime: &lifetime, Active: &active, Reason: "billing:lifetime"}, true, nil
	}
	return "", quota.PlanUpdate{}, false, nil
}

func (t *Translator) planOf(sub *stripe.Subscription) (quota.Plan, bool) {
	if sub.Metadata != nil {
		if p, err := quota.ParsePlan(sub.Metadata["plan"]); err == nil {
			return p, true
		}
	}
	if sub.Items == nil {
		return "", false
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		for _, key := range []string{item.Price.ID, item.Price.LookupKey} {
			if key == "" {
				continue
			}
			if name, ok := t.cfg.Prices[key]; ok {
				if p, err := quota.ParsePlan(name); err == nil {
					return p, true
				}
			}
		}
		if lk := item.Price.LookupKey; lk != "" {
			prefix, _, _ := strings.Cut(lk, "_")
			if p, err := quota.ParsePlan(prefix); err == nil {
				return p, true
			}
		}
	}
	return "", false
}

func subscriptionActive(s stripe.SubscriptionStatus) bool {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return true
	default:
		return false
	}
}

// subscriberOf picks the subscriber identity: explicit metadata first, then
// the checkout client reference, then the Stripe customer ID.
func subscriberOf(meta map[string]string, clientRef string, customer *stripe.Customer) string {
	if v := strings.TrimSpace(meta["subscriber_id"]); v != "" {
		return v
	}
	if v := strings.TrimSpace(clientRef); v != "" {
		return v
	}
	if customer != nil {
		return strings.TrimSpace(customer.ID)
	}
	return ""
}

// recent remembers the last n event IDs.
type recent struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newRecent(n int) *recent {
	return &recent{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

func (r *recent) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

func (r *recent) add(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.ring[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}
