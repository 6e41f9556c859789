package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"scand/internal/eventbus"
	"scand/internal/storage"
	logx "scand/pkg/logx"
)

var (
	ErrNotFound               = errors.New("quota: subscription not found")
	ErrStoreUnavailable       = errors.New("quota: store unavailable")
	ErrConcurrentModification = errors.New("quota: concurrent modification")
	ErrNegativeUsage          = errors.New("quota: usage delta must be >= 0")
	ErrInvalidSubscriber      = errors.New("quota: subscriber id required")
)

// Changed is the payload of quota_changed events.
type Changed struct {
	SubscriberID string   `json:"subscriber_id"`
	Reason       string   `json:"reason"`
	State        State    `json:"state"`
	Decision     Decision `json:"decision"`
}

// PlanUpdate describes a billing-driven change. Nil fields are left as is.
type PlanUpdate struct {
	Plan       *Plan
	Active     *bool
	ScansLimit *int64 // overrides the catalog limit for Plan
	Lifetime   *bool
	ResetUsage bool // start a new billing period
	Reason     string
}

type Options struct {
	Catalog   Catalog
	Publisher eventbus.Publisher
	Log       logx.Logger
	// MaxAttempts bounds compare-and-swap retries per mutation.
	MaxAttempts int
}

// Service is the quota store: it owns every read and write of subscription
// state and publishes quota_changed after each successful mutation.
type Service struct {
	store       storage.Store
	pub         eventbus.Publisher
	log         logx.Logger
	catalog     atomic.Pointer[Catalog]
	maxAttempts int
}

func New(store storage.Store, opts Options) *Service {
	s := &Service{
		store:       store,
		pub:         opts.Publisher,
		log:         opts.Log,
		maxAttempts: opts.MaxAttempts,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 64
	}
	s.SetCatalog(opts.Catalog)
	return s
}

// SetCatalog swaps the plan catalog (config hot reload). Existing rows keep
// their stored limit until their plan changes.
func (s *Service) SetCatalog(c Catalog) {
	if len(c) == 0 {
		c = DefaultCatalog()
	}
	cp := make(Catalog, len(c))
	for k, v := range c {
		cp[k] = v
	}
	s.catalog.Store(&cp)
}

func (s *Service) Catalog() Catalog {
	return *s.catalog.Load()
}

// Get returns the persisted state. Absence is ErrNotFound; a store outage
// is ErrStoreUnavailable and must never be read as absence.
func (s *Service) Get(ctx context.Context, subscriberID string) (State, error) {
	id, err := normID(subscriberID)
	if err != nil {
		return State{}, err
	}
	row, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return State{}, mapErr(err)
	}
	return fromRow(row), nil
}

// EnsureDefault returns the existing state or creates a free-plan row.
// It never overwrites an existing row.
func (s *Service) EnsureDefault(ctx context.Context, subscriberID string) (State, error) {
	st, err := s.Get(ctx, subscriberID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return st, err
	}
	id, _ := normID(subscriberID)
	row := storage.Subscription{
		SubscriberID: id,
		Plan:         string(Free),
		Active:       true,
		ScansLimit:   s.Catalog().Limit(Free),
	}
	switch err := s.store.InsertSubscription(ctx, row); {
	case err == nil:
		st, err := s.Get(ctx, id)
		if err != nil {
			return State{}, err
		}
		s.log.Info("subscription created", logx.String("subscriber", id), logx.String("plan", string(st.Plan)))
		s.publish(st, "created")
		return st, nil
	case errors.Is(err, storage.ErrConflict):
		// lost the race against another creator
		return s.Get(ctx, id)
	default:
		return State{}, mapErr(err)
	}
}

// ApplyUsage atomically adds delta to ScansUsed. The limit is not enforced
// here; usage saturates at math.MaxInt64 instead of failing.
func (s *Service) ApplyUsage(ctx context.Context, subscriberID string, delta int64) (State, error) {
	if delta < 0 {
		return State{}, ErrNegativeUsage
	}
	return s.mutate(ctx, subscriberID, "usage", false, func(st *State) bool {
		if delta == 0 {
			return false
		}
		st.ScansUsed = saturatingAdd(st.ScansUsed, delta)
		return true
	})
}

// UpdatePlan applies a billing change, creating the subscription first when
// the provider knows about a subscriber before the first authenticated access.
func (s *Service) UpdatePlan(ctx context.Context, subscriberID string, u PlanUpdate) (State, error) {
	if u.Plan != nil && !u.Plan.Valid() {
		return State{}, fmt.Errorf("unknown plan %q", *u.Plan)
	}
	if u.ScansLimit != nil && *u.ScansLimit < 0 {
		return State{}, fmt.Errorf("scans limit must be >= 0")
	}
	reason := u.Reason
	if reason == "" {
		reason = "plan"
	}
	catalog := s.Catalog()
	return s.mutate(ctx, subscriberID, reason, true, func(st *State) bool {
		before := *st
		if u.Plan != nil {
			st.Plan = *u.Plan
			st.ScansLimit = catalog.Limit(*u.Plan)
		}
		if u.ScansLimit != nil {
			st.ScansLimit = *u.ScansLimit
		}
		if u.Active != nil {
			st.Active = *u.Active
		}
		if u.Lifetime != nil {
			st.IsLifetime = *u.Lifetime
		}
		if u.ResetUsage {
			st.ScansUsed = 0
		}
		return before.Plan != st.Plan || before.ScansLimit != st.ScansLimit ||
			before.Active != st.Active || before.IsLifetime != st.IsLifetime ||
			before.ScansUsed != st.ScansUsed
	})
}

// Check makes sure the subscriber exists and evaluates the policy.
func (s *Service) Check(ctx context.Context, subscriberID string) (State, Decision, error) {
	st, err := s.EnsureDefault(ctx, subscriberID)
	if err != nil {
		return State{}, Decision{}, err
	}
	return st, Evaluate(st), nil
}

// mutate is the read-modify-CAS loop shared by every write. apply returns
// false when nothing changed, in which case nothing is written or published.
func (s *Service) mutate(ctx context.Context, subscriberID, reason string, create bool, apply func(*State) bool) (State, error) {
	read := s.Get
	if create {
		read = s.EnsureDefault
	}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cur, err := read(ctx, subscriberID)
		if err != nil {
			return State{}, err
		}
		next := cur
		if !apply(&next) {
			return cur, nil
		}
		err = s.store.CompareAndSwapSubscription(ctx, toRow(next), cur.version)
		switch {
		case err == nil:
			next.version = cur.version + 1
			next.UpdatedAt = time.Now()
			s.publish(next, reason)
			return next, nil
		case errors.Is(err, storage.ErrConflict):
			continue
		default:
			return State{}, mapErr(err)
		}
	}
	return State{}, fmt.Errorf("%w: %s after %d attempts", ErrConcurrentModification, subscriberID, s.maxAttempts)
}

func (s *Service) publish(st State, reason string) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(eventbus.Event{
		Kind: eventbus.QuotaChanged,
		Payload: Changed{
			SubscriberID: st.SubscriberID,
			Reason:       reason,
			State:        st,
			Decision:     Evaluate(st),
		},
	})
}

func normID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidSubscriber
	}
	return id, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	default:
		return err
	}
}

func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func fromRow(r storage.Subscription) State {
	return State{
		SubscriberID: r.SubscriberID,
		Plan:         Plan(r.Plan),
		Active:       r.Active,
		ScansUsed:    r.ScansUsed,
		ScansLimit:   r.ScansLimit,
		IsLifetime:   r.IsLifetime,
		UpdatedAt:    r.UpdatedAt,
		version:      r.Version,
	}
}

func toRow(s State) storage.Subscription {
	return storage.Subscription{
		SubscriberID: s.SubscriberID,
		Plan:         string(s.Plan),
		Active:       s.Active,
		ScansUsed:    s.ScansUsed,
		ScansLimit:   s.ScansLimit,
		IsLifetime:   s.IsLifetime,
		Version:      s.version,
		UpdatedAt:    s.UpdatedAt,
	}
}
