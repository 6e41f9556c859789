package quota

import (
	"fmt"
	"strings"
	"time"
)

// Plan is a subscription tier.
type Plan string

const (
	Free       Plan = "free"
	Basic      Plan = "basic"
	Pro        Plan = "pro"
	Enterprise Plan = "enterprise"
)

func (p Plan) Valid() bool {
	switch p {
	case Free, Basic, Pro, Enterprise:
		return true
	default:
		return false
	}
}

// ParsePlan normalizes s ("Pro", " pro ") into a Plan.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// Catalog maps a plan to its default scans limit per billing period.
type Catalog map[Plan]int64

// DefaultCatalog returns the built-in limits.
func DefaultCatalog() Catalog {
	return Catalog{
		Free:       5,
		Basic:      50,
		Pro:        500,
		Enterprise: 5000,
	}
}

// Limit returns the limit for p, falling back to the free plan and then
// to the built-in default for plans missing from c.
func (c Catalog) Limit(p Plan) int64 {
	if v, ok := c[p]; ok {
		return v
	}
	if v, ok := DefaultCatalog()[p]; ok {
		return v
	}
	if v, ok := c[Free]; ok {
		return v
	}
	return DefaultCatalog()[Free]
}

// Validate rejects unknown plans and negative limits.
func (c Catalog) Validate() error {
	for p, v := range c {
		if !p.Valid() {
			return fmt.Errorf("quota.plans: unknown plan %q", p)
		}
		if v < 0 {
			return fmt.Errorf("quota.plans.%s: limit must be >= 0", p)
		}
	}
	return nil
}

// State is a subscriber's plan and usage snapshot.
type State struct {
	SubscriberID string    `json:"subscriber_id"`
	Plan         Plan      `json:"plan"`
	Active       bool      `json:"active"`
	ScansUsed    int64     `json:"scans_used"`
	ScansLimit   int64     `json:"scans_limit"`
	IsLifetime   bool      `json:"is_lifetime"`
	UpdatedAt    time.Time `json:"updated_at"`

	version int64
}
