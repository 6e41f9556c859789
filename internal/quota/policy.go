package quota

// Decision is the outcome of evaluating a State.
type Decision struct {
	// ScansRemaining is meaningful only when Unlimited is false.
	ScansRemaining int64 `json:"scans_remaining"`
	Unlimited      bool  `json:"unlimited"`
	NeedsUpgrade   bool  `json:"needs_upgrade"`
}

// Allowed reports whether another scan may start.
func (d Decision) Allowed() bool { return !d.NeedsUpgrade }

// Evaluate is the quota policy. It has no side effects.
//
// Lifetime subscribers are never limited. Everyone else has
// max(0, limit-used) scans left and must upgrade when inactive or when
// usage reached the limit.
func Evaluate(s State) Decision {
	if s.IsLifetime {
		return Decision{Unlimited: true}
	}
	remaining := s.ScansLimit - s.ScansUsed
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		ScansRemaining: remaining,
		NeedsUpgrade:   !s.Active || s.ScansUsed >= s.ScansLimit,
	}
}
