package logx

import (
	"testing"
	"time"
)

func TestThrottlePerKey(t *testing.T) {
	t.Parallel()
	th := NewThrottle(5 * time.Second)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	if !th.Allow("a", now) {
		t.Fatal("first line for key a should pass")
	}
	if th.Allow("a", now.Add(time.Second)) {
		t.Fatal("second line within window should be throttled")
	}
	if !th.Allow("b", now.Add(time.Second)) {
		t.Fatal("keys must be throttled independently")
	}
	if !th.Allow("a", now.Add(6*time.Second)) {
		t.Fatal("line after the window should pass")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	// must not panic
	l.With(String("comp", "test")).Info("hello", Int("n", 1))
}
