package persona

import (
	"testing"
	"time"
)

func TestDelay_ClampsToMaxBackoff(t *testing.T) {
	cfg := BackoffConfig{BaseDelaySec: 5, MaxBackoffSec: 20}
	d := cfg.Delay(10)
	if d > 25*time.Second {
		t.Errorf("delay %v exceeds max backoff with jitter headroom", d)
	}
	if d < 15*time.Second {
		t.Errorf("delay %v should be near the clamped ceiling with jitter", d)
	}
}

func TestDelay_FirstAttemptNearBase(t *testing.T) {
	cfg := BackoffConfig{BaseDelaySec: 5, MaxBackoffSec: 120}
	d := cfg.Delay(1)
	if d < 3750*time.Millisecond || d > 6250*time.Millisecond {
		t.Errorf("delay %v not within jitter range of base 5s", d)
	}
}

func TestDelay_ZeroBaseDefaultsToOne(t *testing.T) {
	cfg := BackoffConfig{BaseDelaySec: 0, MaxBackoffSec: 0}
	d := cfg.Delay(1)
	if d <= 0 {
		t.Errorf("expected positive delay, got %v", d)
	}
}

func TestRetryQueue_ReadyOnlyReturnsDue(t *testing.T) {
	q := NewRetryQueue()
	q.Schedule("c1", 0)
	q.Schedule("c2", time.Hour)
	due := q.Ready()
	if len(due) != 1 || due[0].CommandID != "c1" {
		t.Errorf("got %+v, want only c1 due", due)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (c2 still pending)", q.Len())
	}
}

func TestMapStore_Load(t *testing.T) {
	store := NewMapStore(nil)
	if _, ok := store.Load("missing"); ok {
		t.Error("expected missing persona to report not found")
	}
}
