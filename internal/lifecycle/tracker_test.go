package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeToken struct{ released int32 }

func (f *fakeToken) Release() { atomic.AddInt32(&f.released, 1) }

type fakeLease struct{ released int32 }

func (f *fakeLease) Release() { atomic.AddInt32(&f.released, 1) }

func TestRegisterDispatch_Duplicate(t *testing.T) {
	tr := New()
	if err := tr.RegisterDispatch("c1", "d1", &fakeToken{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.RegisterDispatch("c1", "d1", &fakeToken{}, nil); err == nil {
		t.Fatal("expected error registering duplicate commandId")
	}
}

func TestComplete_ReleasesLeaseThenToken(t *testing.T) {
	tr := New()
	tok := &fakeToken{}
	lease := &fakeLease{}
	_ = tr.RegisterDispatch("c1", "d1", tok, lease)
	tr.Complete("c1", "d1")
	if atomic.LoadInt32(&tok.released) != 1 {
		t.Error("expected token released exactly once")
	}
	if atomic.LoadInt32(&lease.released) != 1 {
		t.Error("expected lease released exactly once")
	}
	if tr.InFlight() != 0 {
		t.Error("expected state removed after Complete")
	}
}

func TestComplete_Idempotent(t *testing.T) {
	tr := New()
	tok := &fakeToken{}
	_ = tr.RegisterDispatch("c1", "d1", tok, nil)
	tr.Complete("c1", "d1")
	tr.Complete("c1", "d1")
	if atomic.LoadInt32(&tok.released) != 1 {
		t.Errorf("expected exactly one release, got %d", tok.released)
	}
}

func TestWaitForAcknowledgement_Timeout(t *testing.T) {
	tr := New()
	_ = tr.RegisterDispatch("c1", "d1", &fakeToken{}, nil)
	r := tr.WaitForAcknowledgement(context.Background(), "c1", 20*time.Millisecond)
	if r.Outcome != Timeout {
		t.Errorf("outcome = %v, want Timeout", r.Outcome)
	}
	// Timeout must not mutate state.
	if tr.InFlight() != 1 {
		t.Error("expected state to remain after a bare timeout")
	}
}

func TestWaitForAcknowledgement_NoStateTreatedAsAcknowledged(t *testing.T) {
	tr := New()
	r := tr.WaitForAcknowledgement(context.Background(), "missing", time.Second)
	if r.Outcome != Acknowledged {
		t.Errorf("outcome = %v, want Acknowledged for untracked commandId", r.Outcome)
	}
}

func TestWaitForAcknowledgement_LateCallerSeesPostedResult(t *testing.T) {
	tr := New()
	_ = tr.RegisterDispatch("c1", "d1", &fakeToken{}, nil)
	tr.Fail("c1", "d1", "ack_timeout")
	r := tr.WaitForAcknowledgement(context.Background(), "c1", time.Second)
	if r.Outcome != Failed || r.Reason != "ack_timeout" {
		t.Errorf("got %+v, want Failed(ack_timeout)", r)
	}
}

func TestMarkAcknowledged_ResolvesWaiters(t *testing.T) {
	tr := New()
	_ = tr.RegisterDispatch("c1", "d1", &fakeToken{}, nil)
	done := make(chan Result, 1)
	go func() {
		done <- tr.WaitForAcknowledgement(context.Background(), "c1", time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	tr.MarkAcknowledged("c1", "d1")
	r := <-done
	if r.Outcome != Acknowledged {
		t.Errorf("outcome = %v, want Acknowledged", r.Outcome)
	}
}

func TestFailAll_OnlyAffectsGivenDrone(t *testing.T) {
	tr := New()
	tokA := &fakeToken{}
	tokB := &fakeToken{}
	_ = tr.RegisterDispatch("a1", "d1", tokA, nil)
	_ = tr.RegisterDispatch("b1", "d2", tokB, nil)
	ids := tr.FailAll("d1", "drone_disconnected")
	if len(ids) != 1 || ids[0] != "a1" {
		t.Errorf("FailAll returned %v, want [a1]", ids)
	}
	if atomic.LoadInt32(&tokA.released) != 1 {
		t.Error("expected d1's token released")
	}
	if atomic.LoadInt32(&tokB.released) != 0 {
		t.Error("expected d2's token untouched")
	}
}
