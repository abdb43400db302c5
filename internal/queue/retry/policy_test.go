package retry

import (
	"testing"
	"time"
)

func TestBackoff_MonotonicUpToCap(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Cap: 300 * time.Second}
	prevFloor := time.Duration(0)
	for attempts := 1; attempts <= 10; attempts++ {
		d := p.Backoff(attempts)
		if d > p.Cap+p.Base {
			t.Errorf("Backoff(%d) = %v, exceeds cap plus maximum jitter %v", attempts, d, p.Cap+p.Base)
		}
		// lower bound ignoring jitter: base*factor^(attempts-1) capped
		floor := float64(p.Base)
		for i := 1; i < attempts; i++ {
			floor *= p.Factor
			if floor > float64(p.Cap) {
				floor = float64(p.Cap)
				break
			}
		}
		if d < time.Duration(floor) {
			t.Errorf("Backoff(%d) = %v, below expected floor %v", attempts, d, time.Duration(floor))
		}
		if time.Duration(floor) < prevFloor {
			t.Errorf("expected floor to be non-decreasing across attempts")
		}
		prevFloor = time.Duration(floor)
	}
}

func TestBackoff_ClampsAttemptsBelowOne(t *testing.T) {
	p := DefaultPolicy()
	d0 := p.Backoff(0)
	d1 := p.Backoff(1)
	if d0 > p.Base+p.Base || d1 > p.Base+p.Base {
		t.Errorf("expected attempts<1 to clamp to attempts=1 behavior, got Backoff(0)=%v Backoff(1)=%v", d0, d1)
	}
}

func TestShouldDeadLetter(t *testing.T) {
	p := Policy{DeadLetterOn: true}
	if !p.ShouldDeadLetter(3, 3) {
		t.Error("expected dead-letter when attempts == maxAttempts")
	}
	if p.ShouldDeadLetter(2, 3) {
		t.Error("did not expect dead-letter before exhausting attempts")
	}
	off := Policy{DeadLetterOn: false}
	if off.ShouldDeadLetter(3, 3) {
		t.Error("did not expect dead-letter when DeadLetterOn is false")
	}
}

func TestResolver_FallsBackToDefault(t *testing.T) {
	def := Policy{Base: 2 * time.Second}
	r := NewResolver(def)
	if got := r.For("unknown.type"); got.Base != def.Base {
		t.Errorf("expected default policy for unregistered type, got %+v", got)
	}

	override := Policy{Base: 10 * time.Second}
	r.SetForType("slow.type", override)
	if got := r.For("slow.type"); got.Base != override.Base {
		t.Errorf("expected override policy, got %+v", got)
	}
	if got := r.For("other.type"); got.Base != def.Base {
		t.Errorf("expected default policy for a different type, got %+v", got)
	}
}

func TestResolver_NilReceiverReturnsDefaultPolicy(t *testing.T) {
	var r *Resolver
	got := r.For("anything")
	if got.Base != DefaultPolicy().Base {
		t.Errorf("expected package default policy from nil resolver, got %+v", got)
	}
}
