package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

func failN(b *Breaker, n int) {
	for range n {
		_ = b.Call(context.Background(), func(context.Context) error { return errUpstream })
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{Name: "embed", FailThreshold: 3, Timeout: time.Hour})
	failN(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	failN(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Call(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("open breaker must not invoke f")
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 20 * time.Millisecond})
	failN(b, 1)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}
	time.Sleep(40 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	bad := errors.New("bad request")
	b := NewBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       time.Hour,
		IsFailure:     func(err error) bool { return !errors.Is(err, bad) },
	})
	for range 5 {
		err := b.Call(context.Background(), func(context.Context) error { return bad })
		if !errors.Is(err, bad) {
			t.Fatalf("err = %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatal("caller errors should not trip the breaker")
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	var transitions []State
	b := NewBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       time.Hour,
		OnStateChange: func(_ string, _, to State) { transitions = append(transitions, to) },
	})
	failN(b, 1)
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestLimiterBurstThenLimited(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 2})
	for range 2 {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("burst of 2 should pass: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimiterOpts{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 100 {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("zero rate should disable limiting: %v", err)
		}
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
