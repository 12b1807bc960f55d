package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.threshold != 5 {
		t.Errorf("threshold = %d, want 5", cb.threshold)
	}
	if cb.cooldown != 60*time.Second {
		t.Errorf("cooldown = %v, want 60s", cb.cooldown)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", Threshold: 3})
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:      "test",
		Threshold: 3,
		Cooldown:  time.Hour, // long cooldown so it stays open
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errTest })
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	// While open the breaker must fail fast with zero external I/O.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn was called while the breaker was open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", Threshold: 3})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestCircuitBreaker_ProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:      "test",
		Threshold: 2,
		Cooldown:  10 * time.Millisecond,
	})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open after cooldown", cb.State())
	}

	// Successful probe closes the breaker.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: unexpected error: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
}

func TestCircuitBreaker_ProbeReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:      "test",
		Threshold: 2,
		Cooldown:  10 * time.Millisecond,
	})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	err := cb.Execute(func() error { return errTest })
	if err == nil {
		t.Fatal("expected error from failing probe")
	}

	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", s)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:      "test",
		Threshold: 2,
		Cooldown:  time.Hour,
	})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:      "test",
		Threshold: 1,
		Cooldown:  5 * time.Millisecond,
		OnStateChange: func(name string, s State) {
			if name != "test" {
				t.Errorf("hook name = %q, want test", name)
			}
			transitions = append(transitions, s)
		},
	})

	_ = cb.Execute(func() error { return errTest }) // closed → open
	time.Sleep(10 * time.Millisecond)
	_ = cb.Execute(func() error { return nil }) // open → half_open → closed

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerSet_NamedBreakers(t *testing.T) {
	s := NewBreakerSet(CircuitBreakerConfig{Threshold: 2, Cooldown: time.Hour})

	for _, name := range []string{
		BreakerModelInference, BreakerSessionCreation, BreakerToolExecution,
		BreakerMemoryRead, BreakerMemoryWrite, BreakerVoiceSTT, BreakerVoiceTTS,
	} {
		cb := s.Get(name)
		if cb == nil || cb.Name() != name {
			t.Fatalf("Get(%q) returned %v", name, cb)
		}
	}

	// Opening one breaker must not affect another.
	mi := s.Get(BreakerModelInference)
	_ = mi.Execute(func() error { return errTest })
	_ = mi.Execute(func() error { return errTest })
	if mi.State() != StateOpen {
		t.Fatal("model_inference breaker should be open")
	}
	if s.Get(BreakerToolExecution).State() != StateClosed {
		t.Fatal("tool_execution breaker should be unaffected")
	}

	states := s.States()
	if states[BreakerModelInference] != StateOpen {
		t.Fatalf("States()[model_inference] = %v, want open", states[BreakerModelInference])
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
