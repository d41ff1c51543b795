package health

import (
	"context"
	"errors"
	"testing"

	"github.com/tampabayelite/taylor/internal/market"
	"github.com/tampabayelite/taylor/internal/resilience"
)

func TestBreaker(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "live-connect", MaxFailures: 1})
	c := Breaker(cb)
	if c.Name != "breaker:live-connect" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("closed breaker: %v", err)
	}

	_ = cb.Execute(func() error { return errors.New("refused") })
	if err := c.Check(context.Background()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("open breaker: got %v, want ErrCircuitOpen", err)
	}
}

func TestMarket(t *testing.T) {
	store := market.NewStore(nil)
	c := Market(store)
	if err := c.Check(context.Background()); err == nil {
		t.Error("empty dataset should fail")
	}
	store.Replace(market.Defaults())
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("populated dataset: %v", err)
	}
}

func TestFallback(t *testing.T) {
	tests := []struct {
		name    string
		states  []resilience.MemberState
		wantErr bool
	}{
		{"none", nil, true},
		{"primary closed", []resilience.MemberState{{Name: "genai", State: resilience.StateClosed}}, false},
		{"fallback half-open", []resilience.MemberState{
			{Name: "genai", State: resilience.StateOpen},
			{Name: "openai", State: resilience.StateHalfOpen},
		}, false},
		{"all open", []resilience.MemberState{
			{Name: "genai", State: resilience.StateOpen},
			{Name: "openai", State: resilience.StateOpen},
		}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Fallback("llm", func() []resilience.MemberState { return tc.states })
			if err := c.Check(context.Background()); (err != nil) != tc.wantErr {
				t.Errorf("Check = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
