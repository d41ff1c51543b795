package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/tampabayelite/taylor/internal/market"
	"github.com/tampabayelite/taylor/internal/resilience"
)

// Breaker fails while cb is open, i.e. while new sessions would be refused
// without dialling the backend.
func Breaker(cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: "breaker:" + cb.Name(),
		Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	}
}

// Market fails when the published dataset is empty.
func Market(store *market.Store) Checker {
	return Checker{
		Name: "market",
		Check: func(context.Context) error {
			if store.Current().Len() == 0 {
				return errors.New("no neighborhood records loaded")
			}
			return nil
		},
	}
}

// Fallback fails when every member reported by states has an open circuit.
func Fallback(name string, states func() []resilience.MemberState) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			members := states()
			for _, m := range members {
				if m.State != resilience.StateOpen {
					return nil
				}
			}
			if len(members) == 0 {
				return errors.New("no providers configured")
			}
			return fmt.Errorf("all %d providers have open circuits", len(members))
		},
	}
}
