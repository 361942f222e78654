package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/oagw/internal/observability"
)

// Guarded wraps a backend with a circuit breaker so a flapping credential
// store fails fast instead of stalling every auth plugin invocation.
// Missing secrets are not backend failures and never trip the breaker.
type Guarded struct {
	backend Provider
	cb      *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewGuarded wraps the backend.
func NewGuarded(backend Provider, logger observability.Logger) *Guarded {
	if logger == nil {
		logger = observability.NopLogger()
	}
	g := &Guarded{backend: backend, logger: logger}

	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "secrets",
		MaxRequests: 3,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("credential store breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	return g
}

// Get implements Provider.
func (g *Guarded) Get(ctx context.Context, name string) (string, error) {
	value, err := g.cb.Execute(func() (interface{}, error) {
		return g.backend.Get(ctx, name)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return value.(string), nil
}
