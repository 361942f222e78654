// Package secrets is the credential store facade for auth plugins. It
// supports static in-config material, environment variables, and HashiCorp
// Vault, and maps every backend failure into the gateway taxonomy.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// Sentinel errors backends return; the guarded facade translates them.
var (
	ErrNotFound    = errors.New("secret not found")
	ErrUnavailable = errors.New("secret backend unavailable")
)

// Provider resolves a named secret to its string material.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvPrefix namespaces the environment backend's variables.
const EnvPrefix = "OAGW_SECRET_"

// StaticProvider serves secrets from an in-memory map. Intended for tests
// and local development.
type StaticProvider struct {
	values map[string]string
}

// NewStaticProvider creates a provider over a fixed map.
func NewStaticProvider(values map[string]string) *StaticProvider {
	return &StaticProvider{values: values}
}

// Get implements Provider.
func (p *StaticProvider) Get(_ context.Context, name string) (string, error) {
	v, ok := p.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// EnvProvider reads OAGW_SECRET_<NAME> variables. Dots and dashes in the
// secret name map to underscores.
type EnvProvider struct{}

// Get implements Provider.
func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	key := EnvPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(name))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// NewProvider builds the configured backend wrapped in the circuit-breaker
// guard.
func NewProvider(cfg config.SecretsConfig, logger observability.Logger) (Provider, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	var backend Provider
	switch cfg.Provider {
	case "", "env":
		backend = EnvProvider{}
	case "static":
		backend = NewStaticProvider(cfg.Static)
	case "vault":
		if cfg.Vault == nil {
			return nil, fmt.Errorf("vault provider selected without vault config")
		}
		vp, err := NewVaultProvider(*cfg.Vault, logger)
		if err != nil {
			return nil, err
		}
		backend = vp
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}

	return NewGuarded(backend, logger), nil
}

// Classify translates a backend failure into the taxonomy. Missing
// material and unreachable backends both surface as secret_not_found so
// callers cannot distinguish which secrets exist.
func Classify(name string, err error) *oagwerr.Error {
	return oagwerr.Wrap(oagwerr.KindSecretNotFound, "credential material unavailable", err).
		WithField("secret", name)
}
