package secrets

import (
	"context"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// VaultProvider reads secrets from a KV v2 mount. Secret names use the
// form "path/to/secret[#field]"; the field defaults to "value".
type VaultProvider struct {
	client *vaultapi.Client
	mount  string
	logger observability.Logger
}

// NewVaultProvider connects to Vault with token auth.
func NewVaultProvider(cfg config.VaultConfig, logger observability.Logger) (*VaultProvider, error) {
	vc := vaultapi.DefaultConfig()
	vc.Address = cfg.Address

	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &VaultProvider{client: client, mount: mount, logger: logger}, nil
}

// Get implements Provider.
func (p *VaultProvider) Get(ctx context.Context, name string) (string, error) {
	path, field := splitSecretName(name)

	secret, err := p.client.KVv2(p.mount).Get(ctx, path)
	if err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	raw, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrNotFound, name)
	}
	return value, nil
}

func splitSecretName(name string) (path, field string) {
	if i := strings.LastIndex(name, "#"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, "value"
}
