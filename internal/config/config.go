// Package config provides configuration management for the gateway core.
package config

// Config is the full gateway configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
	Log     LogConfig     `yaml:"log,omitempty" json:"log,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
	Redis   *RedisConfig  `yaml:"redis,omitempty" json:"redis,omitempty"`
	Secrets SecretsConfig `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	Tenants   []Tenant    `yaml:"tenants" json:"tenants"`
	Upstreams []Upstream  `yaml:"upstreams" json:"upstreams"`
	Routes    []Route     `yaml:"routes" json:"routes"`
	Plugins   []PluginDef `yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// GatewayConfig holds listener-level settings.
type GatewayConfig struct {
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	ListenAddr string `yaml:"listenAddr,omitempty" json:"listenAddr,omitempty"`

	// GRPCListenAddr enables the gRPC passthrough listener when set.
	GRPCListenAddr string `yaml:"grpcListenAddr,omitempty" json:"grpcListenAddr,omitempty"`

	// Listener-level global limiter, independent of per-tenant policy.
	GlobalRPS   int `yaml:"globalRps,omitempty" json:"globalRps,omitempty"`
	GlobalBurst int `yaml:"globalBurst,omitempty" json:"globalBurst,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TracingConfig holds OTLP tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SampleRate   float64 `yaml:"sampleRate,omitempty" json:"sampleRate,omitempty"`
}

// RedisConfig enables the distributed rate-limit store.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// SecretsConfig selects and configures the credential store backend.
type SecretsConfig struct {
	Provider string            `yaml:"provider,omitempty" json:"provider,omitempty"`
	Static   map[string]string `yaml:"static,omitempty" json:"static,omitempty"`
	Vault    *VaultConfig      `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultConfig configures the Vault credential backend.
type VaultConfig struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
	Mount   string `yaml:"mount,omitempty" json:"mount,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Name:        "oagw",
			ListenAddr:  ":8080",
			GlobalRPS:   1000,
			GlobalBurst: 2000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 1.0,
		},
		Secrets: SecretsConfig{
			Provider: "env",
		},
	}
}

// TenantByID returns the tenant record, or nil.
func (c *Config) TenantByID(id string) *Tenant {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i]
		}
	}
	return nil
}

// UpstreamByID returns the upstream record, or nil.
func (c *Config) UpstreamByID(id string) *Upstream {
	for i := range c.Upstreams {
		if c.Upstreams[i].ID == id {
			return &c.Upstreams[i]
		}
	}
	return nil
}

// PluginByID returns the custom plugin definition, or nil.
func (c *Config) PluginByID(id string) *PluginDef {
	for i := range c.Plugins {
		if c.Plugins[i].ID == id {
			return &c.Plugins[i]
		}
	}
	return nil
}
