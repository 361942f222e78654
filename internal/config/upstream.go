package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol identifies the wire protocol shared by every endpoint in a pool.
type Protocol string

const (
	ProtocolHTTP         Protocol = "http"
	ProtocolSSE          Protocol = "sse"
	ProtocolWebSocket    Protocol = "websocket"
	ProtocolGRPC         Protocol = "grpc"
	ProtocolWebTransport Protocol = "webtransport"
)

// Endpoint is one physical upstream address.
type Endpoint struct {
	Scheme string `yaml:"scheme" json:"scheme"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
}

// Addr returns the host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the scheme://host:port form.
func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s", e.Scheme, e.Addr())
}

// IsIP reports whether the endpoint host is an IP literal rather than a
// hostname. IP literals and hostnames are distinct value types for target
// host matching and never match each other.
func (e Endpoint) IsIP() bool {
	return net.ParseIP(e.Host) != nil
}

// Upstream is one registered upstream service with its endpoint pool and
// policy blocks.
type Upstream struct {
	ID        string     `yaml:"id" json:"id"`
	Tenant    string     `yaml:"tenant" json:"tenant"`
	Alias     string     `yaml:"alias,omitempty" json:"alias,omitempty"`
	Protocol  Protocol   `yaml:"protocol" json:"protocol"`
	Enabled   *bool      `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoints []Endpoint `yaml:"endpoints" json:"endpoints"`

	Auth        *AuthPolicy        `yaml:"auth,omitempty" json:"auth,omitempty"`
	RateLimit   *RateLimitPolicy   `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	Plugins     *PluginPolicy      `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	CORS        *CORSPolicy        `yaml:"cors,omitempty" json:"cors,omitempty"`
	Breaker     *BreakerPolicy     `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
	Concurrency *ConcurrencyPolicy `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// IsEnabled reports whether the upstream accepts traffic. Absent means enabled.
func (u *Upstream) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// EffectiveAlias returns the explicit alias when set, otherwise the derived
// one: a single-endpoint pool derives its endpoint host; a multi-endpoint
// pool derives the longest common DNS suffix of its hostnames.
func (u *Upstream) EffectiveAlias() string {
	if u.Alias != "" {
		return u.Alias
	}
	return DeriveAlias(u.Endpoints)
}

// HasDerivedAlias reports whether the upstream relies on a derived
// common-suffix alias spanning several distinct endpoint hosts. Such pools
// require the target-host selection header on every request.
func (u *Upstream) HasDerivedAlias() bool {
	if u.Alias != "" {
		return false
	}
	alias := DeriveAlias(u.Endpoints)
	for _, ep := range u.Endpoints {
		if strings.EqualFold(ep.Host, alias) {
			return false
		}
	}
	return alias != ""
}

// DeriveAlias computes the implicit alias for an endpoint pool.
func DeriveAlias(endpoints []Endpoint) string {
	if len(endpoints) == 0 {
		return ""
	}
	if len(endpoints) == 1 {
		return strings.ToLower(endpoints[0].Host)
	}

	// Longest common label suffix across all hostnames. IP literals have no
	// label structure and yield no derived alias.
	suffix := labels(endpoints[0].Host)
	for _, ep := range endpoints[1:] {
		if net.ParseIP(ep.Host) != nil {
			return ""
		}
		suffix = commonSuffix(suffix, labels(ep.Host))
		if len(suffix) == 0 {
			return ""
		}
	}
	if net.ParseIP(endpoints[0].Host) != nil {
		return ""
	}
	return strings.Join(suffix, ".")
}

func labels(host string) []string {
	return strings.Split(strings.ToLower(host), ".")
}

func commonSuffix(a, b []string) []string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	matched := 0
	for i := 1; i <= n; i++ {
		if a[len(a)-i] != b[len(b)-i] {
			break
		}
		matched = i
	}
	return a[len(a)-matched:]
}
