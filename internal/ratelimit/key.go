package ratelimit

import (
	"strings"

	"github.com/vyrodovalexey/oagw/internal/config"
)

// KeyInput carries the request attributes a bucket key may depend on.
type KeyInput struct {
	TenantID   string
	UserID     string
	ClientIP   string
	UpstreamID string
	RouteID    string
}

// BuildKey derives the bucket key for a scope. Keys are namespaced under
// the upstream so distinct upstreams never share a bucket; the global
// scope deliberately pools everything.
func BuildKey(scope config.RateLimitScope, in KeyInput) string {
	var parts []string
	switch scope {
	case config.ScopeGlobal:
		parts = []string{"global"}
	case config.ScopeUser:
		parts = []string{"up", in.UpstreamID, "user", in.UserID}
	case config.ScopeIP:
		parts = []string{"up", in.UpstreamID, "ip", in.ClientIP}
	case config.ScopeRoute:
		parts = []string{"up", in.UpstreamID, "route", in.RouteID}
	default: // tenant
		parts = []string{"up", in.UpstreamID, "tenant", in.TenantID}
	}
	return "oagw:rl:" + strings.Join(parts, ":")
}
