package config

// PathSuffixMode controls what happens to the request path remainder after
// the matched prefix.
type PathSuffixMode string

const (
	// PathSuffixDisabled drops the remainder; only the matched path is sent.
	PathSuffixDisabled PathSuffixMode = "disabled"

	// PathSuffixAppend appends the remainder to the upstream path.
	PathSuffixAppend PathSuffixMode = "append"
)

// HTTPMatch matches HTTP requests by method set and path prefix.
type HTTPMatch struct {
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Path    string   `yaml:"path" json:"path"`
}

// GRPCMatch matches gRPC requests by fully-qualified service and method.
// An empty method matches every method of the service.
type GRPCMatch struct {
	Service string `yaml:"service" json:"service"`
	Method  string `yaml:"method,omitempty" json:"method,omitempty"`
}

// Route binds match criteria to one upstream. Higher priority wins on
// ambiguity; ties break by most-specific match, then creation order.
type Route struct {
	ID       string `yaml:"id" json:"id"`
	Upstream string `yaml:"upstream" json:"upstream"`
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"`
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	HTTP *HTTPMatch `yaml:"http,omitempty" json:"http,omitempty"`
	GRPC *GRPCMatch `yaml:"grpc,omitempty" json:"grpc,omitempty"`

	PathSuffixMode PathSuffixMode `yaml:"pathSuffixMode,omitempty" json:"pathSuffixMode,omitempty"`
	QueryAllowlist []string       `yaml:"queryAllowlist,omitempty" json:"queryAllowlist,omitempty"`

	// Cost is the rate-limit token weight for requests on this route.
	Cost int `yaml:"cost,omitempty" json:"cost,omitempty"`

	Plugins *PluginPolicy `yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// IsEnabled reports whether the route accepts traffic. Absent means enabled.
func (r *Route) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// EffectiveCost returns the token debit for one request on this route.
func (r *Route) EffectiveCost() int {
	if r.Cost <= 0 {
		return 1
	}
	return r.Cost
}
