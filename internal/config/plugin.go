package config

// PluginKind is the functional role of a plugin. Attaching a plugin of the
// wrong kind to a slot is a config-validation error, not a runtime error.
type PluginKind string

const (
	PluginKindAuth      PluginKind = "auth"
	PluginKindGuard     PluginKind = "guard"
	PluginKindTransform PluginKind = "transform"
)

// PluginPhase is one execution phase of the chain.
type PluginPhase string

const (
	PhaseOnRequest  PluginPhase = "on_request"
	PhaseOnResponse PluginPhase = "on_response"
	PhaseOnError    PluginPhase = "on_error"
)

// PluginRef points at either a builtin plugin by name or a custom plugin
// definition by UUID, with per-attachment configuration.
type PluginRef struct {
	ID     string         `yaml:"id" json:"id"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// PluginDef is a stored custom plugin definition. Definitions are immutable
// once created; update is unsupported, only create and delete.
type PluginDef struct {
	ID     string        `yaml:"id" json:"id"`
	Tenant string        `yaml:"tenant" json:"tenant"`
	Kind   PluginKind    `yaml:"kind" json:"kind"`
	Phases []PluginPhase `yaml:"phases" json:"phases"`

	// Source is the sandboxed expression evaluated per request. It must
	// yield one of "next", "reject", or "respond".
	Source string `yaml:"source" json:"source"`
}

// HasPhase reports whether the definition participates in the phase.
func (d *PluginDef) HasPhase(p PluginPhase) bool {
	for _, have := range d.Phases {
		if have == p {
			return true
		}
	}
	return false
}
