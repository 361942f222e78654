package config

// SharingMode controls how a policy field combines across the tenant tree.
type SharingMode string

const (
	// SharingInherit lets a descendant override the field if it holds the
	// matching override permission; otherwise the ancestor value passes
	// through unchanged.
	SharingInherit SharingMode = "inherit"

	// SharingEnforce makes the ancestor value a hard constraint the
	// descendant cannot relax.
	SharingEnforce SharingMode = "enforce"

	// SharingPrivate hides the ancestor value entirely; the descendant must
	// supply its own where the field is required.
	SharingPrivate SharingMode = "private"
)

// Permission grants a tenant the right to override a specific policy field
// declared as inherit by an ancestor.
type Permission string

const (
	PermissionOverrideAuth Permission = "override_auth"
	PermissionOverrideRate Permission = "override_rate"
	PermissionAddPlugins   Permission = "add_plugins"
	PermissionOverrideCORS Permission = "override_cors"
)

// Tenant is one node of the tenant hierarchy. Parent is empty for the root.
type Tenant struct {
	ID          string       `yaml:"id" json:"id"`
	Parent      string       `yaml:"parent,omitempty" json:"parent,omitempty"`
	Permissions []Permission `yaml:"permissions,omitempty" json:"permissions,omitempty"`

	// Tenant-level policy defaults; upstream-level blocks refine these.
	Auth      *AuthPolicy      `yaml:"auth,omitempty" json:"auth,omitempty"`
	RateLimit *RateLimitPolicy `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	Plugins   *PluginPolicy    `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	CORS      *CORSPolicy      `yaml:"cors,omitempty" json:"cors,omitempty"`
}

// HasPermission reports whether the tenant was granted the permission.
func (t *Tenant) HasPermission(p Permission) bool {
	for _, have := range t.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// AuthPolicy selects an auth plugin for a resource, with a sharing mode.
type AuthPolicy struct {
	Sharing SharingMode `yaml:"sharing,omitempty" json:"sharing,omitempty"`
	Plugin  PluginRef   `yaml:"plugin" json:"plugin"`
}

// PluginPolicy carries an ordered plugin list with a sharing mode.
type PluginPolicy struct {
	Sharing SharingMode `yaml:"sharing,omitempty" json:"sharing,omitempty"`
	Refs    []PluginRef `yaml:"refs,omitempty" json:"refs,omitempty"`
}

// CORSPolicy carries the allowed origin set with a sharing mode.
type CORSPolicy struct {
	Sharing SharingMode `yaml:"sharing,omitempty" json:"sharing,omitempty"`
	Origins []string    `yaml:"origins,omitempty" json:"origins,omitempty"`
}
