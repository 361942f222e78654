package plugin

import (
	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/secrets"
	"github.com/vyrodovalexey/oagw/internal/store"
)

// Factory materializes plugin attachments. Builtin identifiers construct
// compiled-in plugins; anything else is looked up as a tenant-registered
// custom plugin in the configuration store.
type Factory struct {
	store  store.Store
	creds  secrets.Provider
	logger observability.Logger
}

// NewFactory returns a Factory backed by the given store and credential
// provider.
func NewFactory(st store.Store, creds secrets.Provider, logger observability.Logger) *Factory {
	return &Factory{store: st, creds: creds, logger: logger}
}

// BuiltinKinds maps the compiled-in plugin identifiers to their kinds. The
// configuration validator uses it to check attachments without constructing
// anything.
func BuiltinKinds() map[string]config.PluginKind {
	return map[string]config.PluginKind{
		"apikey":  config.PluginKindAuth,
		"basic":   config.PluginKindAuth,
		"jwt":     config.PluginKindAuth,
		"cel":     config.PluginKindGuard,
		"headers": config.PluginKindTransform,
		"redact":  config.PluginKindTransform,
	}
}

// Resolve turns an attachment reference into a runnable plugin.
func (f *Factory) Resolve(ref config.PluginRef) (Plugin, error) {
	switch ref.ID {
	case "apikey":
		return NewAPIKey(ref.Config, f.creds), nil
	case "basic":
		return NewBasicAuth(ref.Config, f.creds), nil
	case "jwt":
		return NewJWT(ref.Config, f.creds), nil
	case "cel":
		return NewCELGuard(ref.Config)
	case "headers":
		return NewHeaders(ref.Config), nil
	case "redact":
		return NewRedact(ref.Config), nil
	}

	def, ok := f.store.Plugin(ref.ID)
	if !ok {
		return nil, oagwerr.New(oagwerr.KindPluginNotFound, "plugin not registered").
			WithField("plugin", ref.ID)
	}
	return NewCustom(def)
}
