package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/oagw/internal/config"
)

func storeConfig() *config.Config {
	return &config.Config{
		Tenants: []config.Tenant{
			{ID: "root"},
			{ID: "mid", Parent: "root"},
			{ID: "leaf", Parent: "mid"},
		},
		Upstreams: []config.Upstream{
			{
				ID:       "vendor",
				Tenant:   "root",
				Alias:    "Vendor",
				Protocol: config.ProtocolHTTP,
				Endpoints: []config.Endpoint{
					{Scheme: "https", Host: "api.vendor.com", Port: 443},
				},
			},
		},
		Routes: []config.Route{
			{ID: "a", Upstream: "vendor", HTTP: &config.HTTPMatch{Path: "/a"}},
			{ID: "b", Upstream: "vendor", HTTP: &config.HTTPMatch{Path: "/b"}},
		},
		Plugins: []config.PluginDef{
			{ID: "g1", Tenant: "root", Kind: config.PluginKindGuard,
				Phases: []config.PluginPhase{config.PhaseOnRequest}, Source: `"next"`},
		},
	}
}

func TestAncestorChainRootFirst(t *testing.T) {
	s := NewMemoryStore(storeConfig(), nil)

	chain, err := s.AncestorChain("leaf")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "root", chain[0].ID)
	assert.Equal(t, "mid", chain[1].ID)
	assert.Equal(t, "leaf", chain[2].ID)

	_, err = s.AncestorChain("ghost")
	require.Error(t, err)
}

func TestAliasLookupCaseInsensitive(t *testing.T) {
	s := NewMemoryStore(storeConfig(), nil)

	u, ok := s.UpstreamByAlias("root", "vendor")
	require.True(t, ok)
	assert.Equal(t, "vendor", u.ID)

	// The alias index is keyed by the owning tenant only; descendants walk
	// the chain themselves.
	_, ok = s.UpstreamByAlias("leaf", "vendor")
	assert.False(t, ok)
}

func TestRoutesPreserveCreationOrder(t *testing.T) {
	s := NewMemoryStore(storeConfig(), nil)

	routes := s.RoutesByUpstream("vendor")
	require.Len(t, routes, 2)
	assert.Equal(t, "a", routes[0].ID)
	assert.Equal(t, "b", routes[1].ID)
}

func TestSwapBumpsGenerationAndNotifies(t *testing.T) {
	s := NewMemoryStore(storeConfig(), nil)
	require.EqualValues(t, 1, s.Generation())

	notified := 0
	s.Subscribe(func() { notified++ })

	next := storeConfig()
	next.Routes = next.Routes[:1]
	s.Swap(next)

	assert.EqualValues(t, 2, s.Generation())
	assert.Equal(t, 1, notified)
	assert.Len(t, s.RoutesByUpstream("vendor"), 1)

	_, ok := s.Plugin("g1")
	assert.True(t, ok)
	_, ok = s.Plugin("ghost")
	assert.False(t, ok)
}
