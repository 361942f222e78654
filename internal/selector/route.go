package selector

import (
	"net/url"
	"strings"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// RouteRequest carries the match inputs extracted from an inbound request.
// HTTP-family protocols fill Method and Path; gRPC fills Service and Method
// from the :path pseudo-header.
type RouteRequest struct {
	Method string
	Path   string

	GRPCService string
	GRPCMethod  string
}

// MatchRoute selects the route for a request against one upstream.
// Candidates are ranked by priority, then by match specificity, then by
// creation order, so matching is deterministic for any fixed config.
func (s *Selector) MatchRoute(up *config.Upstream, req RouteRequest) (*config.Route, error) {
	var (
		best      *config.Route
		bestScore matchScore
	)

	for i, rt := range s.store.RoutesByUpstream(up.ID) {
		if !rt.IsEnabled() {
			continue
		}
		score, ok := scoreRoute(rt, up.Protocol, req)
		if !ok {
			continue
		}
		score.order = i
		if best == nil || score.better(bestScore) {
			best = rt
			bestScore = score
		}
	}

	if best == nil {
		return nil, oagwerr.New(oagwerr.KindRouteNotFound, "no route matches the request").
			WithField("upstream", up.ID).
			WithField("path", req.Path)
	}
	return best, nil
}

type matchScore struct {
	priority    int
	specificity int
	order       int
}

// better ranks a over b. Higher priority wins, then higher specificity,
// then earlier creation order.
func (a matchScore) better(b matchScore) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.specificity != b.specificity {
		return a.specificity > b.specificity
	}
	return a.order < b.order
}

func scoreRoute(rt *config.Route, proto config.Protocol, req RouteRequest) (matchScore, bool) {
	switch {
	case proto == config.ProtocolGRPC:
		if rt.GRPC == nil {
			return matchScore{}, false
		}
		if rt.GRPC.Service != req.GRPCService {
			return matchScore{}, false
		}
		if rt.GRPC.Method != "" && rt.GRPC.Method != req.GRPCMethod {
			return matchScore{}, false
		}
		spec := 0
		if rt.GRPC.Method != "" {
			spec = 1
		}
		return matchScore{priority: rt.Priority, specificity: spec}, true
	default:
		if rt.HTTP == nil {
			return matchScore{}, false
		}
		if !methodAllowed(rt.HTTP.Methods, req.Method) {
			return matchScore{}, false
		}
		if !pathHasPrefix(req.Path, rt.HTTP.Path) {
			return matchScore{}, false
		}
		return matchScore{priority: rt.Priority, specificity: len(rt.HTTP.Path)}, true
	}
}

// methodAllowed treats an empty method set as match-all.
func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// pathHasPrefix matches on whole path segments: /v1 matches /v1 and
// /v1/users but never /v1users.
func pathHasPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// ForwardPath builds the path sent upstream. The suffix mode decides
// whether the remainder after the matched prefix travels along.
func ForwardPath(rt *config.Route, requestPath string) string {
	matched := strings.TrimSuffix(rt.HTTP.Path, "/")
	if matched == "" {
		matched = "/"
	}
	if rt.PathSuffixMode != config.PathSuffixAppend {
		return matched
	}
	rest := strings.TrimPrefix(requestPath, matched)
	if rest == "" {
		return matched
	}
	if matched == "/" {
		return requestPath
	}
	return matched + rest
}

// FilterQuery applies the route's query allowlist. An absent allowlist
// passes everything through untouched.
func FilterQuery(rt *config.Route, query url.Values) url.Values {
	if rt.QueryAllowlist == nil {
		return query
	}
	allowed := make(map[string]bool, len(rt.QueryAllowlist))
	for _, k := range rt.QueryAllowlist {
		allowed[k] = true
	}
	out := make(url.Values, len(query))
	for k, vs := range query {
		if allowed[k] {
			out[k] = vs
		}
	}
	return out
}
