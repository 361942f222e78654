package plugin

import (
	"context"
	"encoding/json"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// Headers is the builtin header rewrite transform. Attachment config keys:
// request_set, request_remove, response_set, response_remove.
type Headers struct {
	Base
	requestSet     map[string]string
	requestRemove  []string
	responseSet    map[string]string
	responseRemove []string
}

// NewHeaders configures the transform from its attachment config.
func NewHeaders(cfg map[string]any) *Headers {
	return &Headers{
		requestSet:     stringMap(cfg, "request_set"),
		requestRemove:  stringList(cfg, "request_remove"),
		responseSet:    stringMap(cfg, "response_set"),
		responseRemove: stringList(cfg, "response_remove"),
	}
}

func (p *Headers) ID() string              { return "headers" }
func (p *Headers) Kind() config.PluginKind { return config.PluginKindTransform }

func (p *Headers) Phases() []config.PluginPhase {
	return []config.PluginPhase{config.PhaseOnRequest, config.PhaseOnResponse}
}

// OnRequest implements Plugin.
func (p *Headers) OnRequest(_ context.Context, req *Request) Directive {
	for k, v := range p.requestSet {
		req.Header.Set(k, v)
	}
	for _, k := range p.requestRemove {
		req.Header.Del(k)
	}
	return Next()
}

// OnResponse implements Plugin.
func (p *Headers) OnResponse(_ context.Context, _ *Request, resp *Response) Directive {
	for k, v := range p.responseSet {
		resp.Header.Set(k, v)
	}
	for _, k := range p.responseRemove {
		resp.Header.Del(k)
	}
	return Next()
}

// Redact is the builtin body redaction transform. Top-level JSON object
// fields named in the attachment are replaced with a placeholder on
// responses, including error responses.
type Redact struct {
	Base
	fields      []string
	replacement string
}

// NewRedact configures the transform: fields (list) and replacement
// (default "[REDACTED]").
func NewRedact(cfg map[string]any) *Redact {
	return &Redact{
		fields:      stringList(cfg, "fields"),
		replacement: stringOr(cfg, "replacement", "[REDACTED]"),
	}
}

func (p *Redact) ID() string              { return "redact" }
func (p *Redact) Kind() config.PluginKind { return config.PluginKindTransform }

func (p *Redact) Phases() []config.PluginPhase {
	return []config.PluginPhase{config.PhaseOnResponse, config.PhaseOnError}
}

// OnResponse implements Plugin.
func (p *Redact) OnResponse(_ context.Context, _ *Request, resp *Response) Directive {
	if redacted, ok := p.redactBody(resp.Body); ok {
		resp.Body = redacted
		resp.Header.Del("Content-Length")
	}
	return Next()
}

// OnError implements Plugin. Error detail fields are scrubbed the same way
// response bodies are.
func (p *Redact) OnError(_ context.Context, _ *Request, failure *oagwerr.Error) *oagwerr.Error {
	for _, field := range p.fields {
		if _, ok := failure.Fields[field]; ok {
			failure = failure.WithField(field, p.replacement)
		}
	}
	return failure
}

// redactBody rewrites matching top-level object fields. Non-JSON and
// non-object bodies pass through untouched.
func (p *Redact) redactBody(body []byte) ([]byte, bool) {
	if len(body) == 0 || len(p.fields) == 0 {
		return nil, false
	}
	var doc map[string]json.RawMessage
	if json.Unmarshal(body, &doc) != nil {
		return nil, false
	}

	replacement, _ := json.Marshal(p.replacement)
	changed := false
	for _, field := range p.fields {
		if _, ok := doc[field]; ok {
			doc[field] = replacement
			changed = true
		}
	}
	if !changed {
		return nil, false
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	return out, true
}

func stringMap(cfg map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch m := cfg[key].(type) {
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func stringList(cfg map[string]any, key string) []string {
	switch l := cfg[key].(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, v := range l {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
