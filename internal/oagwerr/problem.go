package oagwerr

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Error source markers carried in the X-OAGW-Error-Source header.
const (
	SourceGateway  = "gateway"
	SourceUpstream = "upstream"
)

// HeaderErrorSource distinguishes gateway-originated failures from
// passthrough upstream failures.
const HeaderErrorSource = "X-OAGW-Error-Source"

// ContentTypeProblem is the RFC 9457 media type.
const ContentTypeProblem = "application/problem+json"

// Problem is the RFC 9457 Problem-Details body rendered for every
// gateway-originated failure.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	// Extension members, flattened into the body on marshal.
	Fields map[string]any `json:"-"`
}

// MarshalJSON flattens extension fields into the top-level object.
func (p Problem) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 4+len(p.Fields))
	out["type"] = p.Type
	out["title"] = p.Title
	out["status"] = p.Status
	if p.Detail != "" {
		out["detail"] = p.Detail
	}
	for k, v := range p.Fields {
		if k == "type" || k == "title" || k == "status" || k == "detail" {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// ToProblem converts a classified error into its Problem-Details payload.
func (e *Error) ToProblem() Problem {
	return Problem{
		Type:   e.Kind.TypeString(),
		Title:  string(e.Kind),
		Status: e.Status,
		Detail: e.Detail,
		Fields: e.Fields,
	}
}

// WriteHTTP renders the error as a gateway-sourced Problem-Details response.
// Retriable classes carry a Retry-After header; a zero hint defaults to one
// second so callers always get a usable value.
func (e *Error) WriteHTTP(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ContentTypeProblem)
	w.Header().Set(HeaderErrorSource, SourceGateway)

	if e.Retriable() {
		retryAfter := e.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.WriteHeader(e.Status)

	body, err := json.Marshal(e.ToProblem())
	if err != nil {
		// Marshal of a map[string]any with JSON-safe values cannot fail in
		// practice; fall back to the bare type string.
		body = []byte(`{"type":"` + e.Kind.TypeString() + `"}`)
	}
	_, _ = w.Write(body)
}
