package selector

import (
	"net"
	"strings"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// targetHost is a validated header value. IP literals and hostnames are
// distinct types and never match each other, even when a hostname would
// resolve to the same address.
type targetHost struct {
	canonical string
	ip        net.IP
}

// parseTargetHost validates the raw header value as a bare hostname or IP
// literal. Ports, paths, schemes, and userinfo are format errors; the
// header names a pool member, not an arbitrary destination.
func parseTargetHost(raw string) (targetHost, error) {
	value := strings.TrimSpace(raw)
	invalid := func(reason string) (targetHost, error) {
		return targetHost{}, oagwerr.New(oagwerr.KindInvalidTargetHost,
			"malformed target host header").
			WithField("target_host", raw).
			WithField("reason", reason)
	}

	if value == "" {
		return invalid("empty value")
	}
	if strings.ContainsAny(value, "/?#@ \t") {
		return invalid("must be a bare host, not a URL")
	}
	if strings.Contains(value, "://") {
		return invalid("scheme is not allowed")
	}

	// Bracketed IPv6 with or without port, or host:port.
	if strings.HasPrefix(value, "[") || strings.Count(value, ":") == 1 {
		return invalid("port is not allowed")
	}

	if ip := net.ParseIP(value); ip != nil {
		return targetHost{canonical: ip.String(), ip: ip}, nil
	}
	if strings.Contains(value, ":") {
		// Unbracketed IPv6 that failed to parse.
		return invalid("not a valid IP literal")
	}
	if !validHostname(value) {
		return invalid("not a valid hostname")
	}
	return targetHost{canonical: strings.ToLower(value)}, nil
}

// matches reports whether the target names the endpoint. Hostnames compare
// case-insensitively and exactly; IPs compare by parsed value.
func (t targetHost) matches(ep config.Endpoint) bool {
	epIP := net.ParseIP(ep.Host)
	if t.ip != nil {
		return epIP != nil && t.ip.Equal(epIP)
	}
	if epIP != nil {
		return false
	}
	return strings.EqualFold(t.canonical, ep.Host)
}

// validHostname checks DNS label syntax: letters, digits, hyphens, dots,
// no empty labels, no leading or trailing hyphen per label.
func validHostname(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	host = strings.TrimSuffix(host, ".")
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '-':
			default:
				return false
			}
		}
	}
	return true
}
