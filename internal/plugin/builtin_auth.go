package plugin

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/secrets"
)

// APIKey is the builtin api key auth plugin. It compares a request header
// against material from the credential store in constant time.
type APIKey struct {
	Base
	header string
	secret string
	creds  secrets.Provider
}

// NewAPIKey configures the plugin from its attachment config:
// header (default X-API-Key) and secret (credential store name).
func NewAPIKey(cfg map[string]any, creds secrets.Provider) *APIKey {
	return &APIKey{
		header: stringOr(cfg, "header", "X-API-Key"),
		secret: stringOr(cfg, "secret", "api-key"),
		creds:  creds,
	}
}

func (p *APIKey) ID() string                   { return "apikey" }
func (p *APIKey) Kind() config.PluginKind      { return config.PluginKindAuth }
func (p *APIKey) Phases() []config.PluginPhase { return []config.PluginPhase{config.PhaseOnRequest} }

// OnRequest implements Plugin.
func (p *APIKey) OnRequest(ctx context.Context, req *Request) Directive {
	presented := req.Header.Get(p.header)
	if presented == "" {
		return Reject(authFailed("missing api key"))
	}

	expected, err := p.creds.Get(ctx, p.secret)
	if err != nil {
		return Reject(secrets.Classify(p.secret, err))
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return Reject(authFailed("invalid api key"))
	}

	// Credentials never travel upstream.
	req.Header.Del(p.header)
	return Next()
}

// BasicAuth is the builtin basic auth plugin. The credential store holds
// the bcrypt hash of the expected password.
type BasicAuth struct {
	Base
	user   string
	secret string
	creds  secrets.Provider
}

// NewBasicAuth configures the plugin: user (expected username) and secret
// (credential store name of the bcrypt hash).
func NewBasicAuth(cfg map[string]any, creds secrets.Provider) *BasicAuth {
	return &BasicAuth{
		user:   stringOr(cfg, "user", ""),
		secret: stringOr(cfg, "secret", "basic-auth"),
		creds:  creds,
	}
}

func (p *BasicAuth) ID() string                   { return "basic" }
func (p *BasicAuth) Kind() config.PluginKind      { return config.PluginKindAuth }
func (p *BasicAuth) Phases() []config.PluginPhase { return []config.PluginPhase{config.PhaseOnRequest} }

// OnRequest implements Plugin.
func (p *BasicAuth) OnRequest(ctx context.Context, req *Request) Directive {
	user, pass, ok := parseBasicAuth(req.Header.Get("Authorization"))
	if !ok {
		return Reject(authFailed("missing basic credentials"))
	}
	if p.user != "" && subtle.ConstantTimeCompare([]byte(user), []byte(p.user)) != 1 {
		return Reject(authFailed("invalid credentials"))
	}

	hash, err := p.creds.Get(ctx, p.secret)
	if err != nil {
		return Reject(secrets.Classify(p.secret, err))
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) != nil {
		return Reject(authFailed("invalid credentials"))
	}

	req.UserID = user
	req.Header.Del("Authorization")
	return Next()
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}

// JWT is the builtin bearer token auth plugin. Tokens are verified with a
// symmetric key from the credential store; issuer and audience checks are
// optional per attachment.
type JWT struct {
	Base
	secret   string
	issuer   string
	audience string
	creds    secrets.Provider
}

// NewJWT configures the plugin: secret (HMAC key name), issuer, audience.
func NewJWT(cfg map[string]any, creds secrets.Provider) *JWT {
	return &JWT{
		secret:   stringOr(cfg, "secret", "jwt-key"),
		issuer:   stringOr(cfg, "issuer", ""),
		audience: stringOr(cfg, "audience", ""),
		creds:    creds,
	}
}

func (p *JWT) ID() string                   { return "jwt" }
func (p *JWT) Kind() config.PluginKind      { return config.PluginKindAuth }
func (p *JWT) Phases() []config.PluginPhase { return []config.PluginPhase{config.PhaseOnRequest} }

// OnRequest implements Plugin.
func (p *JWT) OnRequest(ctx context.Context, req *Request) Directive {
	raw, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return Reject(authFailed("missing bearer token"))
	}

	key, err := p.creds.Get(ctx, p.secret)
	if err != nil {
		return Reject(secrets.Classify(p.secret, err))
	}

	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, []byte(key)),
		jwt.WithValidate(true),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return Reject(authFailed("token verification failed"))
	}

	req.UserID = token.Subject()
	req.Header.Del("Authorization")
	return Next()
}

func authFailed(detail string) *oagwerr.Error {
	return oagwerr.New(oagwerr.KindAuthFailed, detail)
}

func stringOr(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
