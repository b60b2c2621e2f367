package auth

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	identityFetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_identity_fetches_total",
		Help: "Total number of identities obtained from the identity provider",
	})

	identityFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_identity_failures_total",
		Help: "Total number of failed identity fetches",
	})
)

func init() {
	prometheus.MustRegister(identityFetchesTotal)
	prometheus.MustRegister(identityFailuresTotal)
}

// TokenMode selects how the session token is presented to the destination.
type TokenMode string

const (
	// TokenQuery appends the token as a query parameter (?auth=...).
	TokenQuery TokenMode = "query"
	// TokenBearer sends an Authorization: Bearer header.
	TokenBearer TokenMode = "bearer"
	// TokenNone sends no token.
	TokenNone TokenMode = "none"
)

// ServerConfig holds authentication configuration for the local API.
type ServerConfig struct {
	// Enabled enables authentication for the server.
	Enabled bool
	// BearerToken is the expected bearer token for authentication.
	BearerToken string
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string
}

// ClientConfig holds authentication configuration for destination requests.
type ClientConfig struct {
	// TokenMode selects how the session token is sent.
	TokenMode TokenMode
	// QueryParam is the token query parameter name (default "auth").
	QueryParam string
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string
	// Headers is a map of custom headers to send with requests.
	Headers map[string]string
}

// TokenSource supplies the current token. An empty token is not sent.
type TokenSource interface {
	Token() string
}

// HTTPMiddleware returns an HTTP middleware for authentication.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		if cfg.BearerToken != "" {
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}
			if token != cfg.BearerToken {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if cfg.BasicAuthUsername != "" && cfg.BasicAuthPassword != "" {
			expected := "Basic " + basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword)
			if auth != expected {
				http.Error(w, "invalid basic auth credentials", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// HTTPTransport returns an http.RoundTripper that adds the session token
// and the configured headers to every request.
func HTTPTransport(cfg ClientConfig, tokens TokenSource, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.TokenMode == "" {
		cfg.TokenMode = TokenQuery
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "auth"
	}
	return &authTransport{
		base:   base,
		cfg:    cfg,
		tokens: tokens,
	}
}

type authTransport struct {
	base   http.RoundTripper
	cfg    ClientConfig
	tokens TokenSource
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())

	token := ""
	if t.tokens != nil {
		token = t.tokens.Token()
	}
	if token != "" {
		switch t.cfg.TokenMode {
		case TokenQuery:
			q := reqClone.URL.Query()
			q.Set(t.cfg.QueryParam, token)
			reqClone.URL.RawQuery = q.Encode()
		case TokenBearer:
			reqClone.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if t.cfg.BasicAuthUsername != "" && t.cfg.BasicAuthPassword != "" {
		reqClone.SetBasicAuth(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword)
	}

	for k, v := range t.cfg.Headers {
		reqClone.Header.Set(k, v)
	}

	return t.base.RoundTrip(reqClone)
}

func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
