package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/szibis/vitals-sync/internal/logging"
)

// ErrNoIdentity is returned when no user id could be obtained.
var ErrNoIdentity = errors.New("no identity available")

// Identity is the opaque user id every destination path is namespaced
// under, plus the token presented with each request.
type Identity struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// IdentityProvider obtains an identity from an external authority.
type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, error)
}

// StaticProvider returns a fixed identity from configuration.
type StaticProvider struct {
	UserID string
	Token  string
}

func (p StaticProvider) Identity(context.Context) (Identity, error) {
	if p.UserID == "" {
		return Identity{}, fmt.Errorf("%w: user id not configured", ErrNoIdentity)
	}
	return Identity{UserID: p.UserID, Token: p.Token}, nil
}

const (
	defaultSignUpURL  = "https://identitytoolkit.googleapis.com/v1/accounts:signUp"
	defaultRefreshURL = "https://securetoken.googleapis.com/v1/token"
)

// AnonymousConfig configures anonymous sign-in against an identity toolkit
// style REST API.
type AnonymousConfig struct {
	APIKey     string
	SignUpURL  string
	RefreshURL string
	Timeout    time.Duration
	Client     *http.Client
}

// AnonymousProvider signs in anonymously once and afterwards refreshes
// the token, keeping the same user id.
type AnonymousProvider struct {
	cfg    AnonymousConfig
	client *http.Client

	mu           sync.Mutex
	userID       string
	refreshToken string
}

// NewAnonymousProvider creates an anonymous sign-in provider.
func NewAnonymousProvider(cfg AnonymousConfig) *AnonymousProvider {
	if cfg.SignUpURL == "" {
		cfg.SignUpURL = defaultSignUpURL
	}
	if cfg.RefreshURL == "" {
		cfg.RefreshURL = defaultRefreshURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &AnonymousProvider{cfg: cfg, client: client}
}

type signUpResponse struct {
	LocalID      string `json:"localId"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type refreshResponse struct {
	UserID       string `json:"user_id"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

// Identity signs up on first use and refreshes afterwards. If a refresh
// is rejected the provider signs up again, which yields a new user id.
func (p *AnonymousProvider) Identity(ctx context.Context) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refreshToken != "" {
		id, err := p.refresh(ctx)
		if err == nil {
			return id, nil
		}
		logging.Warn("anonymous token refresh failed, signing up again", logging.F(
			"user_id", p.userID,
			"error", err.Error(),
		))
		p.refreshToken = ""
	}
	return p.signUp(ctx)
}

func (p *AnonymousProvider) signUp(ctx context.Context) (Identity, error) {
	var resp signUpResponse
	body, _ := json.Marshal(map[string]any{"returnSecureToken": true})
	if err := p.post(ctx, p.cfg.SignUpURL, "application/json", bytes.NewReader(body), &resp); err != nil {
		return Identity{}, fmt.Errorf("anonymous sign-in: %w", err)
	}
	if resp.LocalID == "" {
		return Identity{}, fmt.Errorf("%w: sign-in response without user id", ErrNoIdentity)
	}
	p.userID = resp.LocalID
	p.refreshToken = resp.RefreshToken
	logging.Info("signed in anonymously", logging.F("user_id", resp.LocalID))
	return Identity{UserID: resp.LocalID, Token: resp.IDToken, ExpiresAt: expiry(resp.ExpiresIn)}, nil
}

func (p *AnonymousProvider) refresh(ctx context.Context) (Identity, error) {
	var resp refreshResponse
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {p.refreshToken}}
	if err := p.post(ctx, p.cfg.RefreshURL, "application/x-www-form-urlencoded", bytes.NewBufferString(form.Encode()), &resp); err != nil {
		return Identity{}, err
	}
	if resp.UserID != "" && resp.UserID != p.userID {
		return Identity{}, fmt.Errorf("refresh returned a different user id %q", resp.UserID)
	}
	if resp.RefreshToken != "" {
		p.refreshToken = resp.RefreshToken
	}
	return Identity{UserID: p.userID, Token: resp.IDToken, ExpiresAt: expiry(resp.ExpiresIn)}, nil
}

func (p *AnonymousProvider) post(ctx context.Context, endpoint, contentType string, body io.Reader, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid identity endpoint: %w", err)
	}
	if p.cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", p.cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("identity endpoint returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode identity response: %w", err)
	}
	return nil
}

func expiry(expiresIn string) time.Time {
	secs, err := strconv.Atoi(expiresIn)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(secs) * time.Second)
}

// Session caches one identity for the process lifetime. It fetches lazily
// when nothing is cached, when the token is about to expire, or after
// Invalidate.
type Session struct {
	provider IdentityProvider
	skew     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	identity *Identity
}

// NewSession creates a session over provider.
func NewSession(provider IdentityProvider) *Session {
	return &Session{provider: provider, skew: time.Minute, now: time.Now}
}

// Identity returns the cached identity or fetches a new one.
func (s *Session) Identity(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil && !s.expiringLocked() {
		return *s.identity, nil
	}
	id, err := s.provider.Identity(ctx)
	if err != nil {
		identityFailuresTotal.Inc()
		return Identity{}, err
	}
	if id.UserID == "" {
		identityFailuresTotal.Inc()
		return Identity{}, ErrNoIdentity
	}
	if s.identity != nil && s.identity.UserID != id.UserID {
		logging.Warn("identity changed, new writes use the new user id", logging.F(
			"old_user_id", s.identity.UserID,
			"new_user_id", id.UserID,
		))
	}
	identityFetchesTotal.Inc()
	s.identity = &id
	return id, nil
}

func (s *Session) expiringLocked() bool {
	exp := s.identity.ExpiresAt
	return !exp.IsZero() && s.now().Add(s.skew).After(exp)
}

// Cached returns the cached identity without fetching.
func (s *Session) Cached() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Token returns the cached token, or "" when nothing is cached.
func (s *Session) Token() string {
	id, _ := s.Cached()
	return id.Token
}

// Invalidate forces the next Identity call to fetch again. The user id is
// kept by providers that can refresh.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil {
		s.identity.ExpiresAt = time.Unix(1, 0)
	}
}
