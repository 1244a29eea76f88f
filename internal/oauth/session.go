package oauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"calnotify/internal/domain"
)

// Read-only scopes needed to list calendars and their events.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/calendar.calendarlist.readonly",
	"https://www.googleapis.com/auth/calendar.events.readonly",
}

// Config holds the OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Endpoint defaults to google.Endpoint.
	Endpoint oauth2.Endpoint
	// Timeout bounds each outbound call made through HTTPClient.
	Timeout time.Duration
}

// Rotation is reported when the provider issues a new access token mid-call.
// RefreshToken is empty unless the provider reissued a different one.
type Rotation struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// RotationFunc persists a rotated token. Its errors are logged, never returned
// to the call that triggered the refresh.
type RotationFunc func(ctx context.Context, r Rotation) error

// Session manages one user's OAuth credentials against the provider.
type Session struct {
	config  *oauth2.Config
	timeout time.Duration

	mu        sync.Mutex
	token     *oauth2.Token
	onRotated RotationFunc
}

func NewSession(cfg Config) *Session {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	return &Session{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		timeout: cfg.Timeout,
	}
}

// NewState returns a fresh one-time state value for an authorization round trip.
func NewState() string {
	return uuid.NewString()
}

// AuthCodeURL builds the consent URL. Offline access is requested so the
// provider issues a refresh token.
func (s *Session) AuthCodeURL(state string) string {
	return s.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// Exchange trades an authorization code for a token owned by userID.
func (s *Session) Exchange(ctx context.Context, userID, code string) (domain.Token, error) {
	tok, err := s.config.Exchange(ctx, code)
	if err != nil {
		return domain.Token{}, fmt.Errorf("unable to exchange code for token: %w", err)
	}
	return domain.Token{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// InjectToken sets the credentials used by subsequent calls. No I/O.
func (s *Session) InjectToken(tok domain.Token) {
	t := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       tok.Expiry,
	}
	// An unknown expiry would pin the access token forever; with a refresh
	// token available, treat it as stale so the first call refreshes.
	if t.Expiry.IsZero() && t.RefreshToken != "" {
		t.Expiry = time.Unix(1, 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
}

// OnTokenRotated registers the rotation listener, replacing any previous one.
func (s *Session) OnTokenRotated(fn RotationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRotated = fn
}

// HTTPClient returns a client that authorizes requests with the injected
// token and refreshes it transparently. ctx supplies the base HTTP client
// for refresh calls (see oauth2.HTTPClient).
func (s *Session) HTTPClient(ctx context.Context) *http.Client {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if tok == nil {
		tok = &oauth2.Token{}
	}

	src := &notifyingSource{
		ctx:     ctx,
		session: s,
		base:    s.config.TokenSource(ctx, tok),
		last:    tok,
	}
	client := oauth2.NewClient(ctx, src)
	client.Timeout = s.timeout
	return client
}

// Token returns the credentials currently held in memory.
func (s *Session) Token() domain.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return domain.Token{}
	}
	return domain.Token{
		AccessToken:  s.token.AccessToken,
		RefreshToken: s.token.RefreshToken,
		Expiry:       s.token.Expiry,
	}
}

func (s *Session) rotated(ctx context.Context, prev, next *oauth2.Token) {
	s.mu.Lock()
	s.token = next
	fn := s.onRotated
	s.mu.Unlock()

	if fn == nil || next.AccessToken == "" {
		return
	}

	r := Rotation{AccessToken: next.AccessToken, Expiry: next.Expiry}
	if next.RefreshToken != "" && next.RefreshToken != prev.RefreshToken {
		r.RefreshToken = next.RefreshToken
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("Token rotation listener panicked")
		}
	}()
	if err := fn(ctx, r); err != nil {
		log.Error().Err(err).Msg("Failed to persist rotated token")
	}
}

// notifyingSource wraps the refreshing token source and reports every
// access token change to the session.
type notifyingSource struct {
	ctx     context.Context
	session *Session
	base    oauth2.TokenSource

	mu   sync.Mutex
	last *oauth2.Token
}

func (n *notifyingSource) Token() (*oauth2.Token, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tok, err := n.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != n.last.AccessToken {
		prev := n.last
		n.last = tok
		n.session.rotated(n.ctx, prev, tok)
	}
	return tok, nil
}
