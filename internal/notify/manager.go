package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"calnotify/internal/calendar"
	"calnotify/internal/digest"
	"calnotify/internal/domain"
	"calnotify/internal/oauth"
)

type TokenStore interface {
	ListTokens(ctx context.Context) ([]domain.Token, error)
	UpdateToken(ctx context.Context, u domain.TokenUpdate) error
}

type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, userID string) ([]domain.CalendarRef, error)
}

type Dispatcher interface {
	Send(ctx context.Context, userID, text string) error
}

// Session holds one user's credentials for the length of a pass.
type Session interface {
	InjectToken(tok domain.Token)
	OnTokenRotated(fn oauth.RotationFunc)
	HTTPClient(ctx context.Context) *http.Client
}

// SessionFactory returns a fresh, empty session per user.
type SessionFactory func() Session

// GatewayFactory builds a calendar client authorized by client.
type GatewayFactory func(ctx context.Context, client *http.Client) (calendar.EventLister, error)

// Config holds orchestration settings.
type Config struct {
	Location        *time.Location
	DefaultCalendar domain.CalendarRef
	// MaxConcurrent caps parallel user pipelines. Zero means unbounded.
	MaxConcurrent int
	Now           func() time.Time
}

// Summary reports the outcome of one pass.
type Summary struct {
	Users     int
	Delivered int
	Failed    int
}

type Manager struct {
	tokens     TokenStore
	subs       SubscriptionStore
	dispatcher Dispatcher
	sessions   SessionFactory
	gateways   GatewayFactory
	config     Config
}

func NewManager(tokens TokenStore, subs SubscriptionStore, dispatcher Dispatcher, sessions SessionFactory, gateways GatewayFactory, cfg Config) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultCalendar.ID == "" {
		cfg.DefaultCalendar = domain.DefaultCalendar
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		tokens:     tokens,
		subs:       subs,
		dispatcher: dispatcher,
		sessions:   sessions,
		gateways:   gateways,
		config:     cfg,
	}
}

// Run sends every user their digest. It fails only when the token list
// cannot be loaded; per-user failures are logged and skipped.
func (m *Manager) Run(ctx context.Context) error {
	_, err := m.RunOnce(ctx)
	return err
}

func (m *Manager) RunOnce(ctx context.Context) (Summary, error) {
	tokens, err := m.tokens.ListTokens(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list tokens: %w", err)
	}

	start := time.Now()
	log.Info().Int("users", len(tokens)).Msg("Starting digest run")

	var delivered, failed atomic.Int64
	g := new(errgroup.Group)
	if m.config.MaxConcurrent > 0 {
		g.SetLimit(m.config.MaxConcurrent)
	}
	for _, tok := range tokens {
		tok := tok
		g.Go(func() error {
			if err := m.processUser(ctx, tok); err != nil {
				failed.Add(1)
				log.Error().Err(err).Str("user", tok.UserID).Msg("Digest failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Users:     len(tokens),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}
	log.Info().
		Int("users", summary.Users).
		Int("delivered", summary.Delivered).
		Int("failed", summary.Failed).
		Dur("took", time.Since(start)).
		Msg("Digest run complete")
	return summary, nil
}

func (m *Manager) processUser(ctx context.Context, tok domain.Token) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	userID := tok.UserID
	session := m.sessions()
	session.InjectToken(tok)
	session.OnTokenRotated(func(ctx context.Context, r oauth.Rotation) error {
		return m.tokens.UpdateToken(ctx, domain.TokenUpdate{
			UserID:       userID,
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			Expiry:       r.Expiry,
		})
	})

	gateway, err := m.gateways(ctx, session.HTTPClient(ctx))
	if err != nil {
		return fmt.Errorf("failed to create calendar client: %w", err)
	}

	calendars := m.resolveCalendars(ctx, userID)

	now := m.config.Now()
	window := domain.NextWeek(now, m.config.Location)
	agg := calendar.NewAggregator(gateway, m.config.Location)
	agg.Logger = log.With().Str("user", userID).Logger()
	events := agg.Collect(ctx, calendars, window)

	text := digest.New(m.config.Location).FormatAt(events, now)
	if err := m.dispatcher.Send(ctx, userID, text); err != nil {
		return fmt.Errorf("failed to send digest: %w", err)
	}

	log.Debug().
		Str("user", userID).
		Int("calendars", len(calendars)).
		Int("events", len(events)).
		Msg("Digest sent")
	return nil
}

type subscriptionState int

const (
	subscribed subscriptionState = iota
	noSubscriptions
	lookupFailed
)

type resolution struct {
	state     subscriptionState
	calendars []domain.CalendarRef
	err       error
}

func (m *Manager) lookupSubscriptions(ctx context.Context, userID string) resolution {
	refs, err := m.subs.ListSubscriptions(ctx, userID)
	switch {
	case err != nil:
		return resolution{state: lookupFailed, err: err}
	case len(refs) == 0:
		return resolution{state: noSubscriptions}
	default:
		return resolution{state: subscribed, calendars: refs}
	}
}

// resolveCalendars never returns an empty list.
func (m *Manager) resolveCalendars(ctx context.Context, userID string) []domain.CalendarRef {
	res := m.lookupSubscriptions(ctx, userID)
	switch res.state {
	case subscribed:
		return res.calendars
	case lookupFailed:
		log.Warn().Err(res.err).Str("user", userID).Msg("Subscription lookup failed, using default calendar")
	}
	return []domain.CalendarRef{m.config.DefaultCalendar}
}
