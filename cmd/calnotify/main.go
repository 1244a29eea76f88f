package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"calnotify/internal/calendar"
	"calnotify/internal/config"
	"calnotify/internal/domain"
	"calnotify/internal/line"
	"calnotify/internal/notify"
	"calnotify/internal/oauth"
	"calnotify/internal/outbox"
	"calnotify/internal/server"
	"calnotify/internal/store"
)

const usage = `usage: calnotify [-config path] <command> [args]

commands:
  serve                                   run scheduled digests and the OAuth callback server
  run                                     send every user their digest once
  authurl <userID>                        print an authorization URL for a user
  calendars <userID>                      list the user's calendars
  subscribe <userID> <calendarID> [name]  add a calendar to the user's digest
  unsubscribe <userID> <calendarID>       remove a calendar from the user's digest
  revoke <userID>                         forget the user's token and subscriptions
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 || checkArgs(args[0], args[1:]) != nil {
		flag.Usage()
		os.Exit(2)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Setup logging
	setupLogging(cfg.Logging)

	a, err := newApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.close()

	// Handle shutdown gracefully
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.dispatch(ctx, args[0], args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		log.Fatal().Err(err).Str("command", args[0]).Msg("Command failed")
	}
}

var errUsage = errors.New("usage")

// commandArgs holds the accepted positional argument counts per command.
var commandArgs = map[string]struct{ min, max int }{
	"serve":       {0, 0},
	"run":         {0, 0},
	"authurl":     {1, 1},
	"calendars":   {1, 1},
	"subscribe":   {2, 3},
	"unsubscribe": {2, 2},
	"revoke":      {1, 1},
}

// checkArgs returns errUsage for unknown commands or a wrong argument count.
func checkArgs(cmd string, args []string) error {
	n, ok := commandArgs[cmd]
	if !ok || len(args) < n.min || len(args) > n.max {
		return errUsage
	}
	return nil
}

type app struct {
	cfg    *config.Config
	db     *store.DB
	outbox *outbox.Queue
	line   *line.Client
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:  cfg,
		db:   db,
		line: line.NewClient(cfg.Line.BaseURL, cfg.Line.ChannelAccessToken),
	}

	// Initialize the delivery outbox if enabled
	if cfg.Outbox.Enabled {
		q, err := outbox.New(outbox.Config{
			Path:           cfg.Outbox.Path,
			MaxRetries:     cfg.Outbox.MaxRetries,
			InitialBackoff: time.Duration(cfg.Outbox.InitialBackoffSecs) * time.Second,
			MaxBackoff:     time.Duration(cfg.Outbox.MaxBackoffSecs) * time.Second,
			BackoffFactor:  cfg.Outbox.BackoffFactor,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		a.outbox = q
	}
	return a, nil
}

func (a *app) close() {
	if a.outbox != nil {
		a.outbox.Close()
	}
	a.db.Close()
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	if err := checkArgs(cmd, args); err != nil {
		return err
	}
	switch cmd {
	case "serve":
		return a.serve(ctx)
	case "run":
		summary, err := a.manager().RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("users=%d delivered=%d failed=%d\n", summary.Users, summary.Delivered, summary.Failed)
		return nil
	case "authurl":
		return a.authURL(ctx, args[0])
	case "calendars":
		return a.listCalendars(ctx, args[0])
	case "subscribe":
		ref := domain.CalendarRef{ID: args[1]}
		if len(args) == 3 {
			ref.Name = args[2]
		}
		return a.db.Subscriptions().AddSubscription(ctx, args[0], ref)
	case "unsubscribe":
		return a.db.Subscriptions().RemoveSubscription(ctx, args[0], args[1])
	case "revoke":
		return a.revoke(ctx, args[0])
	default:
		return errUsage
	}
}

func (a *app) newSession() *oauth.Session {
	return oauth.NewSession(oauth.Config{
		ClientID:     a.cfg.Google.ClientID,
		ClientSecret: a.cfg.Google.ClientSecret,
		RedirectURL:  a.cfg.Google.RedirectURL,
		Scopes:       a.cfg.Google.Scopes,
		Timeout:      a.cfg.RequestTimeout(),
	})
}

func (a *app) manager() *notify.Manager {
	var dispatcher notify.Dispatcher = a.line
	if a.outbox != nil {
		dispatcher = &outbox.Dispatcher{Pusher: a.line, Queue: a.outbox}
	}
	return notify.NewManager(
		a.db.Tokens(),
		a.db.Subscriptions(),
		dispatcher,
		func() notify.Session { return a.newSession() },
		func(ctx context.Context, client *http.Client) (calendar.EventLister, error) {
			return calendar.NewGoogleGateway(ctx, client)
		},
		notify.Config{
			Location: a.cfg.Location(),
			DefaultCalendar: domain.CalendarRef{
				ID:   a.cfg.Notify.DefaultCalendarID,
				Name: a.cfg.Notify.DefaultCalendarName,
			},
			MaxConcurrent: a.cfg.Notify.MaxConcurrentUsers,
		},
	)
}

func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loc := a.cfg.Location()
	manager := a.manager()

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&log.Logger))),
	)
	if _, err := c.AddFunc(a.cfg.Schedule.Cron, func() {
		if err := manager.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduled digest run failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", a.cfg.Schedule.Cron, err)
	}

	// States expire on their own; this only keeps the table small.
	if _, err := c.AddFunc("@hourly", func() {
		if _, err := a.db.States().PurgeExpired(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to purge OAuth states")
		}
	}); err != nil {
		return err
	}

	c.Start()
	log.Info().
		Str("schedule", a.cfg.Schedule.Cron).
		Str("timezone", loc.String()).
		Msg("Scheduler started")

	var wg sync.WaitGroup
	if a.outbox != nil {
		p := outbox.NewProcessor(a.outbox, a.line, outbox.ProcessorConfig{
			CheckInterval: time.Duration(a.cfg.Outbox.ProcessIntervalSecs) * time.Second,
			BatchSize:     a.cfg.Outbox.BatchSize,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	states := a.db.States(store.WithStateTTL(a.stateTTL()))
	srv := server.New(states, a.db.Tokens(), a.newSession(), a.cfg.Server.Listen)
	err := srv.Start(ctx)

	log.Info().Msg("Shutting down...")
	cancel()
	<-c.Stop().Done()
	wg.Wait()
	log.Info().Msg("Daemon stopped")
	return err
}

func (a *app) stateTTL() time.Duration {
	return time.Duration(a.cfg.Storage.StateTTLSeconds) * time.Second
}

func (a *app) authURL(ctx context.Context, userID string) error {
	state := oauth.NewState()
	if err := a.db.States(store.WithStateTTL(a.stateTTL())).SaveState(ctx, state, userID); err != nil {
		return err
	}
	fmt.Println(a.newSession().AuthCodeURL(state))
	return nil
}

func (a *app) listCalendars(ctx context.Context, userID string) error {
	tokens := a.db.Tokens()
	tok, err := tokens.GetToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load token for %s: %w", userID, err)
	}

	session := a.newSession()
	session.InjectToken(tok)
	session.OnTokenRotated(func(ctx context.Context, r oauth.Rotation) error {
		return tokens.UpdateToken(ctx, domain.TokenUpdate{
			UserID:       userID,
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			Expiry:       r.Expiry,
		})
	})

	gateway, err := calendar.NewGoogleGateway(ctx, session.HTTPClient(ctx))
	if err != nil {
		return err
	}
	cals, err := gateway.ListCalendars(ctx)
	if err != nil {
		return err
	}
	subs, err := a.db.Subscriptions().ListSubscriptions(ctx, userID)
	if err != nil {
		return err
	}
	subscribed := make(map[string]bool, len(subs))
	for _, s := range subs {
		subscribed[s.ID] = true
	}

	for _, c := range cals {
		mark := " "
		if subscribed[c.ID] {
			mark = "*"
		}
		fmt.Printf("%s %s\t%s\n", mark, c.ID, c.Name)
	}
	return nil
}

func (a *app) revoke(ctx context.Context, userID string) error {
	if err := a.db.Tokens().DeleteToken(ctx, userID); err != nil {
		return err
	}
	n, err := a.db.Subscriptions().RemoveAllSubscriptions(ctx, userID)
	if err != nil {
		return err
	}
	log.Info().Str("user", userID).Int64("subscriptions", n).Msg("User revoked")
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output = os.Stdout
	if cfg.Path != "" {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to open log file, using stdout")
		} else {
			output = file
		}
	}

	// Configure format
	if cfg.Format == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
}
