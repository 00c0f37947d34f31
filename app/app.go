package courierlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/putto11262002/courierlink/core"
	"github.com/putto11262002/courierlink/internal/supervisor"
	"github.com/putto11262002/courierlink/migrations"
	"github.com/putto11262002/courierlink/pkg/router"
)

type App struct {
	config  *Config
	context context.Context
	logger  *slog.Logger

	db        *core.SQLiteDB
	store     *core.SQLiteHistoryStore
	persister *core.Persister

	auth        core.Authenticator
	rooms       *core.Registry
	feed        *core.Feed
	locations   *core.LocationManager
	resume      *core.ResumeHandler
	housekeeper *core.Housekeeper
	eventRouter *core.EventRouter
	gateway     *core.Gateway

	router *router.Router
	server *http.Server
	tree   *supervisor.Tree
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New wires the application. A nil ctx is replaced by one that is cancelled on
// SIGINT or SIGTERM; a nil config is loaded from the environment.
func New(ctx context.Context, config *Config) (*App, error) {
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}

	app := &App{
		config:  config,
		context: ctx,
		logger:  newLogger(config.LogLevel),
	}

	var err error
	app.db, err = core.NewSQLiteDB(config.SQLite.File, migrations.FS, &core.SQLiteDBOption{
		Mode:        "rwc",
		JournalMode: "WAL",
		BusyTimeout: int(config.SQLite.BusyTimeout.Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := app.db.Migrate(); err != nil {
		app.db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	app.store = core.NewSQLiteHistoryStore(app.db.DB)

	app.persister = core.NewPersister(app.store, core.PersisterConfig{
		QueueSize:       config.Persist.QueueSize,
		BatchSize:       config.Persist.BatchSize,
		RetryMaxElapsed: config.Persist.RetryMaxElapsed,
		BreakerTimeout:  config.Persist.BreakerTimeout,
	}, app.logger.With(slog.String("component", "persister")))

	app.auth = core.NewTokenAuthenticator(config.Auth.Secret)
	app.rooms = core.NewRegistry(core.RoomConfig{
		BufferSize:   config.Rooms.BufferSize,
		TypingTTL:    config.Rooms.TypingTTL,
		IdleGrace:    config.Rooms.IdleGrace,
		DedupeWindow: config.Rooms.DedupeWindow,
	}, app.store, app.persister, app.logger.With(slog.String("component", "rooms")))
	app.feed = core.NewFeed()
	app.locations = core.NewLocationManager(core.LocationConfig{Timeout: config.Tracking.Timeout},
		app.rooms, app.feed, app.persister, app.store, app.logger.With(slog.String("component", "locations")))
	app.resume = core.NewResumeHandler(app.rooms, app.locations, config.ResumeGrace,
		app.logger.With(slog.String("component", "resume")))

	app.housekeeper = core.NewHousekeeper(config.SweepInterval, app.logger.With(slog.String("component", "housekeeper")),
		app.rooms,
		core.SweepFunc(func(now time.Time) { app.locations.Sweep(now) }),
		core.SweepFunc(func(now time.Time) { app.resume.Sweep(now) }),
		core.SweepFunc(func(time.Time) { app.feed.Prune() }),
	)

	app.eventRouter = core.NewEventRouter(app.logger.With(slog.String("component", "events")))
	app.registerEvents()

	app.gateway = core.NewGateway(app.context, app.auth, app.eventRouter,
		app.logger.With(slog.String("component", "gateway")),
		core.WithCheckOrigin(app.checkOrigin),
		core.WithSendQueueSize(config.WS.SendQueue),
		core.WithRateLimit(rate.Limit(config.WS.RateLimit), config.WS.RateBurst))
	app.gateway.OnConnect(app.onConnect)
	app.gateway.OnDisconnect(app.onDisconnect)

	app.router = app.routes()

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	// hijacked websocket connections are not closed by Shutdown
	app.server.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.gateway.Close(ctx); err != nil {
			app.logger.Warn(err.Error())
		}
	})

	app.tree = supervisor.NewTree(app.logger.With(slog.String("component", "supervisor")), supervisor.TreeConfig{})
	app.tree.AddDataService(app.persister)
	app.tree.AddRealtimeService(app.housekeeper)
	if config.TLS.Crt != "" {
		app.server.TLSConfig = &defaultTLSConfig
		app.tree.AddAPIService(supervisor.NewHTTPService(&tlsServer{Server: app.server, crt: config.TLS.Crt, key: config.TLS.Key}, 10*time.Second))
	} else {
		app.tree.AddAPIService(supervisor.NewHTTPService(app.server, 10*time.Second))
	}

	return app, nil
}

func (app *App) routes() *router.Router {
	r := router.New(router.WithLogger(app.logger.With(slog.String("component", "http"))))
	r.RegisterErrorMapper(mapCoreError)

	r.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Router.Handle("/ws", app.gateway)
	r.Router.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", app.HealthHandler)

	authenticated := core.BearerMiddleware(app.auth)
	r.Route("/api", func(api *router.Router) {
		api.Router.Use(httprate.LimitByIP(app.config.APIRateLimit, time.Minute))
		api.Use(authenticated)

		api.With(core.RequireRole(core.RoleAdmin)).Get("/locations/latest", app.LatestLocationsHandler)
		api.Get("/locations/sessions", app.ActiveSessionsHandler)
		api.With(core.RequireRole(core.RoleAdmin)).Get("/orders/{orderID}/locations", app.OrderLocationsHandler)
		api.With(core.RequireRole(core.RoleCourier)).Post("/orders/{orderID}/locations", app.PostLocationHandler)
		api.Get("/rooms/{orderID}/messages", app.RoomMessagesHandler)
	})
	return r
}

func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(app.config.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(app.config.AllowedOrigins, origin)
}

func (app *App) Handler() http.Handler {
	return app.router
}

// Run serves until the app context is cancelled, then drains the persister and
// closes the database.
func (app *App) Run() error {
	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s", app.config.Mode, app.server.Addr))
	err := app.tree.Serve(app.context)
	if report, rerr := app.tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		app.logger.Warn("services did not stop in time", slog.Int("count", len(report)))
	}
	if cerr := app.db.Close(); cerr != nil {
		app.logger.Error(fmt.Sprintf("close database: %v", cerr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	app.logger.Info("app shutdown gracefully")
	return nil
}

// Start runs the app and exits the process with its status.
func (app *App) Start() {
	if err := app.Run(); err != nil {
		failed(1, "server error: %v\n", err)
	}
	os.Exit(0)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
