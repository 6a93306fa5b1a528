// Package app wires the quill server runtime: config, logging, persistence,
// the identity provider, the auth lifecycle, HTTP routes and the UI websocket.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"quill/cmd/internal/auth/accesstoken"
	authapi "quill/cmd/internal/auth/api"
	"quill/cmd/internal/authstate"
	"quill/cmd/internal/provider/local"
	"quill/cmd/internal/provider/remote"
	"quill/cmd/internal/realtime"
	"quill/cmd/profile"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// identityBackend is a provider the app can run: the lifecycle contract plus
// the OAuth return trip, profile write-back and a background loop.
type identityBackend interface {
	authstate.IdentityProvider
	authstate.CodeExchanger
	UpdateFullName(ctx context.Context, fullName string) error
	Run(ctx context.Context) error
}

// App is the quill server runtime.
type App struct {
	cfg Config
	log Logger

	pool     *pgxpool.Pool
	registry *prometheus.Registry

	store      *authstate.Store
	metricsSub authstate.Subscription
	backend    identityBackend
	service    *authstate.Service
	listener   *authstate.Listener
	bridge     *realtime.Bridge

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.OAuthRedirectURL == "" {
		cfg.OAuthRedirectURL = runtimeBaseURL(cfg.HTTPAddr) + "/auth/callback"
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	profiles, audit, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	parts, err := newBackend(cfg, log, profiles)
	if err != nil {
		a.Close()
		return nil, err
	}
	backend := parts.backend
	a.backend = backend

	metrics := authstate.NewMetrics(a.registry)
	a.store = authstate.NewStore()
	a.metricsSub = metrics.Observe(a.store)
	a.bridge = realtime.NewBridge(log, realtime.NewHub(log), a.store)

	paths := authstate.Paths{Landing: cfg.LandingPath, SignIn: cfg.SignInPath}
	deps := authstate.Deps{
		Log:            log,
		Store:          a.store,
		Provider:       backend,
		Profiles:       parts.directory,
		Notifier:       a.bridge,
		Router:         a.bridge,
		Paths:          paths,
		Metrics:        metrics,
		SignUpRedirect: cfg.SignUpRedirectURL,
		OAuthRedirect:  cfg.OAuthRedirectURL,
	}
	if a.service, err = authstate.NewService(deps); err != nil {
		a.Close()
		return nil, err
	}
	if a.listener, err = authstate.NewListener(deps); err != nil {
		a.Close()
		return nil, err
	}

	auth, err := authapi.NewHandler(authapi.Deps{
		Log:       log,
		Config:    cfg.API,
		Ops:       a.service,
		Store:     a.store,
		Exchanger: backend,
		Confirmer: parts.confirmer,
		Tokens:    parts.tokens,
		Profiles:  profiles,
		Users:     backend,
		Audit:     audit,
		Paths:     paths,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	a.registerHTTP(mux, auth, realtime.NewWSGateway(log, a.bridge, cfg.WS))
	a.handler = WithRequestLogging(
		WithSecurityHeaders(WithCORS(mux, cfg, log)),
		log,
		newHTTPMetrics(a.registry),
	)
	return a, nil
}

// openStores picks Postgres-backed persistence when a database is configured
// and in-memory stores otherwise.
func (a *App) openStores(ctx context.Context) (profile.Store, authapi.AuditLog, error) {
	horizon := 2 * a.cfg.API.FailureIPWindow
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return profile.NewMemoryStore(), authapi.NewMemoryAuditLog(horizon), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	a.pool = pool

	if a.cfg.DBMigrate {
		if err := ApplySchema(ctx, pool, a.cfg.DBSchema); err != nil {
			a.Close()
			return nil, nil, err
		}
	}

	profiles, err := profile.NewPostgresStore(pool, profile.WithSchema(a.cfg.DBSchema))
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	audit, err := authapi.NewPostgresAuditLog(pool, a.cfg.DBSchema)
	if err != nil {
		a.Close()
		return nil, nil, err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return profiles, audit, nil
}

// backendParts is the identity provider plus the collaborators derived from it.
type backendParts struct {
	backend identityBackend
	// directory answers the username pre-check.
	directory authstate.ProfileDirectory
	confirmer authapi.Confirmer
	tokens    authapi.TokenVerifier
}

// newBackend builds the identity provider for cfg.IDPMode.
func newBackend(cfg Config, log Logger, profiles profile.Store) (backendParts, error) {
	if cfg.mode() == ModeRemote {
		c, err := remote.New(log, cfg.Remote)
		if err != nil {
			return backendParts{}, err
		}
		parts := backendParts{backend: c, directory: c}
		// A shared profiles table answers locally; otherwise ask the backend.
		if _, ok := profiles.(*profile.PostgresStore); ok {
			parts.directory = profiles
		}
		if v := c.TokenVerifier(); v != nil {
			parts.tokens = v
		}
		return parts, nil
	}

	tokens, err := accesstoken.NewManager(cfg.Access)
	if err != nil {
		return backendParts{}, fmt.Errorf("access tokens: %w", err)
	}
	lc := cfg.Local
	def := local.DefaultConfig()
	base := runtimeBaseURL(cfg.HTTPAddr)
	if lc.OAuthCallbackURL == def.OAuthCallbackURL {
		lc.OAuthCallbackURL = cfg.OAuthRedirectURL
	}
	if lc.ConfirmURL == def.ConfirmURL {
		lc.ConfirmURL = base + "/auth/confirm"
	}
	p, err := local.New(lc, local.Options{
		Log:       log,
		Passwords: cfg.Password,
		Tokens:    tokens,
		Profiles:  profiles,
	})
	if err != nil {
		return backendParts{}, err
	}
	return backendParts{backend: p, directory: profiles, confirmer: p, tokens: tokens}, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the process-wide session store.
func (a *App) Store() *authstate.Store { return a.store }

// Run starts the listener, the provider loop and the HTTP server, and blocks
// until ctx is cancelled or one of them fails. The listener stops before the
// server shuts down.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	g, gctx := errgroup.WithContext(ctx)

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ui_ws", wsBaseURL(base)+"/ui/ws",
		"idp_mode", a.cfg.mode(),
		"db_enabled", a.pool != nil,
	)

	g.Go(func() error {
		if err := a.listener.Run(gctx); err != nil {
			a.log.Error("listener.run.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := a.backend.Run(gctx); err != nil {
			a.log.Error("provider.run.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		a.listener.Stop()
		a.listener.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close releases the store subscriptions and the database pool. Safe to call more than once.
func (a *App) Close() {
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.metricsSub != nil {
		a.metricsSub.Cancel()
		a.metricsSub = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
