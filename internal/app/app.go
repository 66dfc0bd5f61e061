// Package app wires all Voxline subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in reverse order.
//
// For testing, inject fakes via functional options (WithBookingStore,
// WithSessionCache, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/booking"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/httpapi"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/recap"
	"github.com/MrWong99/voxline/internal/tools"
	"github.com/MrWong99/voxline/pkg/realtime"
	"github.com/MrWong99/voxline/pkg/sessioncache"
)

// drainTimeout bounds the hang-up of live calls and the HTTP listener drain
// when Run's context is cancelled.
const drainTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	store   booking.Store
	cache   sessioncache.Store
	writer  *sessioncache.Writer
	dialer  realtime.Dialer
	metrics *observe.Metrics
	recaps  *recap.Generator
	manager *CallManager
	httpSrv *http.Server

	profile    func() *config.Profile
	summarizer recap.Summarizer

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBookingStore injects a booking store instead of connecting to Postgres.
func WithBookingStore(s booking.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSessionCache injects a session cache instead of connecting to Redis.
func WithSessionCache(c sessioncache.Store) Option {
	return func(a *App) { a.cache = c }
}

// WithDialer injects a realtime dialer instead of creating the production
// client from config.
func WithDialer(d realtime.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithSummarizer injects a recap summarizer instead of creating the OpenAI
// one from config.
func WithSummarizer(s recap.Summarizer) Option {
	return func(a *App) { a.summarizer = s }
}

// WithProfileSource sets the assistant profile source. The function is
// consulted once per call, so a hot-reloading watcher slots in directly.
func WithProfileSource(fn func() *config.Profile) Option {
	return func(a *App) { a.profile = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any dependency.
//
// New performs all initialisation synchronously: database connection and
// migration, session cache connection, tool registration, and HTTP route
// assembly. The returned App is ready for Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Booking store ─────────────────────────────────────────────────
	if err := a.initBookings(ctx); err != nil {
		return nil, fmt.Errorf("app: init booking store: %w", err)
	}

	// ── 2. Session cache ─────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init session cache: %w", err)
	}

	// ── 3. Metrics + async cache writer ──────────────────────────────────
	a.metrics = observe.DefaultMetrics()
	a.writer = sessioncache.NewWriter(a.cache, sessioncache.WithDropHook(func() {
		a.metrics.DroppedCacheWrites.Add(context.Background(), 1)
	}))
	a.closers = append(a.closers, a.writer.Close)

	// ── 4. Tool dispatcher ───────────────────────────────────────────────
	dispatcher := tools.NewDispatcher(a.writer, a.metrics)
	tools.NewScheduling(a.store).RegisterAll(dispatcher)

	// ── 5. Realtime dialer ───────────────────────────────────────────────
	if a.dialer == nil {
		a.dialer = realtime.NewClient(cfg.LLMAPIKey, realtime.WithModel(cfg.RealtimeModel))
	}

	// ── 6. Recap generator ───────────────────────────────────────────────
	if err := a.initRecaps(); err != nil {
		return nil, fmt.Errorf("app: init recap generator: %w", err)
	}

	// ── 7. Call manager ──────────────────────────────────────────────────
	a.manager = NewCallManager(ManagerDeps{
		Dialer:  a.dialer,
		Tools:   dispatcher,
		Writer:  a.writer,
		Cache:   a.cache,
		Metrics: a.metrics,
		Recaps:  a.recaps,
	}, ManagerConfig{
		Profile:         a.profile,
		Voice:           cfg.Voice,
		MaxCallDuration: cfg.MaxCallDuration,
	})

	// ── 8. HTTP surface ──────────────────────────────────────────────────
	api := httpapi.New(httpapi.Deps{
		Calls:    a.manager,
		Cache:    a.cache,
		Bookings: a.store,
		Metrics:  a.metrics,
		Checkers: []health.Checker{
			health.PingChecker("database", a.store),
			health.PingChecker("cache", a.cache),
		},
	}, httpapi.Config{
		PublicURL: cfg.PublicURL,
		AuthToken: cfg.TelephonyAuthToken,
	})

	a.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.Handler(),
		// No write timeout: /media connections live for the whole call.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBookings connects to Postgres unless a store was injected, and runs the
// idempotent schema migration either way when the store supports it.
func (a *App) initBookings(ctx context.Context) error {
	if a.store == nil {
		pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		a.store = booking.NewPostgresStore(pool)
	}

	if pg, ok := a.store.(*booking.PostgresStore); ok {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("booking schema ready")
	}
	return nil
}

// initCache connects to Redis unless a cache was injected.
func (a *App) initCache(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}

	cache, err := sessioncache.NewRedisStore(a.cfg.SessionCacheURL)
	if err != nil {
		return err
	}
	if err := cache.Ping(ctx); err != nil {
		_ = cache.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	a.cache = cache
	a.closers = append(a.closers, cache.Close)
	return nil
}

// initRecaps builds the post-call recap generator. Recaps are optional: with
// no summarizer injected and no recap model configured, calls simply end
// without a summary.
func (a *App) initRecaps() error {
	if a.summarizer == nil {
		if a.cfg.RecapModel == "" {
			slog.Info("post-call recaps disabled: no recap model configured")
			return nil
		}
		s, err := recap.NewOpenAI(a.cfg.LLMAPIKey, a.cfg.RecapModel)
		if err != nil {
			return err
		}
		a.summarizer = s
	}
	a.recaps = recap.NewGenerator(a.cache, a.summarizer)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then hangs up live calls and drains
// the listener. Resources stay open for Shutdown so post-drain work (final
// cache writes, recaps) can still land.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		// Hang up live calls first: their teardown writes must land before
		// the listener disappears. Media sockets are hijacked, so
		// httpSrv.Shutdown alone would never end them.
		a.manager.EndAll(drainCtx)
		if err := a.httpSrv.Shutdown(drainCtx); err != nil {
			slog.Warn("http listener drain incomplete", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes all resources in reverse-init order: the async cache writer
// flushes first, then the cache and database connections close. It respects
// the context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
