// Package app wires the configured components into a running server: the
// request pipeline behind the connection engine, plus an admin listener for
// metrics and diagnostics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/h1server/config"
	"github.com/searchktools/h1server/core"
	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/cache"
	"github.com/searchktools/h1server/core/compress"
	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/middleware"
	"github.com/searchktools/h1server/core/observability"
	"github.com/searchktools/h1server/core/pipeline"
	"github.com/searchktools/h1server/core/pools"
)

// App is the application instance
type App struct {
	cfg *config.Config
	log zerolog.Logger

	monitor   *observability.PerformanceMonitor
	gate      *auth.Gate
	store     *cache.Store
	persister *cache.SQLitePersister
	janitor   *cache.Janitor
	static    *pipeline.StaticHandler
	mux       *pipeline.Mux
	pipeline  *pipeline.Pipeline
	engine    *core.Engine
	admin     *nethttp.Server
}

// New builds every component cfg asks for. Routes may be added through Mux
// until Run is called.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     logger,
		monitor: observability.NewPerformanceMonitor(),
		mux:     pipeline.NewMux(),
	}

	prev := pools.ApplyGCConfig(pools.GCConfig{GOGC: cfg.GC.Percent, MemoryLimit: cfg.GC.MemoryLimit.Int64()})
	logger.Debug().Int("gogc", cfg.GC.Percent).Int("previous_gogc", prev.GOGC).Msg("GC configured")

	var err error
	if a.gate, err = newGate(cfg.Auth); err != nil {
		return nil, err
	}
	if cfg.Cache.Enabled {
		if err := a.openCache(); err != nil {
			return nil, err
		}
	}
	var negotiator *compress.Negotiator
	if cfg.Compression.Enabled {
		policy, err := compressionPolicy(cfg.Compression)
		if err != nil {
			return nil, err
		}
		negotiator = compress.NewNegotiator(policy)
	}

	if cfg.Static.Dir != "" {
		if a.static, err = pipeline.NewStaticHandler(cfg.Static.Dir); err != nil {
			a.Close()
			return nil, fmt.Errorf("static dir: %w", err)
		}
		pattern := strings.TrimSuffix(cfg.Static.Prefix, "/") + "/*filepath"
		a.mux.Method("GET", pattern, a.static)
		a.mux.Method("HEAD", pattern, a.static)
	}

	mws := []middleware.Middleware{middleware.RequestID(), middleware.AccessLog(logger)}
	if cfg.RateLimit.RPS > 0 {
		mws = append(mws, middleware.RateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	a.pipeline = pipeline.New(a.mux, pipeline.Options{
		Gate:        a.gate,
		Cache:       a.store,
		Negotiator:  negotiator,
		Middlewares: mws,
		Observer:    a.monitor,
		Logger:      logger,
		ServerName:  cfg.ServerName,
	})

	a.engine = core.NewEngine(core.Config{
		ReadTimeout:    cfg.Server.ReadTimeout.Std(),
		WriteTimeout:   cfg.Server.WriteTimeout.Std(),
		IdleTimeout:    cfg.Server.IdleTimeout.Std(),
		Workers:        cfg.Server.Workers,
		QueueSize:      cfg.Server.QueueSize,
		ReadBufferSize: cfg.Server.ReadBuffer.Int(),
		Limits: http.Limits{
			MaxTargetBytes: cfg.Limits.MaxTarget.Int(),
			MaxHeaderBytes: cfg.Limits.MaxHeader.Int(),
			MaxHeaderCount: cfg.Limits.MaxHeaders,
			MaxBodyBytes:   cfg.Limits.MaxBody.Int64(),
			MaxParts:       cfg.Limits.MaxParts,
		},
		ConnRate:  cfg.Server.ConnRate,
		ConnBurst: cfg.Server.ConnBurst,
	}, a.pipeline, a.monitor, logger)

	a.monitor.RegisterGauge("workers_busy", "Connections currently held by a worker.", func() float64 {
		return float64(a.engine.GetPoolStats().Workers.Busy)
	})

	if cfg.Admin != "" {
		a.admin = &nethttp.Server{
			Addr:              cfg.Admin,
			Handler:           a.adminRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

func (a *App) openCache() error {
	c := a.cfg.Cache
	opts := cache.Options{
		MaxBytes:   c.MaxBytes.Int64(),
		Shards:     c.Shards,
		DefaultTTL: c.DefaultTTL.Std(),
		MaxAge:     c.MaxAge.Std(),
		Logger:     a.log,
	}
	if c.SQLite != "" {
		p, err := cache.NewSQLitePersister(c.SQLite)
		if err != nil {
			return fmt.Errorf("cache database: %w", err)
		}
		a.persister = p
		opts.Persister = p
	}
	a.store = cache.New(opts)

	n, err := a.store.Warm()
	if err != nil {
		a.log.Warn().Err(err).Msg("Cache warm-up failed, starting cold")
	} else if n > 0 {
		a.log.Info().Int("entries", n).Msg("Cache warmed")
	}

	if a.janitor, err = cache.NewJanitor(a.store, c.SweepCron, a.log); err != nil {
		return err
	}
	a.monitor.RegisterCache(a.store)
	return nil
}

func newGate(c config.AuthConfig) (*auth.Gate, error) {
	if len(c.Policies) == 0 {
		return nil, nil
	}
	ac := auth.Config{Users: c.Users, Tokens: c.Tokens}
	for _, p := range c.Policies {
		scheme, err := auth.ParseScheme(p.Scheme)
		if err != nil {
			return nil, err
		}
		ac.Policies = append(ac.Policies, auth.Policy{
			Prefix:     p.Prefix,
			Scheme:     scheme,
			Realm:      p.Realm,
			Principals: p.Principals,
		})
	}
	return auth.NewGate(ac)
}

func compressionPolicy(c config.CompressionConfig) (compress.Policy, error) {
	p := compress.DefaultPolicy()
	p.MinSize = c.MinSize.Int64()
	p.Level = c.Level
	if len(c.SkipTypes) > 0 {
		p.SkipTypes = c.SkipTypes
	}
	if len(c.Algorithms) > 0 {
		p.Algorithms = p.Algorithms[:0]
		for _, name := range c.Algorithms {
			enc, err := compress.ParseEncoding(name)
			if err != nil {
				return p, err
			}
			p.Algorithms = append(p.Algorithms, enc)
		}
	}
	return p, nil
}

// Mux returns the routing table for handler registration.
func (a *App) Mux() *pipeline.Mux { return a.mux }

// Engine returns the connection engine.
func (a *App) Engine() *core.Engine { return a.engine }

// Monitor returns the metrics collector.
func (a *App) Monitor() *observability.PerformanceMonitor { return a.monitor }

// Run serves until ctx is cancelled or a listener fails, then shuts down
// gracefully within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	bg, stop := context.WithCancel(context.Background())
	defer stop()

	var wg sync.WaitGroup
	if a.janitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.janitor.Run(bg)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.monitor.Analyze(bg, 10*time.Second)
	}()

	errc := make(chan error, 2)
	if a.admin != nil {
		go func() {
			a.log.Info().Str("addr", a.admin.Addr).Msg("Admin server listening")
			if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				errc <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}
	go func() {
		if err := a.engine.Serve(ln); err != nil && !errors.Is(err, core.ErrServerClosed) {
			errc <- err
		}
	}()

	a.log.Info().
		Str("listen", ln.Addr().String()).
		Str("env", a.cfg.Env).
		Bool("cache", a.store != nil).
		Bool("auth", a.gate != nil).
		Msg("Server started")

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("Shutting down")
	case runErr = <-errc:
		a.log.Error().Err(runErr).Msg("Listener failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if a.admin != nil {
		if err := a.admin.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("Admin server shutdown")
		}
	}
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Int("connections", a.engine.Connections()).Msg("Forced connection close")
	}
	stop()
	wg.Wait()
	a.Close()
	return runErr
}

// Close releases files and databases. Run calls it on the way out.
func (a *App) Close() {
	if a.static != nil {
		a.static.Close()
		a.static = nil
	}
	if a.persister != nil {
		if err := a.persister.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Closing cache database")
		}
		a.persister = nil
	}
}
