// Package app assembles the scenebridge server from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ggoodman/scenebridge/assetcache"
	"github.com/ggoodman/scenebridge/assetcache/memory"
	redisCache "github.com/ggoodman/scenebridge/assetcache/redis"
	"github.com/ggoodman/scenebridge/config"
	"github.com/ggoodman/scenebridge/internal/admin"
	"github.com/ggoodman/scenebridge/internal/envelope"
	"github.com/ggoodman/scenebridge/internal/metrics"
	"github.com/ggoodman/scenebridge/meshprovider"
	"github.com/ggoodman/scenebridge/meshprovider/dummy"
	"github.com/ggoodman/scenebridge/meshprovider/local"
	"github.com/ggoodman/scenebridge/meshprovider/sketchfab"
	"github.com/ggoodman/scenebridge/mux"
	"github.com/ggoodman/scenebridge/orchestrator"
	"github.com/ggoodman/scenebridge/scene"
	"github.com/ggoodman/scenebridge/server"
	"github.com/ggoodman/scenebridge/stdio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App owns every long-lived component of a running server.
type App struct {
	cfg       *config.Config
	log       *slog.Logger
	registry  *prometheus.Registry
	cache     assetcache.Cache
	source    *local.Source
	metrics   *metrics.Metrics
	providers *meshprovider.Registry
	router    *mux.Router
	server    *server.Server
	admin     *http.Server

	ln      net.Listener
	adminLn net.Listener
}

// New builds an App. Nothing listens until Listen or Run.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)
	a.metrics = m

	cache, err := newCache(cfg)
	if err != nil {
		return nil, err
	}
	a.cache = cache

	a.source = local.NewSource(
		local.WithBaseDir(cfg.LocalRoot),
		local.WithWatch(cfg.LocalWatch),
		local.WithLogger(log),
	)
	sf := sketchfab.NewClient(
		sketchfab.WithBaseURL(cfg.SketchfabBaseURL),
		sketchfab.WithMaxArchiveBytes(cfg.SketchfabMaxArchiveBytes),
		sketchfab.WithRateLimit(cfg.SketchfabRateLimit, 1),
	)

	regOpts := []meshprovider.RegistryOption{
		meshprovider.WithLogger(log),
		meshprovider.WithMetrics(m),
	}
	if a.cache != nil {
		regOpts = append(regOpts, meshprovider.WithCache(a.cache, cfg.CacheTTL))
	}
	a.providers = meshprovider.NewRegistry(regOpts...)
	a.providers.Register(meshprovider.Dummy, dummy.New)
	a.providers.Register(meshprovider.Local, a.source.New)
	a.providers.Register(meshprovider.Sketchfab, sketchfab.Factory(sf))

	orch := orchestrator.New(a.providers,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(m),
	)
	a.router = &mux.Router{}
	orch.Register(a.router)

	a.server = server.New(a.router,
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithMaxFrameBytes(cfg.MaxFrameBytes),
		server.WithExchangeTimeout(cfg.ExchangeTimeout),
		server.WithWriteTimeout(cfg.WriteTimeout),
	)

	if cfg.AdminAddr != "" {
		a.admin = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           a.adminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

func newCache(cfg *config.Config) (assetcache.Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheMemory:
		c, err := memory.New(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("memory cache: %w", err)
		}
		return c, nil
	case config.CacheRedis:
		c, err := redisCache.New(redisCache.Config{
			Client:    redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return c, nil
	default:
		return nil, nil
	}
}

func (a *App) adminHandler() http.Handler {
	return admin.New(
		admin.WithLogger(a.log),
		admin.WithGatherer(a.registry),
		admin.WithAllowedOrigins(a.cfg.AllowedOrigins),
		admin.WithHealth(a.health),
		admin.WithSchema(orchestrator.RequestKind, &orchestrator.Request{}),
		admin.WithSchema("status", &envelope.Status{}),
		admin.WithSchema(scene.CommandListObjects, &scene.ListObjectsRequest{}),
		admin.WithSchema(scene.CommandListObjects+"_response", &[]scene.ObjectSummary{}),
		admin.WithSchema(scene.CommandLoadGLTF, &scene.LoadGLTFRequest{}),
		admin.WithSchema(scene.CommandLoadGLTF+"_response", &scene.ObjectSummary{}),
	)
}

func (a *App) health() admin.Health {
	ids := a.providers.IDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return admin.Health{
		Status:      "ok",
		Connections: a.server.ActiveConnections(),
		Providers:   names,
	}
}

// Listen binds the scene listener and, when configured, the admin listener.
func (a *App) Listen() error {
	if a.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}
	if a.admin != nil {
		aln, err := net.Listen("tcp", a.admin.Addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen admin %s: %w", a.admin.Addr, err)
		}
		a.adminLn = aln
	}
	a.ln = ln
	return nil
}

// Addr returns the scene listener address, or nil before Listen.
func (a *App) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// AdminAddr returns the admin listener address, or nil when disabled.
func (a *App) AdminAddr() net.Addr {
	if a.adminLn == nil {
		return nil
	}
	return a.adminLn.Addr()
}

// Run serves until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}

	adminErr := make(chan error, 1)
	if a.admin != nil {
		go func() {
			a.log.InfoContext(ctx, "admin.listen", slog.String("addr", a.adminLn.Addr().String()))
			err := a.admin.Serve(a.adminLn)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			adminErr <- err
		}()
		stop := context.AfterFunc(ctx, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.admin.Shutdown(sctx)
		})
		defer stop()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ctx, a.ln) }()

	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		return <-serveErr
	}
}

// ServeStdio serves one connection over stdin/stdout instead of listening.
func (a *App) ServeStdio(ctx context.Context, opts ...stdio.Option) error {
	base := []stdio.Option{
		stdio.WithLogger(a.log),
		stdio.WithConnOptions(
			mux.WithMetrics(a.metrics),
			mux.WithMaxFrameBytes(a.cfg.MaxFrameBytes),
			mux.WithExchangeTimeout(a.cfg.ExchangeTimeout),
			mux.WithWriteTimeout(a.cfg.WriteTimeout),
		),
	}
	return stdio.NewHandler(a.router, append(base, opts...)...).Serve(ctx)
}

// Close releases the asset cache and file watchers.
func (a *App) Close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	errs = append(errs, a.source.Close())
	return errors.Join(errs...)
}
