package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/oagw/internal/admission"
	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/executor"
	"github.com/vyrodovalexey/oagw/internal/gateway"
	"github.com/vyrodovalexey/oagw/internal/hierarchy"
	"github.com/vyrodovalexey/oagw/internal/metrics"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/plugin"
	"github.com/vyrodovalexey/oagw/internal/ratelimit"
	"github.com/vyrodovalexey/oagw/internal/secrets"
	"github.com/vyrodovalexey/oagw/internal/selector"
	"github.com/vyrodovalexey/oagw/internal/store"
)

// shutdownTimeout bounds the drain of in-flight requests on exit.
const shutdownTimeout = 15 * time.Second

// application holds the assembled gateway and its lifecycle dependencies.
type application struct {
	cfg    *config.Config
	logger observability.Logger

	store      *store.MemoryStore
	server     *gateway.Server
	grpcServer *gateway.GRPCServer
	grpcProxy  *executor.GRPCProxy
	tracer     *observability.Tracer
	redis      redis.UniversalClient

	ready atomic.Bool
}

// newApplication wires every component from the validated configuration.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}

	app.store = store.NewMemoryStore(cfg, logger)

	creds, err := secrets.NewProvider(cfg.Secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("secrets provider: %w", err)
	}

	var admissionOpts []admission.Option
	if cfg.Redis != nil {
		client, err := ratelimit.NewRedisClient(context.Background(), *cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		app.redis = client
		admissionOpts = append(admissionOpts, admission.WithRedis(client))
		logger.Info("distributed rate limiting enabled",
			observability.String("addr", cfg.Redis.Addr),
		)
	}

	app.tracer, err = observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Gateway.Name,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SampleRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	factory := plugin.NewFactory(app.store, creds, logger)
	pipeline := gateway.NewPipeline(
		hierarchy.NewResolver(app.store, logger),
		selector.New(app.store, logger),
		admission.NewController(logger, admissionOpts...),
		plugin.NewChainCache(app.store, factory, logger),
		executor.New(executor.WithLogger(logger)),
		metrics.Default(),
		logger,
	)

	app.server = gateway.NewServer(cfg.Gateway, pipeline, logger,
		gateway.WithReadyCheck(app.ready.Load),
	)

	if cfg.Gateway.GRPCListenAddr != "" {
		app.grpcProxy = executor.NewGRPCProxy(executor.Timeouts{}, logger)
		app.grpcServer = gateway.NewGRPCServer(pipeline, app.grpcProxy, logger)
	}

	return app, nil
}

// Run starts the listeners and the config watcher, then blocks until a
// termination signal or a listener failure.
func (a *application) Run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath, a.store.Swap,
		config.WithWatcherLogger(a.logger),
		config.WithValidateOptions(config.WithBuiltinKinds(plugin.BuiltinKinds())),
	)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	errCh := make(chan error, 2)

	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	if a.grpcServer != nil {
		lis, err := net.Listen("tcp", a.cfg.Gateway.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("grpc listener: %w", err)
		}
		go func() {
			if err := a.grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc listener: %w", err)
			}
		}()
	}

	a.ready.Store(true)
	a.logger.Info("gateway is ready")

	select {
	case <-ctx.Done():
		a.logger.Info("termination signal received")
	case err := <-errCh:
		a.shutdown()
		return err
	}

	a.shutdown()
	return nil
}

// shutdown drains listeners and releases shared clients.
func (a *application) shutdown() {
	a.ready.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http listener drain incomplete", observability.Error(err))
	}
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", observability.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", observability.Error(err))
		}
	}
	a.logger.Info("gateway stopped")
}
