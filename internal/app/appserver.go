package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"egress_nexus/internal/core/rotator"
	"egress_nexus/internal/core/router"
	"egress_nexus/internal/metrics"
	"egress_nexus/internal/service/web"
	"egress_nexus/internal/shared/config"
	"egress_nexus/internal/shared/logger"
	"egress_nexus/internal/shared/types"
	"egress_nexus/proxypool/broker"
	"egress_nexus/proxypool/pool"
	"egress_nexus/proxypool/storage"
	"egress_nexus/proxypool/validator"
)

const shutdownTimeout = 10 * time.Second

// AppServer is the application's main struct. It owns every long-lived component
// and their start/stop order.
type AppServer struct {
	cfg *types.Config

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	pool      *pool.Pool
	validator *validator.Validator
	broker    *broker.Broker
	rotator   *rotator.Rotator
	router    *router.Router
	web       *web.Server

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// AppServer must implement web.Controller
var _ web.Controller = (*AppServer)(nil)

// New builds every component from cfg without starting anything.
func New(cfg *types.Config) (*AppServer, error) {
	s := &AppServer{cfg: cfg, registry: prometheus.NewRegistry()}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.registry)

	s.pool = pool.New(poolConfig(cfg), s.metrics)

	v, err := validator.NewValidator(validatorConfig(cfg), s.metrics)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	s.validator = v

	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	opts := []broker.Option{broker.WithProviders(providers...), broker.WithMetrics(s.metrics)}
	if cfg.BrokerConf.SnapshotPath != "" {
		opts = append(opts, broker.WithStorage(storage.NewFileStorage(cfg.BrokerConf.SnapshotPath)))
	}
	s.broker = broker.New(brokerConfig(cfg), s.pool, s.validator, opts...)

	endpoints, err := config.ParseEndpoints(cfg.RotatorConf.Endpoints, cfg.RotatorConf.MaxConcurrent)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "rotator.endpoints", Reason: err.Error()}
	}
	s.rotator = rotator.New(rotatorConfig(cfg), endpoints, rotator.WithMetrics(s.metrics))

	registry := router.NewRegistry(router.NewPoolBackend(s.broker), router.NewRotationBackend(s.rotator))
	s.router = router.New(routerConfig(cfg), registry, s.metrics)

	s.web = web.NewServer(cfg.WebConf, s, s.registry)

	logger.Info().
		Int("providers", len(providers)).
		Int("endpoints", len(endpoints)).
		Msg("AppServer components created.")
	return s, nil
}

// Router is the entry point for outgoing requests.
func (s *AppServer) Router() *router.Router { return s.router }

// Start launches the broker loops, the rotator health loop and the web server.
func (s *AppServer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.broker.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start broker: %w", err)
	}
	s.rotator.Start(ctx)

	if err := s.web.Start(ctx); err != nil {
		s.Stop()
		return err
	}
	logger.Info().Msg("AppServer started.")
	return nil
}

// Run starts the server and blocks until SIGINT/SIGTERM.
func (s *AppServer) Run() {
	logger.Info().Msg("Starting egress nexus...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server bootstrap failed")
	}
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	s.Stop()
}

// Stop gracefully shuts down the server. It is safe to call more than once.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.web.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Web server shutdown error")
		}
		s.rotator.Stop()
		if err := s.broker.Stop(); err != nil && !errors.Is(err, broker.ErrStopped) {
			logger.Warn().Err(err).Msg("Broker shutdown error")
		}
		if s.cancel != nil {
			s.cancel()
		}
		logger.Info().Msg("AppServer stopped.")
	})
}
