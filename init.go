package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tournevent/carrierlink/internal/config"
	"github.com/tournevent/carrierlink/internal/telemetry"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/tournevent/carrierlink/pkg/shipper/credentials"
	"github.com/tournevent/carrierlink/pkg/shipper/dhl"
	"github.com/tournevent/carrierlink/pkg/shipper/gls"
	"github.com/tournevent/carrierlink/pkg/shipper/orchestrator"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// app holds everything the commands need.
type app struct {
	cfg          *config.Config
	logger       *otelzap.Logger
	registry     *prometheus.Registry
	orchestrator *orchestrator.Orchestrator
	closers      []func(context.Context) error
}

func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(cfg *config.Config) (*otelzap.Logger, error) {
	return telemetry.NewLogger(cfg.LogLevel,
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.Version),
	)
}

func initTracer(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return func(context.Context) error { return nil }, nil
	}

	_, shutdown, err := telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.Attributes()...)
	return shutdown, err
}

// initApp loads configuration and wires the carriers behind an orchestrator.
func initApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	tracerShutdown, err := initTracer(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	} else {
		a.closers = append(a.closers, tracerShutdown)
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(a.registry)

	tokens := credentials.NewManager(logger,
		credentials.WithSafetyMargin(cfg.TokenRefreshMargin),
		credentials.WithObserver(metrics),
	)

	carriers, policies, err := initShipperRegistry(cfg, tokens, logger)
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(otel.Tracer(cfg.ServiceName)),
	}
	if cfg.RedisURL != "" {
		store, err := orchestrator.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			logger.Warn("Idempotency store unreachable, continuing with the local table", zap.Error(err))
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		opts = append(opts, orchestrator.WithResultStore(store))
	}

	a.orchestrator = orchestrator.New(orchestrator.Config{
		Timeout:        cfg.Timeout(),
		MaxAttempts:    cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Carriers:       policies,
	}, carriers, logger, opts...)

	return a, nil
}

func initShipperRegistry(cfg *config.Config, tokens *credentials.Manager, logger *otelzap.Logger) (*shipper.Registry, map[string]orchestrator.CarrierPolicy, error) {
	registry := shipper.NewRegistry()
	policies := make(map[string]orchestrator.CarrierPolicy)

	for _, c := range cfg.Carriers() {
		tracer := otel.Tracer(cfg.ServiceName + "/" + c.Carrier)

		switch c.Carrier {
		case config.CarrierDHL:
			registry.Register(dhl.New(dhl.Config{
				BaseURL:      c.BaseURL,
				Environment:  c.Environment,
				Username:     c.Credentials.Username,
				Password:     c.Credentials.Password,
				ClientID:     c.Credentials.ClientID,
				ClientSecret: c.Credentials.ClientSecret,
				Profile:      c.Credentials.Profile,
				Timeout:      c.Timeout(),
				UseMock:      c.UseMock,
			}, tokens, logger, tracer))
		case config.CarrierGLS:
			registry.Register(gls.New(gls.Config{
				BaseURL:      c.BaseURL,
				Environment:  c.Environment,
				ClientID:     c.Credentials.ClientID,
				ClientSecret: c.Credentials.ClientSecret,
				ShipperID:    c.Credentials.ShipperID,
				Timeout:      c.Timeout(),
				UseMock:      c.UseMock,
			}, tokens, logger, tracer))
		default:
			return nil, nil, fmt.Errorf("unsupported carrier %q", c.Carrier)
		}

		policies[c.Carrier] = orchestrator.CarrierPolicy{
			Timeout:     c.Timeout(),
			MaxAttempts: c.MaxRetries,
		}
		logger.Info("Registered carrier",
			zap.String("carrier", c.Carrier),
			zap.String("environment", c.Environment),
			zap.Bool("mock", c.UseMock),
		)
	}

	return registry, policies, nil
}
