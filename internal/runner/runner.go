// Package runner adapts the teacher's pkg/runner service-lifecycle
// package: a Service interface, a Runner that starts services in order
// and stops them in reverse, and an optional HealthChecker. The
// projection runtime and the device-authorization sweeper both
// implement Service (spec.md §4.G "start()/stop()", §4.F "Device
// authorization" sweeper).
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Service is a component the Runner starts and stops.
type Service interface {
	// Name identifies the service in logs.
	Name() string

	// Start initializes and starts the service. Must respect ctx
	// cancellation and should return once the service is ready.
	Start(ctx context.Context) error

	// Stop gracefully shuts the service down within ctx's deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is the optional interface a Service can additionally
// implement (spec.md §4.G "Health").
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}

// Runner starts a fixed set of services in registration order and stops
// them in reverse order on shutdown.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	startupTimeout  time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithStartupTimeout(d time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = d }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = d }
}

// New builds a Runner over services, started in the given order.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		startupTimeout:  time.Minute,
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service, then blocks until ctx is cancelled, at which
// point it stops every started service in reverse order.
func (r *Runner) Run(ctx context.Context) error {
	started := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			r.logger.Error("service failed to start", "service", svc.Name(), "error", err)
			r.stopAll(started)
			return fmt.Errorf("start service %s: %w", svc.Name(), err)
		}
		r.logger.Info("service started", "service", svc.Name())
		started = append(started, svc)
	}

	<-ctx.Done()
	r.logger.Info("shutdown signal received, stopping services", "count", len(started))
	return r.stopAll(started)
}

func (r *Runner) stopAll(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(shutdownCtx); err != nil {
			r.logger.Error("service failed to stop", "service", svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Info("service stopped", "service", svc.Name())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// HealthCheck reports the first unhealthy service found among those that
// implement HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		if hc, ok := svc.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
			}
		}
	}
	return nil
}
