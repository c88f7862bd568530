// Command coreidd wires the event log, command engine, projection
// runtime, and device-authorization sweeper into one process
// (spec.md §1, §4), the way the teacher's examples/cmd demos wire a
// store, a projection builder, and an event bus together, generalized
// here into the module's own internal/runner.Runner lifecycle instead of
// a single linear demo script.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/authapp/coreid/internal/observability"
	"github.com/authapp/coreid/internal/runner"
	"github.com/authapp/coreid/pkg/command"
	"github.com/authapp/coreid/pkg/eventstore/sqlite"
	"github.com/authapp/coreid/pkg/mapper"
	"github.com/authapp/coreid/pkg/projection"
	"github.com/authapp/coreid/pkg/subscription"
)

const instanceID = "default"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	dsn := os.Getenv("COREID_DSN")
	if dsn == "" {
		dsn = "coreid.db"
	}

	store, err := sqlite.NewEventStore(sqlite.WithDSN(dsn), sqlite.WithWALMode(true))
	if err != nil {
		logger.Error("open event store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	meterProvider := sdkmetric.NewMeterProvider()
	defer meterProvider.Shutdown(context.Background())
	otel.SetMeterProvider(meterProvider)

	tracerProvider := sdktrace.NewTracerProvider()
	defer tracerProvider.Shutdown(context.Background())
	otel.SetTracerProvider(tracerProvider)
	metrics, err := observability.NewMetrics(meterProvider.Meter("coreidd"))
	if err != nil {
		logger.Error("init metrics", "error", err)
		os.Exit(1)
	}

	bus := subscription.New()
	pipeline := mapper.New()

	authz, err := command.NewCasbinAuthorizer()
	if err != nil {
		logger.Error("init authorizer", "error", err)
		os.Exit(1)
	}
	// A permissive default policy: every principal may act on every
	// resource. Production deployments replace this with real policy
	// loading; this keeps the binary runnable standalone.
	for _, resource := range []string{"user", "org", "org_member", "idp", "user_grant", "device_authorization"} {
		for _, action := range []string{"create", "read", "update", "delete", "approve", "deny", "cancel", "expire"} {
			_ = authz.Grant("*", resource, action)
		}
	}

	engine := command.New(store, pipeline, bus, authz, metrics)

	db := store.DB()
	services := []runner.Service{
		projection.NewUserProjection(db, instanceID, store, pipeline, bus, metrics),
		projection.NewOrgProjection(db, instanceID, store, pipeline, bus, metrics),
		projection.NewOrgMemberProjection(db, instanceID, store, pipeline, bus, metrics),
		projection.NewIDPProjection(db, instanceID, store, pipeline, bus, metrics),
		projection.NewUserGrantProjection(db, instanceID, store, pipeline, bus, metrics),
		projection.NewDeviceAuthProjection(db, instanceID, store, pipeline, bus, metrics),
		&command.DeviceAuthSweeper{Engine: engine, InstanceID: instanceID, Interval: time.Minute, Logger: logger},
	}

	r := runner.New(services, runner.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		logger.Error("runner exited with error", "error", err)
		os.Exit(1)
	}
}
