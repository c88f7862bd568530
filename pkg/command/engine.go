// Package command is the orchestrator (spec.md §4.F): validate,
// authorize, load a write model, check preconditions and change
// detection, emit events under OCC, reduce the result back into the
// write model, and return ObjectDetails.
//
// Grounded on the teacher's DefaultCommandBus (register/middleware/send)
// in pkg/eventsourcing/commandbus.go, generalized from a registered-
// handler-lookup dispatcher into the fixed six-step template spec.md
// §4.F specifies, with each step a concrete method here rather than a
// middleware the caller assembles.
package command

import (
	"context"
	"fmt"

	"github.com/authapp/coreid/internal/idgen"
	"github.com/authapp/coreid/internal/observability"
	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/mapper"
	"github.com/authapp/coreid/pkg/subscription"
)

// Engine is the command-handling orchestrator shared by every command in
// this package. Handlers are methods on *Engine (spec.md §9: "'This-
// bound' per-command functions with a shared commands instance... become
// methods on a command engine object").
type Engine struct {
	Store    eventstore.EventStore
	Pipeline *mapper.Pipeline
	Bus      *subscription.Bus
	Authz    Authorizer
	Metrics  *observability.Metrics

	// Features and Quotas are the policy gates checked before any state
	// is loaded (spec.md §4.F step 2). Nil means "everything allowed".
	Features FeatureGate
	Quotas   QuotaGate
}

// FeatureGate reports whether a named feature is enabled for an instance.
type FeatureGate interface {
	Enabled(ctx context.Context, instanceID, feature string) bool
}

// QuotaGate decides whether an instance may consume one more unit of a
// metered resource.
type QuotaGate interface {
	Allow(ctx context.Context, instanceID, unit string) error
}

// checkGates short-circuits a command on a disabled feature or an
// exhausted quota, before the write model is loaded.
func (e *Engine) checkGates(ctx context.Context, instanceID, feature, unit string) error {
	if e.Features != nil && feature != "" && !e.Features.Enabled(ctx, instanceID, feature) {
		return apperr.FeatureDisabled(feature)
	}
	if e.Quotas != nil && unit != "" {
		if err := e.Quotas.Allow(ctx, instanceID, unit); err != nil {
			return err
		}
	}
	return nil
}

// New builds an Engine. pipeline and metrics may be nil (an empty
// pipeline and a no-op metrics recorder, respectively); bus may be nil if
// the caller doesn't need real-time fan-out (tests, mostly).
func New(store eventstore.EventStore, pipeline *mapper.Pipeline, bus *subscription.Bus, authz Authorizer, metrics *observability.Metrics) *Engine {
	if pipeline == nil {
		pipeline = mapper.New()
	}
	return &Engine{Store: store, Pipeline: pipeline, Bus: bus, Authz: authz, Metrics: metrics}
}

// NewAggregateID allocates a new id for commands that don't supply one
// (spec.md §4.F "ID allocation"): stable across retries because it's
// minted once by the caller before the first attempt, not inside a retry
// loop.
func NewAggregateID() string {
	return idgen.NewAggregateID()
}

// push emits commands, publishes the resulting events to the bus, and
// records telemetry. Every concrete command handler's "Emit" step
// (spec.md §4.F step 5) funnels through this.
func (e *Engine) push(ctx context.Context, expectedVersion int64, commands ...domain.Command) ([]*domain.Event, error) {
	ctx, span := observability.StartSpan(ctx, "command.push")
	defer span.End()

	var events []*domain.Event
	err := retryStoreTransient(ctx, func() error {
		var pushErr error
		events, pushErr = e.Store.PushWithConcurrencyCheck(ctx, expectedVersion, commands...)
		return pushErr
	})
	if err != nil {
		return nil, err
	}
	if e.Bus != nil {
		e.Bus.Notify(events)
	}
	if len(events) > 0 {
		e.Metrics.RecordEventsAppended(ctx, events[0].AggregateType, len(events))
	}
	return events, nil
}

// recordCommand wraps a handler invocation with the command-type metric
// and a span, mirroring the teacher's observability.Metrics.RecordCommand
// but scoped to this engine's six-step handlers rather than a generic
// command bus.
func (e *Engine) recordCommand(ctx context.Context, commandType string, fn func(ctx context.Context) (*ObjectDetails, error)) (*ObjectDetails, error) {
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("command.%s", commandType))
	defer span.End()

	details, err := fn(ctx)
	e.Metrics.RecordCommand(ctx, commandType, err)
	return details, err
}

func objectDetailsFromEvent(ev *domain.Event) *ObjectDetails {
	return &ObjectDetails{
		ID:            ev.AggregateID,
		Sequence:      ev.AggregateVersion,
		EventDate:     ev.CreatedAt,
		CreationDate:  ev.CreatedAt,
		ResourceOwner: ev.Owner,
	}
}
