package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/authapp/coreid/internal/clock"
	"github.com/authapp/coreid/internal/idgen"
	"github.com/authapp/coreid/internal/observability"
	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/writemodel"
)

func (e *Engine) loadDeviceAuth(ctx context.Context, instanceID, aggregateID string) (*writemodel.DeviceAuth, error) {
	wm := writemodel.NewDeviceAuth(aggregateID)
	filter := eventstore.Filter{
		InstanceID:     instanceID,
		AggregateTypes: []string{domain.AggregateDeviceAuth},
		AggregateIDs:   []string{aggregateID},
	}
	if err := writemodel.Load(ctx, e.Store, e.Pipeline, instanceID, wm, filter); err != nil {
		return nil, err
	}
	return wm, nil
}

// RequestDeviceAuth starts a device-authorization grant (RFC 8628 §3.1
// shape, spec.md §4.F "Device authorization"). The engine allocates the
// device and user codes; the caller never supplies them.
type RequestDeviceAuth struct {
	InstanceID string
	ClientID   string
	Scopes     []string
	TTL        time.Duration
	Creator    string
}

func (e *Engine) RequestDeviceAuth(ctx context.Context, cmd RequestDeviceAuth) (*ObjectDetails, string, string, error) {
	details, err := e.recordCommand(ctx, "device_auth.request", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireNonEmpty("COMMAND-Device01", "clientId", cmd.ClientID); err != nil {
			return nil, err
		}
		if err := e.checkGates(ctx, cmd.InstanceID, "device_authorization", "device_authorizations"); err != nil {
			return nil, err
		}
		ttl := cmd.TTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}

		aggregateID := NewAggregateID()
		deviceCode := idgen.NewDeviceCode()
		userCode := idgen.NewUserCode()
		expiresAt := clock.Now().Add(ttl)

		payload, err := json.Marshal(struct {
			ClientID   string   `json:"clientId"`
			DeviceCode string   `json:"deviceCode"`
			UserCode   string   `json:"userCode"`
			Scopes     []string `json:"scopes"`
			ExpiresAt  int64    `json:"expiresAt"`
		}{ClientID: cmd.ClientID, DeviceCode: deviceCode, UserCode: userCode, Scopes: cmd.Scopes, ExpiresAt: expiresAt.Unix()})
		if err != nil {
			return nil, err
		}

		events, err := e.push(ctx, 0, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateDeviceAuth,
			AggregateID:   aggregateID,
			EventType:     domain.EventDeviceAuthRequested,
			Payload:       payload,
			Creator:       cmd.Creator,
			Owner:         cmd.InstanceID,
			UniqueConstraints: []domain.UniqueConstraint{{
				UniqueType:  "device_code",
				UniqueField: deviceCode,
				Action:      domain.ConstraintAdd,
			}},
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
	if err != nil {
		return nil, "", "", err
	}
	// Re-derive the codes the push just committed rather than threading
	// them out of the closure: the write model is the source of truth.
	wm, err := e.loadDeviceAuth(ctx, cmd.InstanceID, details.ID)
	if err != nil {
		return nil, "", "", err
	}
	return details, wm.DeviceCode, wm.UserCode, nil
}

// ApproveDeviceAuth completes the grant once a user has authenticated
// and consented.
type ApproveDeviceAuth struct {
	InstanceID  string
	AggregateID string
	UserID      string
	Creator     string
}

func (e *Engine) ApproveDeviceAuth(ctx context.Context, subject string, cmd ApproveDeviceAuth) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "device_auth.approve", func(ctx context.Context) (*ObjectDetails, error) {
		if err := requireNonEmpty("COMMAND-Device02", "userId", cmd.UserID); err != nil {
			return nil, err
		}
		wm, err := e.loadDeviceAuth(ctx, cmd.InstanceID, cmd.AggregateID)
		if err != nil {
			return nil, err
		}
		if !wm.Exists() {
			return nil, apperr.NotFound("COMMAND-Device03", "device_authorization", cmd.AggregateID)
		}
		if !wm.IsPending() {
			return nil, apperr.New(apperr.KindPreconditionFailed, "COMMAND-Device04", "device authorization is no longer pending")
		}
		if err := e.Authz.Authorize(ctx, subject, "device_authorization", "approve", cmd.AggregateID); err != nil {
			return nil, err
		}

		payload, err := json.Marshal(struct {
			UserID string `json:"userId"`
		}{UserID: cmd.UserID})
		if err != nil {
			return nil, err
		}
		events, err := e.push(ctx, wm.Version, domain.Command{
			InstanceID:    cmd.InstanceID,
			AggregateType: domain.AggregateDeviceAuth,
			AggregateID:   cmd.AggregateID,
			EventType:     domain.EventDeviceAuthApproved,
			Payload:       payload,
			Creator:       cmd.Creator,
			Owner:         wm.ResourceOwner,
		})
		if err != nil {
			return nil, err
		}
		return objectDetailsFromEvent(events[0]), nil
	})
}

// DenyDeviceAuth rejects the grant.
type DenyDeviceAuth struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) DenyDeviceAuth(ctx context.Context, subject string, cmd DenyDeviceAuth) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "device_auth.deny", func(ctx context.Context) (*ObjectDetails, error) {
		return e.terminateDeviceAuth(ctx, subject, "deny", cmd.InstanceID, cmd.AggregateID, cmd.Creator, domain.EventDeviceAuthDenied)
	})
}

// CancelDeviceAuth is the device's own withdrawal of a pending request.
type CancelDeviceAuth struct {
	InstanceID  string
	AggregateID string
	Creator     string
}

func (e *Engine) CancelDeviceAuth(ctx context.Context, subject string, cmd CancelDeviceAuth) (*ObjectDetails, error) {
	return e.recordCommand(ctx, "device_auth.cancel", func(ctx context.Context) (*ObjectDetails, error) {
		return e.terminateDeviceAuth(ctx, subject, "cancel", cmd.InstanceID, cmd.AggregateID, cmd.Creator, domain.EventDeviceAuthCancelled)
	})
}

func (e *Engine) terminateDeviceAuth(ctx context.Context, subject, action, instanceID, aggregateID, creator, eventType string) (*ObjectDetails, error) {
	wm, err := e.loadDeviceAuth(ctx, instanceID, aggregateID)
	if err != nil {
		return nil, err
	}
	if !wm.Exists() {
		return nil, apperr.NotFound("COMMAND-Device05", "device_authorization", aggregateID)
	}
	if !wm.IsPending() {
		return nil, apperr.New(apperr.KindPreconditionFailed, "COMMAND-Device06", "device authorization is no longer pending")
	}
	if err := e.Authz.Authorize(ctx, subject, "device_authorization", action, aggregateID); err != nil {
		return nil, err
	}

	events, err := e.push(ctx, wm.Version, domain.Command{
		InstanceID:    instanceID,
		AggregateType: domain.AggregateDeviceAuth,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Creator:       creator,
		Owner:         wm.ResourceOwner,
	})
	if err != nil {
		return nil, err
	}
	return objectDetailsFromEvent(events[0]), nil
}

// DeviceAuthSweeper is the background service spec.md §4.F names for
// device authorization: it polls for REQUESTED grants past their
// ExpiresAt and pushes the expired transition as the system subject.
// Grounded on the teacher's internal/runner.Service pattern
// (internal/runner/runner.go) applied to a poll loop instead of a
// long-lived connection.
type DeviceAuthSweeper struct {
	Engine     *Engine
	InstanceID string
	Interval   time.Duration
	Logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *DeviceAuthSweeper) Name() string { return "device_auth_sweeper" }

func (s *DeviceAuthSweeper) Start(ctx context.Context) error {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx)
	return nil
}

func (s *DeviceAuthSweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *DeviceAuthSweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.Logger.Error("device auth sweep failed", "error", err)
			}
		}
	}
}

// sweepOnce scans pending device authorizations and expires the ones
// past their deadline. Queries the full requested set each tick rather
// than maintaining its own index — device authorizations are low
// volume and short-lived, so a full scan is cheap.
func (s *DeviceAuthSweeper) sweepOnce(ctx context.Context) error {
	_, span := observability.StartSpan(ctx, "device_auth_sweeper.sweep")
	defer span.End()

	events, err := s.Engine.Store.Query(ctx, eventstore.Filter{
		InstanceID:     s.InstanceID,
		AggregateTypes: []string{domain.AggregateDeviceAuth},
		EventTypes:     []string{domain.EventDeviceAuthRequested},
	})
	if err != nil {
		return err
	}

	now := clock.Now()
	for _, ev := range events {
		wm, err := s.Engine.loadDeviceAuth(ctx, s.InstanceID, ev.AggregateID)
		if err != nil {
			s.Logger.Error("device auth sweep: load failed", "aggregate_id", ev.AggregateID, "error", err)
			continue
		}
		if !wm.IsPending() || wm.ExpiresAt.After(now) {
			continue
		}
		if _, err := s.Engine.terminateDeviceAuth(ctx, SystemSubject, "expire", s.InstanceID, ev.AggregateID, SystemSubject, domain.EventDeviceAuthExpired); err != nil {
			s.Logger.Error("device auth sweep: expire failed", "aggregate_id", ev.AggregateID, "error", err)
		}
	}
	return nil
}
