package mapper_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/mapper"
)

func event(aggregateType, eventType string, revision int32) *domain.Event {
	return &domain.Event{AggregateType: aggregateType, EventType: eventType, Revision: revision}
}

func TestPipeline_Apply_RunsStrataInOrder(t *testing.T) {
	p := mapper.New()
	var order []string

	p.RegisterInterceptor(func(ev *domain.Event) *domain.Event {
		order = append(order, "interceptor")
		return ev
	})
	p.RegisterGlobalMapper(func(ev *domain.Event) *domain.Event {
		order = append(order, "global")
		return ev
	})
	p.RegisterAggregateMapper("user", func(ev *domain.Event) *domain.Event {
		order = append(order, "aggregate")
		return ev
	})
	p.RegisterEventMapper("user.human.added", func(ev *domain.Event) *domain.Event {
		order = append(order, "event")
		return ev
	})

	out := p.Apply(event("user", "user.human.added", 1))
	require.NotNil(t, out)
	assert.Equal(t, []string{"interceptor", "global", "aggregate", "event"}, order)
}

func TestPipeline_Interceptor_CanDropEvent(t *testing.T) {
	p := mapper.New()
	p.RegisterInterceptor(func(ev *domain.Event) *domain.Event { return nil })
	p.RegisterGlobalMapper(func(ev *domain.Event) *domain.Event {
		t.Fatal("global mapper must not run once the interceptor drops the event")
		return ev
	})

	out := p.Apply(event("user", "user.human.added", 1))
	assert.Nil(t, out)
}

func TestPipeline_AggregateMapper_OnlyAppliesToItsType(t *testing.T) {
	p := mapper.New()
	ran := false
	p.RegisterAggregateMapper("org", func(ev *domain.Event) *domain.Event {
		ran = true
		return ev
	})

	p.Apply(event("user", "user.human.added", 1))
	assert.False(t, ran, "org-scoped mapper must not run for a user event")

	p.Apply(event("org", "org.added", 1))
	assert.True(t, ran)
}

func TestPipeline_Upgrader_ChainsUntilNoFurtherMatch(t *testing.T) {
	p := mapper.New()
	p.RegisterUpgrader(mapper.Upgrader{
		EventType: "user.human.added", FromRevision: 1, ToRevision: 2,
		Upgrade: func(ev *domain.Event) *domain.Event {
			ev.Revision = 2
			return ev
		},
	})
	p.RegisterUpgrader(mapper.Upgrader{
		EventType: "user.human.added", FromRevision: 2, ToRevision: 3,
		Upgrade: func(ev *domain.Event) *domain.Event {
			ev.Revision = 3
			return ev
		},
	})

	out := p.Apply(event("user", "user.human.added", 1))
	require.NotNil(t, out)
	assert.Equal(t, int32(3), out.Revision)
}

func TestPipeline_GlobalMapper_RenameExample(t *testing.T) {
	// A global mapper in the role of a schema migration such as spec.md
	// §4.C's eventData -> payload rename; this one rewrites Owner.
	p := mapper.New()
	p.RegisterGlobalMapper(func(ev *domain.Event) *domain.Event {
		ev.Owner = "migrated:" + ev.Owner
		return ev
	})

	ev := event("user", "user.human.added", 1)
	ev.Owner = "org-1"
	out := p.Apply(ev)
	require.NotNil(t, out)
	assert.Equal(t, "migrated:org-1", out.Owner)
}

func TestPipeline_ApplyAll_DropsRejectedEvents(t *testing.T) {
	p := mapper.New()
	p.RegisterInterceptor(func(ev *domain.Event) *domain.Event {
		if ev.EventType == "drop.me" {
			return nil
		}
		return ev
	})

	events := []*domain.Event{
		event("x", "keep.me", 1),
		event("x", "drop.me", 1),
		event("x", "keep.me", 1),
	}
	out := p.ApplyAll(events)
	assert.Len(t, out, 2)
}
