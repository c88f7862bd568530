package writemodel_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore"
	"github.com/authapp/coreid/pkg/eventstore/sqlite"
	"github.com/authapp/coreid/pkg/mapper"
	"github.com/authapp/coreid/pkg/writemodel"
)

func newTestStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	store, err := sqlite.NewEventStore(sqlite.WithDSN(":memory:"), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func userAddedPayload(t *testing.T, username, email, orgID string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"username": username, "email": email, "orgId": orgID})
	require.NoError(t, err)
	return b
}

func TestFrame_Observe_OnlyAdvancesForOwnKey(t *testing.T) {
	f := writemodel.NewFrame("user", "u1")
	f.Observe(&domain.Event{AggregateType: "org", AggregateID: "o1", AggregateVersion: 5})
	assert.False(t, f.Exists())

	f.Observe(&domain.Event{AggregateType: "user", AggregateID: "u1", AggregateVersion: 1, Owner: "org-a"})
	assert.True(t, f.Exists())
	assert.Equal(t, int64(1), f.Version)
	assert.Equal(t, "org-a", f.ResourceOwner)
}

func TestLoad_ReducesPrimaryStream(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pipeline := mapper.New()

	_, err := store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u1",
		EventType: domain.EventUserHumanAdded, Owner: "org-a", Creator: "tester",
		Payload: userAddedPayload(t, "alice", "alice@example.com", "org-a"),
	})
	require.NoError(t, err)

	wm := writemodel.NewUser("i1", "u1")
	err = writemodel.Load(ctx, store, pipeline, "i1", wm, eventstore.Filter{
		InstanceID: "i1", AggregateTypes: []string{"user"}, AggregateIDs: []string{"u1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", wm.Username)
	assert.Equal(t, domain.StateActive, wm.State)
	assert.Equal(t, int64(1), wm.Version)
	assert.True(t, wm.Exists())
}

// S5: Load's ExtraFilters pass reduces org.removed into the user write
// model even though the user aggregate itself never got a user.removed
// event, matching the cascade invariant (spec.md §8 invariant 8).
func TestLoad_ExtraFilters_CascadeFromOrgRemoved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pipeline := mapper.New()

	_, err := store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u1",
		EventType: domain.EventUserHumanAdded, Owner: "org-a", Creator: "tester",
		Payload: userAddedPayload(t, "alice", "alice@example.com", "org-a"),
	})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "org-a",
		EventType: domain.EventOrgRemoved, Owner: "org-a", Creator: "tester",
	})
	require.NoError(t, err)

	wm := writemodel.NewUser("i1", "u1")
	err = writemodel.Load(ctx, store, pipeline, "i1", wm, eventstore.Filter{
		InstanceID: "i1", AggregateTypes: []string{"user"}, AggregateIDs: []string{"u1"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateRemoved, wm.State, "org.removed must cascade into the user write model's state")
	// The frame's own version cursor tracks only the user aggregate's own
	// stream; the cascade event does not bump it.
	assert.Equal(t, int64(1), wm.Version)
}

func TestLoad_NoExtraFilters_WhenPrimaryNeverObserved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pipeline := mapper.New()

	wm := writemodel.NewUser("i1", "never-existed")
	err := writemodel.Load(ctx, store, pipeline, "i1", wm, eventstore.Filter{
		InstanceID: "i1", AggregateTypes: []string{"user"}, AggregateIDs: []string{"never-existed"},
	})
	require.NoError(t, err)
	assert.False(t, wm.Exists())
	assert.Equal(t, domain.StateUnspecified, wm.State)
}

func TestOrgMember_ExtraFilters_CascadesFromBothOrgAndUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pipeline := mapper.New()

	memberPayload, err := json.Marshal(map[string]any{"orgId": "org-a", "userId": "u1", "roles": []string{"ADMIN"}})
	require.NoError(t, err)

	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org_member", AggregateID: "m1",
		EventType: domain.EventOrgMemberAdded, Owner: "org-a", Creator: "tester", Payload: memberPayload,
	})
	require.NoError(t, err)

	wm := writemodel.NewOrgMember("m1")
	err = writemodel.Load(ctx, store, pipeline, "i1", wm, eventstore.Filter{
		InstanceID: "i1", AggregateTypes: []string{"org_member"}, AggregateIDs: []string{"m1"},
	})
	require.NoError(t, err)
	require.True(t, wm.Exists())

	filters := wm.ExtraFilters("i1")
	require.Len(t, filters, 2)

	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u1",
		EventType: domain.EventUserRemoved, Owner: "org-a", Creator: "tester",
	})
	require.NoError(t, err)

	wm2 := writemodel.NewOrgMember("m1")
	err = writemodel.Load(ctx, store, pipeline, "i1", wm2, eventstore.Filter{
		InstanceID: "i1", AggregateTypes: []string{"org_member"}, AggregateIDs: []string{"m1"},
	})
	require.NoError(t, err)
	assert.False(t, wm2.Exists(), "user.removed must cascade and clear the membership")
}

func TestUserGrant_ExtraFilters_CascadesFromOrgRemoved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pipeline := mapper.New()

	grantPayload, err := json.Marshal(map[string]any{"orgId": "org-a", "userId": "u1", "projectId": "p1", "roleKeys": []string{"VIEWER"}})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user_grant", AggregateID: "g1",
		EventType: domain.EventUserGrantAdded, Owner: "org-a", Creator: "tester", Payload: grantPayload,
	})
	require.NoError(t, err)

	wm := writemodel.NewUserGrant("g1")
	err = writemodel.Load(ctx, store, pipeline, "i1", wm, eventstore.Filter{
		InstanceID: "i1", AggregateTypes: []string{"user_grant"}, AggregateIDs: []string{"g1"},
	})
	require.NoError(t, err)
	require.True(t, wm.Exists())
	require.Len(t, wm.ExtraFilters("i1"), 2)

	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "org-a",
		EventType: domain.EventOrgRemoved, Owner: "org-a", Creator: "tester",
	})
	require.NoError(t, err)

	wm2 := writemodel.NewUserGrant("g1")
	err = writemodel.Load(ctx, store, pipeline, "i1", wm2, eventstore.Filter{
		InstanceID: "i1", AggregateTypes: []string{"user_grant"}, AggregateIDs: []string{"g1"},
	})
	require.NoError(t, err)
	assert.False(t, wm2.Exists(), "org.removed must cascade and clear the grant")
}

func TestAppendAndReduce_AdvancesWithoutRoundTrip(t *testing.T) {
	wm := writemodel.NewUser("i1", "u1")
	assert.False(t, wm.Exists())

	events := []*domain.Event{{
		AggregateType: "user", AggregateID: "u1", AggregateVersion: 1,
		EventType: domain.EventUserHumanAdded, Owner: "org-a",
		Payload: userAddedPayload(t, "bob", "bob@example.com", "org-a"),
	}}
	writemodel.AppendAndReduce(wm, events)

	assert.True(t, wm.Exists())
	assert.Equal(t, "bob", wm.Username)
	assert.Equal(t, int64(1), wm.Version)
}

func TestUser_HasChanged(t *testing.T) {
	wm := writemodel.NewUser("i1", "u1")
	writemodel.AppendAndReduce(wm, []*domain.Event{{
		AggregateType: "user", AggregateID: "u1", AggregateVersion: 1,
		EventType: domain.EventUserHumanAdded,
		Payload:   userAddedPayload(t, "carol", "carol@example.com", "org-a"),
	}})

	assert.False(t, wm.HasChanged("carol@example.com"))
	assert.True(t, wm.HasChanged("carol+new@example.com"))
}

type arenaChild struct {
	ID    string
	Count int
}

func TestArena_GetOrCreateAndDelete(t *testing.T) {
	arena := writemodel.NewArena(func(id string) *arenaChild { return &arenaChild{ID: id} })

	a := arena.GetOrCreate("t1")
	a.Count++
	again := arena.GetOrCreate("t1")
	assert.Same(t, a, again, "GetOrCreate must return the same instance for a repeated id")
	assert.Equal(t, 1, again.Count)

	_, ok := arena.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 1, arena.Len())
	arena.Delete("t1")
	assert.Equal(t, 0, arena.Len())
	_, ok = arena.Get("t1")
	assert.False(t, ok)
}

func TestArena_All_ReturnsEveryChild(t *testing.T) {
	arena := writemodel.NewArena(func(id string) *arenaChild { return &arenaChild{ID: id} })
	arena.GetOrCreate("a")
	arena.GetOrCreate("b")
	arena.GetOrCreate("c")

	all := arena.All()
	assert.Len(t, all, 3)
	var ids []string
	for _, c := range all {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
}
