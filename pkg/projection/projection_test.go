package projection_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authapp/coreid/pkg/domain"
	"github.com/authapp/coreid/pkg/eventstore/sqlite"
	"github.com/authapp/coreid/pkg/projection"
	"github.com/authapp/coreid/pkg/subscription"
)

func newProjectionStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	store, err := sqlite.NewEventStore(sqlite.WithDSN(":memory:"), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type userRow struct {
	Username string
	Email    string
	State    string
	Owner    string
}

func queryUser(t *testing.T, store *sqlite.EventStore, instanceID, id string) (userRow, bool) {
	t.Helper()
	row := store.DB().QueryRow(`SELECT username, email, state, resource_owner FROM projections_users WHERE instance_id = ? AND id = ?`, instanceID, id)
	var u userRow
	if err := row.Scan(&u.Username, &u.Email, &u.State, &u.Owner); err != nil {
		return userRow{}, false
	}
	return u, true
}

func TestUserProjection_CatchUp_AppliesHumanAddedAndEmailChanged(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	addedPayload, err := json.Marshal(map[string]string{"username": "alice", "email": "alice@example.com", "orgId": "org-a"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u1",
		EventType: domain.EventUserHumanAdded, Owner: "org-a", Creator: "tester", Payload: addedPayload,
	})
	require.NoError(t, err)

	changedPayload, err := json.Marshal(map[string]string{"email": "alice+new@example.com"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u1",
		EventType: domain.EventUserEmailChanged, Owner: "org-a", Creator: "tester", Payload: changedPayload,
	})
	require.NoError(t, err)

	p := projection.NewUserProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	row, ok := queryUser(t, store, "i1", "u1")
	require.True(t, ok)
	assert.Equal(t, "alice", row.Username)
	assert.Equal(t, "alice+new@example.com", row.Email)
	assert.Equal(t, "ACTIVE", row.State)
}

// S6: replaying catch-up after the checkpoint has already advanced past
// every existing event must not reapply anything (idempotent replay).
func TestUserProjection_S6_CatchUpIsIdempotentOnRepeat(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]string{"username": "bob", "email": "bob@example.com", "orgId": "org-a"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u1",
		EventType: domain.EventUserHumanAdded, Owner: "org-a", Creator: "tester", Payload: payload,
	})
	require.NoError(t, err)

	p := projection.NewUserProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	row, ok := queryUser(t, store, "i1", "u1")
	require.True(t, ok)
	firstSequence := row

	// Re-running Start (catch-up from the now-advanced checkpoint) must be
	// a no-op: no new events exist after the checkpoint's position.
	require.NoError(t, p.Start(ctx))

	row2, ok := queryUser(t, store, "i1", "u1")
	require.True(t, ok)
	assert.Equal(t, firstSequence, row2)
}

// S5: removing an org cascades into every member user's projection row.
func TestUserProjection_S5_OrgRemovedCascadesToMemberUsers(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]string{"username": "carol", "email": "carol@example.com", "orgId": "org-a"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u1",
		EventType: domain.EventUserHumanAdded, Owner: "org-a", Creator: "tester", Payload: payload,
	})
	require.NoError(t, err)

	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "org-a",
		EventType: domain.EventOrgRemoved, Owner: "org-a", Creator: "tester",
	})
	require.NoError(t, err)

	p := projection.NewUserProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	row, ok := queryUser(t, store, "i1", "u1")
	require.True(t, ok)
	assert.Equal(t, "REMOVED", row.State, "the org.removed cascade must mark the member user REMOVED too")
}

// S5: removing an org deletes every idp it owns outright (spec.md §4.G
// "Upsert rule": cascades are DELETEs, not soft-removes).
func TestIDPProjection_S5_OrgRemovedDeletesOwnedIDPs(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	addedPayload, err := json.Marshal(map[string]string{"orgId": "org-a", "name": "Okta", "idpType": "oidc"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "idp", AggregateID: "idp1",
		EventType: domain.EventIDPAdded, Owner: "org-a", Creator: "tester", Payload: addedPayload,
	})
	require.NoError(t, err)

	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "org-a",
		EventType: domain.EventOrgRemoved, Owner: "org-a", Creator: "tester",
	})
	require.NoError(t, err)

	p := projection.NewIDPProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	var count int
	row := store.DB().QueryRow(`SELECT COUNT(*) FROM projections_idps WHERE instance_id = ? AND org_id = ?`, "i1", "org-a")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count, "projections.idps must return zero rows for a removed org")
}

// Removing an idp directly deletes its row too (not a soft-remove).
func TestIDPProjection_DirectRemoveDeletesRow(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	addedPayload, err := json.Marshal(map[string]string{"orgId": "org-a", "name": "Okta", "idpType": "oidc"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "idp", AggregateID: "idp1",
		EventType: domain.EventIDPAdded, Owner: "org-a", Creator: "tester", Payload: addedPayload,
	})
	require.NoError(t, err)

	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "idp", AggregateID: "idp1",
		EventType: domain.EventIDPRemoved, Owner: "org-a", Creator: "tester",
	})
	require.NoError(t, err)

	p := projection.NewIDPProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	var count int
	row := store.DB().QueryRow(`SELECT COUNT(*) FROM projections_idps WHERE instance_id = ? AND id = ?`, "i1", "idp1")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestOrgProjection_CatchUp_AppliesAddAndLabelPolicy(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	addedPayload, err := json.Marshal(map[string]string{"name": "Acme"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "org-a",
		EventType: domain.EventOrgAdded, Owner: "org-a", Creator: "tester", Payload: addedPayload,
	})
	require.NoError(t, err)

	color := "#112233"
	labelPayload, err := json.Marshal(struct {
		PrimaryColor *string `json:"primaryColor,omitempty"`
	}{PrimaryColor: &color})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "org-a",
		EventType: domain.EventOrgLabelPolicyChanged, Owner: "org-a", Creator: "tester", Payload: labelPayload,
	})
	require.NoError(t, err)

	p := projection.NewOrgProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	var name, labelKey, state string
	row := store.DB().QueryRow(`SELECT name, label_policy_key, state FROM projections_orgs WHERE instance_id = ? AND id = ?`, "i1", "org-a")
	require.NoError(t, row.Scan(&name, &labelKey, &state))
	assert.Equal(t, "Acme", name)
	assert.Equal(t, "#112233", labelKey)
	assert.Equal(t, "ACTIVE", state)
}

// Live mode: an event committed after Start and published on the bus
// lands in the read model without waiting for a sweep.
func TestUserProjection_LiveFromBus_AppliesEvent(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()
	bus := subscription.New()

	p := projection.NewUserProjection(store.DB(), "i1", store, nil, bus, nil)
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	payload, err := json.Marshal(map[string]string{"username": "eve", "email": "eve@example.com", "orgId": "org-a"})
	require.NoError(t, err)
	events, err := store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u-live",
		EventType: domain.EventUserHumanAdded, Owner: "org-a", Creator: "tester", Payload: payload,
	})
	require.NoError(t, err)
	bus.Notify(events)

	require.Eventually(t, func() bool {
		_, ok := queryUser(t, store, "i1", "u-live")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "the live event must reach the read model via the bus")
}

func TestProjection_HealthCheck_OKBeforeAnyApply(t *testing.T) {
	store := newProjectionStore(t)
	p := projection.NewOrgProjection(store.DB(), "i1", store, nil, nil, nil)
	assert.NoError(t, p.HealthCheck(context.Background()))
}

func TestProjection_HealthCheck_OKJustAfterApply(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]string{"name": "Acme"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "org-a",
		EventType: domain.EventOrgAdded, Owner: "org-a", Creator: "tester", Payload: payload,
	})
	require.NoError(t, err)

	p := projection.NewOrgProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	assert.NoError(t, p.HealthCheck(ctx), "a projection that just advanced its checkpoint must be healthy")
}

// S5, full cascade: org removed -> member, idp, and user-grant rows
// deleted, org row soft-removed.
func TestProjections_S5_FullCascadeAcrossReadModels(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	orgPayload, err := json.Marshal(map[string]string{"name": "Acme"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "o1",
		EventType: domain.EventOrgAdded, Owner: "o1", Creator: "tester", Payload: orgPayload,
	})
	require.NoError(t, err)

	memberPayload, err := json.Marshal(map[string]any{"orgId": "o1", "userId": "u1", "roles": []string{"ADMIN"}})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org_member", AggregateID: "m1",
		EventType: domain.EventOrgMemberAdded, Owner: "o1", Creator: "tester", Payload: memberPayload,
	})
	require.NoError(t, err)

	idpPayload, err := json.Marshal(map[string]string{"orgId": "o1", "name": "Okta", "idpType": "oidc"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "idp", AggregateID: "idp1",
		EventType: domain.EventIDPAdded, Owner: "o1", Creator: "tester", Payload: idpPayload,
	})
	require.NoError(t, err)

	grantPayload, err := json.Marshal(map[string]any{"orgId": "o1", "userId": "u1", "projectId": "p1", "roleKeys": []string{"VIEWER"}})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user_grant", AggregateID: "g1",
		EventType: domain.EventUserGrantAdded, Owner: "o1", Creator: "tester", Payload: grantPayload,
	})
	require.NoError(t, err)

	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "o1",
		EventType: domain.EventOrgRemoved, Owner: "o1", Creator: "tester",
	})
	require.NoError(t, err)

	orgs := projection.NewOrgProjection(store.DB(), "i1", store, nil, nil, nil)
	members := projection.NewOrgMemberProjection(store.DB(), "i1", store, nil, nil, nil)
	idps := projection.NewIDPProjection(store.DB(), "i1", store, nil, nil, nil)
	grants := projection.NewUserGrantProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, orgs.Start(ctx))
	require.NoError(t, members.Start(ctx))
	require.NoError(t, idps.Start(ctx))
	require.NoError(t, grants.Start(ctx))

	var memberCount, idpCount, grantCount int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM projections_org_members WHERE instance_id = 'i1' AND org_id = 'o1'`).Scan(&memberCount))
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM projections_idps WHERE instance_id = 'i1' AND org_id = 'o1'`).Scan(&idpCount))
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM projections_user_grants WHERE instance_id = 'i1' AND org_id = 'o1'`).Scan(&grantCount))
	assert.Equal(t, 0, memberCount)
	assert.Equal(t, 0, idpCount)
	assert.Equal(t, 0, grantCount)

	var orgState string
	require.NoError(t, store.DB().QueryRow(`SELECT state FROM projections_orgs WHERE instance_id = 'i1' AND id = 'o1'`).Scan(&orgState))
	assert.Equal(t, "REMOVED", orgState)
}

// user.removed clears all of the user's grants (spec.md §4.F "Cascade").
func TestUserGrantProjection_UserRemovedDeletesGrants(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	grantPayload, err := json.Marshal(map[string]any{"orgId": "o1", "userId": "u1", "projectId": "p1", "roleKeys": []string{"VIEWER"}})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user_grant", AggregateID: "g1",
		EventType: domain.EventUserGrantAdded, Owner: "o1", Creator: "tester", Payload: grantPayload,
	})
	require.NoError(t, err)

	otherPayload, err := json.Marshal(map[string]any{"orgId": "o1", "userId": "u2", "projectId": "p1", "roleKeys": []string{"VIEWER"}})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user_grant", AggregateID: "g2",
		EventType: domain.EventUserGrantAdded, Owner: "o1", Creator: "tester", Payload: otherPayload,
	})
	require.NoError(t, err)

	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "user", AggregateID: "u1",
		EventType: domain.EventUserRemoved, Owner: "o1", Creator: "tester",
	})
	require.NoError(t, err)

	p := projection.NewUserGrantProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	var u1Count, u2Count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM projections_user_grants WHERE instance_id = 'i1' AND user_id = 'u1'`).Scan(&u1Count))
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM projections_user_grants WHERE instance_id = 'i1' AND user_id = 'u2'`).Scan(&u2Count))
	assert.Equal(t, 0, u1Count, "removing a user must delete that user's grants")
	assert.Equal(t, 1, u2Count, "another user's grants must be untouched")
}

// S6, replay from scratch: after Reset, a fresh Start rebuilds the exact
// same read-model state a first run produced.
func TestOrgProjection_S6_ResetAndReplayMatchesOriginal(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]string{"name": "Acme"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "o1",
		EventType: domain.EventOrgAdded, Owner: "o1", Creator: "tester", Payload: payload,
	})
	require.NoError(t, err)

	p := projection.NewOrgProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))

	var name, state string
	var sequence int64
	readRow := func() {
		row := store.DB().QueryRow(`SELECT name, state, sequence FROM projections_orgs WHERE instance_id = 'i1' AND id = 'o1'`)
		require.NoError(t, row.Scan(&name, &state, &sequence))
	}
	readRow()
	firstName, firstState, firstSeq := name, state, sequence

	require.NoError(t, p.Reset(ctx))

	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM projections_orgs`).Scan(&count))
	assert.Equal(t, 0, count, "Reset must truncate the owned table")

	require.NoError(t, p.Start(ctx))
	readRow()
	assert.Equal(t, firstName, name)
	assert.Equal(t, firstState, state)
	assert.Equal(t, firstSeq, sequence)
}

func TestProjection_Reset_ClearsCheckpoint(t *testing.T) {
	store := newProjectionStore(t)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]string{"name": "Acme"})
	require.NoError(t, err)
	_, err = store.Push(ctx, domain.Command{
		InstanceID: "i1", AggregateType: "org", AggregateID: "org-a",
		EventType: domain.EventOrgAdded, Owner: "org-a", Creator: "tester", Payload: payload,
	})
	require.NoError(t, err)

	p := projection.NewOrgProjection(store.DB(), "i1", store, nil, nil, nil)
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Reset(ctx))

	var count int
	row := store.DB().QueryRow(`SELECT COUNT(*) FROM projection_states WHERE projection_name = ?`, "orgs")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}
