package command_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authapp/coreid/pkg/apperr"
	"github.com/authapp/coreid/pkg/command"
	"github.com/authapp/coreid/pkg/eventstore/sqlite"
)

// allowAllAuthorizer bypasses authorization entirely, the way the engine
// tests exercise the six-step template without pulling casbin policy setup
// into every test case.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Authorize(ctx context.Context, subject, resource, action, resourceID string) error {
	return nil
}

type denyAllAuthorizer struct{}

func (denyAllAuthorizer) Authorize(ctx context.Context, subject, resource, action, resourceID string) error {
	return apperr.PermissionDenied(subject, resource, action)
}

func newEngine(t *testing.T, authz command.Authorizer) *command.Engine {
	t.Helper()
	store, err := sqlite.NewEventStore(sqlite.WithDSN(":memory:"), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return command.New(store, nil, nil, authz, nil)
}

type disabledFeatures struct{ disabled map[string]bool }

func (f disabledFeatures) Enabled(ctx context.Context, instanceID, feature string) bool {
	return !f.disabled[feature]
}

type exhaustedQuota struct{ unit string }

func (q exhaustedQuota) Allow(ctx context.Context, instanceID, unit string) error {
	if unit == q.unit {
		return apperr.QuotaExceeded(unit)
	}
	return nil
}

func TestAddHumanUser_FeatureGateShortCircuits(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	e.Features = disabledFeatures{disabled: map[string]bool{"user.human": true}}

	_, err := e.AddHumanUser(context.Background(), "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice@example.com", Creator: "admin",
	})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindFeatureDisabled, coded.Kind)
}

func TestAddOrg_QuotaGateShortCircuits(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	e.Quotas = exhaustedQuota{unit: "orgs"}

	_, err := e.AddOrg(context.Background(), "admin", command.AddOrg{
		InstanceID: "i1", Name: "Acme", Creator: "admin",
	})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindQuotaExceeded, coded.Kind)
}

func TestAddHumanUser_Succeeds(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	details, err := e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice@example.com", Creator: "admin",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, details.ID)
	assert.Equal(t, int64(1), details.Sequence)
	assert.Equal(t, "org-a", details.ResourceOwner)
}

func TestAddHumanUser_RejectsInvalidEmail(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	_, err := e.AddHumanUser(context.Background(), "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "not-an-email", Creator: "admin",
	})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindInvalidArgument, coded.Kind)
}

func TestAddHumanUser_DeniedByAuthorizer(t *testing.T) {
	e := newEngine(t, denyAllAuthorizer{})
	_, err := e.AddHumanUser(context.Background(), "alice", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice@example.com", Creator: "alice",
	})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindPermissionDenied, coded.Kind)
}

// S3: a second AddHumanUser reusing the same (org, username) is rejected
// by the unique constraint, and leaves the aggregate entirely unwritten.
func TestAddHumanUser_S3_DuplicateUsernameInSameOrgRejected(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	_, err := e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice@example.com", Creator: "admin",
	})
	require.NoError(t, err)

	_, err = e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice2@example.com", Creator: "admin",
	})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindUniqueConstraintViolation, coded.Kind)

	// The same username in a different org is unaffected.
	_, err = e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-b", Username: "alice", Email: "alice@otherorg.example.com", Creator: "admin",
	})
	require.NoError(t, err)
}

// S4: resubmitting the same email is idempotent: no new event, same
// sequence number returned.
func TestChangeUserEmail_S4_IdempotentNoDuplicateEvent(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	added, err := e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice@example.com", Creator: "admin",
	})
	require.NoError(t, err)

	first, err := e.ChangeUserEmail(ctx, "admin", command.ChangeUserEmail{
		InstanceID: "i1", AggregateID: added.ID, Email: "alice@example.com", Creator: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence, "resubmitting the same email must not advance the version")

	changed, err := e.ChangeUserEmail(ctx, "admin", command.ChangeUserEmail{
		InstanceID: "i1", AggregateID: added.ID, Email: "alice+new@example.com", Creator: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed.Sequence)
}

func TestChangeUserEmail_NotFoundAfterRemoval(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	added, err := e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice@example.com", Creator: "admin",
	})
	require.NoError(t, err)

	_, err = e.RemoveUser(ctx, "admin", command.RemoveUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.NoError(t, err)

	_, err = e.ChangeUserEmail(ctx, "admin", command.ChangeUserEmail{
		InstanceID: "i1", AggregateID: added.ID, Email: "new@example.com", Creator: "admin",
	})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindNotFound, coded.Kind)
}

// RemoveUser releases the username unique constraint, so the same username
// can be claimed again by a new user.
func TestRemoveUser_ReleasesUsernameConstraint(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	added, err := e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice@example.com", Creator: "admin",
	})
	require.NoError(t, err)

	_, err = e.RemoveUser(ctx, "admin", command.RemoveUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.NoError(t, err)

	_, err = e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "alice", Email: "alice-again@example.com", Creator: "admin",
	})
	require.NoError(t, err, "removing a user must release its username for reuse")
}

func TestDeactivateReactivateUser_Lifecycle(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	added, err := e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "bob", Email: "bob@example.com", Creator: "admin",
	})
	require.NoError(t, err)

	_, err = e.DeactivateUser(ctx, "admin", command.DeactivateUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.NoError(t, err)

	_, err = e.DeactivateUser(ctx, "admin", command.DeactivateUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.Error(t, err, "deactivating an already-inactive user must fail its precondition")
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindPreconditionFailed, coded.Kind)

	_, err = e.ReactivateUser(ctx, "admin", command.ReactivateUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.NoError(t, err)
}

func TestLockUnlockUser_Lifecycle(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	added, err := e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: "org-a", Username: "carol", Email: "carol@example.com", Creator: "admin",
	})
	require.NoError(t, err)

	_, err = e.UnlockUser(ctx, "admin", command.UnlockUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.Error(t, err, "unlocking a user that isn't locked must fail")

	_, err = e.LockUser(ctx, "admin", command.LockUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.NoError(t, err)

	_, err = e.LockUser(ctx, "admin", command.LockUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.Error(t, err, "locking an already-locked user must fail")

	_, err = e.UnlockUser(ctx, "admin", command.UnlockUser{InstanceID: "i1", AggregateID: added.ID, Creator: "admin"})
	require.NoError(t, err)
}

// S5: removing an org cascades, lazily, through the write-model load
// protocol: a command against a user that belonged to the removed org now
// observes it as REMOVED even though no user.removed event was ever
// written for that user.
func TestRemoveOrg_S5_CascadesToMemberUserOnNextLoad(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	org, err := e.AddOrg(ctx, "admin", command.AddOrg{InstanceID: "i1", Name: "Acme", Creator: "admin"})
	require.NoError(t, err)

	user, err := e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: org.ID, Username: "dave", Email: "dave@example.com", Creator: "admin",
	})
	require.NoError(t, err)

	_, err = e.RemoveOrg(ctx, "admin", command.RemoveOrg{InstanceID: "i1", AggregateID: org.ID, Creator: "admin"})
	require.NoError(t, err)

	_, err = e.ChangeUserEmail(ctx, "admin", command.ChangeUserEmail{
		InstanceID: "i1", AggregateID: user.ID, Email: "dave+new@example.com", Creator: "admin",
	})
	require.Error(t, err, "a user whose org was removed must now be treated as removed")
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindNotFound, coded.Kind)
}

func TestRemoveOrg_NotFoundWhenAlreadyRemoved(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	org, err := e.AddOrg(ctx, "admin", command.AddOrg{InstanceID: "i1", Name: "Acme", Creator: "admin"})
	require.NoError(t, err)

	_, err = e.RemoveOrg(ctx, "admin", command.RemoveOrg{InstanceID: "i1", AggregateID: org.ID, Creator: "admin"})
	require.NoError(t, err)

	_, err = e.RemoveOrg(ctx, "admin", command.RemoveOrg{InstanceID: "i1", AggregateID: org.ID, Creator: "admin"})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindNotFound, coded.Kind)
}

// addGrantFixture creates an org, a user in it, and a grant on project
// p1, returning all three ObjectDetails.
func addGrantFixture(t *testing.T, e *command.Engine) (org, user, grant *command.ObjectDetails) {
	t.Helper()
	ctx := context.Background()

	org, err := e.AddOrg(ctx, "admin", command.AddOrg{InstanceID: "i1", Name: "Acme", Creator: "admin"})
	require.NoError(t, err)
	user, err = e.AddHumanUser(ctx, "admin", command.AddHumanUser{
		InstanceID: "i1", OrgID: org.ID, Username: "grace", Email: "grace@example.com", Creator: "admin",
	})
	require.NoError(t, err)
	grant, err = e.AddUserGrant(ctx, "admin", command.AddUserGrant{
		InstanceID: "i1", OrgID: org.ID, UserID: user.ID, ProjectID: "p1", RoleKeys: []string{"VIEWER"}, Creator: "admin",
	})
	require.NoError(t, err)
	return org, user, grant
}

func TestAddUserGrant_Succeeds(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	org, _, grant := addGrantFixture(t, e)
	assert.NotEmpty(t, grant.ID)
	assert.Equal(t, int64(1), grant.Sequence)
	assert.Equal(t, org.ID, grant.ResourceOwner)
}

// The (org, user, project) triple is unique across live grants.
func TestAddUserGrant_DuplicateTripleRejected(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()
	org, user, _ := addGrantFixture(t, e)

	_, err := e.AddUserGrant(ctx, "admin", command.AddUserGrant{
		InstanceID: "i1", OrgID: org.ID, UserID: user.ID, ProjectID: "p1", RoleKeys: []string{"ADMIN"}, Creator: "admin",
	})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindUniqueConstraintViolation, coded.Kind)

	// A different project is a different claim.
	_, err = e.AddUserGrant(ctx, "admin", command.AddUserGrant{
		InstanceID: "i1", OrgID: org.ID, UserID: user.ID, ProjectID: "p2", RoleKeys: []string{"VIEWER"}, Creator: "admin",
	})
	require.NoError(t, err)
}

func TestRemoveUserGrant_ReleasesTripleForReuse(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()
	org, user, grant := addGrantFixture(t, e)

	_, err := e.RemoveUserGrant(ctx, "admin", command.RemoveUserGrant{
		InstanceID: "i1", AggregateID: grant.ID, Creator: "admin",
	})
	require.NoError(t, err)

	_, err = e.AddUserGrant(ctx, "admin", command.AddUserGrant{
		InstanceID: "i1", OrgID: org.ID, UserID: user.ID, ProjectID: "p1", RoleKeys: []string{"VIEWER"}, Creator: "admin",
	})
	require.NoError(t, err, "removing a grant must release its (org, user, project) claim")
}

func TestAddUserGrant_UnknownUserRejected(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	org, err := e.AddOrg(ctx, "admin", command.AddOrg{InstanceID: "i1", Name: "Acme", Creator: "admin"})
	require.NoError(t, err)

	_, err = e.AddUserGrant(ctx, "admin", command.AddUserGrant{
		InstanceID: "i1", OrgID: org.ID, UserID: "no-such-user", ProjectID: "p1", RoleKeys: []string{"VIEWER"}, Creator: "admin",
	})
	require.Error(t, err)
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindNotFound, coded.Kind)
}

// S5, lazily at the write-model layer: removing the user flips the grant
// write model to gone, so a later RemoveUserGrant sees NotFound.
func TestRemoveUserGrant_NotFoundAfterUserRemoved(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()
	_, user, grant := addGrantFixture(t, e)

	_, err := e.RemoveUser(ctx, "admin", command.RemoveUser{InstanceID: "i1", AggregateID: user.ID, Creator: "admin"})
	require.NoError(t, err)

	_, err = e.RemoveUserGrant(ctx, "admin", command.RemoveUserGrant{
		InstanceID: "i1", AggregateID: grant.ID, Creator: "admin",
	})
	require.Error(t, err, "a removed user's grants must already be gone")
	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, apperr.KindNotFound, coded.Kind)
}

func TestChangeOrgLabelPolicy_IdempotentOnSameColor(t *testing.T) {
	e := newEngine(t, allowAllAuthorizer{})
	ctx := context.Background()

	org, err := e.AddOrg(ctx, "admin", command.AddOrg{InstanceID: "i1", Name: "Acme", Creator: "admin"})
	require.NoError(t, err)

	first, err := e.ChangeOrgLabelPolicy(ctx, "admin", command.ChangeOrgLabelPolicy{
		InstanceID: "i1", AggregateID: org.ID, PrimaryColor: "#ff0000", Creator: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Sequence)

	again, err := e.ChangeOrgLabelPolicy(ctx, "admin", command.ChangeOrgLabelPolicy{
		InstanceID: "i1", AggregateID: org.ID, PrimaryColor: "#ff0000", Creator: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Sequence, "resubmitting the same color must not advance the version")
}
