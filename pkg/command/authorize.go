package command

import (
	"context"
	"fmt"

	"github.com/casbin/casbin/v3"
	"github.com/casbin/casbin/v3/model"

	"github.com/authapp/coreid/pkg/apperr"
)

// SystemSubject is the principal identity that bypasses authorization
// entirely (spec.md §4.F step 2 "system tokens bypass").
const SystemSubject = "system"

// Authorizer is the command engine's step-2 authorization check (spec.md
// §4.F): a (subject, resource, action, resourceID) permission check.
type Authorizer interface {
	Authorize(ctx context.Context, subject, resource, action, resourceID string) error
}

// defaultModel is a plain RBAC0-shaped casbin model: the matcher ignores
// resourceID, since resourceID is context the policy engine only needs
// for the error message, not for the allow/deny decision — ownership
// checks against resourceID belong to the command's own precondition
// step (spec.md §4.F step 4), not authorization.
const defaultModel = `
[request_definition]
r = sub, obj, act, resourceID

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || p.sub == "*") && r.obj == p.obj && r.act == p.act
`

// CasbinAuthorizer implements Authorizer against a casbin RBAC enforcer
// (spec.md §4.F step 2), grounded on the casbin/v3 dependency carried
// from the akeemphilbert-pericarp example's go.mod.
type CasbinAuthorizer struct {
	enforcer *casbin.Enforcer
}

// NewCasbinAuthorizer builds a CasbinAuthorizer with an in-memory,
// policy-free enforcer; callers add policies/roles via Grant/AssignRole
// before commands are authorized against it.
func NewCasbinAuthorizer() (*CasbinAuthorizer, error) {
	m, err := model.NewModelFromString(defaultModel)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("new casbin enforcer: %w", err)
	}
	return &CasbinAuthorizer{enforcer: e}, nil
}

// Grant adds a permission policy: subject may perform action on
// resource.
func (a *CasbinAuthorizer) Grant(subject, resource, action string) error {
	_, err := a.enforcer.AddPolicy(subject, resource, action)
	return err
}

// AssignRole makes subject a member of role, so policies granted to role
// also apply to subject.
func (a *CasbinAuthorizer) AssignRole(subject, role string) error {
	_, err := a.enforcer.AddRoleForUser(subject, role)
	return err
}

// Authorize implements Authorizer.
func (a *CasbinAuthorizer) Authorize(ctx context.Context, subject, resource, action, resourceID string) error {
	if subject == SystemSubject {
		return nil
	}
	allowed, err := a.enforcer.Enforce(subject, resource, action, resourceID)
	if err != nil {
		return fmt.Errorf("casbin enforce: %w", err)
	}
	if !allowed {
		return apperr.PermissionDenied(subject, resource, action)
	}
	return nil
}
