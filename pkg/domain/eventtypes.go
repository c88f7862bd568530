package domain

// Event type vocabulary (spec.md §6): dotted strings shaped
// "<aggregate>.<sub>.<verb>". This is the closed vocabulary for this
// deployment's schema revision — a new type must ship with reducers in
// every affected write model and projection.
const (
	EventUserHumanAdded        = "user.human.added"
	EventUserEmailChanged      = "user.human.email.changed"
	EventUserDeactivated       = "user.deactivated"
	EventUserReactivated       = "user.reactivated"
	EventUserLocked            = "user.locked"
	EventUserUnlocked          = "user.unlocked"
	EventUserRemoved           = "user.removed"

	EventOrgAdded               = "org.added"
	EventOrgLabelPolicyChanged  = "org.label_policy.changed"
	EventOrgRemoved             = "org.removed"

	EventOrgMemberAdded   = "org.member.added"
	EventOrgMemberRemoved = "org.member.removed"

	EventIDPAdded   = "instance.idp.added"
	EventIDPRemoved = "instance.idp.removed"

	EventUserGrantAdded   = "user.grant.added"
	EventUserGrantRemoved = "user.grant.removed"

	EventDeviceAuthRequested  = "device_authorization.requested"
	EventDeviceAuthApproved   = "device_authorization.approved"
	EventDeviceAuthDenied     = "device_authorization.denied"
	EventDeviceAuthCancelled  = "device_authorization.cancelled"
	EventDeviceAuthExpired    = "device_authorization.expired"
)

// Aggregate type vocabulary.
const (
	AggregateUser       = "user"
	AggregateOrg        = "org"
	AggregateOrgMember  = "org_member"
	AggregateIDP        = "idp"
	AggregateUserGrant  = "user_grant"
	AggregateDeviceAuth = "device_authorization"
)
