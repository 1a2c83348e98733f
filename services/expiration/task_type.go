package expiration

import "time"

const (
	TaskSweepMembership = "loyalty:expiration:sweep_membership"
	TaskSweepTenant     = "loyalty:expiration:sweep_tenant"
	TaskRecomputeTenant = "loyalty:balance:recompute_tenant"
)

type SweepMembershipPayload struct {
	TenantID     string    `json:"tenant_id"`
	MembershipID string    `json:"membership_id"`
	AsOf         time.Time `json:"as_of,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
}

type SweepTenantPayload struct {
	TenantID string    `json:"tenant_id"`
	AsOf     time.Time `json:"as_of,omitempty"`
	TraceID  string    `json:"trace_id,omitempty"`
}

type RecomputeTenantPayload struct {
	TenantID string `json:"tenant_id"`
	TraceID  string `json:"trace_id,omitempty"`
}
