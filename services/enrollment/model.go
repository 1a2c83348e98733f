package enrollment

import (
	"time"
)

// Status is the lifecycle state of an enrollment.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusEnded  Status = "ENDED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusEnded:
		return true
	default:
		return false
	}
}

// Enrollment ties a membership to a program. One row per
// (membership, program) pair; re-enrolling reuses the row.
type Enrollment struct {
	ID            string     `gorm:"column:id;primaryKey"`
	TenantID      string     `gorm:"column:tenant_id;index;not null"`
	MembershipID  string     `gorm:"column:membership_id;index:idx_enrollment_membership_program,unique;not null"`
	ProgramID     string     `gorm:"column:program_id;index:idx_enrollment_membership_program,unique;not null"`
	Status        Status     `gorm:"column:status;type:varchar(20);not null"`
	EffectiveFrom *time.Time `gorm:"column:effective_from"`
	EffectiveTo   *time.Time `gorm:"column:effective_to"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (Enrollment) TableName() string { return "enrollments" }

// CoversAt reports whether the enrollment's effective window contains t.
// Open bounds are unbounded on that side.
func (e *Enrollment) CoversAt(t time.Time) bool {
	if e.EffectiveFrom != nil && t.Before(*e.EffectiveFrom) {
		return false
	}
	if e.EffectiveTo != nil && !t.Before(*e.EffectiveTo) {
		return false
	}
	return true
}
