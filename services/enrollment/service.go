package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-controlplane/pkg/db/option"
	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/pkg/repository"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	enrollments repository.Repository[Enrollment]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		enrollments: repository.ProvideStore[Enrollment](p.DB),
	}
}

// EnrollParams describes one opt-in.
type EnrollParams struct {
	TenantID      string
	MembershipID  string
	ProgramID     string
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
}

// Enroll opts a membership into a program. The (membership, program) pair is
// unique; enrolling again returns the existing row unchanged.
func (s *Service) Enroll(ctx context.Context, params EnrollParams) (*Enrollment, error) {
	if params.TenantID == "" || params.MembershipID == "" || params.ProgramID == "" {
		return nil, errutil.ValidationFailed("tenant_id, membership_id and program_id are required", nil)
	}
	if params.EffectiveFrom != nil && params.EffectiveTo != nil && !params.EffectiveFrom.Before(*params.EffectiveTo) {
		return nil, errutil.ValidationFailed("effective_from must be before effective_to", nil)
	}

	e := &Enrollment{
		ID:            s.node.Generate().String(),
		TenantID:      params.TenantID,
		MembershipID:  params.MembershipID,
		ProgramID:     params.ProgramID,
		Status:        StatusActive,
		EffectiveFrom: params.EffectiveFrom,
		EffectiveTo:   params.EffectiveTo,
	}
	if err := s.enrollments.Create(ctx, e); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.findByPair(ctx, params.TenantID, params.MembershipID, params.ProgramID)
		}
		zap.L().Error("failed to enroll membership",
			zap.String("membership_id", params.MembershipID),
			zap.String("program_id", params.ProgramID),
			zap.Error(err),
		)
		return nil, errutil.Unavailable("failed to enroll membership", err)
	}
	return e, nil
}

// EnsureEnrolled returns the membership's enrollment in a program, creating
// an active one when none exists. Used for auto-enrollment into BASE
// programs on first earning.
func (s *Service) EnsureEnrolled(ctx context.Context, tenantID, membershipID, programID string) (*Enrollment, error) {
	existing, err := s.enrollments.FindOne(ctx, &Enrollment{
		TenantID:     tenantID,
		MembershipID: membershipID,
		ProgramID:    programID,
	})
	if err != nil {
		return nil, errutil.Unavailable("failed to load enrollment", err)
	}
	if existing != nil {
		return existing, nil
	}

	return s.Enroll(ctx, EnrollParams{
		TenantID:     tenantID,
		MembershipID: membershipID,
		ProgramID:    programID,
	})
}

func (s *Service) findByPair(ctx context.Context, tenantID, membershipID, programID string) (*Enrollment, error) {
	e, err := s.enrollments.FindOne(ctx, &Enrollment{
		TenantID:     tenantID,
		MembershipID: membershipID,
		ProgramID:    programID,
	})
	if err != nil {
		return nil, errutil.Unavailable("failed to load enrollment", err)
	}
	if e == nil {
		return nil, errutil.NotFound("enrollment not found", nil)
	}
	return e, nil
}

// SetStatus transitions an enrollment between ACTIVE, PAUSED and ENDED.
// ENDED is terminal.
func (s *Service) SetStatus(ctx context.Context, tenantID, enrollmentID string, status Status) (*Enrollment, error) {
	if !status.Valid() {
		return nil, errutil.ValidationFailed("unknown enrollment status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(status)}))
	}

	e, err := s.enrollments.FindOne(ctx, &Enrollment{ID: enrollmentID, TenantID: tenantID})
	if err != nil {
		return nil, errutil.Unavailable("failed to load enrollment", err)
	}
	if e == nil {
		return nil, errutil.NotFound("enrollment not found", nil,
			errutil.WithDetails(errutil.Detail{Field: "enrollment_id", Message: enrollmentID}))
	}
	if e.Status == StatusEnded {
		return nil, errutil.Conflict("enrollment has already ended", nil)
	}

	if err := s.enrollments.Update(ctx, e.ID, map[string]any{"status": status}); err != nil {
		return nil, errutil.Unavailable("failed to update enrollment", err)
	}
	e.Status = status
	return e, nil
}

// ActiveByMembership returns the membership's ACTIVE enrollments whose
// effective window covers the given instant. The window check happens here
// rather than in SQL so open bounds need no dialect-specific null handling.
func (s *Service) ActiveByMembership(ctx context.Context, tenantID, membershipID string, at time.Time) ([]*Enrollment, error) {
	rows, err := s.enrollments.Find(ctx,
		&Enrollment{TenantID: tenantID, MembershipID: membershipID, Status: StatusActive},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
	if err != nil {
		return nil, errutil.Unavailable("failed to list enrollments", err)
	}

	covered := rows[:0]
	for _, e := range rows {
		if e.CoversAt(at) {
			covered = append(covered, e)
		}
	}
	return covered, nil
}

// CountActiveByProgram counts ACTIVE enrollments in a program. Program
// deletion is blocked while this count is non-zero.
func (s *Service) CountActiveByProgram(ctx context.Context, tenantID, programID string) (int64, error) {
	count, err := s.enrollments.Count(ctx, &Enrollment{
		TenantID:  tenantID,
		ProgramID: programID,
		Status:    StatusActive,
	})
	if err != nil {
		return 0, errutil.Unavailable("failed to count enrollments", err)
	}
	return count, nil
}
