package program

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-controlplane/pkg/db/option"
	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/pkg/repository"
)

// Registry stores and serves loyalty program definitions. Every write passes
// through the Validator before it commits.
type Registry struct {
	db   *gorm.DB
	node *snowflake.Node

	programs  repository.Repository[LoyaltyProgram]
	validator *Validator
}

type RegistryParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Validator *Validator
}

func NewRegistry(p RegistryParams) *Registry {
	return &Registry{
		db:   p.DB,
		node: p.Node,

		programs:  repository.ProvideStore[LoyaltyProgram](p.DB),
		validator: p.Validator,
	}
}

// Create validates and stores a new program at version 1. Programs start in
// draft or active.
func (r *Registry) Create(ctx context.Context, program *LoyaltyProgram) (*LoyaltyProgram, error) {
	if program.TenantID == "" || program.Name == "" {
		return nil, errutil.ValidationFailed("tenant_id and name are required", nil)
	}
	if program.Status == "" {
		program.Status = StatusDraft
	}
	if program.Status == StatusInactive {
		return nil, errutil.ValidationFailed("programs are created in draft or active, not inactive", nil)
	}

	program.ID = r.node.Generate().String()
	program.Version = 1

	if err := r.validator.Validate(ctx, program); err != nil {
		return nil, err
	}

	if err := r.programs.Create(ctx, program); err != nil {
		zap.L().Error("failed to create program",
			zap.String("tenant_id", program.TenantID),
			zap.String("name", program.Name),
			zap.Error(err),
		)
		return nil, errutil.Unavailable("failed to create program", err)
	}
	return program, nil
}

// FindByID loads one program within a tenant.
func (r *Registry) FindByID(ctx context.Context, tenantID, programID string) (*LoyaltyProgram, error) {
	p, err := r.programs.FindOne(ctx, &LoyaltyProgram{ID: programID, TenantID: tenantID})
	if err != nil {
		return nil, errutil.Unavailable("failed to load program", err)
	}
	if p == nil {
		return nil, errutil.NotFound("program not found", nil,
			errutil.WithDetails(errutil.Detail{Field: "program_id", Message: programID}))
	}
	return p, nil
}

// ListByTenant returns every program of a tenant, oldest first.
func (r *Registry) ListByTenant(ctx context.Context, tenantID string) ([]*LoyaltyProgram, error) {
	rows, err := r.programs.Find(ctx, &LoyaltyProgram{TenantID: tenantID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
	if err != nil {
		return nil, errutil.Unavailable("failed to list programs", err)
	}
	return rows, nil
}

// ListByType returns a tenant's programs of one type.
func (r *Registry) ListByType(ctx context.Context, tenantID string, programType ProgramType) ([]*LoyaltyProgram, error) {
	rows, err := r.programs.Find(ctx, &LoyaltyProgram{TenantID: tenantID, ProgramType: programType})
	if err != nil {
		return nil, errutil.Unavailable("failed to list programs", err)
	}
	return rows, nil
}

// ActiveByDomain returns the tenant's programs that are active at the given
// instant and serve the given earning domain. Domain membership lives in a
// JSON column, so the filter runs here instead of in dialect-specific SQL.
func (r *Registry) ActiveByDomain(ctx context.Context, tenantID, domain string, at time.Time) ([]*LoyaltyProgram, error) {
	rows, err := r.programs.Find(ctx, &LoyaltyProgram{TenantID: tenantID, Status: StatusActive})
	if err != nil {
		return nil, errutil.Unavailable("failed to list programs", err)
	}

	matched := rows[:0]
	for _, p := range rows {
		if p.ActiveAt(at) && p.ServesDomain(domain) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// ActiveBase returns the tenant's single active BASE program, or nil when
// none exists. The validator keeps it unique.
func (r *Registry) ActiveBase(ctx context.Context, tenantID string) (*LoyaltyProgram, error) {
	p, err := r.programs.FindOne(ctx, &LoyaltyProgram{
		TenantID:    tenantID,
		ProgramType: TypeBase,
		Status:      StatusActive,
	})
	if err != nil {
		return nil, errutil.Unavailable("failed to load base program", err)
	}
	return p, nil
}

// NewVersion builds the next version of a program from a change-set,
// revalidates it as a unit and commits it with an optimistic version guard.
// A concurrent edit that won the race surfaces as ConflictError; the caller
// re-reads and retries with a fresh change-set.
func (r *Registry) NewVersion(ctx context.Context, tenantID, programID string, cs ChangeSet) (*LoyaltyProgram, error) {
	current, err := r.FindByID(ctx, tenantID, programID)
	if err != nil {
		return nil, err
	}

	next := current.apply(cs)
	if err := r.validator.Validate(ctx, &next); err != nil {
		return nil, err
	}

	res := r.db.WithContext(ctx).
		Model(&LoyaltyProgram{}).
		Where("id = ? AND tenant_id = ? AND version = ?", programID, tenantID, current.Version).
		Updates(map[string]any{
			"name":                 next.Name,
			"earning_domains":      next.EarningDomains,
			"priority_rank":        next.PriorityRank,
			"stacking_policy":      next.StackingPolicy,
			"limits":               next.Limits,
			"expiration_policy":    next.ExpirationPolicy,
			"points_formula":       next.PointsFormula,
			"earn_rate":            next.EarnRate,
			"min_points_to_redeem": next.MinPointsToRedeem,
			"status":               next.Status,
			"active_from":          next.ActiveFrom,
			"active_to":            next.ActiveTo,
			"currency":             next.Currency,
			"version":              next.Version,
		})
	if res.Error != nil {
		return nil, errutil.Unavailable("failed to update program", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("program was modified concurrently", nil,
			errutil.WithDetails(errutil.Detail{Field: "version", Message: "stale version, re-read and retry"}))
	}

	zap.L().Info("program version committed",
		zap.String("tenant_id", tenantID),
		zap.String("program_id", programID),
		zap.Int64("version", next.Version),
	)
	return &next, nil
}

// SetStatus is a convenience change-set around status transitions; it goes
// through the same validate-then-commit path as any other edit.
func (r *Registry) SetStatus(ctx context.Context, tenantID, programID string, status Status) (*LoyaltyProgram, error) {
	if !status.Valid() {
		return nil, errutil.ValidationFailed("unknown program status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(status)}))
	}
	return r.NewVersion(ctx, tenantID, programID, ChangeSet{Status: &status})
}

// Delete removes a program that has no active enrollments left.
func (r *Registry) Delete(ctx context.Context, tenantID, programID string) error {
	p, err := r.FindByID(ctx, tenantID, programID)
	if err != nil {
		return err
	}

	active, err := r.validator.enrollments.CountActiveByProgram(ctx, tenantID, programID)
	if err != nil {
		return errutil.Unavailable("failed to count enrollments", err)
	}
	if active > 0 {
		return errutil.ValidationFailed("program still has active enrollments", nil,
			errutil.WithDetails(errutil.Detail{Field: "program_id", Message: programID}))
	}

	if err := r.db.WithContext(ctx).Delete(&LoyaltyProgram{}, "id = ? AND tenant_id = ?", p.ID, tenantID).Error; err != nil {
		return errutil.Unavailable("failed to delete program", err)
	}
	return nil
}
