package program

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"loyalty-controlplane/pkg/celengine"
	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/pkg/repository"
)

// EnrollmentCounter reports active enrollment counts, implemented by the
// enrollment service. The validator needs it for the deletion guard without
// importing the enrollment package.
type EnrollmentCounter interface {
	CountActiveByProgram(ctx context.Context, tenantID, programID string) (int64, error)
}

// Validator enforces the cross-program invariants that keep a tenant's
// program set coherent. It runs on every version transition, not only at
// creation, so a program can never drift into an invalid state through
// edits.
type Validator struct {
	programs    repository.Repository[LoyaltyProgram]
	enrollments EnrollmentCounter
}

type ValidatorParams struct {
	fx.In
	DB          *gorm.DB
	Enrollments EnrollmentCounter
}

func NewValidator(p ValidatorParams) *Validator {
	return &Validator{
		programs:    repository.ProvideStore[LoyaltyProgram](p.DB),
		enrollments: p.Enrollments,
	}
}

func violation(rule, msg string) error {
	return errutil.ValidationFailed(msg, nil,
		errutil.WithDetails(errutil.Detail{Field: rule, Message: msg}))
}

// Validate checks a candidate program version against the invariant set.
// Violations are always reported to the caller, never silently corrected.
func (v *Validator) Validate(ctx context.Context, candidate *LoyaltyProgram) error {
	if !candidate.ProgramType.Valid() {
		return violation("program_type", fmt.Sprintf("unknown program type %q", candidate.ProgramType))
	}
	if !candidate.Status.Valid() {
		return violation("status", fmt.Sprintf("unknown program status %q", candidate.Status))
	}

	if candidate.ProgramType == TypeBase && len(candidate.EarningDomains) > 0 && !candidate.ServesDomain(DomainBasePurchase) {
		return violation("earning_domains", "a BASE program with explicit earning domains must include BASE_PURCHASE")
	}

	if candidate.PriorityRank < 0 {
		return violation("priority_rank", "priority_rank must not be negative")
	}
	if candidate.MinPointsToRedeem < 0 {
		return violation("min_points_to_redeem", "min_points_to_redeem must not be negative")
	}

	if candidate.ActiveFrom != nil && candidate.ActiveTo != nil && !candidate.ActiveFrom.Before(*candidate.ActiveTo) {
		return violation("active_window", "active_from must be before active_to")
	}

	if err := celengine.ValidateExpression(candidate.Formula()); err != nil {
		return errutil.ValidationFailed("points formula does not compile", err,
			errutil.WithDetails(errutil.Detail{Field: "points_formula", Message: candidate.Formula()}))
	}

	if candidate.Status == StatusActive {
		if candidate.ProgramType == TypeBase {
			if err := v.checkSingleActiveBase(ctx, candidate); err != nil {
				return err
			}
		} else if candidate.ServesDomain(DomainBasePurchase) {
			if err := v.checkBasePurchaseClaim(ctx, candidate); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkSingleActiveBase enforces at most one active BASE program per tenant.
func (v *Validator) checkSingleActiveBase(ctx context.Context, candidate *LoyaltyProgram) error {
	existing, err := v.programs.FindOne(ctx, &LoyaltyProgram{
		TenantID:    candidate.TenantID,
		ProgramType: TypeBase,
		Status:      StatusActive,
	})
	if err != nil {
		return errutil.Unavailable("failed to check active base program", err)
	}
	if existing != nil && existing.ID != candidate.ID {
		return errutil.Conflict("tenant already has an active BASE program", nil,
			errutil.WithDetails(errutil.Detail{Field: "program_id", Message: existing.ID}))
	}
	return nil
}

// checkBasePurchaseClaim keeps BASE_PURCHASE from being claimed by more than
// one active non-BASE program at a time. The single BASE program is exempt;
// its uniqueness is already guaranteed.
func (v *Validator) checkBasePurchaseClaim(ctx context.Context, candidate *LoyaltyProgram) error {
	actives, err := v.programs.Find(ctx, &LoyaltyProgram{
		TenantID: candidate.TenantID,
		Status:   StatusActive,
	})
	if err != nil {
		return errutil.Unavailable("failed to check BASE_PURCHASE claims", err)
	}

	for _, p := range actives {
		if p.ID == candidate.ID || p.ProgramType == TypeBase {
			continue
		}
		if p.ServesDomain(DomainBasePurchase) {
			return violation("earning_domains",
				fmt.Sprintf("BASE_PURCHASE is already claimed by active program %s", p.ID))
		}
	}
	return nil
}
