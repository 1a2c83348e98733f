package program

import (
	"time"

	"gorm.io/datatypes"
)

type ProgramType string

const (
	TypeBase         ProgramType = "BASE"
	TypePromo        ProgramType = "PROMO"
	TypePartner      ProgramType = "PARTNER"
	TypeSubscription ProgramType = "SUBSCRIPTION"
	TypeExperimental ProgramType = "EXPERIMENTAL"
)

func (t ProgramType) Valid() bool {
	switch t {
	case TypeBase, TypePromo, TypePartner, TypeSubscription, TypeExperimental:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusInactive:
		return true
	default:
		return false
	}
}

// DomainBasePurchase is the earning domain every BASE program must serve.
const DomainBasePurchase = "BASE_PURCHASE"

type SelectionStrategy string

const (
	StrategyBestValue    SelectionStrategy = "BEST_VALUE"
	StrategyPriorityRank SelectionStrategy = "PRIORITY_RANK"
	StrategyFirstMatch   SelectionStrategy = "FIRST_MATCH"
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// StackingPolicy controls how a program combines with others on one earning
// event.
type StackingPolicy struct {
	Allowed              bool              `json:"allowed"`
	MaxProgramsPerEvent  int               `json:"max_programs_per_event"`
	MaxProgramsPerPeriod int               `json:"max_programs_per_period"`
	Period               Period            `json:"period"`
	SelectionStrategy    SelectionStrategy `json:"selection_strategy"`
}

// Limits caps points a program may award per window. Nil means uncapped.
type Limits struct {
	MaxPointsPerEvent *int64 `json:"max_points_per_event,omitempty"`
	MaxPointsPerDay   *int64 `json:"max_points_per_day,omitempty"`
	MaxPointsPerMonth *int64 `json:"max_points_per_month,omitempty"`
	MaxPointsPerYear  *int64 `json:"max_points_per_year,omitempty"`
}

type ExpirationType string

const (
	ExpirationSimple   ExpirationType = "simple"
	ExpirationBucketed ExpirationType = "bucketed"
)

// ExpirationPolicy controls if and how earned points expire.
type ExpirationPolicy struct {
	Enabled         bool           `json:"enabled"`
	Type            ExpirationType `json:"type"`
	DaysToExpire    int            `json:"days_to_expire"`
	GracePeriodDays int            `json:"grace_period_days"`
}

// LoyaltyProgram is one versioned program definition. Edits never mutate a
// row's semantic fields in place: every change goes through NewVersion, which
// builds the next version from the prior one plus a change-set and
// revalidates it as a unit.
type LoyaltyProgram struct {
	ID                string                               `gorm:"column:id;primaryKey"`
	TenantID          string                               `gorm:"column:tenant_id;index;not null"`
	Name              string                               `gorm:"column:name;not null"`
	ProgramType       ProgramType                          `gorm:"column:program_type;type:varchar(20);not null"`
	EarningDomains    datatypes.JSONSlice[string]          `gorm:"column:earning_domains"`
	PriorityRank      int                                  `gorm:"column:priority_rank;not null;default:0"`
	StackingPolicy    datatypes.JSONType[StackingPolicy]   `gorm:"column:stacking_policy"`
	Limits            datatypes.JSONType[Limits]           `gorm:"column:limits"`
	ExpirationPolicy  datatypes.JSONType[ExpirationPolicy] `gorm:"column:expiration_policy"`
	PointsFormula     string                               `gorm:"column:points_formula"`
	EarnRate          float64                              `gorm:"column:earn_rate;default:0"`
	MinPointsToRedeem int64                                `gorm:"column:min_points_to_redeem;default:0"`
	Status            Status                               `gorm:"column:status;type:varchar(20);not null"`
	Version           int64                                `gorm:"column:version;not null;default:1"`
	ActiveFrom        *time.Time                           `gorm:"column:active_from"`
	ActiveTo          *time.Time                           `gorm:"column:active_to"`
	Currency          string                               `gorm:"column:currency;type:varchar(10)"`
	CreatedAt         time.Time                            `gorm:"column:created_at"`
	UpdatedAt         time.Time                            `gorm:"column:updated_at"`
}

func (LoyaltyProgram) TableName() string { return "loyalty_programs" }

// ServesDomain reports whether the program earns for the given domain tag.
func (p *LoyaltyProgram) ServesDomain(domain string) bool {
	for _, d := range p.EarningDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// ActiveAt reports whether the program is active and its window covers t.
func (p *LoyaltyProgram) ActiveAt(t time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	if p.ActiveFrom != nil && t.Before(*p.ActiveFrom) {
		return false
	}
	if p.ActiveTo != nil && !t.Before(*p.ActiveTo) {
		return false
	}
	return true
}

// DefaultFormula is used when a program configures no explicit points
// formula.
const DefaultFormula = "amount * rate"

// Formula returns the CEL expression awarding points for this program.
func (p *LoyaltyProgram) Formula() string {
	if p.PointsFormula != "" {
		return p.PointsFormula
	}
	return DefaultFormula
}

// ChangeSet lists the fields NewVersion may replace. Nil fields keep the
// prior version's value.
type ChangeSet struct {
	Name              *string
	EarningDomains    *[]string
	PriorityRank      *int
	StackingPolicy    *StackingPolicy
	Limits            *Limits
	ExpirationPolicy  *ExpirationPolicy
	PointsFormula     *string
	EarnRate          *float64
	MinPointsToRedeem *int64
	Status            *Status
	ActiveFrom        **time.Time
	ActiveTo          **time.Time
	Currency          *string
}

// apply builds the next version of p from the change-set. The receiver is
// not modified.
func (p LoyaltyProgram) apply(cs ChangeSet) LoyaltyProgram {
	next := p
	if cs.Name != nil {
		next.Name = *cs.Name
	}
	if cs.EarningDomains != nil {
		next.EarningDomains = datatypes.NewJSONSlice(*cs.EarningDomains)
	}
	if cs.PriorityRank != nil {
		next.PriorityRank = *cs.PriorityRank
	}
	if cs.StackingPolicy != nil {
		next.StackingPolicy = datatypes.NewJSONType(*cs.StackingPolicy)
	}
	if cs.Limits != nil {
		next.Limits = datatypes.NewJSONType(*cs.Limits)
	}
	if cs.ExpirationPolicy != nil {
		next.ExpirationPolicy = datatypes.NewJSONType(*cs.ExpirationPolicy)
	}
	if cs.PointsFormula != nil {
		next.PointsFormula = *cs.PointsFormula
	}
	if cs.EarnRate != nil {
		next.EarnRate = *cs.EarnRate
	}
	if cs.MinPointsToRedeem != nil {
		next.MinPointsToRedeem = *cs.MinPointsToRedeem
	}
	if cs.Status != nil {
		next.Status = *cs.Status
	}
	if cs.ActiveFrom != nil {
		next.ActiveFrom = *cs.ActiveFrom
	}
	if cs.ActiveTo != nil {
		next.ActiveTo = *cs.ActiveTo
	}
	if cs.Currency != nil {
		next.Currency = *cs.Currency
	}
	next.Version = p.Version + 1
	return next
}
