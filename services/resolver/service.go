package resolver

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"loyalty-controlplane/pkg/celengine"
	"loyalty-controlplane/pkg/config"
	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/services/enrollment"
	"loyalty-controlplane/services/ledger"
	"loyalty-controlplane/services/program"
)

// EarningEvent is one monetary event that may award points under one or more
// programs.
type EarningEvent struct {
	TenantID       string
	CustomerID     string
	MembershipID   string
	EarningDomain  string
	BaseAmount     float64
	EventTimestamp time.Time
	SourceEventID  string
	Metadata       datatypes.JSON
}

func (e EarningEvent) validate() error {
	if e.TenantID == "" || e.MembershipID == "" {
		return errutil.ValidationFailed("tenant_id and membership_id are required", nil)
	}
	if e.EarningDomain == "" {
		return errutil.ValidationFailed("earning_domain is required", nil)
	}
	if e.SourceEventID == "" {
		return errutil.ValidationFailed("source_event_id is required", nil)
	}
	if e.BaseAmount < 0 {
		return errutil.ValidationFailed("base_amount must not be negative", nil)
	}
	return nil
}

// Service turns earning events into ledger entries. It decides which of the
// membership's programs apply, how many points each contributes, and appends
// every selected program's EARNING entry in one transaction.
type Service struct {
	registry    *program.Registry
	enrollments *enrollment.Service
	store       *ledger.Store
	formulas    *program.FormulaCache

	loc *time.Location
}

type ServiceParams struct {
	fx.In
	Config      *config.Config
	Registry    *program.Registry
	Enrollments *enrollment.Service
	Store       *ledger.Store
	Formulas    *program.FormulaCache
}

func NewService(p ServiceParams) *Service {
	loc, err := time.LoadLocation(p.Config.Platform.Timezone)
	if err != nil {
		zap.L().Warn("invalid platform timezone, falling back to UTC",
			zap.String("timezone", p.Config.Platform.Timezone),
			zap.Error(err),
		)
		loc = time.UTC
	}

	return &Service{
		registry:    p.Registry,
		enrollments: p.Enrollments,
		store:       p.Store,
		formulas:    p.Formulas,
		loc:         loc,
	}
}

// candidate pairs an eligible program with the enrollment that admitted it
// and the raw formula output for this event.
type candidate struct {
	program    *program.LoyaltyProgram
	enrolledAt time.Time
	rawPoints  int64
}

// ResolveEarningEvent selects the programs that earn for this event and
// appends one EARNING entry per selected program, all-or-nothing. A retried
// event resolves to the same entries via deterministic idempotency keys. No
// eligible program is a benign no-op returning an empty slice.
func (s *Service) ResolveEarningEvent(ctx context.Context, event EarningEvent) ([]*ledger.LedgerEntry, error) {
	span := trace.SpanFromContext(ctx)
	fields := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("tenant_id", event.TenantID),
		zap.String("membership_id", event.MembershipID),
		zap.String("source_event_id", event.SourceEventID),
	}

	if err := event.validate(); err != nil {
		return nil, err
	}

	candidates, err := s.eligibleCandidates(ctx, event)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		zap.L().With(fields...).Debug("no eligible programs for earning event")
		return nil, nil
	}

	candidates, err = s.filterPeriodQuota(ctx, event, candidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	selected := s.selectCandidates(candidates)

	awards, err := s.computeAwards(ctx, event, selected)
	if err != nil {
		return nil, err
	}
	if len(awards) == 0 {
		return nil, nil
	}

	var entries []*ledger.LedgerEntry
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, award := range awards {
			entry, err := s.store.AppendInTx(ctx, tx, award)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		zap.L().With(fields...).Error("failed to append earning entries", zap.Error(err))
		return nil, err
	}

	zap.L().With(fields...).Info("earning event resolved",
		zap.Int("programs", len(entries)),
	)
	return entries, nil
}

// eligibleCandidates walks the membership's active enrollments and keeps the
// programs that are active at the event time and serve its domain. Ordering
// follows enrollment age, which FIRST_MATCH selection relies on.
func (s *Service) eligibleCandidates(ctx context.Context, event EarningEvent) ([]candidate, error) {
	enrolled, err := s.enrollments.ActiveByMembership(ctx, event.TenantID, event.MembershipID, event.EventTimestamp)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, e := range enrolled {
		p, err := s.registry.FindByID(ctx, event.TenantID, e.ProgramID)
		if err != nil {
			if errutil.HasStatus(err, errutil.StatusNotFound) {
				// enrollment survived its program; skip it
				continue
			}
			return nil, err
		}
		if !p.ActiveAt(event.EventTimestamp) || !p.ServesDomain(event.EarningDomain) {
			continue
		}

		raw, err := s.rawPoints(p, event)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{program: p, enrolledAt: e.CreatedAt, rawPoints: raw})
	}
	return candidates, nil
}

func (s *Service) rawPoints(p *program.LoyaltyProgram, event EarningEvent) (int64, error) {
	prg, err := s.formulas.ProgramFor(p)
	if err != nil {
		return 0, errutil.ValidationFailed("points formula does not compile", err,
			errutil.WithDetails(errutil.Detail{Field: "program_id", Message: p.ID}))
	}

	points, err := celengine.EvaluatePoints(prg, map[string]any{
		"amount": event.BaseAmount,
		"domain": event.EarningDomain,
		"rate":   p.EarnRate,
	})
	if err != nil {
		return 0, errutil.ValidationFailed("points formula evaluation failed", err,
			errutil.WithDetails(errutil.Detail{Field: "program_id", Message: p.ID}))
	}
	return points, nil
}

// filterPeriodQuota drops programs that already earned maxProgramsPerPeriod
// times in the calendar period containing the event.
func (s *Service) filterPeriodQuota(ctx context.Context, event EarningEvent, candidates []candidate) ([]candidate, error) {
	kept := candidates[:0]
	for _, c := range candidates {
		sp := c.program.StackingPolicy.Data()
		if sp.MaxProgramsPerPeriod <= 0 {
			kept = append(kept, c)
			continue
		}

		window := PeriodWindow(sp.Period, event.EventTimestamp, s.loc)
		count, err := s.store.CountEarningsInWindow(ctx, event.TenantID, event.MembershipID, c.program.ID, window.Start, window.End)
		if err != nil {
			return nil, err
		}
		if count >= int64(sp.MaxProgramsPerPeriod) {
			zap.L().Debug("program exhausted its period quota",
				zap.String("program_id", c.program.ID),
				zap.Int64("count", count),
			)
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// selectCandidates applies the stacking policy. When any eligible program
// forbids stacking and more than one candidate remains, the single
// highest-priority candidate wins. Otherwise the BASE program (if present)
// always takes the first slot and the remaining slots are filled by the
// governing policy's selection strategy.
func (s *Service) selectCandidates(candidates []candidate) []candidate {
	if len(candidates) == 1 {
		return candidates
	}

	for _, c := range candidates {
		if !c.program.StackingPolicy.Data().Allowed {
			byPriority := append([]candidate(nil), candidates...)
			sortByPriority(byPriority)
			return byPriority[:1]
		}
	}

	policy, base := s.governingPolicy(candidates)

	ordered := make([]candidate, 0, len(candidates))
	rest := make([]candidate, 0, len(candidates))
	if base != nil {
		ordered = append(ordered, *base)
	}
	for _, c := range candidates {
		if base != nil && c.program.ID == base.program.ID {
			continue
		}
		rest = append(rest, c)
	}

	switch policy.SelectionStrategy {
	case program.StrategyFirstMatch:
		sort.SliceStable(rest, func(i, j int) bool {
			return rest[i].enrolledAt.Before(rest[j].enrolledAt)
		})
	case program.StrategyBestValue:
		sort.SliceStable(rest, func(i, j int) bool {
			if rest[i].rawPoints != rest[j].rawPoints {
				return rest[i].rawPoints > rest[j].rawPoints
			}
			return rest[i].program.ID < rest[j].program.ID
		})
	default:
		sortByPriority(rest)
	}
	ordered = append(ordered, rest...)

	if limit := policy.MaxProgramsPerEvent; limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered
}

// governingPolicy picks whose stacking parameters drive selection: the BASE
// candidate when one exists, else the highest-priority candidate.
func (s *Service) governingPolicy(candidates []candidate) (program.StackingPolicy, *candidate) {
	var base *candidate
	for i := range candidates {
		if candidates[i].program.ProgramType == program.TypeBase {
			base = &candidates[i]
			break
		}
	}
	if base != nil {
		return base.program.StackingPolicy.Data(), base
	}

	byPriority := append([]candidate(nil), candidates...)
	sortByPriority(byPriority)
	return byPriority[0].program.StackingPolicy.Data(), nil
}

func sortByPriority(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].program.PriorityRank != cs[j].program.PriorityRank {
			return cs[i].program.PriorityRank > cs[j].program.PriorityRank
		}
		return cs[i].program.ID < cs[j].program.ID
	})
}

// computeAwards turns selected candidates into entry parameters, applying
// per-event and per-window point caps. Programs capped to zero are dropped.
func (s *Service) computeAwards(ctx context.Context, event EarningEvent, selected []candidate) ([]ledger.EntryParams, error) {
	var awards []ledger.EntryParams
	for _, c := range selected {
		points := c.rawPoints

		limits := c.program.Limits.Data()
		if limits.MaxPointsPerEvent != nil && points > *limits.MaxPointsPerEvent {
			points = *limits.MaxPointsPerEvent
		}

		points, err := s.capToWindow(ctx, event, c.program.ID, points, limits.MaxPointsPerDay, DayWindow(event.EventTimestamp, s.loc))
		if err != nil {
			return nil, err
		}
		points, err = s.capToWindow(ctx, event, c.program.ID, points, limits.MaxPointsPerMonth, MonthWindow(event.EventTimestamp, s.loc))
		if err != nil {
			return nil, err
		}
		points, err = s.capToWindow(ctx, event, c.program.ID, points, limits.MaxPointsPerYear, YearWindow(event.EventTimestamp, s.loc))
		if err != nil {
			return nil, err
		}
		if points <= 0 {
			continue
		}

		params := ledger.EntryParams{
			TenantID:       event.TenantID,
			CustomerID:     event.CustomerID,
			MembershipID:   event.MembershipID,
			ProgramID:      c.program.ID,
			Type:           ledger.TypeEarning,
			PointsDelta:    points,
			IdempotencyKey: ledger.EarningKey(event.SourceEventID, c.program.ID),
			SourceEventID:  event.SourceEventID,
			Metadata:       event.Metadata,
		}

		if ep := c.program.ExpirationPolicy.Data(); ep.Enabled && ep.DaysToExpire > 0 {
			expires := event.EventTimestamp.AddDate(0, 0, ep.DaysToExpire)
			params.ExpiresAt = &expires
		}

		awards = append(awards, params)
	}
	return awards, nil
}

// capToWindow trims points so the program's total for the window stays under
// the cap. A nil cap never trims.
func (s *Service) capToWindow(ctx context.Context, event EarningEvent, programID string, points int64, limit *int64, window Window) (int64, error) {
	if limit == nil || points <= 0 {
		return points, nil
	}

	earned, err := s.store.SumEarningsInWindow(ctx, event.TenantID, event.MembershipID, programID, window.Start, window.End)
	if err != nil {
		return 0, err
	}

	remaining := *limit - earned
	if remaining <= 0 {
		return 0, nil
	}
	if points > remaining {
		return remaining, nil
	}
	return points, nil
}
