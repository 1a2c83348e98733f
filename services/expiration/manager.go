package expiration

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"loyalty-controlplane/pkg/clock"
	"loyalty-controlplane/pkg/config"
	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/services/ledger"
	"loyalty-controlplane/services/membership"
	"loyalty-controlplane/services/program"
)

// Manager expires earned points whose expiry (plus the program's grace
// period) has passed. Sweeps are re-entrant: the EXPIRATION entry for each
// earning carries a deterministic idempotency key, so overlapping or
// repeated runs never expire twice.
type Manager struct {
	store       *ledger.Store
	registry    *program.Registry
	memberships *membership.Service
	clock       clock.Clock

	batchSize int
}

type ManagerParams struct {
	fx.In
	Config      *config.Config
	Store       *ledger.Store
	Registry    *program.Registry
	Memberships *membership.Service
	Clock       clock.Clock
}

func NewManager(p ManagerParams) *Manager {
	return &Manager{
		store:       p.Store,
		registry:    p.Registry,
		memberships: p.Memberships,
		clock:       p.Clock,
		batchSize:   p.Config.Sweep.BatchSize,
	}
}

// SweepMembership expires every eligible EARNING entry of one membership as
// of the given instant and returns the appended EXPIRATION entries.
func (m *Manager) SweepMembership(ctx context.Context, tenantID, membershipID string, asOf time.Time) ([]*ledger.LedgerEntry, error) {
	if asOf.IsZero() {
		asOf = m.clock.Now()
	}

	candidates, err := m.store.FindExpiring(ctx, tenantID, membershipID, asOf, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	policies := map[string]program.ExpirationPolicy{}
	var buckets map[string]int64

	var appended []*ledger.LedgerEntry
	for _, entry := range candidates {
		policy, err := m.policyFor(ctx, policies, tenantID, entry.ProgramID)
		if err != nil {
			return nil, err
		}
		if !policy.Enabled {
			continue
		}
		if policy.GracePeriodDays > 0 && asOf.Before(entry.ExpiresAt.AddDate(0, 0, policy.GracePeriodDays)) {
			continue
		}

		amount := entry.PointsDelta
		if policy.Type == program.ExpirationBucketed {
			if buckets == nil {
				buckets, err = remainingByEntry(ctx, m.store, tenantID, membershipID, m.batchSize)
				if err != nil {
					return nil, err
				}
			}
			amount = buckets[entry.ID]
		}
		if amount <= 0 {
			continue
		}

		expired, err := m.store.Append(ctx, ledger.EntryParams{
			TenantID:       entry.TenantID,
			CustomerID:     entry.CustomerID,
			MembershipID:   entry.MembershipID,
			ProgramID:      entry.ProgramID,
			Type:           ledger.TypeExpiration,
			PointsDelta:    -amount,
			IdempotencyKey: ledger.ExpirationKey(entry.ID),
			SourceEventID:  entry.SourceEventID,
			CorrelationID:  entry.ID,
		})
		if err != nil {
			return nil, err
		}
		appended = append(appended, expired)
	}

	if len(appended) > 0 {
		zap.L().Info("expired points",
			zap.String("tenant_id", tenantID),
			zap.String("membership_id", membershipID),
			zap.Int("entries", len(appended)),
		)
	}
	return appended, nil
}

// policyFor resolves a program's expiration policy, caching per sweep.
// Entries without a program (tenant-wide adjustments) never expire.
func (m *Manager) policyFor(ctx context.Context, cache map[string]program.ExpirationPolicy, tenantID, programID string) (program.ExpirationPolicy, error) {
	if programID == "" {
		return program.ExpirationPolicy{}, nil
	}
	if policy, ok := cache[programID]; ok {
		return policy, nil
	}

	p, err := m.registry.FindByID(ctx, tenantID, programID)
	if err != nil {
		if errutil.HasStatus(err, errutil.StatusNotFound) {
			cache[programID] = program.ExpirationPolicy{}
			return program.ExpirationPolicy{}, nil
		}
		return program.ExpirationPolicy{}, err
	}

	policy := p.ExpirationPolicy.Data()
	cache[programID] = policy
	return policy, nil
}

// SweepTenant sweeps every membership of a tenant, logging and skipping
// failing memberships so one bad account cannot abort the batch. It returns
// all appended EXPIRATION entries.
func (m *Manager) SweepTenant(ctx context.Context, tenantID string, asOf time.Time) ([]*ledger.LedgerEntry, error) {
	members, err := m.memberships.ListByTenant(ctx, tenantID, 0)
	if err != nil {
		return nil, err
	}

	var appended []*ledger.LedgerEntry
	for _, member := range members {
		entries, err := m.SweepMembership(ctx, tenantID, member.ID, asOf)
		if err != nil {
			zap.L().Error("membership sweep failed",
				zap.String("tenant_id", tenantID),
				zap.String("membership_id", member.ID),
				zap.Error(err),
			)
			continue
		}
		appended = append(appended, entries...)
	}
	return appended, nil
}
