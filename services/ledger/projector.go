package ledger

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"loyalty-controlplane/pkg/errutil"
)

// BalanceWriter is the sink for recomputed balances, implemented by the
// membership service. The projector never writes membership rows itself.
type BalanceWriter interface {
	UpdateBalanceFromLedger(ctx context.Context, tenantID, membershipID string, points int64) error
	CachedBalance(ctx context.Context, tenantID, membershipID string) (int64, error)
}

// Projector derives membership balances from the ledger and writes them back
// to the cached points column. The cached value is a convenience only; the
// ledger stays authoritative and every recompute is safe to repeat.
type Projector struct {
	store  *Store
	writer BalanceWriter
}

type ProjectorParams struct {
	fx.In
	Store  *Store
	Writer BalanceWriter
}

func NewProjector(p ProjectorParams) *Projector {
	return &Projector{store: p.Store, writer: p.Writer}
}

// Recompute sums the membership's ledger and writes the result back. Last
// writer wins; concurrent recomputes converge on the same value.
func (p *Projector) Recompute(ctx context.Context, tenantID, membershipID string) (int64, error) {
	balance, err := p.store.BalanceOf(ctx, tenantID, membershipID)
	if err != nil {
		return 0, err
	}

	if err := p.writer.UpdateBalanceFromLedger(ctx, tenantID, membershipID, balance); err != nil {
		return 0, errutil.Unavailable("failed to write back recomputed balance", err)
	}

	return balance, nil
}

// RecomputeBatch recomputes each membership independently, logging and
// skipping failures so one broken membership does not block the batch. It
// returns the ids it could not recompute.
func (p *Projector) RecomputeBatch(ctx context.Context, tenantID string, membershipIDs []string) []string {
	var failed []string
	for _, id := range membershipIDs {
		if _, err := p.Recompute(ctx, tenantID, id); err != nil {
			zap.L().Error("failed to recompute balance",
				zap.String("tenant_id", tenantID),
				zap.String("membership_id", id),
				zap.Error(err),
			)
			failed = append(failed, id)
		}
	}
	return failed
}

// ValidateIntegrity compares the cached membership balance against the
// ledger-derived truth and reports drift without correcting it.
func (p *Projector) ValidateIntegrity(ctx context.Context, tenantID, membershipID string) (bool, error) {
	derived, err := p.store.BalanceOf(ctx, tenantID, membershipID)
	if err != nil {
		return false, err
	}

	cached, err := p.writer.CachedBalance(ctx, tenantID, membershipID)
	if err != nil {
		return false, errutil.Unavailable("failed to read cached balance", err)
	}

	if cached != derived {
		zap.L().Warn("cached balance drifted from ledger",
			zap.String("tenant_id", tenantID),
			zap.String("membership_id", membershipID),
			zap.Int64("cached", cached),
			zap.Int64("derived", derived),
		)
		return false, nil
	}
	return true, nil
}
