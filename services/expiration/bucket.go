package expiration

import (
	"context"

	"loyalty-controlplane/services/ledger"
)

// bucket is one EARNING entry's unconsumed remainder.
type bucket struct {
	entryID   string
	remaining int64
}

// remainingByEntry replays a membership's ledger and allocates net spend
// across its live EARNING entries first-in-first-out. An earning that was
// reversed or already expired holds nothing. Reversing a redemption refunds
// the spend, which the FIFO allocation naturally hands back to the oldest
// buckets.
func remainingByEntry(ctx context.Context, store *ledger.Store, tenantID, membershipID string, batchSize int) (map[string]int64, error) {
	type earned struct {
		id     string
		amount int64
	}

	var (
		earnings []earned
		dead     = map[string]bool{}
		types    = map[string]ledger.EntryType{}
		netSpend int64
	)

	for entry, err := range store.Entries(ctx, ledger.EntryQuery{TenantID: tenantID, MembershipID: membershipID}, batchSize) {
		if err != nil {
			return nil, err
		}
		types[entry.ID] = entry.Type

		switch entry.Type {
		case ledger.TypeEarning:
			earnings = append(earnings, earned{id: entry.ID, amount: entry.PointsDelta})
		case ledger.TypeRedeem, ledger.TypeHold, ledger.TypeRelease:
			netSpend -= entry.PointsDelta
		case ledger.TypeExpiration:
			if entry.CorrelationID != "" {
				dead[entry.CorrelationID] = true
			}
		case ledger.TypeReversal:
			switch types[entry.ReversalOfEntryID] {
			case ledger.TypeEarning:
				dead[entry.ReversalOfEntryID] = true
			case ledger.TypeRedeem, ledger.TypeHold, ledger.TypeRelease:
				// reversing a redemption or hold refunds spend; reversing
				// a release re-imposes it. Both fall out of the delta sign.
				netSpend -= entry.PointsDelta
			}
		}
	}

	if netSpend < 0 {
		netSpend = 0
	}

	remaining := make(map[string]int64, len(earnings))
	for _, e := range earnings {
		if dead[e.id] {
			remaining[e.id] = 0
			continue
		}

		consumed := netSpend
		if consumed > e.amount {
			consumed = e.amount
		}
		netSpend -= consumed
		remaining[e.id] = e.amount - consumed
	}
	return remaining, nil
}
