package ledger

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"loyalty-controlplane/pkg/errutil"
)

// ReverseParams names the entry to reverse and who asked for it.
type ReverseParams struct {
	TenantID   string
	EntryID    string
	ReasonCode string
	CreatedBy  string
	Metadata   datatypes.JSON
}

// Reverse appends a REVERSAL entry negating an existing entry. Each entry can
// be reversed at most once; the reversal's idempotency key is derived from
// the original entry id so retries and concurrent calls collapse to one row.
//
// REVERSAL, EXPIRATION and ADJUSTMENT entries are not reversible: undoing a
// reversal re-issues the original operation, expired points are gone, and an
// adjustment is corrected with a counter-adjustment.
func (s *Store) Reverse(ctx context.Context, params ReverseParams) (*LedgerEntry, error) {
	original, err := s.FindByID(ctx, params.TenantID, params.EntryID)
	if err != nil {
		return nil, err
	}

	switch original.Type {
	case TypeReversal, TypeExpiration, TypeAdjustment:
		return nil, errutil.ValidationFailed("entry type is not reversible", nil,
			errutil.WithDetails(errutil.Detail{Field: "type", Message: original.Type.String()}))
	}

	existing, err := s.FindByIdempotencyKey(ctx, params.TenantID, ReversalKey(original.ID))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		zap.L().Warn("entry already reversed",
			zap.String("entry_id", original.ID),
			zap.String("reversal_id", existing.ID),
		)
		return nil, errutil.AlreadyReversed("entry has already been reversed", nil,
			errutil.WithDetails(errutil.Detail{Field: "reversal_of_entry_id", Message: original.ID}))
	}

	return s.Append(ctx, EntryParams{
		TenantID:          original.TenantID,
		CustomerID:        original.CustomerID,
		MembershipID:      original.MembershipID,
		ProgramID:         original.ProgramID,
		RuleID:            original.RuleID,
		Type:              TypeReversal,
		PointsDelta:       -original.PointsDelta,
		IdempotencyKey:    ReversalKey(original.ID),
		SourceEventID:     original.SourceEventID,
		CorrelationID:     original.ID,
		ReversalOfEntryID: original.ID,
		ReasonCode:        params.ReasonCode,
		CreatedBy:         params.CreatedBy,
		Metadata:          params.Metadata,
	})
}
