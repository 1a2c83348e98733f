package ledger

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-controlplane/pkg/db/option"
	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/pkg/repository"
)

// errStopIteration signals an early break out of a batched scan. It never
// escapes to callers.
var errStopIteration = errors.New("ledger: stop iteration")

// Store is the append-only write and query surface of the points ledger.
// Every balance in the system is derivable from the rows it writes.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node

	entries repository.Repository[LedgerEntry]
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:   p.DB,
		node: p.Node,

		entries: repository.ProvideStore[LedgerEntry](p.DB),
	}
}

// Append writes one ledger entry. Appends are idempotent on IdempotencyKey:
// a retry with an identical payload returns the stored entry, a retry with a
// different payload fails with a conflict.
func (s *Store) Append(ctx context.Context, params EntryParams) (*LedgerEntry, error) {
	return s.appendWithTrx(ctx, nil, params)
}

func (s *Store) appendWithTrx(ctx context.Context, tx *gorm.DB, params EntryParams) (*LedgerEntry, error) {
	span := trace.SpanFromContext(ctx)
	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("idempotency_key", params.IdempotencyKey),
		zap.String("membership_id", params.MembershipID),
	}

	if err := params.Validate(); err != nil {
		return nil, errutil.ValidationFailed("invalid ledger entry", err)
	}

	entry := newLedgerEntry(s.node.Generate().String(), params)

	if err := s.entries.WithTrx(tx).Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.resolveDuplicate(ctx, tx, entry)
		}
		zap.L().With(opts...).Error("failed to append ledger entry", zap.Error(err))
		return nil, errutil.Unavailable("failed to append ledger entry", err)
	}

	zap.L().With(opts...).Info("ledger entry appended",
		zap.String("entry_id", entry.ID),
		zap.String("type", entry.Type.String()),
		zap.Int64("points_delta", entry.PointsDelta),
	)
	return entry, nil
}

// resolveDuplicate handles the unique violation on idempotency_key: an exact
// payload match means the caller retried and gets the stored row back.
func (s *Store) resolveDuplicate(ctx context.Context, tx *gorm.DB, attempted *LedgerEntry) (*LedgerEntry, error) {
	existing, err := s.entries.WithTrx(tx).FindOne(ctx, &LedgerEntry{IdempotencyKey: attempted.IdempotencyKey})
	if err != nil {
		return nil, errutil.Unavailable("failed to load existing ledger entry", err)
	}
	if existing == nil {
		// The conflicting row vanished between insert and read. Never
		// observed outside of manual database surgery; refuse rather
		// than retry into an unknown state.
		return nil, errutil.Unavailable("idempotency key conflict could not be resolved", nil)
	}

	if existing.PayloadHash != attempted.PayloadHash {
		return nil, errutil.Conflict("idempotency key reused with a different payload", nil,
			errutil.WithDetails(errutil.Detail{
				Field:   "idempotency_key",
				Message: attempted.IdempotencyKey,
			}))
	}

	return existing, nil
}

// AppendRedeem writes a REDEEM entry after verifying the membership balance
// covers it. The balance check and the insert run in one transaction that
// locks the membership's last ledger row, so two concurrent redemptions of
// the same balance serialize instead of both succeeding.
func (s *Store) AppendRedeem(ctx context.Context, params EntryParams) (*LedgerEntry, error) {
	if params.Type != TypeRedeem {
		return nil, errutil.ValidationFailed("AppendRedeem requires a REDEEM entry", nil)
	}
	return s.appendGuarded(ctx, params)
}

// AppendHold writes a HOLD entry under the same balance guard as a
// redemption: the held amount must be covered by the current balance.
func (s *Store) AppendHold(ctx context.Context, params EntryParams) (*LedgerEntry, error) {
	if params.Type != TypeHold {
		return nil, errutil.ValidationFailed("AppendHold requires a HOLD entry", nil)
	}
	return s.appendGuarded(ctx, params)
}

// AppendEarning writes an EARNING entry. Earnings need no balance guard;
// they only ever add points.
func (s *Store) AppendEarning(ctx context.Context, params EntryParams) (*LedgerEntry, error) {
	if params.Type != TypeEarning {
		return nil, errutil.ValidationFailed("AppendEarning requires an EARNING entry", nil)
	}
	return s.Append(ctx, params)
}

// AppendAdjustment writes a manual ADJUSTMENT entry. Negative adjustments go
// through the balance guard so an operator cannot push a membership below
// zero; positive ones append directly.
func (s *Store) AppendAdjustment(ctx context.Context, params EntryParams) (*LedgerEntry, error) {
	if params.Type != TypeAdjustment {
		return nil, errutil.ValidationFailed("AppendAdjustment requires an ADJUSTMENT entry", nil)
	}
	if params.PointsDelta < 0 {
		return s.appendGuarded(ctx, params)
	}
	return s.Append(ctx, params)
}

func (s *Store) appendGuarded(ctx context.Context, params EntryParams) (*LedgerEntry, error) {
	if err := params.Validate(); err != nil {
		return nil, errutil.ValidationFailed("invalid ledger entry", err)
	}

	var appended *LedgerEntry
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockLastEntry(ctx, tx, params.TenantID, params.MembershipID); err != nil {
			return err
		}

		// A retry whose first attempt already committed must return the
		// stored row. The balance guard would otherwise refuse the retry
		// once the committed debit has lowered the balance.
		existing, err := s.findCommittedAppend(ctx, tx, params)
		if err != nil {
			return err
		}
		if existing != nil {
			appended = existing
			return nil
		}

		balance, err := s.balanceOf(ctx, tx, params.TenantID, params.MembershipID)
		if err != nil {
			return err
		}

		if balance+params.PointsDelta < 0 {
			return errutil.InsufficientBalance("points balance does not cover this entry", nil,
				errutil.WithDetails(errutil.Detail{
					Field:   "points_delta",
					Message: "available balance is lower than the requested amount",
				}))
		}

		appended, err = s.appendWithTrx(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// findCommittedAppend returns the stored entry for an idempotency key that
// already committed, nil when the key is unused, and a conflict when the key
// is reused with a different payload.
func (s *Store) findCommittedAppend(ctx context.Context, tx *gorm.DB, params EntryParams) (*LedgerEntry, error) {
	existing, err := s.entries.WithTrx(tx).FindOne(ctx, &LedgerEntry{IdempotencyKey: params.IdempotencyKey})
	if err != nil {
		return nil, errutil.Unavailable("failed to load existing ledger entry", err)
	}
	if existing == nil {
		return nil, nil
	}

	if existing.PayloadHash != newLedgerEntry("", params).PayloadHash {
		return nil, errutil.Conflict("idempotency key reused with a different payload", nil,
			errutil.WithDetails(errutil.Detail{
				Field:   "idempotency_key",
				Message: params.IdempotencyKey,
			}))
	}
	return existing, nil
}

// AppendRelease writes a RELEASE entry restoring the points of a prior HOLD.
// CorrelationID must name the HOLD being released; releasing the same hold
// twice returns the first RELEASE row.
func (s *Store) AppendRelease(ctx context.Context, params EntryParams) (*LedgerEntry, error) {
	if params.Type != TypeRelease {
		return nil, errutil.ValidationFailed("AppendRelease requires a RELEASE entry", nil)
	}
	if params.CorrelationID == "" {
		return nil, errutil.ValidationFailed("RELEASE entries require the correlation_id of the hold", nil)
	}

	hold, err := s.FindByID(ctx, params.TenantID, params.CorrelationID)
	if err != nil {
		return nil, err
	}
	if hold.Type != TypeHold {
		return nil, errutil.ValidationFailed("correlation_id does not reference a HOLD entry", nil)
	}
	if params.PointsDelta != -hold.PointsDelta {
		return nil, errutil.ValidationFailed("RELEASE amount must equal the held amount", nil)
	}

	params.IdempotencyKey = "release:" + hold.ID
	return s.Append(ctx, params)
}

// lockLastEntry locks the membership's most recent ledger row for the
// duration of tx. All guarded appends funnel through this lock, which is
// what serializes concurrent redemptions.
func (s *Store) lockLastEntry(ctx context.Context, tx *gorm.DB, tenantID, membershipID string) (*LedgerEntry, error) {
	last, err := s.entries.WithTrx(tx).FindOne(ctx,
		&LedgerEntry{TenantID: tenantID, MembershipID: membershipID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLockingUpdate(),
	)
	if err != nil {
		return nil, errutil.Unavailable("failed to lock ledger head", err)
	}
	return last, nil
}

// BalanceOf computes the membership balance as the sum of all entry deltas.
func (s *Store) BalanceOf(ctx context.Context, tenantID, membershipID string) (int64, error) {
	return s.balanceOf(ctx, nil, tenantID, membershipID)
}

// BalanceOfProgram computes the balance contributed by one program.
func (s *Store) BalanceOfProgram(ctx context.Context, tenantID, membershipID, programID string) (int64, error) {
	total, err := s.entries.Sum(ctx, "points_delta",
		&LedgerEntry{TenantID: tenantID, MembershipID: membershipID, ProgramID: programID})
	if err != nil {
		return 0, errutil.Unavailable("failed to sum ledger entries", err)
	}
	return total, nil
}

func (s *Store) balanceOf(ctx context.Context, tx *gorm.DB, tenantID, membershipID string) (int64, error) {
	total, err := s.entries.WithTrx(tx).Sum(ctx, "points_delta",
		&LedgerEntry{TenantID: tenantID, MembershipID: membershipID})
	if err != nil {
		return 0, errutil.Unavailable("failed to sum ledger entries", err)
	}
	return total, nil
}

// FindByID loads one entry within a tenant.
func (s *Store) FindByID(ctx context.Context, tenantID, entryID string) (*LedgerEntry, error) {
	entry, err := s.entries.FindOne(ctx, &LedgerEntry{ID: entryID, TenantID: tenantID})
	if err != nil {
		return nil, errutil.Unavailable("failed to load ledger entry", err)
	}
	if entry == nil {
		return nil, errutil.NotFound("ledger entry not found", nil,
			errutil.WithDetails(errutil.Detail{Field: "entry_id", Message: entryID}))
	}
	return entry, nil
}

// FindByIdempotencyKey returns the entry for a key, or nil when absent.
func (s *Store) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*LedgerEntry, error) {
	entry, err := s.entries.FindOne(ctx, &LedgerEntry{TenantID: tenantID, IdempotencyKey: key})
	if err != nil {
		return nil, errutil.Unavailable("failed to load ledger entry", err)
	}
	return entry, nil
}

// FindByMembership lists a membership's entries oldest-first. The cap on
// limit keeps accidental full-history reads off the hot path; use Entries
// for unbounded scans.
func (s *Store) FindByMembership(ctx context.Context, tenantID, membershipID string, limit int) ([]*LedgerEntry, error) {
	rows, err := s.entries.Find(ctx,
		&LedgerEntry{TenantID: tenantID, MembershipID: membershipID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, errutil.Unavailable("failed to list ledger entries", err)
	}
	return rows, nil
}

// EntryQuery narrows an Entries scan. Zero fields do not filter.
type EntryQuery struct {
	TenantID     string
	MembershipID string
	ProgramID    string
	Type         EntryType
	From         *time.Time
	To           *time.Time
}

// Entries streams matching ledger rows oldest-first in fixed-size batches,
// yielding each row with any scan error. Callers stop early by breaking the
// range loop.
func (s *Store) Entries(ctx context.Context, q EntryQuery, batchSize int) iter.Seq2[*LedgerEntry, error] {
	if batchSize <= 0 {
		batchSize = 500
	}

	return func(yield func(*LedgerEntry, error) bool) {
		tx := s.db.WithContext(ctx).Where(&LedgerEntry{
			TenantID:     q.TenantID,
			MembershipID: q.MembershipID,
			ProgramID:    q.ProgramID,
			Type:         q.Type,
		})
		if q.From != nil && q.To != nil {
			tx = option.WithCreatedBetween(*q.From, *q.To)(tx)
		} else if q.From != nil {
			tx = tx.Where("created_at >= ?", *q.From)
		} else if q.To != nil {
			tx = tx.Where("created_at < ?", *q.To)
		}
		tx = tx.Order("created_at ASC")

		var batch []*LedgerEntry
		err := tx.FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
			for _, entry := range batch {
				if !yield(entry, nil) {
					return errStopIteration
				}
			}
			return nil
		}).Error
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(nil, errutil.Unavailable("failed to scan ledger entries", err))
		}
	}
}

// SumEarningsInWindow totals the EARNING deltas one program awarded a
// membership inside a half-open time window. Limit enforcement reads this
// instead of a running tally so the quota is always recomputable.
func (s *Store) SumEarningsInWindow(ctx context.Context, tenantID, membershipID, programID string, from, to time.Time) (int64, error) {
	total, err := s.entries.Sum(ctx, "points_delta",
		&LedgerEntry{TenantID: tenantID, MembershipID: membershipID, ProgramID: programID, Type: TypeEarning},
		option.WithCreatedBetween(from, to),
	)
	if err != nil {
		return 0, errutil.Unavailable("failed to sum earnings", err)
	}
	return total, nil
}

// CountEarningsInWindow counts the EARNING entries one program produced for a
// membership inside a half-open time window.
func (s *Store) CountEarningsInWindow(ctx context.Context, tenantID, membershipID, programID string, from, to time.Time) (int64, error) {
	count, err := s.entries.Count(ctx,
		&LedgerEntry{TenantID: tenantID, MembershipID: membershipID, ProgramID: programID, Type: TypeEarning},
		option.WithCreatedBetween(from, to),
	)
	if err != nil {
		return 0, errutil.Unavailable("failed to count earnings", err)
	}
	return count, nil
}

// FindExpiring returns EARNING entries whose expires_at has passed the given
// instant and that have no EXPIRATION entry pointing back at them yet.
func (s *Store) FindExpiring(ctx context.Context, tenantID, membershipID string, before time.Time, limit int) ([]*LedgerEntry, error) {
	var rows []*LedgerEntry
	tx := s.db.WithContext(ctx).
		Where(&LedgerEntry{TenantID: tenantID, MembershipID: membershipID, Type: TypeEarning}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", before).
		Where("NOT EXISTS (SELECT 1 FROM ledger_entries x WHERE x.type = ? AND x.correlation_id = ledger_entries.id)", TypeExpiration).
		Order("expires_at ASC")
	tx = option.WithLimit(limit)(tx)
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errutil.Unavailable("failed to query expiring entries", err)
	}
	return rows, nil
}

// Transaction runs fn inside one database transaction. Sibling services use
// it to append several entries all-or-nothing.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// AppendInTx appends within a caller-managed transaction, with the same
// idempotency semantics as Append.
func (s *Store) AppendInTx(ctx context.Context, tx *gorm.DB, params EntryParams) (*LedgerEntry, error) {
	return s.appendWithTrx(ctx, tx, params)
}
