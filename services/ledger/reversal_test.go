package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"loyalty-controlplane/pkg/errutil"
)

func TestReverseNegatesOriginal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original, err := store.Append(ctx, earningParams("mbr_01", "earn:evt_01:prg_01", 100))
	require.NoError(t, err)

	reversal, err := store.Reverse(ctx, ReverseParams{
		TenantID:   "tnt_01",
		EntryID:    original.ID,
		ReasonCode: "ORDER_CANCELLED",
	})
	require.NoError(t, err)
	require.Equal(t, TypeReversal, reversal.Type)
	require.Equal(t, int64(-100), reversal.PointsDelta)
	require.Equal(t, original.ID, reversal.ReversalOfEntryID)
	require.Equal(t, ReversalKey(original.ID), reversal.IdempotencyKey)

	balance, err := store.BalanceOf(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestReverseTwiceFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original, err := store.Append(ctx, earningParams("mbr_01", "earn:evt_01:prg_01", 100))
	require.NoError(t, err)

	_, err = store.Reverse(ctx, ReverseParams{TenantID: "tnt_01", EntryID: original.ID})
	require.NoError(t, err)

	_, err = store.Reverse(ctx, ReverseParams{TenantID: "tnt_01", EntryID: original.ID})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusAlreadyReversed))

	entries, err := store.FindByMembership(ctx, "tnt_01", "mbr_01", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestReverseMissingEntry(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Reverse(context.Background(), ReverseParams{TenantID: "tnt_01", EntryID: "missing"})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestReverseRejectsNonReversibleTypes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original, err := store.Append(ctx, earningParams("mbr_01", "earn:evt_01:prg_01", 100))
	require.NoError(t, err)

	reversal, err := store.Reverse(ctx, ReverseParams{TenantID: "tnt_01", EntryID: original.ID})
	require.NoError(t, err)

	// a reversal cannot itself be reversed
	_, err = store.Reverse(ctx, ReverseParams{TenantID: "tnt_01", EntryID: reversal.ID})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	adj := earningParams("mbr_01", "adj_01", 25)
	adj.Type = TypeAdjustment
	adj.ReasonCode = "SUPPORT_CORRECTION"
	adjusted, err := store.Append(ctx, adj)
	require.NoError(t, err)

	_, err = store.Reverse(ctx, ReverseParams{TenantID: "tnt_01", EntryID: adjusted.ID})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestReverseRedeemRestoresBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, earningParams("mbr_01", "earn:evt_01:prg_01", 100))
	require.NoError(t, err)

	redeem := earningParams("mbr_01", "redeem_01", -60)
	redeem.Type = TypeRedeem
	redeemed, err := store.AppendRedeem(ctx, redeem)
	require.NoError(t, err)

	reversal, err := store.Reverse(ctx, ReverseParams{TenantID: "tnt_01", EntryID: redeemed.ID})
	require.NoError(t, err)
	require.Equal(t, int64(60), reversal.PointsDelta)

	balance, err := store.BalanceOf(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}
