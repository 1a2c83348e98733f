package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"loyalty-controlplane/pkg/errutil"
)

type balanceWriterMock struct {
	written map[string]int64
	cached  map[string]int64
	err     error
}

func newBalanceWriterMock() *balanceWriterMock {
	return &balanceWriterMock{written: map[string]int64{}, cached: map[string]int64{}}
}

func (m *balanceWriterMock) UpdateBalanceFromLedger(_ context.Context, _, membershipID string, points int64) error {
	if m.err != nil {
		return m.err
	}
	m.written[membershipID] = points
	m.cached[membershipID] = points
	return nil
}

func (m *balanceWriterMock) CachedBalance(_ context.Context, _, membershipID string) (int64, error) {
	return m.cached[membershipID], nil
}

func TestRecomputeWritesDerivedBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, earningParams("mbr_01", "earn:evt_01:prg_01", 100))
	require.NoError(t, err)

	redeem := earningParams("mbr_01", "redeem_01", -30)
	redeem.Type = TypeRedeem
	_, err = store.AppendRedeem(ctx, redeem)
	require.NoError(t, err)

	writer := newBalanceWriterMock()
	projector := NewProjector(ProjectorParams{Store: store, Writer: writer})

	balance, err := projector.Recompute(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)
	require.Equal(t, int64(70), balance)
	require.Equal(t, int64(70), writer.written["mbr_01"])

	// recompute is idempotent
	balance, err = projector.Recompute(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)
	require.Equal(t, int64(70), balance)
}

func TestRecomputeBatchSkipsFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, earningParams("mbr_01", "earn:evt_01:prg_01", 100))
	require.NoError(t, err)

	writer := newBalanceWriterMock()
	writer.err = errutil.Unavailable("write-back down", nil)
	projector := NewProjector(ProjectorParams{Store: store, Writer: writer})

	failed := projector.RecomputeBatch(ctx, "tnt_01", []string{"mbr_01", "mbr_02"})
	require.Equal(t, []string{"mbr_01", "mbr_02"}, failed)

	writer.err = nil
	failed = projector.RecomputeBatch(ctx, "tnt_01", []string{"mbr_01", "mbr_02"})
	require.Empty(t, failed)
	require.Equal(t, int64(100), writer.written["mbr_01"])
	require.Equal(t, int64(0), writer.written["mbr_02"])
}

func TestValidateIntegrityDetectsDrift(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, earningParams("mbr_01", "earn:evt_01:prg_01", 100))
	require.NoError(t, err)

	writer := newBalanceWriterMock()
	projector := NewProjector(ProjectorParams{Store: store, Writer: writer})

	writer.cached["mbr_01"] = 85
	ok, err := projector.ValidateIntegrity(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = projector.Recompute(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)

	ok, err = projector.ValidateIntegrity(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)
	require.True(t, ok)
}
