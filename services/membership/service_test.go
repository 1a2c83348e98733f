package membership

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loyalty-controlplane/pkg/db/pagination"
	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &CustomerMembership{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func TestCreateIsIdempotentPerCustomer(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "tnt_01", "cus_01")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, int64(0), first.Points)

	second, err := svc.Create(ctx, "tnt_01", "cus_01")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// same customer under a different tenant is a distinct membership
	other, err := svc.Create(ctx, "tnt_02", "cus_01")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestFindByIDScopedToTenant(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, "tnt_01", "cus_01")
	require.NoError(t, err)

	found, err := svc.FindByID(ctx, "tnt_01", m.ID)
	require.NoError(t, err)
	require.Equal(t, m.ID, found.ID)

	_, err = svc.FindByID(ctx, "tnt_02", m.ID)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestUpdateBalanceFromLedger(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, "tnt_01", "cus_01")
	require.NoError(t, err)

	require.NoError(t, svc.UpdateBalanceFromLedger(ctx, "tnt_01", m.ID, 140))

	balance, err := svc.CachedBalance(ctx, "tnt_01", m.ID)
	require.NoError(t, err)
	require.Equal(t, int64(140), balance)

	// last writer wins
	require.NoError(t, svc.UpdateBalanceFromLedger(ctx, "tnt_01", m.ID, 90))
	balance, err = svc.CachedBalance(ctx, "tnt_01", m.ID)
	require.NoError(t, err)
	require.Equal(t, int64(90), balance)
}

func TestListByTenant(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, customer := range []string{"cus_01", "cus_02", "cus_03"} {
		_, err := svc.Create(ctx, "tnt_01", customer)
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "tnt_02", "cus_09")
	require.NoError(t, err)

	rows, err := svc.ListByTenant(ctx, "tnt_01", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	rows, err = svc.ListByTenant(ctx, "tnt_01", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestListPageWalksWithCursor(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, customer := range []string{"cus_01", "cus_02", "cus_03"} {
		_, err := svc.Create(ctx, "tnt_01", customer)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	first, info, err := svc.ListPage(ctx, "tnt_01", pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, info.HasMore)
	require.NotEmpty(t, info.NextCursor)

	second, info, err := svc.ListPage(ctx, "tnt_01", pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.False(t, info.HasMore)
	require.Equal(t, "cus_03", second[0].CustomerID)

	_, _, err = svc.ListPage(ctx, "tnt_01", pagination.Pagination{Limit: 2, Cursor: "not-base64!"})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))
}
