package program

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enrollmentCounterMock struct {
	counts map[string]int64
}

func (m *enrollmentCounterMock) CountActiveByProgram(_ context.Context, _, programID string) (int64, error) {
	return m.counts[programID], nil
}

func newTestRegistry(t *testing.T) (*Registry, *enrollmentCounterMock, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &LoyaltyProgram{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	counter := &enrollmentCounterMock{counts: map[string]int64{}}
	validator := NewValidator(ValidatorParams{DB: db, Enrollments: counter})
	registry := NewRegistry(RegistryParams{DB: db, Node: node, Validator: validator})
	return registry, counter, db
}

func baseProgram(tenantID string) *LoyaltyProgram {
	return &LoyaltyProgram{
		TenantID:       tenantID,
		Name:           "Core Points",
		ProgramType:    TypeBase,
		EarningDomains: datatypes.NewJSONSlice([]string{DomainBasePurchase}),
		EarnRate:       1,
		Status:         StatusActive,
		Currency:       "USD",
	}
}

func promoProgram(tenantID, name string, rank int, domains ...string) *LoyaltyProgram {
	if len(domains) == 0 {
		domains = []string{"PROMO_PURCHASE"}
	}
	return &LoyaltyProgram{
		TenantID:       tenantID,
		Name:           name,
		ProgramType:    TypePromo,
		EarningDomains: datatypes.NewJSONSlice(domains),
		PriorityRank:   rank,
		EarnRate:       2,
		Status:         StatusActive,
		StackingPolicy: datatypes.NewJSONType(StackingPolicy{
			Allowed:             true,
			MaxProgramsPerEvent: 3,
			Period:              PeriodMonthly,
			SelectionStrategy:   StrategyPriorityRank,
		}),
	}
}

func TestCreateAssignsVersionOne(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	created, err := registry.Create(context.Background(), baseProgram("tnt_01"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, int64(1), created.Version)
}

func TestSingleActiveBasePerTenant(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := registry.Create(ctx, baseProgram("tnt_01"))
	require.NoError(t, err)

	_, err = registry.Create(ctx, baseProgram("tnt_01"))
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	// a second tenant is unaffected
	_, err = registry.Create(ctx, baseProgram("tnt_02"))
	require.NoError(t, err)

	// deactivating the first frees the slot
	_, err = registry.SetStatus(ctx, "tnt_01", first.ID, StatusInactive)
	require.NoError(t, err)

	_, err = registry.Create(ctx, baseProgram("tnt_01"))
	require.NoError(t, err)
}

func TestBasePurchaseClaimedOnceByNonBase(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// the BASE program itself is exempt from the claim check
	_, err := registry.Create(ctx, baseProgram("tnt_01"))
	require.NoError(t, err)

	_, err = registry.Create(ctx, promoProgram("tnt_01", "Promo A", 5, DomainBasePurchase))
	require.NoError(t, err)

	_, err = registry.Create(ctx, promoProgram("tnt_01", "Promo B", 3, DomainBasePurchase))
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestBaseProgramMustServeBasePurchase(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	p := baseProgram("tnt_01")
	p.EarningDomains = datatypes.NewJSONSlice([]string{"PROMO_PURCHASE"})
	_, err := registry.Create(context.Background(), p)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	// empty domain set is allowed on BASE
	p = baseProgram("tnt_01")
	p.EarningDomains = nil
	_, err = registry.Create(context.Background(), p)
	require.NoError(t, err)
}

func TestValidatorRejectsBadFields(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p := promoProgram("tnt_01", "Promo", 5)
	p.PriorityRank = -1
	_, err := registry.Create(ctx, p)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	p = promoProgram("tnt_01", "Promo", 5)
	p.MinPointsToRedeem = -10
	_, err = registry.Create(ctx, p)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	from := time.Now()
	to := from.Add(-time.Hour)
	p = promoProgram("tnt_01", "Promo", 5)
	p.ActiveFrom = &from
	p.ActiveTo = &to
	_, err = registry.Create(ctx, p)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	p = promoProgram("tnt_01", "Promo", 5)
	p.PointsFormula = "amount >"
	_, err = registry.Create(ctx, p)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestNewVersionIncrementsAndRevalidates(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	created, err := registry.Create(ctx, promoProgram("tnt_01", "Promo", 5))
	require.NoError(t, err)

	name := "Promo Renamed"
	updated, err := registry.NewVersion(ctx, "tnt_01", created.ID, ChangeSet{Name: &name})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.Equal(t, "Promo Renamed", updated.Name)

	// an invalid change-set leaves the stored program untouched
	badRank := -3
	_, err = registry.NewVersion(ctx, "tnt_01", created.ID, ChangeSet{PriorityRank: &badRank})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	stored, err := registry.FindByID(ctx, "tnt_01", created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version)
	require.Equal(t, 5, stored.PriorityRank)
}

func TestNewVersionDetectsConcurrentEdit(t *testing.T) {
	registry, _, db := newTestRegistry(t)
	ctx := context.Background()

	created, err := registry.Create(ctx, promoProgram("tnt_01", "Promo", 5))
	require.NoError(t, err)

	// another writer bumps the version behind our back
	require.NoError(t, db.Model(&LoyaltyProgram{}).
		Where("id = ?", created.ID).
		Update("version", created.Version+1).Error)

	name := "Late Edit"
	_, err = registry.NewVersion(ctx, "tnt_01", created.ID, ChangeSet{Name: &name})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))
}

func TestDeleteGuardedByActiveEnrollments(t *testing.T) {
	registry, counter, _ := newTestRegistry(t)
	ctx := context.Background()

	created, err := registry.Create(ctx, promoProgram("tnt_01", "Promo", 5))
	require.NoError(t, err)

	counter.counts[created.ID] = 2
	err = registry.Delete(ctx, "tnt_01", created.ID)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	counter.counts[created.ID] = 0
	require.NoError(t, registry.Delete(ctx, "tnt_01", created.ID))

	_, err = registry.FindByID(ctx, "tnt_01", created.ID)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestActiveByDomainFiltersWindowAndDomain(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now()

	_, err := registry.Create(ctx, promoProgram("tnt_01", "Promo A", 5, "PROMO_PURCHASE"))
	require.NoError(t, err)

	expired := promoProgram("tnt_01", "Promo Expired", 3, "PROMO_PURCHASE")
	from := now.Add(-48 * time.Hour)
	to := now.Add(-24 * time.Hour)
	expired.ActiveFrom = &from
	expired.ActiveTo = &to
	_, err = registry.Create(ctx, expired)
	require.NoError(t, err)

	_, err = registry.Create(ctx, promoProgram("tnt_01", "Other Domain", 2, "REFERRAL"))
	require.NoError(t, err)

	matched, err := registry.ActiveByDomain(ctx, "tnt_01", "PROMO_PURCHASE", now)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "Promo A", matched[0].Name)
}

func TestActiveBaseReturnsNilWhenAbsent(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := registry.ActiveBase(ctx, "tnt_01")
	require.NoError(t, err)
	require.Nil(t, p)

	created, err := registry.Create(ctx, baseProgram("tnt_01"))
	require.NoError(t, err)

	p, err = registry.ActiveBase(ctx, "tnt_01")
	require.NoError(t, err)
	require.Equal(t, created.ID, p.ID)
}
