package expiration

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"loyalty-controlplane/pkg/clock"
	"loyalty-controlplane/pkg/config"
	"loyalty-controlplane/services/ledger"
	"loyalty-controlplane/services/membership"
	"loyalty-controlplane/services/program"
	"loyalty-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	manager     *Manager
	store       *ledger.Store
	registry    *program.Registry
	memberships *membership.Service
	now         time.Time
}

type noEnrollments struct{}

func (noEnrollments) CountActiveByProgram(context.Context, string, string) (int64, error) {
	return 0, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &ledger.LedgerEntry{}, &program.LoyaltyProgram{}, &membership.CustomerMembership{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	validator := program.NewValidator(program.ValidatorParams{DB: db, Enrollments: noEnrollments{}})
	registry := program.NewRegistry(program.RegistryParams{DB: db, Node: node, Validator: validator})
	memberships := membership.NewService(membership.ServiceParams{DB: db, Node: node})
	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})

	cfg := &config.Config{}
	cfg.Sweep.BatchSize = 100

	now := time.Now()
	manager := NewManager(ManagerParams{
		Config:      cfg,
		Store:       store,
		Registry:    registry,
		Memberships: memberships,
		Clock:       clock.Fixed{Instant: now},
	})

	return &fixture{
		manager:     manager,
		store:       store,
		registry:    registry,
		memberships: memberships,
		now:         now,
	}
}

func (f *fixture) createProgram(t *testing.T, policy program.ExpirationPolicy) *program.LoyaltyProgram {
	t.Helper()
	created, err := f.registry.Create(context.Background(), &program.LoyaltyProgram{
		TenantID:         "tnt_01",
		Name:             "Expiring",
		ProgramType:      program.TypeBase,
		EarningDomains:   datatypes.NewJSONSlice([]string{program.DomainBasePurchase}),
		EarnRate:         1,
		Status:           program.StatusActive,
		ExpirationPolicy: datatypes.NewJSONType(policy),
	})
	require.NoError(t, err)
	return created
}

func (f *fixture) earn(t *testing.T, membershipID, programID, key string, points int64, expiresAt time.Time) *ledger.LedgerEntry {
	t.Helper()
	entry, err := f.store.Append(context.Background(), ledger.EntryParams{
		TenantID:       "tnt_01",
		MembershipID:   membershipID,
		ProgramID:      programID,
		Type:           ledger.TypeEarning,
		PointsDelta:    points,
		IdempotencyKey: key,
		ExpiresAt:      &expiresAt,
	})
	require.NoError(t, err)
	return entry
}

func (f *fixture) redeem(t *testing.T, membershipID, programID, key string, points int64) {
	t.Helper()
	_, err := f.store.AppendRedeem(context.Background(), ledger.EntryParams{
		TenantID:       "tnt_01",
		MembershipID:   membershipID,
		ProgramID:      programID,
		Type:           ledger.TypeRedeem,
		PointsDelta:    -points,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
}

func TestSimplePolicyExpiresFullAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProgram(t, program.ExpirationPolicy{
		Enabled:      true,
		Type:         program.ExpirationSimple,
		DaysToExpire: 30,
	})

	stale := f.earn(t, "mbr_01", p.ID, "earn_01", 100, f.now.Add(-time.Hour))
	f.earn(t, "mbr_01", p.ID, "earn_02", 40, f.now.Add(24*time.Hour))

	// a redemption does not shrink a simple expiration
	f.redeem(t, "mbr_01", p.ID, "redeem_01", 30)

	expired, err := f.manager.SweepMembership(ctx, "tnt_01", "mbr_01", f.now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, int64(-100), expired[0].PointsDelta)
	require.Equal(t, stale.ID, expired[0].CorrelationID)

	// re-running the sweep appends nothing new
	expired, err = f.manager.SweepMembership(ctx, "tnt_01", "mbr_01", f.now)
	require.NoError(t, err)
	require.Empty(t, expired)

	balance, err := f.store.BalanceOf(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)
}

func TestGracePeriodDefersExpiration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProgram(t, program.ExpirationPolicy{
		Enabled:         true,
		Type:            program.ExpirationSimple,
		DaysToExpire:    30,
		GracePeriodDays: 7,
	})

	f.earn(t, "mbr_01", p.ID, "earn_01", 100, f.now.Add(-24*time.Hour))

	expired, err := f.manager.SweepMembership(ctx, "tnt_01", "mbr_01", f.now)
	require.NoError(t, err)
	require.Empty(t, expired)

	// past the grace period the entry goes
	expired, err = f.manager.SweepMembership(ctx, "tnt_01", "mbr_01", f.now.AddDate(0, 0, 8))
	require.NoError(t, err)
	require.Len(t, expired, 1)
}

func TestDisabledPolicyNeverExpires(t *testing.T) {
	f := newFixture(t)

	p := f.createProgram(t, program.ExpirationPolicy{Enabled: false})
	f.earn(t, "mbr_01", p.ID, "earn_01", 100, f.now.Add(-time.Hour))

	expired, err := f.manager.SweepMembership(context.Background(), "tnt_01", "mbr_01", f.now)
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestBucketedPolicyExpiresUnconsumedRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProgram(t, program.ExpirationPolicy{
		Enabled:      true,
		Type:         program.ExpirationBucketed,
		DaysToExpire: 30,
	})

	// oldest earning is consumed first
	f.earn(t, "mbr_01", p.ID, "earn_01", 100, f.now.Add(-time.Hour))
	f.earn(t, "mbr_01", p.ID, "earn_02", 50, f.now.Add(24*time.Hour))

	f.redeem(t, "mbr_01", p.ID, "redeem_01", 70)

	expired, err := f.manager.SweepMembership(ctx, "tnt_01", "mbr_01", f.now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, int64(-30), expired[0].PointsDelta)

	balance, err := f.store.BalanceOf(ctx, "tnt_01", "mbr_01")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)
}

func TestBucketedPolicySkipsFullyConsumedBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProgram(t, program.ExpirationPolicy{
		Enabled:      true,
		Type:         program.ExpirationBucketed,
		DaysToExpire: 30,
	})

	f.earn(t, "mbr_01", p.ID, "earn_01", 100, f.now.Add(-time.Hour))
	f.earn(t, "mbr_01", p.ID, "earn_02", 50, f.now.Add(24*time.Hour))
	f.redeem(t, "mbr_01", p.ID, "redeem_01", 100)

	expired, err := f.manager.SweepMembership(ctx, "tnt_01", "mbr_01", f.now)
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestBucketedPolicyIgnoresReversedEarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProgram(t, program.ExpirationPolicy{
		Enabled:      true,
		Type:         program.ExpirationBucketed,
		DaysToExpire: 30,
	})

	stale := f.earn(t, "mbr_01", p.ID, "earn_01", 100, f.now.Add(-time.Hour))
	_, err := f.store.Reverse(ctx, ledger.ReverseParams{TenantID: "tnt_01", EntryID: stale.ID})
	require.NoError(t, err)

	expired, err := f.manager.SweepMembership(ctx, "tnt_01", "mbr_01", f.now)
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestBucketedPolicyChargesReversedRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProgram(t, program.ExpirationPolicy{
		Enabled:      true,
		Type:         program.ExpirationBucketed,
		DaysToExpire: 30,
	})

	f.earn(t, "mbr_01", p.ID, "earn_01", 100, f.now.Add(-time.Hour))

	hold, err := f.store.AppendHold(ctx, ledger.EntryParams{
		TenantID:       "tnt_01",
		MembershipID:   "mbr_01",
		ProgramID:      p.ID,
		Type:           ledger.TypeHold,
		PointsDelta:    -40,
		IdempotencyKey: "hold_01",
	})
	require.NoError(t, err)

	release, err := f.store.AppendRelease(ctx, ledger.EntryParams{
		TenantID:       "tnt_01",
		MembershipID:   "mbr_01",
		ProgramID:      p.ID,
		Type:           ledger.TypeRelease,
		PointsDelta:    40,
		CorrelationID:  hold.ID,
		IdempotencyKey: "placeholder",
	})
	require.NoError(t, err)

	// un-releasing the hold re-imposes its spend on the buckets
	_, err = f.store.Reverse(ctx, ledger.ReverseParams{TenantID: "tnt_01", EntryID: release.ID})
	require.NoError(t, err)

	expired, err := f.manager.SweepMembership(ctx, "tnt_01", "mbr_01", f.now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, int64(-60), expired[0].PointsDelta)
}

func TestSweepTenantCoversAllMemberships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProgram(t, program.ExpirationPolicy{
		Enabled:      true,
		Type:         program.ExpirationSimple,
		DaysToExpire: 30,
	})

	m1, err := f.memberships.Create(ctx, "tnt_01", "cus_01")
	require.NoError(t, err)
	m2, err := f.memberships.Create(ctx, "tnt_01", "cus_02")
	require.NoError(t, err)

	f.earn(t, m1.ID, p.ID, "earn_01", 100, f.now.Add(-time.Hour))
	f.earn(t, m2.ID, p.ID, "earn_02", 60, f.now.Add(-time.Hour))

	expired, err := f.manager.SweepTenant(ctx, "tnt_01", f.now)
	require.NoError(t, err)
	require.Len(t, expired, 2)

	// the second run is a no-op
	expired, err = f.manager.SweepTenant(ctx, "tnt_01", f.now)
	require.NoError(t, err)
	require.Empty(t, expired)
}
