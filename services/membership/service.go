package membership

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-controlplane/pkg/db/option"
	"loyalty-controlplane/pkg/db/pagination"
	"loyalty-controlplane/pkg/errutil"
	"loyalty-controlplane/pkg/repository"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	memberships repository.Repository[CustomerMembership]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		memberships: repository.ProvideStore[CustomerMembership](p.DB),
	}
}

// Create registers a membership for a customer. Each customer holds at most
// one membership per tenant; creating it again returns the existing row.
func (s *Service) Create(ctx context.Context, tenantID, customerID string) (*CustomerMembership, error) {
	if tenantID == "" || customerID == "" {
		return nil, errutil.ValidationFailed("tenant_id and customer_id are required", nil)
	}

	m := &CustomerMembership{
		ID:         s.node.Generate().String(),
		TenantID:   tenantID,
		CustomerID: customerID,
		Status:     "active",
	}
	if err := s.memberships.Create(ctx, m); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.FindByCustomer(ctx, tenantID, customerID)
		}
		zap.L().Error("failed to create membership",
			zap.String("tenant_id", tenantID),
			zap.String("customer_id", customerID),
			zap.Error(err),
		)
		return nil, errutil.Unavailable("failed to create membership", err)
	}
	return m, nil
}

// FindByID loads one membership within a tenant.
func (s *Service) FindByID(ctx context.Context, tenantID, membershipID string) (*CustomerMembership, error) {
	m, err := s.memberships.FindOne(ctx, &CustomerMembership{ID: membershipID, TenantID: tenantID})
	if err != nil {
		return nil, errutil.Unavailable("failed to load membership", err)
	}
	if m == nil {
		return nil, errutil.NotFound("membership not found", nil,
			errutil.WithDetails(errutil.Detail{Field: "membership_id", Message: membershipID}))
	}
	return m, nil
}

// FindByCustomer looks a membership up by its owning customer.
func (s *Service) FindByCustomer(ctx context.Context, tenantID, customerID string) (*CustomerMembership, error) {
	m, err := s.memberships.FindOne(ctx, &CustomerMembership{TenantID: tenantID, CustomerID: customerID})
	if err != nil {
		return nil, errutil.Unavailable("failed to load membership", err)
	}
	if m == nil {
		return nil, errutil.NotFound("membership not found", nil,
			errutil.WithDetails(errutil.Detail{Field: "customer_id", Message: customerID}))
	}
	return m, nil
}

// ListByTenant pages through a tenant's memberships oldest-first.
func (s *Service) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*CustomerMembership, error) {
	rows, err := s.memberships.Find(ctx, &CustomerMembership{TenantID: tenantID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, errutil.Unavailable("failed to list memberships", err)
	}
	return rows, nil
}

// ListPage pages a tenant's memberships with an opaque created_at cursor.
func (s *Service) ListPage(ctx context.Context, tenantID string, page pagination.Pagination) ([]*CustomerMembership, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit + 1),
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid page cursor", err)
		}
		after, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid page cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GT,
			Value:    after,
		}))
	}

	rows, err := s.memberships.Find(ctx, &CustomerMembership{TenantID: tenantID}, opts...)
	if err != nil {
		return nil, nil, errutil.Unavailable("failed to list memberships", err)
	}

	rows, info := pagination.BuildCursorPageInfo(rows, limit, func(m *CustomerMembership) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        m.ID,
		})
		return cursor
	})
	return rows, info, nil
}

// UpdateBalanceFromLedger writes a recomputed points balance. It is the only
// code path that touches the points column; the value always comes from a
// ledger sum, so repeated or out-of-order writes converge.
func (s *Service) UpdateBalanceFromLedger(ctx context.Context, tenantID, membershipID string, points int64) error {
	err := s.db.WithContext(ctx).
		Model(&CustomerMembership{}).
		Where("id = ? AND tenant_id = ?", membershipID, tenantID).
		Update("points", points).Error
	if err != nil {
		return errutil.Unavailable("failed to update membership points", err)
	}
	return nil
}

// CachedBalance reads the denormalized points column without touching the
// ledger.
func (s *Service) CachedBalance(ctx context.Context, tenantID, membershipID string) (int64, error) {
	m, err := s.FindByID(ctx, tenantID, membershipID)
	if err != nil {
		return 0, err
	}
	return m.Points, nil
}
