package membership

import (
	"time"

	"gorm.io/datatypes"
)

// CustomerMembership is a customer's standing within a tenant's loyalty
// system. Points is a denormalized projection of the ledger: only the balance
// projector's write-back may change it, never request handlers.
type CustomerMembership struct {
	ID         string         `gorm:"column:id;primaryKey"`
	TenantID   string         `gorm:"column:tenant_id;index:idx_membership_tenant_customer,unique;not null"`
	CustomerID string         `gorm:"column:customer_id;index:idx_membership_tenant_customer,unique;not null"`
	Points     int64          `gorm:"column:points;not null;default:0"`
	TierID     string         `gorm:"column:tier_id;index"`
	Status     string         `gorm:"column:status;type:varchar(20);default:'active'"`
	Metadata   datatypes.JSON `gorm:"column:metadata"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (CustomerMembership) TableName() string { return "customer_memberships" }
