package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// EntryType is the closed set of ledger entry kinds. Each kind constrains the
// sign of PointsDelta and which optional fields may be set.
type EntryType string

const (
	TypeEarning    EntryType = "EARNING"
	TypeRedeem     EntryType = "REDEEM"
	TypeAdjustment EntryType = "ADJUSTMENT"
	TypeReversal   EntryType = "REVERSAL"
	TypeExpiration EntryType = "EXPIRATION"
	TypeHold       EntryType = "HOLD"
	TypeRelease    EntryType = "RELEASE"
)

func (t EntryType) Valid() bool {
	switch t {
	case TypeEarning, TypeRedeem, TypeAdjustment, TypeReversal, TypeExpiration, TypeHold, TypeRelease:
		return true
	default:
		return false
	}
}

func (t EntryType) String() string { return string(t) }

// LedgerEntry is one immutable row of the points ledger. Rows are never
// updated or deleted after creation; the ledger is the only writable source
// of point truth.
type LedgerEntry struct {
	ID                string         `gorm:"column:id;primaryKey"`
	TenantID          string         `gorm:"column:tenant_id;index;not null"`
	CustomerID        string         `gorm:"column:customer_id;index"`
	MembershipID      string         `gorm:"column:membership_id;index;not null"`
	ProgramID         string         `gorm:"column:program_id;index"`
	RuleID            string         `gorm:"column:rule_id"`
	Type              EntryType      `gorm:"column:type;type:varchar(20);not null"`
	PointsDelta       int64          `gorm:"column:points_delta;not null"`
	IdempotencyKey    string         `gorm:"column:idempotency_key;uniqueIndex;not null"`
	PayloadHash       string         `gorm:"column:payload_hash;not null"`
	SourceEventID     string         `gorm:"column:source_event_id;index"`
	CorrelationID     string         `gorm:"column:correlation_id;index"`
	ReversalOfEntryID string         `gorm:"column:reversal_of_entry_id;index"`
	ExpiresAt         *time.Time     `gorm:"column:expires_at;index"`
	ReasonCode        string         `gorm:"column:reason_code"`
	CreatedBy         string         `gorm:"column:created_by"`
	Metadata          datatypes.JSON `gorm:"column:metadata"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// EntryParams carries everything a caller supplies for a new entry. The
// store assigns ID, PayloadHash and CreatedAt.
type EntryParams struct {
	TenantID          string
	CustomerID        string
	MembershipID      string
	ProgramID         string
	RuleID            string
	Type              EntryType
	PointsDelta       int64
	IdempotencyKey    string
	SourceEventID     string
	CorrelationID     string
	ReversalOfEntryID string
	ExpiresAt         *time.Time
	ReasonCode        string
	CreatedBy         string
	Metadata          datatypes.JSON
}

// Validate enforces the structural invariants of the entry type: delta signs
// and type-specific fields.
func (p EntryParams) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("unknown entry type %q", p.Type)
	}
	if p.TenantID == "" || p.MembershipID == "" {
		return fmt.Errorf("tenant_id and membership_id are required")
	}
	if p.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}

	switch p.Type {
	case TypeEarning, TypeRelease:
		if p.PointsDelta <= 0 {
			return fmt.Errorf("%s entries must have positive points_delta", p.Type)
		}
	case TypeRedeem, TypeExpiration, TypeHold:
		if p.PointsDelta >= 0 {
			return fmt.Errorf("%s entries must have negative points_delta", p.Type)
		}
	case TypeAdjustment:
		if p.PointsDelta == 0 {
			return fmt.Errorf("ADJUSTMENT entries must have non-zero points_delta")
		}
		if p.ReasonCode == "" {
			return fmt.Errorf("ADJUSTMENT entries require a reason_code")
		}
	}

	if p.ReversalOfEntryID != "" && p.Type != TypeReversal {
		return fmt.Errorf("reversal_of_entry_id is only valid on REVERSAL entries")
	}
	if p.Type == TypeReversal && p.ReversalOfEntryID == "" {
		return fmt.Errorf("REVERSAL entries require reversal_of_entry_id")
	}
	if p.ExpiresAt != nil && p.Type != TypeEarning {
		return fmt.Errorf("expires_at is only valid on EARNING entries")
	}

	return nil
}

func newLedgerEntry(id string, p EntryParams) *LedgerEntry {
	entry := &LedgerEntry{
		ID:                id,
		TenantID:          p.TenantID,
		CustomerID:        p.CustomerID,
		MembershipID:      p.MembershipID,
		ProgramID:         p.ProgramID,
		RuleID:            p.RuleID,
		Type:              p.Type,
		PointsDelta:       p.PointsDelta,
		IdempotencyKey:    p.IdempotencyKey,
		SourceEventID:     p.SourceEventID,
		CorrelationID:     p.CorrelationID,
		ReversalOfEntryID: p.ReversalOfEntryID,
		ExpiresAt:         p.ExpiresAt,
		ReasonCode:        p.ReasonCode,
		CreatedBy:         p.CreatedBy,
		Metadata:          p.Metadata,
	}
	entry.PayloadHash = entry.GeneratePayloadHash()
	return entry
}

// HashFields lists the fields that define an entry's payload identity. The
// assigned ID and timestamps are excluded so a retried request hashes the
// same as the stored row.
func (e *LedgerEntry) HashFields() map[string]string {
	fields := map[string]string{
		"tenant_id":            e.TenantID,
		"customer_id":          e.CustomerID,
		"membership_id":        e.MembershipID,
		"program_id":           e.ProgramID,
		"rule_id":              e.RuleID,
		"type":                 string(e.Type),
		"points_delta":         fmt.Sprintf("%d", e.PointsDelta),
		"source_event_id":      e.SourceEventID,
		"correlation_id":       e.CorrelationID,
		"reversal_of_entry_id": e.ReversalOfEntryID,
		"reason_code":          e.ReasonCode,
	}
	if e.ExpiresAt != nil {
		fields["expires_at"] = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fields
}

// GeneratePayloadHash produces the stored hash used to detect non-idempotent
// retries: same idempotency key, materially different payload.
func (e *LedgerEntry) GeneratePayloadHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ReversalKey derives the deterministic idempotency key for reversing an
// entry, so concurrent or retried reversals collapse to one row.
func ReversalKey(entryID string) string {
	return fmt.Sprintf("reversal:%s", entryID)
}

// ExpirationKey derives the deterministic idempotency key for expiring an
// EARNING entry.
func ExpirationKey(entryID string) string {
	return fmt.Sprintf("expiration:%s", entryID)
}

// EarningKey derives the deterministic idempotency key for one program's
// share of an earning event, so a retried event never double-earns.
func EarningKey(sourceEventID, programID string) string {
	return fmt.Sprintf("earn:%s:%s", sourceEventID, programID)
}
