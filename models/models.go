package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Campaign is the aggregate row for a ledger-bound donation campaign. The
// seed and signing key are fixed when the campaign is bound; changing either
// afterwards would invalidate every credential issued so far.
type Campaign struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name                 string    `gorm:"size:128"`
	OwnerSubject         string    `gorm:"size:128;index"`
	Address              string    `gorm:"size:42;index"`
	Seed                 []byte    `gorm:"size:32"`
	SigningKey           []byte    `gorm:"size:32"`
	MaxTokens            int64     `gorm:"not null"`
	TokensCount          int64     `gorm:"not null"`
	BatchRedeemThreshold int       `gorm:"not null"`
	IssuedCount          int64     `gorm:"not null;default:0"`
	CommittedCount       int64     `gorm:"not null;default:0"`
	QueueDepth           int64     `gorm:"not null;default:0"`
	Deadline             time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SaltRecord backs one derivable token. Keyed by the keccak digest of the
// token identifier so the identifier itself is never stored. The redeemed
// flag flips exactly once, before ledger settlement.
type SaltRecord struct {
	Digest     string    `gorm:"primaryKey;size:64"`
	CampaignID uuid.UUID `gorm:"type:uuid;index"`
	Salt       []byte    `gorm:"size:32"`
	Redeemed   bool      `gorm:"not null;default:false;index"`
	CreatedAt  time.Time
}

// QueueEntry holds a locally verified redemption awaiting ledger settlement.
// The auto-increment key doubles as FIFO drain order.
type QueueEntry struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	CampaignID   uuid.UUID `gorm:"type:uuid;index"`
	BlindedToken []byte    `gorm:"size:32"`
	Signature    []byte    `gorm:"size:65"`
	CreatedAt    time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Campaign{},
		&SaltRecord{},
		&QueueEntry{},
	)
}
