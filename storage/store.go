package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pledgevault/models"
)

var (
	ErrCampaignNotFound  = errors.New("storage: campaign not found")
	ErrSaltNotFound      = errors.New("storage: salt record not found")
	ErrAlreadyRedeemed   = errors.New("storage: token already redeemed")
	ErrIssuanceExhausted = errors.New("storage: issuance bound exhausted")
)

// Store persists campaigns, salt records, and the redemption queue on a
// relational backend. All counter mutations happen inside the database so
// concurrent requests never observe torn state.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage: db is required")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migration wiring.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	if err := s.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return fmt.Errorf("storage: create campaign: %w", err)
	}
	return nil
}

func (s *Store) Campaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.WithContext(ctx).First(&campaign, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("storage: load campaign: %w", err)
	}
	return &campaign, nil
}

// ReserveIssuance claims count token slots against the campaign's issuance
// bound. The guard runs inside the UPDATE so cumulative reservations can
// never exceed MaxTokens even under concurrent issue calls.
func (s *Store) ReserveIssuance(ctx context.Context, id uuid.UUID, count int64) error {
	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND issued_count + ? <= max_tokens", id, count).
		UpdateColumn("issued_count", gorm.Expr("issued_count + ?", count))
	if res.Error != nil {
		return fmt.Errorf("storage: reserve issuance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Campaign(ctx, id); err != nil {
			return err
		}
		return ErrIssuanceExhausted
	}
	return nil
}

// ReleaseIssuance gives back slots reserved for tokens that never received a
// credential, so a partially failed issue call can be completed later.
func (s *Store) ReleaseIssuance(ctx context.Context, id uuid.UUID, count int64) error {
	err := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		UpdateColumn("issued_count", gorm.Expr("issued_count - ?", count)).Error
	if err != nil {
		return fmt.Errorf("storage: release issuance: %w", err)
	}
	return nil
}

func (s *Store) PutSalts(ctx context.Context, records []models.SaltRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("storage: put salts: %w", err)
	}
	return nil
}

// DeleteSalts removes rows for tokens whose credentials were never issued.
func (s *Store) DeleteSalts(ctx context.Context, digests []string) error {
	if len(digests) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("digest IN ?", digests).Delete(&models.SaltRecord{}).Error
	if err != nil {
		return fmt.Errorf("storage: delete salts: %w", err)
	}
	return nil
}

func (s *Store) LookupSalt(ctx context.Context, campaignID uuid.UUID, digest string) (*models.SaltRecord, error) {
	var record models.SaltRecord
	err := s.db.WithContext(ctx).
		First(&record, "digest = ? AND campaign_id = ?", digest, campaignID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSaltNotFound
		}
		return nil, fmt.Errorf("storage: lookup salt: %w", err)
	}
	return &record, nil
}

// MarkRedeemed flips the redeemed flag exactly once. The compare-and-set
// lives in the WHERE clause; a concurrent winner leaves zero rows affected
// and the loser gets ErrAlreadyRedeemed.
func (s *Store) MarkRedeemed(ctx context.Context, digest string) error {
	res := s.db.WithContext(ctx).Model(&models.SaltRecord{}).
		Where("digest = ? AND redeemed = ?", digest, false).
		UpdateColumn("redeemed", true)
	if res.Error != nil {
		return fmt.Errorf("storage: mark redeemed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyRedeemed
	}
	return nil
}

// Enqueue appends a verified redemption and bumps the campaign queue depth
// in the same transaction.
func (s *Store) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", entry.CampaignID).
			UpdateColumn("queue_depth", gorm.Expr("queue_depth + 1")).Error
	})
	if err != nil {
		return fmt.Errorf("storage: enqueue: %w", err)
	}
	return nil
}

// OldestEntries returns up to limit queue entries for the campaign in FIFO
// order.
func (s *Store) OldestEntries(ctx context.Context, campaignID uuid.UUID, limit int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("storage: oldest entries: %w", err)
	}
	return entries, nil
}

// SettleEntries records a successful ledger batch: the drained entries are
// deleted, the committed counter grows by their number, and the queue depth
// is reset to the true remaining count.
func (s *Store) SettleEntries(ctx context.Context, campaignID uuid.UUID, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ? AND id IN ?", campaignID, ids).
			Delete(&models.QueueEntry{}).Error; err != nil {
			return err
		}
		var remaining int64
		if err := tx.Model(&models.QueueEntry{}).
			Where("campaign_id = ?", campaignID).
			Count(&remaining).Error; err != nil {
			return err
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaignID).
			UpdateColumns(map[string]interface{}{
				"committed_count": gorm.Expr("committed_count + ?", len(ids)),
				"queue_depth":     remaining,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("storage: settle entries: %w", err)
	}
	return nil
}

// StaleCampaigns lists campaigns holding queue entries older than cutoff.
// Used by the reconciler to find batches stuck behind a reverting flush.
func (s *Store) StaleCampaigns(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("created_at < ?", cutoff).
		Distinct("campaign_id").
		Pluck("campaign_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("storage: stale campaigns: %w", err)
	}
	return ids, nil
}
