package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"pledgevault/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Single connection keeps the in-memory database shared and avoids
	// SQLITE_BUSY under concurrent writers.
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func seedCampaign(t *testing.T, store *Store, maxTokens, tokensCount int64, threshold int) *models.Campaign {
	t.Helper()
	campaign := &models.Campaign{
		ID:                   uuid.New(),
		Name:                 "food drive",
		OwnerSubject:         "owner@example.org",
		Address:              "0x00000000000000000000000000000000DeaDBeef",
		Seed:                 bytes.Repeat([]byte{0x11}, 32),
		MaxTokens:            maxTokens,
		TokensCount:          tokensCount,
		BatchRedeemThreshold: threshold,
		Deadline:             time.Now().Add(24 * time.Hour),
	}
	if err := store.CreateCampaign(context.Background(), campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return campaign
}

func TestReserveIssuanceEnforcesBound(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, 10, 10, 5)
	ctx := context.Background()

	if err := store.ReserveIssuance(ctx, campaign.ID, 7); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := store.ReserveIssuance(ctx, campaign.ID, 4); !errors.Is(err, ErrIssuanceExhausted) {
		t.Fatalf("expected ErrIssuanceExhausted, got %v", err)
	}
	if err := store.ReserveIssuance(ctx, campaign.ID, 3); err != nil {
		t.Fatalf("reserve remainder: %v", err)
	}
	loaded, err := store.Campaign(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("load campaign: %v", err)
	}
	if loaded.IssuedCount != 10 {
		t.Fatalf("expected issued count 10, got %d", loaded.IssuedCount)
	}
}

func TestReserveIssuanceUnknownCampaign(t *testing.T) {
	store := newTestStore(t)
	if err := store.ReserveIssuance(context.Background(), uuid.New(), 1); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestMarkRedeemedIsSingleShot(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, 5, 5, 5)
	ctx := context.Background()
	record := models.SaltRecord{
		Digest:     "aa11",
		CampaignID: campaign.ID,
		Salt:       bytes.Repeat([]byte{0x22}, 32),
	}
	if err := store.PutSalts(ctx, []models.SaltRecord{record}); err != nil {
		t.Fatalf("put salts: %v", err)
	}
	if err := store.MarkRedeemed(ctx, "aa11"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := store.MarkRedeemed(ctx, "aa11"); !errors.Is(err, ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
}

func TestMarkRedeemedConcurrentRace(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, 5, 5, 5)
	ctx := context.Background()
	record := models.SaltRecord{
		Digest:     "bb22",
		CampaignID: campaign.ID,
		Salt:       bytes.Repeat([]byte{0x33}, 32),
	}
	if err := store.PutSalts(ctx, []models.SaltRecord{record}); err != nil {
		t.Fatalf("put salts: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := store.MarkRedeemed(ctx, "bb22")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyRedeemed):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	if losses != workers-1 {
		t.Fatalf("expected %d losers, got %d", workers-1, losses)
	}
}

func TestQueueFIFOAndSettlement(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, 10, 10, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		entry := &models.QueueEntry{
			CampaignID:   campaign.ID,
			BlindedToken: bytes.Repeat([]byte{byte(i)}, 32),
			Signature:    bytes.Repeat([]byte{byte(i)}, 65),
			CreatedAt:    time.Now(),
		}
		if err := store.Enqueue(ctx, entry); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	loaded, err := store.Campaign(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("load campaign: %v", err)
	}
	if loaded.QueueDepth != 4 {
		t.Fatalf("expected queue depth 4, got %d", loaded.QueueDepth)
	}

	entries, err := store.OldestEntries(ctx, campaign.ID, 3)
	if err != nil {
		t.Fatalf("oldest entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Fatalf("entries not in FIFO order: %d after %d", entries[i].ID, entries[i-1].ID)
		}
	}
	if entries[0].BlindedToken[0] != 0 {
		t.Fatalf("oldest entry not first")
	}

	ids := []uint64{entries[0].ID, entries[1].ID, entries[2].ID}
	if err := store.SettleEntries(ctx, campaign.ID, ids); err != nil {
		t.Fatalf("settle: %v", err)
	}
	loaded, err = store.Campaign(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	if loaded.CommittedCount != 3 {
		t.Fatalf("expected committed 3, got %d", loaded.CommittedCount)
	}
	if loaded.QueueDepth != 1 {
		t.Fatalf("expected queue depth 1 after settlement, got %d", loaded.QueueDepth)
	}
	remaining, err := store.OldestEntries(ctx, campaign.ID, 10)
	if err != nil {
		t.Fatalf("remaining entries: %v", err)
	}
	if len(remaining) != 1 || remaining[0].BlindedToken[0] != 3 {
		t.Fatalf("expected the newest entry to survive, got %d entries", len(remaining))
	}
}

func TestStaleCampaigns(t *testing.T) {
	store := newTestStore(t)
	fresh := seedCampaign(t, store, 10, 10, 5)
	stale := seedCampaign(t, store, 10, 10, 5)
	ctx := context.Background()
	now := time.Now()

	if err := store.Enqueue(ctx, &models.QueueEntry{
		CampaignID:   fresh.ID,
		BlindedToken: bytes.Repeat([]byte{0x01}, 32),
		Signature:    bytes.Repeat([]byte{0x01}, 65),
		CreatedAt:    now,
	}); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	if err := store.Enqueue(ctx, &models.QueueEntry{
		CampaignID:   stale.ID,
		BlindedToken: bytes.Repeat([]byte{0x02}, 32),
		Signature:    bytes.Repeat([]byte{0x02}, 65),
		CreatedAt:    now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("enqueue stale: %v", err)
	}

	ids, err := store.StaleCampaigns(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("stale campaigns: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("expected only the stale campaign, got %v", ids)
	}
}

func TestPutSaltsBulk(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, 100, 100, 5)
	ctx := context.Background()

	records := make([]models.SaltRecord, 100)
	for i := range records {
		records[i] = models.SaltRecord{
			Digest:     fmt.Sprintf("digest-%03d", i),
			CampaignID: campaign.ID,
			Salt:       bytes.Repeat([]byte{byte(i)}, 32),
		}
	}
	if err := store.PutSalts(ctx, records); err != nil {
		t.Fatalf("put salts: %v", err)
	}
	rec, err := store.LookupSalt(ctx, campaign.ID, "digest-050")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Redeemed {
		t.Fatalf("fresh record must not be redeemed")
	}
	if _, err := store.LookupSalt(ctx, campaign.ID, "missing"); !errors.Is(err, ErrSaltNotFound) {
		t.Fatalf("expected ErrSaltNotFound, got %v", err)
	}
	if _, err := store.LookupSalt(ctx, uuid.New(), "digest-050"); !errors.Is(err, ErrSaltNotFound) {
		t.Fatalf("expected ErrSaltNotFound for wrong campaign, got %v", err)
	}
}
