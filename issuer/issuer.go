package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"pledgevault/crypto"
	"pledgevault/models"
	"pledgevault/observability"
	"pledgevault/storage"
	"pledgevault/token"
)

var (
	ErrNotLedgerBound = errors.New("issuer: campaign is not ledger-bound")
	ErrInvalidCount   = errors.New("issuer: count must be at least 1")
	ErrDeadlinePassed = errors.New("issuer: campaign deadline has passed")
)

// Ledger is the read-only slice of the ledger client the issuer needs.
type Ledger interface {
	HashTokens(ctx context.Context, campaignAddr string, blinded []token.Hash) ([]token.Hash, error)
}

// Config captures the dependencies required to construct an Issuer.
type Config struct {
	Store  *storage.Store
	Ledger Ledger
	Codec  *token.Codec
	Now    func() time.Time
	Logger *slog.Logger
}

// Issuer derives token chains for ledger-bound campaigns and wraps them in
// bearer credentials. Only salt records persist; issued credentials are
// returned to the caller and forgotten.
type Issuer struct {
	store   *storage.Store
	ledger  Ledger
	codec   *token.Codec
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.RedemptionMetricsRegistry
}

// New builds a configured issuer.
func New(cfg Config) (*Issuer, error) {
	if cfg.Store == nil {
		return nil, errors.New("issuer: store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("issuer: ledger is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("issuer: credential codec is required")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		codec:   cfg.Codec,
		now:     nowFn,
		logger:  logger,
		metrics: observability.RedemptionMetrics(),
	}, nil
}

// Result reports an issuance batch. Failed is non-nil when a ledger chunk
// failed and issuance stopped early; Credentials then holds only the tokens
// issued before the failure and the remainder stays available for a later
// Issue call.
type Result struct {
	Credentials []string
	Issued      int
	Failed      error
}

// Issue derives count fresh tokens for the campaign and returns their
// bearer credentials. Salt records are persisted before any ledger call, so
// a crash mid-issuance wastes unused rows but never hands out an un-backed
// credential.
func (i *Issuer) Issue(ctx context.Context, campaignID uuid.UUID, count int) (*Result, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	campaign, err := i.store.Campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(campaign.Seed) != 32 || campaign.Address == "" || len(campaign.SigningKey) == 0 {
		return nil, ErrNotLedgerBound
	}
	now := i.now()
	if !campaign.Deadline.IsZero() && !now.Before(campaign.Deadline) {
		return nil, ErrDeadlinePassed
	}
	signingKey, err := crypto.PrivateKeyFromBytes(campaign.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("issuer: load signing key: %w", err)
	}
	if err := i.store.ReserveIssuance(ctx, campaignID, int64(count)); err != nil {
		return nil, err
	}

	tokenSeed := token.DeriveTokenSeed(campaign.Seed, now)
	ids := token.DeriveTokenIDs(tokenSeed, count)
	salts := token.DeriveSalts(count, now)
	blinded := make([]token.Hash, count)
	digests := make([]string, count)
	records := make([]models.SaltRecord, count)
	for n := 0; n < count; n++ {
		blinded[n] = token.DeriveBlindedToken(ids[n], salts[n])
		digests[n] = token.Digest(ids[n]).Hex()
		records[n] = models.SaltRecord{
			Digest:     digests[n],
			CampaignID: campaignID,
			Salt:       salts[n].Bytes(),
		}
	}
	if err := i.store.PutSalts(ctx, records); err != nil {
		if relErr := i.store.ReleaseIssuance(ctx, campaignID, int64(count)); relErr != nil {
			i.logger.Error("issuer: release issuance after put failure", "error", relErr, "campaign", campaignID)
		}
		return nil, err
	}

	ledgerHashes, hashErr := i.ledger.HashTokens(ctx, campaign.Address, blinded)
	addrBytes := common.HexToAddress(campaign.Address).Bytes()

	result := &Result{Failed: hashErr}
	for n := 0; n < len(ledgerHashes); n++ {
		digest := ethcrypto.Keccak256(ledgerHashes[n].Bytes(), addrBytes)
		sig, err := signingKey.Sign(digest)
		if err != nil {
			result.Failed = err
			break
		}
		credential, err := i.codec.Encode(token.Credential{
			CampaignID:      campaignID,
			CampaignAddress: campaign.Address,
			TokenID:         ids[n],
			Signature:       sig,
		}, campaign.Deadline)
		if err != nil {
			result.Failed = err
			break
		}
		result.Credentials = append(result.Credentials, credential)
	}
	result.Issued = len(result.Credentials)

	if result.Issued < count {
		unissued := count - result.Issued
		if err := i.store.DeleteSalts(ctx, digests[result.Issued:]); err != nil {
			i.logger.Error("issuer: delete unissued salts", "error", err, "campaign", campaignID)
		}
		if err := i.store.ReleaseIssuance(ctx, campaignID, int64(unissued)); err != nil {
			i.logger.Error("issuer: release unissued slots", "error", err, "campaign", campaignID)
		}
		i.logger.Warn("issuer: partial issuance",
			"campaign", campaignID, "requested", count, "issued", result.Issued, "error", result.Failed)
	}
	i.metrics.ObserveIssued(result.Issued)
	return result, nil
}
