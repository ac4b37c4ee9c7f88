package redeem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pledgevault/ledger"
	"pledgevault/models"
	"pledgevault/observability"
	"pledgevault/storage"
	"pledgevault/token"
)

// Outcome classifies a redemption request. The two redeemed variants are
// successes; the rest are rejections.
type Outcome string

const (
	OutcomeRedeemed          Outcome = "redeemed"
	OutcomeGoalReached       Outcome = "redeemed_goal_reached"
	OutcomeInvalidToken      Outcome = "invalid_token"
	OutcomeAlreadyRedeemed   Outcome = "already_redeemed"
	OutcomeInvalidSignature  Outcome = "invalid_signature"
	OutcomeLedgerUnavailable Outcome = "ledger_unavailable"
	OutcomeLedgerRejected    Outcome = "ledger_rejected"
)

// Success reports whether the outcome accepted the token.
func (o Outcome) Success() bool {
	return o == OutcomeRedeemed || o == OutcomeGoalReached
}

// Ledger is the slice of the ledger client the engine needs.
type Ledger interface {
	IsSignatureValid(ctx context.Context, campaignAddr string, blinded token.Hash, sig ledger.Signature) (bool, error)
	RedeemBatch(ctx context.Context, campaignAddr string, blinded []token.Hash, sigs []ledger.Signature) (*ledger.Receipt, error)
}

// Request is a single-token redemption submitted by an end user.
type Request struct {
	CampaignID uuid.UUID
	TokenID    token.Hash
	Signature  []byte
}

// Response reports the verdict for one request. Reason carries the ledger's
// revert string verbatim when the outcome is OutcomeLedgerRejected.
type Response struct {
	Outcome Outcome
	Reason  string
	Receipt *ledger.Receipt
}

// Config captures the dependencies required to construct an Engine.
// MaxBatch is the ledger's per-call token limit; drains never exceed it even
// when a campaign's batch threshold is configured larger.
type Config struct {
	Store    *storage.Store
	Ledger   Ledger
	MaxBatch int
	Now      func() time.Time
	Logger   *slog.Logger
}

// Engine drives tokens through Unseen -> Verified -> Queued -> Settled.
// Verification is lock-free; the salt-record compare-and-set is the only
// linearization point. Queue drains are serialized per campaign so two
// concurrent flush triggers never double-submit the same entries.
type Engine struct {
	store    *storage.Store
	ledger   Ledger
	maxBatch int
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.RedemptionMetricsRegistry
	tracer   trace.Tracer

	mu      sync.Mutex
	flushMu map[uuid.UUID]*sync.Mutex
}

// New builds a configured redemption engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("redeem: store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("redeem: ledger is required")
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = ledger.DefaultMaxCallBatch
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		maxBatch: maxBatch,
		now:      nowFn,
		logger:   logger,
		metrics:  observability.RedemptionMetrics(),
		tracer:   otel.Tracer("pledgevault/redeem"),
	}, nil
}

func (e *Engine) campaignLock(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushMu == nil {
		e.flushMu = make(map[uuid.UUID]*sync.Mutex)
	}
	lock, ok := e.flushMu[id]
	if !ok {
		lock = &sync.Mutex{}
		e.flushMu[id] = lock
	}
	return lock
}

func (e *Engine) reject(outcome Outcome, reason string) *Response {
	e.metrics.ObserveRedemption(string(outcome))
	return &Response{Outcome: outcome, Reason: reason}
}

// Redeem verifies one token and queues it for settlement. Verification
// failures reject synchronously with no side effects; the redeemed flag
// flips only after the ledger confirms the signature, and from that point
// the token is committed locally whatever the settlement transaction does.
func (e *Engine) Redeem(ctx context.Context, req Request) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "redeem.Redeem",
		trace.WithAttributes(attribute.String("campaign", req.CampaignID.String())))
	defer span.End()

	campaign, err := e.store.Campaign(ctx, req.CampaignID)
	if err != nil {
		if errors.Is(err, storage.ErrCampaignNotFound) {
			return e.reject(OutcomeInvalidToken, "unknown campaign"), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	digest := token.Digest(req.TokenID).Hex()
	record, err := e.store.LookupSalt(ctx, campaign.ID, digest)
	if err != nil {
		if errors.Is(err, storage.ErrSaltNotFound) {
			return e.reject(OutcomeInvalidToken, "unknown token"), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if record.Redeemed {
		return e.reject(OutcomeAlreadyRedeemed, "token already redeemed"), nil
	}

	sig, err := ledger.SignatureFromBytes(req.Signature)
	if err != nil {
		return e.reject(OutcomeInvalidSignature, "malformed signature"), nil
	}
	blinded := token.DeriveBlindedToken(req.TokenID, token.HashFromBytes(record.Salt))
	valid, err := e.ledger.IsSignatureValid(ctx, campaign.Address, blinded, sig)
	if err != nil {
		// No local state has changed yet, so the whole request is
		// safe to retry.
		span.SetStatus(codes.Error, err.Error())
		return e.reject(OutcomeLedgerUnavailable, "signature check unavailable"), nil
	}
	if !valid {
		return e.reject(OutcomeInvalidSignature, "ledger rejected signature"), nil
	}

	if err := e.store.MarkRedeemed(ctx, digest); err != nil {
		if errors.Is(err, storage.ErrAlreadyRedeemed) {
			return e.reject(OutcomeAlreadyRedeemed, "token already redeemed"), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Token is now Verified. Past the funding goal a valid token is
	// accepted as a no-op rather than queued.
	campaign, err = e.store.Campaign(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if campaign.CommittedCount >= campaign.TokensCount {
		e.metrics.ObserveRedemption(string(OutcomeGoalReached))
		return &Response{Outcome: OutcomeGoalReached}, nil
	}

	entry := &models.QueueEntry{
		CampaignID:   campaign.ID,
		BlindedToken: blinded.Bytes(),
		Signature:    sig.Bytes(),
		CreatedAt:    e.now(),
	}
	if err := e.store.Enqueue(ctx, entry); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := e.maybeFlush(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveRedemption(string(resp.Outcome))
	return resp, nil
}

// maybeFlush drains the campaign queue when a trigger condition holds:
// depth reached the batch threshold, or the queued tokens are exactly the
// last ones needed to hit the funding goal.
func (e *Engine) maybeFlush(ctx context.Context, campaignID uuid.UUID) (*Response, error) {
	lock := e.campaignLock(campaignID)
	lock.Lock()
	defer lock.Unlock()

	campaign, err := e.store.Campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	threshold := campaign.BatchRedeemThreshold
	if threshold < 1 {
		threshold = 1
	}
	thresholdHit := campaign.QueueDepth >= int64(threshold)
	tailHit := campaign.CommittedCount+campaign.QueueDepth >= campaign.TokensCount
	if !thresholdHit && !tailHit {
		e.metrics.SetQueueDepth(campaignID.String(), campaign.QueueDepth)
		return &Response{Outcome: OutcomeRedeemed}, nil
	}
	return e.flushLocked(ctx, campaign, threshold)
}

// flushLocked submits one ledger transaction carrying up to threshold of
// the oldest queue entries. The drain is capped at the ledger call limit so
// a threshold larger than MaxBatch still settles, in chunks. Caller must
// hold the campaign flush lock.
func (e *Engine) flushLocked(ctx context.Context, campaign *models.Campaign, threshold int) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "redeem.flush",
		trace.WithAttributes(attribute.String("campaign", campaign.ID.String())))
	defer span.End()

	if threshold > e.maxBatch {
		threshold = e.maxBatch
	}
	entries, err := e.store.OldestEntries(ctx, campaign.ID, threshold)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &Response{Outcome: OutcomeRedeemed}, nil
	}

	blinded := make([]token.Hash, len(entries))
	sigs := make([]ledger.Signature, len(entries))
	ids := make([]uint64, len(entries))
	for i, entry := range entries {
		blinded[i] = token.HashFromBytes(entry.BlindedToken)
		sig, err := ledger.SignatureFromBytes(entry.Signature)
		if err != nil {
			return nil, fmt.Errorf("redeem: corrupt queue entry %d: %w", entry.ID, err)
		}
		sigs[i] = sig
		ids[i] = entry.ID
	}

	receipt, err := e.ledger.RedeemBatch(ctx, campaign.Address, blinded, sigs)
	if err != nil {
		// Entries and their redeemed flags stay put; they ride the
		// next flush instead of being rolled back.
		span.SetStatus(codes.Error, err.Error())
		var revert *ledger.RevertError
		if errors.As(err, &revert) {
			e.metrics.ObserveFlush("reverted", len(entries))
			e.logger.Warn("redeem: batch reverted",
				"campaign", campaign.ID, "size", len(entries), "reason", revert.Reason)
			return &Response{Outcome: OutcomeLedgerRejected, Reason: revert.Reason}, nil
		}
		e.metrics.ObserveFlush("unavailable", len(entries))
		return &Response{Outcome: OutcomeLedgerUnavailable, Reason: "settlement unavailable"}, nil
	}

	if err := e.store.SettleEntries(ctx, campaign.ID, ids); err != nil {
		return nil, err
	}
	e.metrics.ObserveFlush("settled", len(entries))
	e.metrics.SetQueueDepth(campaign.ID.String(), campaign.QueueDepth-int64(len(entries)))
	e.logger.Info("redeem: batch settled",
		"campaign", campaign.ID, "size", len(entries), "tx", receipt.TxHash)
	return &Response{Outcome: OutcomeRedeemed, Receipt: receipt}, nil
}

// Flush force-drains up to one batch for the campaign regardless of the
// trigger conditions. Used by the reconciler to retry stuck entries.
func (e *Engine) Flush(ctx context.Context, campaignID uuid.UUID) (*Response, error) {
	lock := e.campaignLock(campaignID)
	lock.Lock()
	defer lock.Unlock()

	campaign, err := e.store.Campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	threshold := campaign.BatchRedeemThreshold
	if threshold < 1 {
		threshold = 1
	}
	return e.flushLocked(ctx, campaign, threshold)
}
