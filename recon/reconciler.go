package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pledgevault/redeem"
	"pledgevault/storage"
)

const (
	// DefaultStaleAfter is how long a queue entry may sit unsettled before
	// the reconciler re-flushes it.
	DefaultStaleAfter = 10 * time.Minute
	// DefaultMaxAttempts bounds re-flush attempts for a campaign whose
	// batch keeps reverting before it is flagged for manual review.
	DefaultMaxAttempts = 5

	// AnomalyStuckBatch marks a campaign whose stale entries still revert
	// after the attempt budget. A malformed signature mixed into the batch
	// blocks the whole batch; only an operator can excise it.
	AnomalyStuckBatch = "stuck_batch"
)

// Flusher force-drains one batch for a campaign. Satisfied by the
// redemption engine.
type Flusher interface {
	Flush(ctx context.Context, campaignID uuid.UUID) (*redeem.Response, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type       string
	CampaignID uuid.UUID
	Attempts   int
	Details    string
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store       *storage.Store
	Flusher     Flusher
	StaleAfter  time.Duration
	MaxAttempts int
	Now         func() time.Time
	Alert       AlertFunc
	Logger      *slog.Logger
}

// Reconciler is the saga back-half for the mark-redeemed-before-settlement
// ordering: entries verified locally but stuck behind a failed flush are
// periodically re-submitted, and permanently reverting campaigns are flagged
// instead of retried forever.
type Reconciler struct {
	store       *storage.Store
	flusher     Flusher
	staleAfter  time.Duration
	maxAttempts int
	now         func() time.Time
	alert       AlertFunc
	logger      *slog.Logger

	mu       sync.Mutex
	attempts map[uuid.UUID]int
	flagged  map[uuid.UUID]bool
}

// Result summarises a reconciliation pass.
type Result struct {
	Campaigns int
	Settled   int
	Anomalies []Anomaly
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Flusher == nil {
		return nil, errors.New("recon: flusher is required")
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error { return nil }
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:       cfg.Store,
		flusher:     cfg.Flusher,
		staleAfter:  staleAfter,
		maxAttempts: maxAttempts,
		now:         nowFn,
		alert:       alert,
		logger:      logger,
		attempts:    make(map[uuid.UUID]int),
		flagged:     make(map[uuid.UUID]bool),
	}, nil
}

// Run executes one reconciliation pass over every campaign holding entries
// older than the staleness cutoff.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	cutoff := r.now().Add(-r.staleAfter)
	campaigns, err := r.store.StaleCampaigns(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	result := &Result{Campaigns: len(campaigns)}
	for _, id := range campaigns {
		if r.isFlagged(id) {
			continue
		}
		resp, err := r.flusher.Flush(ctx, id)
		if err != nil {
			r.logger.Error("recon: flush failed", "campaign", id, "error", err)
			continue
		}
		switch resp.Outcome {
		case redeem.OutcomeRedeemed:
			r.resetAttempts(id)
			result.Settled++
		case redeem.OutcomeLedgerRejected:
			attempts := r.bumpAttempts(id)
			r.logger.Warn("recon: stale batch still reverting",
				"campaign", id, "attempts", attempts, "reason", resp.Reason)
			if attempts >= r.maxAttempts {
				anomaly := Anomaly{
					Type:       AnomalyStuckBatch,
					CampaignID: id,
					Attempts:   attempts,
					Details:    fmt.Sprintf("batch reverts with %q after %d attempts", resp.Reason, attempts),
				}
				result.Anomalies = append(result.Anomalies, r.raise(ctx, anomaly))
				r.flag(id)
			}
		default:
			// Transient unavailability; leave the attempt budget alone
			// and let the next pass retry.
		}
	}
	return result, nil
}

// Unflag clears a campaign after manual remediation so the reconciler
// resumes re-flushing it.
func (r *Reconciler) Unflag(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flagged, id)
	delete(r.attempts, id)
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.Error("recon: alert delivery failed", "error", err)
	}
	return anomaly
}

func (r *Reconciler) isFlagged(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flagged[id]
}

func (r *Reconciler) flag(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flagged[id] = true
}

func (r *Reconciler) bumpAttempts(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[id]++
	return r.attempts[id]
}

func (r *Reconciler) resetAttempts(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, id)
}
