package server

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"pledgevault/crypto"
	"pledgevault/issuer"
	"pledgevault/models"
	"pledgevault/redeem"
	"pledgevault/storage"
	"pledgevault/token"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store         *storage.Store
	Issuer        *issuer.Issuer
	Engine        *redeem.Engine
	Codec         *token.Codec
	Authenticator *Authenticator
	RatePerMinute int
	RateBurst     int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store   *storage.Store
	issuer  *issuer.Issuer
	engine  *redeem.Engine
	codec   *token.Codec
	auth    *Authenticator
	limiter *ipLimiter
	logger  *slog.Logger
	now     func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Issuer == nil || cfg.Engine == nil || cfg.Codec == nil {
		return nil, errors.New("server: store, issuer, engine, and codec are required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("server: authenticator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	srv := &Server{
		store:   cfg.Store,
		issuer:  cfg.Issuer,
		engine:  cfg.Engine,
		codec:   cfg.Codec,
		auth:    cfg.Authenticator,
		limiter: newIPLimiter(cfg.RatePerMinute, cfg.RateBurst),
		logger:  logger,
		now:     nowFn,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.Middleware)
			protected.Post("/campaigns", s.CreateCampaign)
			protected.Post("/campaigns/{id}/issue", s.IssueTokens)
			protected.Get("/campaigns/{id}", s.GetCampaign)
		})
		api.With(s.limiter.middleware).Post("/redemptions", s.RedeemToken)
	})
	return r
}

type createCampaignRequest struct {
	Name                 string    `json:"name"`
	LedgerAddress        string    `json:"ledgerAddress"`
	MaxTokens            int64     `json:"maxTokens"`
	TokensCount          int64     `json:"tokensCount"`
	BatchRedeemThreshold int       `json:"batchRedeemThreshold"`
	Deadline             time.Time `json:"deadline"`
}

type createCampaignResponse struct {
	ID            string    `json:"id"`
	SignerAddress string    `json:"signerAddress"`
	Deadline      time.Time `json:"deadline"`
}

// CreateCampaign binds a campaign to the ledger: the seed and the dedicated
// signing key are generated here and fixed for the campaign's lifetime. The
// seed never leaves the server; the signer address is returned so the owner
// can commit it on-chain.
func (s *Server) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.LedgerAddress) == "" {
		writeError(w, http.StatusBadRequest, "ledgerAddress is required")
		return
	}
	if req.MaxTokens < 1 || req.TokensCount < 1 || req.TokensCount > req.MaxTokens {
		writeError(w, http.StatusBadRequest, "tokensCount must be between 1 and maxTokens")
		return
	}
	if req.BatchRedeemThreshold < 1 {
		writeError(w, http.StatusBadRequest, "batchRedeemThreshold must be at least 1")
		return
	}
	if !req.Deadline.After(s.now()) {
		writeError(w, http.StatusBadRequest, "deadline must be in the future")
		return
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		s.logger.Error("server: generate seed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	signingKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		s.logger.Error("server: generate signing key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	campaign := &models.Campaign{
		ID:                   uuid.New(),
		Name:                 strings.TrimSpace(req.Name),
		OwnerSubject:         SubjectFromContext(r.Context()),
		Address:              strings.TrimSpace(req.LedgerAddress),
		Seed:                 seed,
		SigningKey:           signingKey.Bytes(),
		MaxTokens:            req.MaxTokens,
		TokensCount:          req.TokensCount,
		BatchRedeemThreshold: req.BatchRedeemThreshold,
		Deadline:             req.Deadline,
	}
	if err := s.store.CreateCampaign(r.Context(), campaign); err != nil {
		s.logger.Error("server: create campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, createCampaignResponse{
		ID:            campaign.ID.String(),
		SignerAddress: signingKey.PubKey().Address(),
		Deadline:      campaign.Deadline,
	})
}

type issueRequest struct {
	Count int `json:"count"`
}

type issueResponse struct {
	Requested   int      `json:"requested"`
	Issued      int      `json:"issued"`
	Credentials []string `json:"credentials"`
	Error       string   `json:"error,omitempty"`
}

// IssueTokens derives count fresh credentials for the campaign. Partial
// success is surfaced: the response always carries the credentials that
// were issued and, when a ledger chunk failed, the reason issuance stopped.
func (s *Server) IssueTokens(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.issuer.Issue(r.Context(), campaign.ID, req.Count)
	if err != nil {
		switch {
		case errors.Is(err, issuer.ErrInvalidCount):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrIssuanceExhausted),
			errors.Is(err, issuer.ErrNotLedgerBound),
			errors.Is(err, issuer.ErrDeadlinePassed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("server: issue", "error", err, "campaign", campaign.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	resp := issueResponse{
		Requested:   req.Count,
		Issued:      result.Issued,
		Credentials: result.Credentials,
	}
	if result.Failed != nil {
		resp.Error = result.Failed.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

type campaignResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	MaxTokens      int64     `json:"maxTokens"`
	TokensCount    int64     `json:"tokensCount"`
	IssuedCount    int64     `json:"issuedCount"`
	CommittedCount int64     `json:"committedCount"`
	QueueDepth     int64     `json:"queueDepth"`
	GoalReached    bool      `json:"goalReached"`
	Deadline       time.Time `json:"deadline"`
}

// GetCampaign reports the campaign counters.
func (s *Server) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, campaignResponse{
		ID:             campaign.ID.String(),
		Name:           campaign.Name,
		MaxTokens:      campaign.MaxTokens,
		TokensCount:    campaign.TokensCount,
		IssuedCount:    campaign.IssuedCount,
		CommittedCount: campaign.CommittedCount,
		QueueDepth:     campaign.QueueDepth,
		GoalReached:    campaign.CommittedCount >= campaign.TokensCount,
		Deadline:       campaign.Deadline,
	})
}

type redeemRequest struct {
	Credential string `json:"credential"`
}

type redeemResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

// RedeemToken accepts a bearer credential and runs it through the
// redemption pipeline. The response status is one of the redemption
// taxonomy values; credential-level failures use credential_expired and
// credential_invalid.
func (s *Server) RedeemToken(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cred, err := s.codec.Decode(strings.TrimSpace(req.Credential))
	if err != nil {
		if errors.Is(err, token.ErrCredentialExpired) {
			writeJSON(w, http.StatusUnauthorized, redeemResponse{Status: "credential_expired"})
			return
		}
		writeJSON(w, http.StatusBadRequest, redeemResponse{Status: "credential_invalid"})
		return
	}
	resp, err := s.engine.Redeem(r.Context(), redeem.Request{
		CampaignID: cred.CampaignID,
		TokenID:    cred.TokenID,
		Signature:  cred.Signature,
	})
	if err != nil {
		s.logger.Error("server: redeem", "error", err, "campaign", cred.CampaignID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	body := redeemResponse{Status: string(resp.Outcome), Reason: resp.Reason}
	if resp.Receipt != nil {
		body.TxHash = resp.Receipt.TxHash
	}
	writeJSON(w, statusForOutcome(resp.Outcome), body)
}

func statusForOutcome(outcome redeem.Outcome) int {
	switch outcome {
	case redeem.OutcomeRedeemed, redeem.OutcomeGoalReached:
		return http.StatusOK
	case redeem.OutcomeInvalidToken:
		return http.StatusNotFound
	case redeem.OutcomeAlreadyRedeemed:
		return http.StatusConflict
	case redeem.OutcomeInvalidSignature:
		return http.StatusBadRequest
	case redeem.OutcomeLedgerUnavailable:
		return http.StatusServiceUnavailable
	case redeem.OutcomeLedgerRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ownedCampaign loads the campaign from the URL and enforces that the
// authenticated subject owns it. Operators may act on any campaign.
func (s *Server) ownedCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return nil, false
	}
	campaign, err := s.store.Campaign(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrCampaignNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return nil, false
		}
		s.logger.Error("server: load campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	role := RoleFromContext(r.Context())
	if role != RoleOperator && campaign.OwnerSubject != SubjectFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "not campaign owner")
		return nil, false
	}
	return campaign, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// visitorIdleTTL is how long a client address may stay quiet before its
// limiter entry is evicted.
const visitorIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter throttles the public redemption endpoint per client address.
// Idle entries are swept so the visitor map stays bounded on a long-running
// public listener.
type ipLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &ipLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *ipLimiter) limiterFor(addr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= visitorIdleTTL {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[host]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[host] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiterFor(r.RemoteAddr).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
