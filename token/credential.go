package token

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrCredentialExpired = errors.New("token: credential expired")
	ErrCredentialInvalid = errors.New("token: credential invalid")
)

// Credential is the bearer object handed to an end user at issuance. It is
// never stored server-side; validity is re-derived from the salt store and
// the ledger at redemption time.
type Credential struct {
	CampaignID      uuid.UUID
	CampaignAddress string
	TokenID         Hash
	Signature       []byte
}

type credentialClaims struct {
	CampaignAddress string `json:"addr"`
	TokenID         string `json:"tok"`
	Signature       string `json:"sig"`
	jwt.RegisteredClaims
}

// Codec signs and verifies compact credential strings with the server
// credential secret (HS256).
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec builds a credential codec. The secret must be non-empty.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: credential secret is required")
	}
	return &Codec{secret: secret, now: time.Now}, nil
}

// SetNowFunc overrides the codec clock. Intended for tests.
func (c *Codec) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.now = time.Now
		return
	}
	c.now = now
}

// Encode wraps the credential in a signed compact token expiring at the
// campaign deadline.
func (c *Codec) Encode(cred Credential, deadline time.Time) (string, error) {
	if cred.CampaignID == uuid.Nil {
		return "", errors.New("token: campaign id is required")
	}
	claims := credentialClaims{
		CampaignAddress: cred.CampaignAddress,
		TokenID:         hex.EncodeToString(cred.TokenID[:]),
		Signature:       hex.EncodeToString(cred.Signature),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.CampaignID.String(),
			IssuedAt:  jwt.NewNumericDate(c.now()),
			ExpiresAt: jwt.NewNumericDate(deadline),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign credential: %w", err)
	}
	return signed, nil
}

// Decode verifies the compact token and recovers the embedded credential.
// Expiry is reported as ErrCredentialExpired so callers can surface it as a
// distinct rejection reason.
func (c *Codec) Decode(raw string) (*Credential, error) {
	claims := &credentialClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrCredentialExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	campaignID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad campaign id", ErrCredentialInvalid)
	}
	tokenID, err := hex.DecodeString(claims.TokenID)
	if err != nil || len(tokenID) != HashSize {
		return nil, fmt.Errorf("%w: bad token id", ErrCredentialInvalid)
	}
	sig, err := hex.DecodeString(claims.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature", ErrCredentialInvalid)
	}
	return &Credential{
		CampaignID:      campaignID,
		CampaignAddress: claims.CampaignAddress,
		TokenID:         HashFromBytes(tokenID),
		Signature:       sig,
	}, nil
}
