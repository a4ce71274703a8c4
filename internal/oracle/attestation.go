package oracle

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/models"
)

// DefaultAttestationTTL bounds how long a signed attestation may be submitted.
const DefaultAttestationTTL = 5 * time.Minute

// AttestationClaims is the payload of an oracle token. The subject is the intent id.
type AttestationClaims struct {
	jwt.RegisteredClaims
	NodeID        string  `json:"nodeId"`
	ExecutionHash string  `json:"executionHash"`
	LogsHash      string  `json:"logsHash"`
	Score         float64 `json:"score"`
}

// Signer issues EdDSA attestation tokens under the oracle key.
type Signer struct {
	key *intent.KeyPair
	ttl time.Duration
	now func() time.Time
}

func NewSigner(key *intent.KeyPair, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultAttestationTTL
	}
	return &Signer{key: key, ttl: ttl, now: time.Now}
}

// Identity is the oracle authority the tokens are issued under.
func (s *Signer) Identity() string {
	return s.key.Identity()
}

// Sign attests that r passed with score.
func (s *Signer) Sign(r models.CompletionReport, score float64) (string, error) {
	now := s.now().UTC()
	claims := AttestationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.key.Identity(),
			Subject:   r.IntentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		NodeID:        r.NodeID,
		ExecutionHash: r.ExecutionHash,
		LogsHash:      r.LogsHash,
		Score:         score,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.key.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// Verifier checks tokens issued by one oracle identity.
type Verifier struct {
	identity string
	pub      ed25519.PublicKey
	now      func() time.Time
}

// NewVerifier trusts tokens signed by the hex ed25519 identity.
func NewVerifier(identity string) (*Verifier, error) {
	pub, err := intent.ParseIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("oracle identity: %w", err)
	}
	return &Verifier{identity: identity, pub: pub, now: time.Now}, nil
}

// WithClock overrides the time source used for expiry checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyAttestation parses and validates token and returns its claims.
func (v *Verifier) VerifyAttestation(token string) (models.Attestation, error) {
	parsed, err := jwt.ParseWithClaims(token, &AttestationClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.identity),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return models.Attestation{}, fmt.Errorf("parse attestation: %w", err)
	}
	claims, ok := parsed.Claims.(*AttestationClaims)
	if !ok || !parsed.Valid {
		return models.Attestation{}, errors.New("attestation token is invalid")
	}
	return models.Attestation{
		Issuer:        claims.Issuer,
		IntentID:      claims.Subject,
		NodeID:        claims.NodeID,
		ExecutionHash: claims.ExecutionHash,
		LogsHash:      claims.LogsHash,
		Score:         claims.Score,
	}, nil
}
