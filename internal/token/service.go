// Package token implements the JWT issue/verify/refresh/revoke service
// (spec C5), adapted from auth/internal/service/impl/token_service_impl.go:
// same claim-signing helpers and jwt/v5 parser options, generalized from
// HS256-over-a-Postgres-session-row to HS256-over-an-in-process
// revocation set, since DeeperHub's session registry (C6) is its own
// in-memory component rather than a database table.
package token

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind identifies the class of verification failure, mapped to spec §7's
// stable wire error codes by the caller.
type Kind int

const (
	KindOK Kind = iota
	KindExpired
	KindMalformed
	KindBadSignature
	KindRevoked
	KindWrongType
)

// VerifyError reports why Verify failed.
type VerifyError struct {
	Kind Kind
}

func (e *VerifyError) Error() string {
	switch e.Kind {
	case KindExpired:
		return "expired"
	case KindMalformed:
		return "malformed"
	case KindBadSignature:
		return "bad_signature"
	case KindRevoked:
		return "revoked"
	case KindWrongType:
		return "wrong_type"
	default:
		return "ok"
	}
}

// Pair is an issued access+refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	Claims       Claims
	ExpiresInS   int64
}

// Config carries the token service's policy knobs, read from
// internal/config.Config at startup.
type Config struct {
	Issuer          string
	SigningKey      []byte
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	RememberMeTTL   time.Duration
}

// Service issues, verifies, refreshes, and revokes token pairs. The
// revocation set is an in-memory jti->exp map (spec §4.2, §9 open
// question: "the source keeps it in process state").
type Service struct {
	cfg  Config
	now  func() time.Time
	mu   sync.Mutex
	revoked map[string]time.Time // jti -> exp
}

// New creates a Service.
func New(cfg Config, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{cfg: cfg, now: now, revoked: make(map[string]time.Time)}
}

// IssuePair signs a fresh access+refresh pair bound to sessionID. remember
// extends the refresh TTL to RememberMeTTL (spec §3).
func (s *Service) IssuePair(userID, sessionID string, remember bool) (Pair, error) {
	now := s.now()
	refreshTTL := s.cfg.RefreshTTL
	if remember {
		refreshTTL = s.cfg.RememberMeTTL
	}

	access, accessClaims, err := s.sign(userID, sessionID, "access", now, s.cfg.AccessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, _, err := s.sign(userID, sessionID, "refresh", now, refreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		Claims:       accessClaims,
		ExpiresInS:   int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

func (s *Service) sign(userID, sessionID, typ string, now time.Time, ttl time.Duration) (string, Claims, error) {
	claims := Claims{
		Typ: typ,
		SID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.cfg.SigningKey)
	return signed, claims, err
}

// Verify parses and validates tokenStr, returning its claims or a
// VerifyError naming the failure kind (spec §4.2).
func (s *Service) Verify(tokenStr string) (Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return s.cfg.SigningKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, &VerifyError{Kind: KindExpired}
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Claims{}, &VerifyError{Kind: KindBadSignature}
		}
		return Claims{}, &VerifyError{Kind: KindMalformed}
	}
	if !tok.Valid {
		return Claims{}, &VerifyError{Kind: KindMalformed}
	}

	// exp is a closed interval at the past side (spec §8): a token
	// exactly at exp is already expired. jwt/v5's own expiry check runs
	// against the wall clock, not the service's injected clock, so
	// enforce the closed boundary against s.now explicitly.
	if claims.ExpiresAt != nil && !s.now().Before(claims.ExpiresAt.Time) {
		return Claims{}, &VerifyError{Kind: KindExpired}
	}

	if s.isRevoked(claims.ID) {
		return Claims{}, &VerifyError{Kind: KindRevoked}
	}
	return *claims, nil
}

// Refresh validates a refresh token, issues a new pair, and revokes the
// old refresh token's jti atomically (spec §4.2). The tie-break on a
// simultaneous double-refresh of the same token is first-writer-wins:
// claimAndRevoke marks the jti revoked before either caller issues a
// new pair, so the loser observes it already claimed and gets KindRevoked
// instead of racing past the check with its own valid pair.
func (s *Service) Refresh(refreshToken string) (Pair, error) {
	claims, err := s.Verify(refreshToken)
	if err != nil {
		return Pair{}, err
	}
	if claims.Typ != "refresh" {
		return Pair{}, &VerifyError{Kind: KindWrongType}
	}

	if !s.claimAndRevoke(claims.ID, claims.ExpiresAt.Time) {
		return Pair{}, &VerifyError{Kind: KindRevoked}
	}

	return s.IssuePair(claims.Subject, claims.SID, false)
}

// Revoke inserts tokenStr's jti into the revocation set with an expiry
// matching the token's own exp, so the sweep can reclaim it later.
func (s *Service) Revoke(tokenStr string) error {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return s.cfg.SigningKey, nil
	})
	if err != nil && claims.ID == "" {
		return &VerifyError{Kind: KindMalformed}
	}
	exp := s.now().Add(s.cfg.RefreshTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	s.revoke(claims.ID, exp)
	return nil
}

func (s *Service) revoke(jti string, exp time.Time) {
	s.mu.Lock()
	s.revoked[jti] = exp
	s.mu.Unlock()
}

// claimAndRevoke marks jti revoked if it isn't already, atomically, so
// two concurrent callers racing on the same jti can't both observe
// "not revoked" — exactly one claims it and proceeds.
func (s *Service) claimAndRevoke(jti string, exp time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.revoked[jti]; already {
		return false
	}
	s.revoked[jti] = exp
	return true
}

func (s *Service) isRevoked(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok
}

// Sweep drops revocation entries whose token has already expired on its
// own terms — they can never be presented again regardless (spec §4.2).
func (s *Service) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, jti)
		}
	}
}
