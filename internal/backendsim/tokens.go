package backendsim

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/internal/uuid"
)

var (
	errTokenExpired = errors.New("token expired")
	errTokenInvalid = errors.New("token invalid")
)

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// issueAccessLocked signs an HS256 access token for email. s.mu must be held.
func (s *Server) issueAccessLocked(email string) (string, error) {
	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		ID:        uuid.New(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

// issuePairLocked issues an access token and, if refreshToken is empty, a new
// refresh token. s.mu must be held.
func (s *Server) issuePairLocked(email, refreshToken string) (tokenPair, error) {
	access, err := s.issueAccessLocked(email)
	if err != nil {
		return tokenPair{}, fmt.Errorf("signing access token: %w", err)
	}
	pair := tokenPair{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.accessTTL / time.Second),
	}
	if refreshToken == "" {
		if pair.RefreshToken, err = util.RandomToken(32); err != nil {
			return tokenPair{}, err
		}
		s.refresh[pair.RefreshToken] = refreshRecord{email: email, expiresAt: s.clock.Now().Add(s.refreshTTL)}
	}
	return pair, nil
}

// parseAccess validates an access token and returns its claims.
func (s *Server) parseAccess(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock.Now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, errTokenExpired
	}
	if err != nil {
		return nil, errTokenInvalid
	}
	s.mu.Lock()
	_, revoked := s.revokedJTI[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, errTokenInvalid
	}
	return claims, nil
}
