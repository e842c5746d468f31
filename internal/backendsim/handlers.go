package backendsim

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/transport"
)

type contextKey int

const claimsKey contextKey = iota

type authResponse struct {
	User *transport.User `json:"user,omitempty"`
	tokenPair
	Requires2FA bool   `json:"requires_2fa,omitempty"`
	TempToken   string `json:"temp_token,omitempty"`
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login authenticates email and password. Accounts with two-factor enabled
// receive a temp token instead of credentials.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, transport.CodeValidation, "email and password are required")
		return
	}
	email := util.NormalizeEmail(req.Email)

	if blocked, retryAfter := s.rateLimiter.check(email); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[email]
	if !ok || acct.password != req.Password {
		s.mu.Unlock()
		s.rateLimiter.recordFailure(email)
		writeError(w, http.StatusUnauthorized, transport.CodeInvalidCredentials, "invalid email or password")
		return
	}
	s.rateLimiter.recordSuccess(email)
	user := acct.user

	if acct.twoFactorCode != "" {
		temp, err := util.RandomToken(24)
		if err != nil {
			s.mu.Unlock()
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		s.challenges[temp] = email
		s.mu.Unlock()
		writeData(w, http.StatusOK, authResponse{User: &user, Requires2FA: true, TempToken: temp})
		return
	}

	pair, err := s.issuePairLocked(email, "")
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s.logger.Info("login", "email", email)
	writeData(w, http.StatusOK, authResponse{User: &user, tokenPair: pair})
}

// Refresh exchanges a refresh token for a new access token, rotating the
// refresh token unless rotation is disabled.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeBody(w, r, &req) || req.RefreshToken == "" {
		writeError(w, http.StatusUnprocessableEntity, transport.CodeValidation, "refresh_token is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, transport.CodeInvalidToken, "refresh token is invalid or revoked")
		return
	}
	if s.clock.Now().After(rec.expiresAt) {
		delete(s.refresh, req.RefreshToken)
		writeError(w, http.StatusUnauthorized, transport.CodeTokenExpired, "refresh token expired")
		return
	}

	keep := req.RefreshToken
	if s.rotate {
		delete(s.refresh, req.RefreshToken)
		keep = ""
	}
	pair, err := s.issuePairLocked(rec.email, keep)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeData(w, http.StatusOK, pair)
}

// Logout revokes the presented access token and every refresh token of its
// owner. It succeeds even without a valid token.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := bearer(r); ok {
		if claims, err := s.parseAccess(raw); err == nil {
			s.mu.Lock()
			s.revokedJTI[claims.ID] = struct{}{}
			for tok, rec := range s.refresh {
				if rec.email == claims.Subject {
					delete(s.refresh, tok)
				}
			}
			s.mu.Unlock()
		}
	}
	writeData(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// VerifyTwoFactor completes a login that returned requires_2fa.
func (s *Server) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code      string `json:"code"`
		TempToken string `json:"temp_token"`
	}
	if !decodeBody(w, r, &req) || req.Code == "" || req.TempToken == "" {
		writeError(w, http.StatusUnprocessableEntity, transport.CodeValidation, "code and temp_token are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.challenges[req.TempToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, transport.CodeInvalidToken, "unknown or expired challenge")
		return
	}
	acct := s.accounts[email]
	if acct == nil || acct.twoFactorCode != req.Code {
		writeError(w, http.StatusUnauthorized, transport.CodeTwoFactorInvalid, "invalid verification code")
		return
	}
	delete(s.challenges, req.TempToken)

	pair, err := s.issuePairLocked(email, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	user := acct.user
	writeData(w, http.StatusOK, authResponse{User: &user, tokenPair: pair})
}

// OAuthCallback exchanges a provider authorization code for a session.
func (s *Server) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if !decodeBody(w, r, &req) || req.Code == "" {
		writeError(w, http.StatusUnprocessableEntity, transport.CodeValidation, "code is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.oauth[provider+":"+req.Code]
	acct := s.accounts[email]
	if !ok || acct == nil {
		writeError(w, http.StatusUnauthorized, transport.CodeInvalidCredentials, "oauth exchange rejected")
		return
	}
	pair, err := s.issuePairLocked(email, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	user := acct.user
	writeData(w, http.StatusOK, authResponse{User: &user, tokenPair: pair})
}

// RequireBearer rejects requests without a valid access token. Expired tokens
// are reported as TOKEN_EXPIRED so clients know to refresh.
func (s *Server) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, transport.CodeInvalidToken, "missing bearer token")
			return
		}
		claims, err := s.parseAccess(raw)
		if err == errTokenExpired {
			writeError(w, http.StatusUnauthorized, transport.CodeTokenExpired, "access token expired")
			return
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, transport.CodeInvalidToken, "access token invalid")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Me returns the profile of the caller.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	email, _ := r.Context().Value(claimsKey).(string)
	s.mu.Lock()
	acct := s.accounts[email]
	s.mu.Unlock()
	if acct == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	writeData(w, http.StatusOK, acct.user)
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}
