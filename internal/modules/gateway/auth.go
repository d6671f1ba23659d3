package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// challengeTTL bounds how long a wallet has to sign its nonce.
const challengeTTL = 5 * time.Minute

var (
	errNotConfigured = errors.New("session secret not configured")
	errNoChallenge   = errors.New("no outstanding challenge for wallet")
	errBadSignature  = errors.New("signature does not verify against wallet")
)

// sessionClaims is the JWT payload issued to an authenticated wallet.
type sessionClaims struct {
	WalletAddress string `json:"wallet_address"`
	SessionID     string `json:"session_id"`
	jwt.RegisteredClaims
}

type challenge struct {
	nonce     string
	expiresAt time.Time
}

// authenticator runs the challenge/response flow: it hands out nonces,
// verifies the wallet's ed25519 signature over them, and mints and checks
// the HS256 session tokens. Challenges live in memory; the bot is a single
// process and a lost nonce only costs the caller one extra round trip.
type authenticator struct {
	secret     []byte
	sessionTTL time.Duration
	log        zerolog.Logger
	clock      func() time.Time

	mu         sync.Mutex
	challenges map[string]challenge // keyed by wallet address
}

func newAuthenticator(secret string, sessionTTL time.Duration, log zerolog.Logger) *authenticator {
	return &authenticator{
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		log:        log.With().Str("component", "gateway_auth").Logger(),
		clock:      time.Now,
		challenges: make(map[string]challenge),
	}
}

// issueChallenge returns the nonce the wallet must sign. Reissuing
// replaces any previous nonce for the wallet.
func (a *authenticator) issueChallenge(wallet string) (challenge, error) {
	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return challenge{}, fmt.Errorf("invalid wallet address: %w", err)
	}

	now := a.clock().UTC()
	ch := challenge{
		nonce:     fmt.Sprintf("slipstream:auth:%s:%s", wallet, uuid.NewString()),
		expiresAt: now.Add(challengeTTL),
	}

	a.mu.Lock()
	a.pruneLocked(now)
	a.challenges[wallet] = ch
	a.mu.Unlock()

	return ch, nil
}

// authenticate verifies the wallet's signature over its outstanding nonce
// and issues a session token. Nonces are single use: the challenge is
// consumed whether or not the signature verifies.
func (a *authenticator) authenticate(wallet, signature string) (string, *sessionClaims, error) {
	if len(a.secret) == 0 {
		return "", nil, errNotConfigured
	}

	pub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return "", nil, fmt.Errorf("invalid wallet address: %w", err)
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return "", nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	now := a.clock().UTC()
	a.mu.Lock()
	ch, ok := a.challenges[wallet]
	delete(a.challenges, wallet)
	a.mu.Unlock()

	if !ok || now.After(ch.expiresAt) {
		return "", nil, errNoChallenge
	}
	if !ed25519.Verify(ed25519.PublicKey(pub[:]), []byte(ch.nonce), sig[:]) {
		return "", nil, errBadSignature
	}

	claims := &sessionClaims{
		WalletAddress: wallet,
		SessionID:     uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.sessionTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing session token: %w", err)
	}

	a.log.Info().
		Str("wallet", wallet).
		Str("session_id", claims.SessionID).
		Time("expires_at", claims.ExpiresAt.Time).
		Msg("Session issued")
	return token, claims, nil
}

// verify parses and validates a session token.
func (a *authenticator) verify(token string) (*sessionClaims, error) {
	if len(a.secret) == 0 {
		return nil, errNotConfigured
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing session token: %w", err)
	}
	if !parsed.Valid || claims.WalletAddress == "" {
		return nil, errors.New("session token carries no wallet")
	}
	return claims, nil
}

// pruneLocked drops expired challenges. Caller holds mu.
func (a *authenticator) pruneLocked(now time.Time) {
	for wallet, ch := range a.challenges {
		if now.After(ch.expiresAt) {
			delete(a.challenges, wallet)
		}
	}
}

type contextKey string

const walletContextKey contextKey = "gateway.wallet"

// middleware requires a valid session token and puts the authenticated
// wallet into the request context.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			a.log.Error().Msg("Session secret not configured, refusing request")
			writeError(w, r, http.StatusServiceUnavailable, "authentication not configured")
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := a.verify(raw)
		if err != nil {
			a.log.Warn().
				Err(err).
				Str("remote", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("Session token rejected")
			writeError(w, r, http.StatusUnauthorized, "invalid session token")
			return
		}

		ctx := context.WithValue(r.Context(), walletContextKey, claims.WalletAddress)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// walletFrom returns the authenticated wallet for the request.
func walletFrom(r *http.Request) string {
	wallet, _ := r.Context().Value(walletContextKey).(string)
	return wallet
}

type challengeRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type authenticateRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"` // base58, over the challenge nonce
}

// handleChallenge handles POST /auth/challenge.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		writeError(w, r, http.StatusBadRequest, "wallet_address is required")
		return
	}

	ch, err := s.auth.issueChallenge(req.WalletAddress)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nonce":      ch.nonce,
		"expires_at": ch.expiresAt,
	})
}

// handleAuthenticate handles POST /auth/authenticate. Failed attempts land
// in the audit trail as security violations.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" || req.Signature == "" {
		writeError(w, r, http.StatusBadRequest, "wallet_address and signature are required")
		return
	}

	token, claims, err := s.auth.authenticate(req.WalletAddress, req.Signature)
	if errors.Is(err, errNotConfigured) {
		writeError(w, r, http.StatusServiceUnavailable, "authentication not configured")
		return
	}
	if err != nil {
		s.auditAuthFailure(r, req.WalletAddress, err)
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"session_id": claims.SessionID,
		"expires_at": claims.ExpiresAt.Time,
	})
}
