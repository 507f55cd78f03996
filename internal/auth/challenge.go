// Package auth provides the gateway's nonce challenge-response
// authentication and per-client attempt limiting.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAuthFailed is terminal for the connection attempt that produced it
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTooManyAttempts refuses further tries during the cool-down window
	ErrTooManyAttempts = errors.New("too many failed attempts")

	// ErrUnknownNonce rejects answers to nonces we never issued (or that expired)
	ErrUnknownNonce = errors.New("unknown or expired nonce")
)

// Config holds the credential and limiter settings
type Config struct {
	Token       string        // preferred shared secret
	Password    string        // fallback when no token is configured
	NonceTTL    time.Duration // challenge validity window (default 30s)
	MaxAttempts int           // failures before cool-down (default 5)
	Cooldown    time.Duration // refusal window after MaxAttempts (default 1m)
}

// Enabled reports whether challenge auth is configured at all
func (c *Config) Enabled() bool {
	return c.Token != "" || c.Password != ""
}

func (c *Config) secret() string {
	if c.Token != "" {
		return c.Token
	}
	return c.Password
}

type issuedNonce struct {
	clientID string
	issuedAt time.Time
}

type attemptRecord struct {
	failures  int
	windowEnd time.Time
}

// Challenger issues single-use nonces and validates the
// credential-derived responses against the configured secret.
type Challenger struct {
	cfg Config

	mu       sync.Mutex
	nonces   map[string]issuedNonce
	attempts map[string]attemptRecord
	now      func() time.Time
}

// NewChallenger creates a challenger from config, applying defaults
func NewChallenger(cfg Config) *Challenger {
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Challenger{
		cfg:      cfg,
		nonces:   make(map[string]issuedNonce),
		attempts: make(map[string]attemptRecord),
		now:      time.Now,
	}
}

// Issue generates a fresh nonce for a client's connection attempt.
// Returns ErrTooManyAttempts if the client is inside a cool-down window.
func (c *Challenger) Issue(clientID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.coolingDown(clientID) {
		return "", ErrTooManyAttempts
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(buf)
	c.nonces[nonce] = issuedNonce{clientID: clientID, issuedAt: c.now()}
	return nonce, nil
}

// Verify validates a challenge answer. The nonce is consumed whether or
// not verification succeeds; a failed verification counts toward the
// client's attempt limit.
func (c *Challenger) Verify(clientID, nonce, response string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.coolingDown(clientID) {
		return ErrTooManyAttempts
	}

	issued, ok := c.nonces[nonce]
	delete(c.nonces, nonce) // single use
	if !ok || issued.clientID != clientID || c.now().Sub(issued.issuedAt) > c.cfg.NonceTTL {
		c.recordFailure(clientID)
		return ErrUnknownNonce
	}

	expected := ComputeResponse(c.cfg.secret(), nonce)
	if !hmac.Equal([]byte(expected), []byte(response)) {
		c.recordFailure(clientID)
		return ErrAuthFailed
	}

	delete(c.attempts, clientID)
	return nil
}

// coolingDown reports whether the client has exhausted its attempts.
// Callers must hold c.mu.
func (c *Challenger) coolingDown(clientID string) bool {
	rec, ok := c.attempts[clientID]
	if !ok {
		return false
	}
	if c.now().After(rec.windowEnd) {
		delete(c.attempts, clientID)
		return false
	}
	return rec.failures >= c.cfg.MaxAttempts
}

// recordFailure bumps the failure count and arms the cool-down window.
// Callers must hold c.mu.
func (c *Challenger) recordFailure(clientID string) {
	rec := c.attempts[clientID]
	rec.failures++
	rec.windowEnd = c.now().Add(c.cfg.Cooldown)
	c.attempts[clientID] = rec
}

// ComputeResponse derives the expected challenge answer:
// hex(HMAC-SHA256(secret, nonce)). Clients use the same derivation.
func ComputeResponse(secret, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}
