// ABOUTME: JWT bearer token verification with a renewal window after expiry
// ABOUTME: Uses HS256 signing; verdicts are Valid, Renewable, or Invalid

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted signing secret in bytes
const MinSecretLength = 32

// ErrWeakSecret is returned for signing secrets shorter than MinSecretLength
var ErrWeakSecret = errors.New("jwt secret too short")

// Status is the outcome of verifying a bearer token
type Status int

const (
	// Invalid tokens are never trusted
	Invalid Status = iota
	// Valid tokens are signed correctly and not yet expired
	Valid
	// Renewable tokens are signed correctly and expired within the renewal window
	Renewable
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Renewable:
		return "renewable"
	default:
		return "invalid"
	}
}

// Verdict is the result of Verify. Subject and ExpiresAt are only set for
// Valid and Renewable verdicts.
type Verdict struct {
	Status    Status
	Subject   string
	ExpiresAt time.Time
}

// TokenVerifier defines the interface for token verification.
// Implementations must be safe for concurrent use.
type TokenVerifier interface {
	Verify(tokenString string) Verdict
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret        []byte
	renewalWindow time.Duration
	now           func() time.Time
}

// VerifierOption configures a JWTVerifier
type VerifierOption func(*JWTVerifier)

// WithRenewalWindow sets how long after expiry a token is still Renewable. Zero disables renewal.
func WithRenewalWindow(d time.Duration) VerifierOption {
	return func(v *JWTVerifier) { v.renewalWindow = d }
}

// WithClock overrides the verifier's time source
func WithClock(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) { v.now = now }
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte, opts ...VerifierOption) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	v := &JWTVerifier{
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.renewalWindow < 0 {
		v.renewalWindow = 0
	}
	return v, nil
}

// RenewalWindow returns the configured renewal window
func (v *JWTVerifier) RenewalWindow() time.Duration {
	return v.renewalWindow
}

// Verify checks the signature first; only a correctly signed token with a
// subject and an expiry is then classified by time.
func (v *JWTVerifier) Verify(tokenString string) Verdict {
	// Claims validation is done below against the verifier clock so that
	// expired tokens can still be classified as Renewable.
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return Verdict{Status: Invalid}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Verdict{Status: Invalid}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Verdict{Status: Invalid}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Verdict{Status: Invalid}
	}

	now := v.now()
	expiresAt := exp.Time
	if now.Before(expiresAt) {
		return Verdict{Status: Valid, Subject: sub, ExpiresAt: expiresAt}
	}
	if v.renewalWindow > 0 && now.Sub(expiresAt) <= v.renewalWindow {
		return Verdict{Status: Renewable, Subject: sub, ExpiresAt: expiresAt}
	}
	return Verdict{Status: Invalid}
}

// Generate creates a new JWT token for the given subject with expiration
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	token, _, err := v.Mint(subject, expiresIn)
	return token, err
}

// Mint is Generate that also returns the exp claim written into the token
func (v *JWTVerifier) Mint(subject string, expiresIn time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("empty subject")
	}
	now := v.now()
	exp := now.Add(expiresIn).Unix()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": exp,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Unix(exp, 0).UTC(), nil
}

// Compile-time check that JWTVerifier implements TokenVerifier
var _ TokenVerifier = (*JWTVerifier)(nil)
