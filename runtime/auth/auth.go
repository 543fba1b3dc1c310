// Package auth validates inbound bearer credentials and derives the
// UserIdentity used throughout the messaging and voice runtimes.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMissingCredentials indicates neither an Authorization header nor a
	// session_user query parameter was supplied.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidToken indicates the token is structurally malformed, expired,
	// or fails signature verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUserNotFound indicates the token verified but no user record exists
	// for its claimed identity.
	ErrUserNotFound = errors.New("auth: user not found")
)

// AuthError is returned by Validate on any authorization failure. It carries
// a stable Code alongside a short human-readable Reason so callers (the
// WebSocket handshake, HTTP middleware) can surface a consistent error frame.
type AuthError struct {
	Code   string
	Reason string
	err    error
}

func (e *AuthError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Reason) }
func (e *AuthError) Unwrap() error { return e.err }

func newAuthError(code, reason string, cause error) *AuthError {
	return &AuthError{Code: code, Reason: reason, err: cause}
}

// UserIdentity is the resolved identity of an inbound connection, derived
// either from a validated token or synthesized deterministically for
// anonymous sessions.
type UserIdentity struct {
	ID        string
	Email     string
	Username  string
	FirstName string
	LastName  string
	Active    bool
	Token     string
	Anonymous bool
}

// FullName mirrors the display name assembled from first/last name, falling
// back to "Anonymous User" for synthesized identities.
func (u UserIdentity) FullName() string {
	if u.Anonymous {
		return "Anonymous User"
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// UserLookup resolves a verified token's subject into a stored user
// projection. Implementations query the identity cache's backing store
// (Postgres via the DB Pool in production).
type UserLookup interface {
	LookupByEmail(ctx context.Context, email string) (UserIdentity, error)
}

// IdentityCache caches UserIdentity records by token signature.
type IdentityCache interface {
	Get(ctx context.Context, signature string) (UserIdentity, bool, error)
	Set(ctx context.Context, signature string, identity UserIdentity, ttl time.Duration) error
}

// Validator validates bearer credentials and derives a UserIdentity.
type Validator struct {
	secretKey []byte
	cache     IdentityCache
	lookup    UserLookup
	cacheTTL  time.Duration
	domain    string
	now       func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithCacheTTL overrides the default one-hour identity cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *Validator) { v.cacheTTL = ttl }
}

// WithAnonymousDomain overrides the domain used for synthesized anonymous
// identities' email addresses.
func WithAnonymousDomain(domain string) Option {
	return func(v *Validator) { v.domain = domain }
}

// WithClock overrides the validator's notion of "now", for deterministic
// expiry tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator builds a Validator. secretKey is the shared HMAC signing
// secret (DJANGO_SECRET_KEY); cache and lookup back the identity-cache
// write-through path.
func NewValidator(secretKey []byte, cache IdentityCache, lookup UserLookup, opts ...Option) *Validator {
	v := &Validator{
		secretKey: secretKey,
		cache:     cache,
		lookup:    lookup,
		cacheTTL:  time.Hour,
		domain:    "unpod.tv",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate recognizes the "JWT <token>" and "Bearer <token>" Authorization
// header schemes, and falls back to an unauthenticated session_user query
// parameter, in that order.
func (v *Validator) Validate(ctx context.Context, authorizationHeader string, sessionUser string) (UserIdentity, *AuthError) {
	token, ok := extractToken(authorizationHeader)
	if !ok {
		if sessionUser == "" {
			return UserIdentity{}, newAuthError("missing_credentials", "no authorization header or session_user", ErrMissingCredentials)
		}
		return anonymousIdentity(sessionUser, v.domain), nil
	}

	claims, signature, err := v.decodeAndVerify(token)
	if err != nil {
		return UserIdentity{}, newAuthError("invalid_token", err.Error(), err)
	}

	if identity, hit, err := v.cache.Get(ctx, signature); err == nil && hit {
		identity.Token = token
		return identity, nil
	}

	identity, err := v.lookup.LookupByEmail(ctx, claims.Email)
	if err != nil {
		return UserIdentity{}, newAuthError("invalid_token_user", "Invalid Token / User", ErrUserNotFound)
	}
	identity.Token = token

	_ = v.cache.Set(ctx, signature, identity, v.cacheTTL)
	return identity, nil
}

func extractToken(header string) (string, bool) {
	for _, scheme := range []string{"JWT ", "Bearer "} {
		if strings.HasPrefix(header, scheme) {
			return strings.TrimSpace(strings.TrimPrefix(header, scheme)), true
		}
	}
	return "", false
}

type jwtClaims struct {
	Email string `json:"email"`
	Exp   int64  `json:"exp"`
}

// decodeAndVerify implements HS256 JWT verification directly against
// crypto/hmac: split header.payload.signature, recompute the HMAC over
// header.payload, compare in constant time, then reject an expired exp
// claim. Returns the decoded claims and the raw signature segment (used as
// the identity cache key).
func (v *Validator) decodeAndVerify(token string) (jwtClaims, string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return jwtClaims{}, "", errors.New("malformed token")
	}
	signingInput := parts[0] + "." + parts[1]

	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(signingInput))
	expected := mac.Sum(nil)

	given, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return jwtClaims{}, "", errors.New("malformed signature")
	}
	if !hmac.Equal(expected, given) {
		return jwtClaims{}, "", errors.New("signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return jwtClaims{}, "", errors.New("malformed payload")
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return jwtClaims{}, "", errors.New("malformed claims")
	}
	if claims.Exp != 0 && v.now().Unix() > claims.Exp {
		return jwtClaims{}, "", errors.New("token expired")
	}

	return claims, parts[2], nil
}

func anonymousIdentity(sessionUser, domain string) UserIdentity {
	id := hashSessionUser(sessionUser)
	return UserIdentity{
		ID:        id,
		Email:     fmt.Sprintf("anonymous.%s@%s", id, domain),
		Anonymous: true,
		Active:    true,
	}
}

// hashSessionUser derives a stable, deterministic identifier from a session
// identifier so repeated connections from the same anonymous session
// converge on the same synthetic UserIdentity.
func hashSessionUser(sessionUser string) string {
	sum := sha256.Sum256([]byte(sessionUser))
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}
