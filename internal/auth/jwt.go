// Package auth verifies the credential presented when a client opens a live
// connection. Tokens are issued by the account service; this package only
// checks them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the cookie the account service sets on login.
const DefaultCookieName = "jwt"

var (
	// ErrAuthFailure is the root of every verification error.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrMissingCredential means the request carried no token.
	ErrMissingCredential = fmt.Errorf("%w: missing credential", ErrAuthFailure)
	// ErrInvalidToken means the token failed signature, expiry or claim checks.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrAuthFailure)
	// ErrAuthDisabled means no signing secret is configured.
	ErrAuthDisabled = fmt.Errorf("%w: no signing secret configured", ErrAuthFailure)
)

// Verifier maps a connection credential to a user id.
type Verifier interface {
	Verify(credential string) (string, error)
}

// Claims carries the user id. The account service writes it as "userId";
// tokens from other issuers may use the standard subject instead.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

// NewJWTVerifier builds a verifier for the given secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), leeway: 30 * time.Second}
}

// Verify parses token and returns the user id it carries.
func (v *JWTVerifier) Verify(token string) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredential
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return userID, nil
}

// Issue signs a token for userID. It exists for local testing and the
// "token" command; production tokens come from the account service.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// CredentialFromRequest extracts the token from, in order, the auth cookie,
// an "Authorization: Bearer" header, or the "token" query parameter.
func CredentialFromRequest(r *http.Request, cookieName string) string {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}
