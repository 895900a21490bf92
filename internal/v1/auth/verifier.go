// Package auth implements the identity side of the relay: verification of
// signed bearer identity tokens against a process-wide symmetric secret, and
// the GitHub OAuth dance that issues them.
//
// The relay is not an identity provider in its own right; tokens only attest
// that the holder completed the OAuth dance against this deployment's
// configured GitHub app. Rooms are still authorized by their own tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for every verification failure. Expired,
// wrong-secret, and malformed tokens are deliberately indistinguishable to
// callers.
var ErrInvalidToken = errors.New("invalid identity token")

// IdentityClaims carries who the connecting user is. Subject is the stable
// provider-side id; Username and DisplayName feed presence.
type IdentityClaims struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates and issues HS256-signed identity tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. The secret must be non-empty; main refuses
// to start with the identity gate enabled and no secret configured.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("identity secret must not be empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Issue signs a token for the given identity with the given lifetime.
func (v *Verifier) Issue(subject, username, displayName, avatarURL string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		Username:    username,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string, returning its claims.
// All failures collapse into ErrInvalidToken.
func (v *Verifier) Verify(tokenString string) (*IdentityClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenVerifier is the interface the gateway depends on, so tests can plug
// in permissive or failing implementations.
type TokenVerifier interface {
	Verify(tokenString string) (*IdentityClaims, error)
}
