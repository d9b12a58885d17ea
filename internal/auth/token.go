// ABOUTME: JWT minting and verification for inter-instance relay traffic.
// ABOUTME: HS256 with a cluster-wide shared secret; the subject is the sender's instance address.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// tokenLifetime bounds how long a relay token stays usable. Tokens are
// minted per request or per channel dial, so the window can stay short.
const tokenLifetime = 5 * time.Minute

// InstanceAuth mints and verifies the tokens instances present to each
// other on relay calls and channel dials.
type InstanceAuth struct {
	secret []byte
}

// NewInstanceAuth creates an InstanceAuth with the cluster shared secret.
func NewInstanceAuth(secret []byte) *InstanceAuth {
	return &InstanceAuth{secret: secret}
}

// Verify validates the token and extracts the sending instance's address
// from the "sub" claim.
func (a *InstanceAuth) Verify(tokenString string) (instanceAddr string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Mint creates a token identifying this instance to a relay peer.
func (a *InstanceAuth) Mint(instanceAddr string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": instanceAddr,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
