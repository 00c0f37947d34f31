package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const tokenIssuer = "courierlink"

// IdentityClaims carries the identity in the JWT. The subject is the user id.
type IdentityClaims struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
	jwt.RegisteredClaims
}

func (c *IdentityClaims) Identity() Identity {
	return Identity{UserID: c.Subject, Name: c.Name, Role: c.Role}
}

func NewClaims(identity Identity, exp time.Time) *IdentityClaims {
	return &IdentityClaims{
		Name: identity.Name,
		Role: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
		},
	}
}

// NewToken signs an identity token. Tokens are normally issued by the identity
// provider; this is used by tooling and tests that share its secret.
func NewToken(identity Identity, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, NewClaims(identity, exp))

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(tokenIssuer))

	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

// TokenAuthenticator verifies HS256 identity tokens signed with a shared secret.
type TokenAuthenticator struct {
	secret []byte
}

func NewTokenAuthenticator(secret []byte) *TokenAuthenticator {
	return &TokenAuthenticator{secret: secret}
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	identity := claims.Identity()
	if identity.UserID == "" || !identity.Role.Valid() {
		return Identity{}, fmt.Errorf("%w: incomplete identity claims", ErrUnauthenticated)
	}
	return identity, nil
}
