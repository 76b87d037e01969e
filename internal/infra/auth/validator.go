package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Скоупы ops API
const (
	ScopeRead    = "runtime:read"
	ScopeExecute = "runtime:execute"
	ScopeAdmin   = "runtime:admin"
)

// OperatorClaims — токен оператора рантайма. admin покрывает любой скоуп.
type OperatorClaims struct {
	Scopes map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

// Has проверяет скоуп с учетом runtime:admin
func (c *OperatorClaims) Has(scope string) bool {
	return c != nil && (c.Scopes[scope] || c.Scopes[ScopeAdmin])
}

// TokenValidator — проверка bearer-токена оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*OperatorClaims, error)
}

// RSAValidator проверяет токены, подписанные RS256
type RSAValidator struct {
	publicKey *rsa.PublicKey
}

func NewRSAValidator(pubKey *rsa.PublicKey) *RSAValidator {
	return &RSAValidator{publicKey: pubKey}
}

func (v *RSAValidator) VerifyToken(tokenStr string) (*OperatorClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}
