package capability

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// GrantClaims — подписанный грант прав для привязки инструментов.
// Subject — id агента, которому выдан грант (пустой: любой агент).
type GrantClaims struct {
	Permissions map[string]interface{} `json:"permissions"`
	jwt.RegisteredClaims
}

// GrantVerifier проверяет гранты, подписанные асимметричным ключом RS256.
type GrantVerifier struct {
	publicKey *rsa.PublicKey
}

func NewGrantVerifier(pubKey *rsa.PublicKey) *GrantVerifier {
	return &GrantVerifier{publicKey: pubKey}
}

// Verify проверяет подпись, срок действия и адресата гранта.
func (v *GrantVerifier) Verify(tokenStr, agentID string) (*GrantClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	token, err := jwt.ParseWithClaims(tokenStr, &GrantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid grant: %w", err)
	}

	claims, ok := token.Claims.(*GrantClaims)
	if !ok {
		return nil, fmt.Errorf("invalid grant claims")
	}
	if claims.Subject != "" && claims.Subject != agentID {
		return nil, fmt.Errorf("grant issued to %q, not %q", claims.Subject, agentID)
	}
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
