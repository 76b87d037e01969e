package capability

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
)

func signGrant(t *testing.T, key *rsa.PrivateKey, subject string, perms map[string]interface{}, ttl time.Duration) string {
	t.Helper()
	claims := GrantClaims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestGrantVerifier(t *testing.T) {
	key := newKey(t)
	v := NewGrantVerifier(&key.PublicKey)

	token := signGrant(t, key, "a1", map[string]interface{}{"filesystem": []interface{}{"write"}}, time.Minute)
	claims, err := v.Verify("Bearer "+token, "a1")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"write"}, claims.Permissions["filesystem"])

	_, err = v.Verify(token, "someone-else")
	require.Error(t, err)

	expired := signGrant(t, key, "a1", nil, -time.Minute)
	_, err = v.Verify(expired, "a1")
	require.Error(t, err)

	foreign := signGrant(t, newKey(t), "a1", nil, time.Minute)
	_, err = v.Verify(foreign, "a1")
	require.Error(t, err)
}

func TestParseRSAPublicKey(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParseRSAPublicKey(pemData)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsed))

	_, err = ParseRSAPublicKey(nil)
	require.Error(t, err)
}

func TestBindCapability_SignedGrant(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.RegisterTool(fsWriteTool()))

	key := newKey(t)
	token := signGrant(t, key, "a1", map[string]interface{}{"filesystem": []interface{}{"read", "write"}}, time.Minute)
	cfg := domain.CapabilityConfig{Tool: "fs_write", Sandbox: true, GrantToken: token}

	// верификатор не настроен
	var bindErr *domain.CapabilityBindingError
	require.ErrorAs(t, r.BindCapability(ctx, AgentRef("a1"), cfg), &bindErr)

	r.SetGrantVerifier(NewGrantVerifier(&key.PublicKey))
	require.NoError(t, r.BindCapability(ctx, AgentRef("a1"), cfg))

	// подписанный грант сильнее inline permissions
	weak := signGrant(t, key, "a2", map[string]interface{}{"filesystem": []interface{}{"read"}}, time.Minute)
	require.ErrorAs(t, r.BindCapability(ctx, AgentRef("a2"), domain.CapabilityConfig{
		Tool:        "fs_write",
		Sandbox:     true,
		GrantToken:  weak,
		Permissions: map[string]interface{}{"filesystem": true},
	}), &bindErr)
}
