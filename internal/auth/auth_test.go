package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ai/nucleus/internal/auth"
	"github.com/nucleus-ai/nucleus/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyAPIKeyMalformedHash(t *testing.T) {
	for _, encoded := range []string{"", "no-separator", "!!!$AAAA", "AAAA$!!!"} {
		_, err := auth.VerifyAPIKey("key", encoded)
		assert.Error(t, err, "encoded=%q", encoded)
	}
}

func TestHashAPIKeyUniqueSalts(t *testing.T) {
	a, err := auth.HashAPIKey("same-key")
	require.NoError(t, err)
	b, err := auth.HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	client := model.APIClient{
		ID:       uuid.New(),
		ClientID: "ops-cron",
		Role:     model.RoleOperator,
	}

	token, expiresAt, err := mgr.IssueToken(client)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-cron", claims.ClientID)
	assert.Equal(t, model.RoleOperator, claims.Role)
	assert.Equal(t, client.ID.String(), claims.Subject)
}

// newTestJWTManagerWithKey builds a JWTManager from a fresh Ed25519 key pair
// written to temp PEM files, returning the private key so tests can forge
// tokens with arbitrary claims.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath,
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0600))

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath,
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs claims directly, bypassing IssueToken.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func wellFormedClaims() auth.Claims {
	now := time.Now().UTC()
	return auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "nucleus",
			Audience:  jwt.ClaimStrings{"nucleus"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		ClientID: "ops-cron",
		Role:     model.RoleOperator,
	}
}

func TestValidateTokenRejectsBadClaims(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	t.Run("wrong issuer", func(t *testing.T) {
		claims := wellFormedClaims()
		claims.Issuer = "someone-else"
		_, err := mgr.ValidateToken(forgeToken(t, privKey, &claims))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid issuer")
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := wellFormedClaims()
		claims.Audience = jwt.ClaimStrings{"other"}
		_, err := mgr.ValidateToken(forgeToken(t, privKey, &claims))
		require.Error(t, err)
	})

	t.Run("non-uuid subject", func(t *testing.T) {
		claims := wellFormedClaims()
		claims.Subject = "not-a-uuid"
		_, err := mgr.ValidateToken(forgeToken(t, privKey, &claims))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid subject")
	})

	t.Run("expired", func(t *testing.T) {
		claims := wellFormedClaims()
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := mgr.ValidateToken(forgeToken(t, privKey, &claims))
		require.Error(t, err)
	})

	t.Run("foreign signing key", func(t *testing.T) {
		_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		claims := wellFormedClaims()
		_, err = mgr.ValidateToken(forgeToken(t, otherPriv, &claims))
		require.Error(t, err)
	})
}

func TestNewJWTManagerMismatchedKeyPair(t *testing.T) {
	pubA, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, privB, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privDER, err := x509.MarshalPKCS8PrivateKey(privB)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath,
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0600))

	pubDER, err := x509.MarshalPKIXPublicKey(pubA)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath,
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}
