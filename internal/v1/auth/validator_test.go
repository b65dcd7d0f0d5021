package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, appID, secret string, method jwt.SigningMethod) string {
	t.Helper()
	claims := &AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   appID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateToken_Valid(t *testing.T) {
	v := NewValidator(map[string]string{"game-a": "shared-secret-for-game-a"})

	appID, err := v.ValidateToken(signToken(t, "game-a", "shared-secret-for-game-a", jwt.SigningMethodHS256))
	require.NoError(t, err)
	assert.Equal(t, "game-a", appID)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	v := NewValidator(map[string]string{"game-a": "correct-secret"})

	_, err := v.ValidateToken(signToken(t, "game-a", "wrong-secret", jwt.SigningMethodHS256))
	assert.Error(t, err)
}

func TestValidateToken_UnknownApp(t *testing.T) {
	v := NewValidator(map[string]string{"game-a": "secret"})

	_, err := v.ValidateToken(signToken(t, "game-b", "secret", jwt.SigningMethodHS256))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownApp)
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	v := NewValidator(map[string]string{"game-a": "secret"})

	claims := &AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "game-a",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidateToken_Garbage(t *testing.T) {
	v := NewValidator(map[string]string{"game-a": "secret"})
	_, err := v.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestExtractFingerprint(t *testing.T) {
	h := http.Header{}
	fp, src := ExtractFingerprint(h)
	assert.Empty(t, fp)
	assert.Empty(t, src)

	h.Set("X-Ssl-Client-Sha256", "  abcdef123456  ")
	fp, src = ExtractFingerprint(h)
	assert.Equal(t, "abcdef123456", fp)
	assert.Equal(t, "x-ssl-client-sha256", src)

	// First candidate wins.
	h.Set("X-Client-Cert-Fingerprint", "primary")
	fp, src = ExtractFingerprint(h)
	assert.Equal(t, "primary", fp)
	assert.Equal(t, "x-client-cert-fingerprint", src)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "", BearerToken("abc"))
	assert.Equal(t, "", BearerToken(""))
	assert.Equal(t, "", BearerToken("Basic abc"))
}
