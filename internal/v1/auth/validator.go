// Package auth validates application tokens presented at WebSocket upgrade
// and extracts client-certificate fingerprints forwarded by TLS-terminating
// proxies.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknownApp is returned when a token names an app with no configured secret.
var ErrUnknownApp = errors.New("unknown application id")

// AppClaims are the claims Signal Fish expects in an application token. The
// subject is the application id.
type AppClaims struct {
	jwt.RegisteredClaims
}

// Validator verifies HMAC-signed application tokens against the configured
// per-app secrets.
type Validator struct {
	apps map[string]string
}

// NewValidator builds a validator from the authorized_apps configuration map
// (app id to shared secret).
func NewValidator(apps map[string]string) *Validator {
	return &Validator{apps: apps}
}

// ValidateToken parses and verifies a token, returning the authenticated app
// id. The signing secret is selected by the token's subject claim, so a token
// can never be verified against another app's secret.
func (v *Validator) ValidateToken(tokenString string) (string, error) {
	claims := &AppClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		appID := claims.Subject
		secret, ok := v.apps[appID]
		if !ok {
			return nil, ErrUnknownApp
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid app token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid app token")
	}
	return claims.Subject, nil
}

// fingerprintHeaderCandidates are the headers a fronting proxy may use to
// forward the client-certificate fingerprint, checked in order.
var fingerprintHeaderCandidates = []string{
	"x-client-cert-fingerprint",
	"x-ssl-client-sha256",
	"x-amzn-mtls-clientcert-sha256",
}

// ExtractFingerprint pulls the first non-empty fingerprint header, returning
// the value and the header it came from.
func ExtractFingerprint(h http.Header) (fingerprint, sourceHeader string) {
	for _, name := range fingerprintHeaderCandidates {
		value := strings.TrimSpace(h.Get(name))
		if value != "" {
			return value, name
		}
	}
	return "", ""
}

// BearerToken strips the Bearer prefix from an Authorization header value.
// Returns "" when the header is absent or malformed.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
