package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// AdminKeyMinLength is the minimum accepted length of the admin API key.
const AdminKeyMinLength = 24

// HashAPIKey creates a SHA-256 hash of an API key for comparison.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// CompareAPIKeyHash compares an API key with a stored hash using constant-time comparison.
func CompareAPIKeyHash(apiKey, storedHash string) bool {
	computedHash := HashAPIKey(apiKey)
	return subtle.ConstantTimeCompare([]byte(computedHash), []byte(storedHash)) == 1
}

// IsValidAdminKey reports whether key is long enough to be used as the
// admin API key.
func IsValidAdminKey(key string) bool {
	return len(strings.TrimSpace(key)) >= AdminKeyMinLength
}

// ExtractBearerToken extracts the token from an Authorization header value.
// Returns empty string if the header is not a valid Bearer token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// CredentialToken returns the token carried by a credential string. The
// "Bearer " prefix is optional; a bare token is returned trimmed.
func CredentialToken(credential string) string {
	credential = strings.TrimSpace(credential)
	if token := ExtractBearerToken(credential); token != "" {
		return token
	}
	if strings.EqualFold(credential, "bearer") {
		return ""
	}
	return credential
}
