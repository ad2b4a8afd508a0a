package auth

import (
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	key := "admin-key-0123456789abcdef"
	hash1 := HashAPIKey(key)
	hash2 := HashAPIKey(key)

	if hash1 != hash2 {
		t.Error("HashAPIKey should be deterministic")
	}
	if len(hash1) != 64 {
		t.Errorf("hash length = %d, want 64", len(hash1))
	}
	if HashAPIKey("other") == hash1 {
		t.Error("different keys should hash differently")
	}
}

func TestCompareAPIKeyHash(t *testing.T) {
	key := "admin-key-0123456789abcdef"
	hash := HashAPIKey(key)

	if !CompareAPIKeyHash(key, hash) {
		t.Error("CompareAPIKeyHash should match the original key")
	}
	if CompareAPIKeyHash("admin-key-0123456789abcdeX", hash) {
		t.Error("CompareAPIKeyHash should reject a different key")
	}
	if CompareAPIKeyHash("", hash) {
		t.Error("CompareAPIKeyHash should reject an empty key")
	}
}

func TestIsValidAdminKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected bool
	}{
		{"long enough", "0123456789abcdef01234567", true},
		{"too short", "short", false},
		{"whitespace padded", "   0123456789   ", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidAdminKey(tt.key); got != tt.expected {
				t.Errorf("IsValidAdminKey(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"lowercase prefix", "bearer abc", "abc"},
		{"extra spaces", "Bearer   abc  ", "abc"},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
		{"no space", "Bearerabc", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractBearerToken(tt.header); got != tt.want {
				t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestCredentialToken(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		want       string
	}{
		{"bearer", "Bearer abc", "abc"},
		{"bare token", "abc", "abc"},
		{"bare with spaces", "  abc  ", "abc"},
		{"bearer without token", "Bearer ", ""},
		{"bearer word only", "bearer", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CredentialToken(tt.credential); got != tt.want {
				t.Errorf("CredentialToken(%q) = %q, want %q", tt.credential, got, tt.want)
			}
		})
	}
}
