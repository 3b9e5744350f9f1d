package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUsernamePattern(t *testing.T) {
	tests := []struct {
		name     string
		username string
		want     bool
	}{
		{"valid simple", "alice", true},
		{"valid with numbers", "alice123", true},
		{"valid with underscores", "alice_bob", true},
		{"too short", "ab", false},
		{"empty", "", false},
		{"too long", "abcdefghijklmnopqrstuvwxyz1234567", false},
		{"has spaces", "alice bob", false},
		{"has special chars", "alice@bob", false},
		{"uppercase not allowed", "Alice", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := usernamePattern.MatchString(tc.username); got != tc.want {
				t.Errorf("usernamePattern.MatchString(%q) = %v, want %v", tc.username, got, tc.want)
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
		{"valid bearer", "Bearer abc123", "abc123"},
		{"case insensitive", "bearer abc123", "abc123"},
		{"BEARER", "BEARER abc123", "abc123"},
		{"with spaces in token", "Bearer  abc123 ", "abc123"},
		{"empty", "", ""},
		{"no bearer prefix", "Token abc123", ""},
		{"bearer only", "Bearer", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got := extractBearerToken(req)
			if got != tc.want {
				t.Errorf("extractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKeyUserID, "user123")
	if got := UserIDFromContext(ctx); got != "user123" {
		t.Errorf("UserIDFromContext = %q, want %q", got, "user123")
	}

	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("UserIDFromContext(empty) = %q, want empty", got)
	}
}

func TestSessionIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKeySessionID, "sess456")
	if got := SessionIDFromContext(ctx); got != "sess456" {
		t.Errorf("SessionIDFromContext = %q, want %q", got, "sess456")
	}

	if got := SessionIDFromContext(context.Background()); got != "" {
		t.Errorf("SessionIDFromContext(empty) = %q, want empty", got)
	}
}

func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	writeAuthError(w, http.StatusUnauthorized, "unauthorized")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := w.Body.String(); body != `{"error":"unauthorized"}`+"\n" {
		t.Errorf("body = %q, want flat error envelope", body)
	}
}

func TestAuthError_Error(t *testing.T) {
	err := &AuthError{Code: "invalid_credentials", Message: "test message", Status: 401}
	if got := err.Error(); got != "test message" {
		t.Errorf("Error() = %q, want %q", got, "test message")
	}
}
