package presence

import (
	"testing"
	"time"
)

func TestPresenceKey(t *testing.T) {
	if got := presenceKey("user_001"); got != "presence:user_001" {
		t.Errorf("presenceKey = %q, want %q", got, "presence:user_001")
	}
}

func TestPresenceTTL(t *testing.T) {
	if presenceTTL != 90*time.Second {
		t.Errorf("presenceTTL = %v, want %v", presenceTTL, 90*time.Second)
	}
}

func TestRateLimitResult_AllowedComputation(t *testing.T) {
	tests := []struct {
		name      string
		count     int
		limit     int
		allowed   bool
		remaining int
	}{
		{"well under limit", 1, 10, true, 9},
		{"at limit", 10, 10, true, 0},
		{"over limit", 11, 10, false, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			remaining := tc.limit - tc.count
			if remaining < 0 {
				remaining = 0
			}
			result := RateLimitResult{
				Allowed:   tc.count <= tc.limit,
				Limit:     tc.limit,
				Remaining: remaining,
			}
			if result.Allowed != tc.allowed {
				t.Errorf("Allowed = %v, want %v", result.Allowed, tc.allowed)
			}
			if result.Remaining != tc.remaining {
				t.Errorf("Remaining = %d, want %d", result.Remaining, tc.remaining)
			}
		})
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New("not a valid url \x00"); err == nil {
		t.Error("expected error for invalid cache URL")
	}
}

func TestNew_ValidURL(t *testing.T) {
	c, err := New("redis://localhost:6379/0")
	if err != nil {
		t.Fatalf("New returned error for well-formed URL: %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil Cache")
	}
}
