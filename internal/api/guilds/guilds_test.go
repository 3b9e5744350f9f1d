package guilds

import (
	"testing"
	"time"

	"github.com/filament/server/internal/models"
)

func TestCanManageRole(t *testing.T) {
	if !canManageRole(true, 0, 100) {
		t.Error("owner should bypass position checks")
	}
	if !canManageRole(false, 10, 5) {
		t.Error("target below actor's highest position should be manageable")
	}
	if canManageRole(false, 5, 10) {
		t.Error("target at or above actor's highest position should not be manageable")
	}
	if canManageRole(false, 5, 5) {
		t.Error("target equal to actor's highest position should not be manageable")
	}
}

func TestNormalizeColor(t *testing.T) {
	c := "#abc123"
	got, err := normalizeColor(&c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || *got != "#ABC123" {
		t.Errorf("normalizeColor = %v, want #ABC123", got)
	}

	if _, err := normalizeColor(nil); err != nil {
		t.Errorf("expected nil color to pass through, got %v", err)
	}

	bad := "not-a-color"
	if _, err := normalizeColor(&bad); err == nil {
		t.Error("expected error for malformed color")
	}

	badLen := "#fff"
	if _, err := normalizeColor(&badLen); err == nil {
		t.Error("expected error for short color")
	}

	badHex := "#gggggg"
	if _, err := normalizeColor(&badHex); err == nil {
		t.Error("expected error for non-hex digits")
	}
}

func TestCanonicalCIDR(t *testing.T) {
	if got := canonicalCIDR("203.0.113.7"); got != "203.0.113.7/32" {
		t.Errorf("canonicalCIDR(v4) = %q", got)
	}
	if got := canonicalCIDR("2001:db8::1"); got != "2001:db8::1/128" {
		t.Errorf("canonicalCIDR(v6) = %q", got)
	}
	if got := canonicalCIDR("not-an-ip"); got != "" {
		t.Errorf("canonicalCIDR(invalid) = %q, want empty", got)
	}
}

func TestIPSourceCategory(t *testing.T) {
	if got := ipSourceCategory("203.0.113.7"); got != "ipv4" {
		t.Errorf("ipSourceCategory(v4) = %q", got)
	}
	if got := ipSourceCategory("2001:db8::1"); got != "ipv6" {
		t.Errorf("ipSourceCategory(v6) = %q", got)
	}
	if got := ipSourceCategory("garbage"); got != "unknown" {
		t.Errorf("ipSourceCategory(invalid) = %q", got)
	}
}

func TestJoinOutcome_ConstantValues(t *testing.T) {
	if JoinAccepted != "accepted" || JoinAlreadyMember != "already_member" {
		t.Error("join outcome constants changed unexpectedly")
	}
}

func TestEncodeParseAuditCursor_RoundTrip(t *testing.T) {
	e := models.AuditEvent{
		ID:        "01HZXK3R6G9F0QJ8N2P4T7YQWS",
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}

	cursor := encodeAuditCursor(e)
	if cursor != "1700000000_01HZXK3R6G9F0QJ8N2P4T7YQWS" {
		t.Fatalf("encodeAuditCursor = %q", cursor)
	}

	gotTime, gotID, err := parseAuditCursor(cursor)
	if err != nil {
		t.Fatalf("parseAuditCursor: %v", err)
	}
	if !gotTime.Equal(e.CreatedAt) {
		t.Errorf("parsed time = %v, want %v", gotTime, e.CreatedAt)
	}
	if gotID != e.ID {
		t.Errorf("parsed id = %q, want %q", gotID, e.ID)
	}
}

func TestParseAuditCursor_Malformed(t *testing.T) {
	cases := []string{"", "noUnderscore", "_missingTimestamp", "1700000000_", "notanumber_01HZXK3R6G9F0QJ8N2P4T7YQWS"}
	for _, c := range cases {
		if _, _, err := parseAuditCursor(c); err == nil {
			t.Errorf("parseAuditCursor(%q) = nil error, want error", c)
		}
	}
}
