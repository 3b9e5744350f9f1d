package api

import (
	"context"
	"testing"
)

type fakeIPBanChecker struct {
	banned bool
	err    error
}

func (f *fakeIPBanChecker) IsUserIPBanned(ctx context.Context, guildID, userID string) (bool, error) {
	return f.banned, f.err
}

func TestGatewayPermissions_IsIPBannedNilChecker(t *testing.T) {
	g := &GatewayPermissions{}
	banned, err := g.IsIPBanned(context.Background(), "g1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Error("expected not banned when no checker configured")
	}
}

func TestGatewayPermissions_IsIPBannedDelegates(t *testing.T) {
	g := &GatewayPermissions{ipBans: &fakeIPBanChecker{banned: true}}
	banned, err := g.IsIPBanned(context.Background(), "g1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !banned {
		t.Error("expected banned result to be delegated")
	}
}
