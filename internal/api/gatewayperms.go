package api

import (
	"context"
	"errors"

	"github.com/filament/server/internal/api/users"
	"github.com/filament/server/internal/permissions"
)

// ipBanChecker is the subset of guilds.Service the gateway permission
// adapter needs; a named interface keeps this file independent of the
// guilds package's other dependencies.
type ipBanChecker interface {
	IsUserIPBanned(ctx context.Context, guildID, userID string) (bool, error)
}

// GatewayPermissions adapts users.Resolver and guilds.Service to the
// gateway's PermissionChecker, so a realtime connection's capability checks
// and IP-ban enforcement reuse the exact same resolution path as REST.
type GatewayPermissions struct {
	resolver *users.Resolver
	ipBans   ipBanChecker
}

// NewGatewayPermissions builds the gateway's PermissionChecker from the
// already-constructed permission resolver and IP-ban source.
func NewGatewayPermissions(resolver *users.Resolver, ipBans ipBanChecker) *GatewayPermissions {
	return &GatewayPermissions{resolver: resolver, ipBans: ipBans}
}

// CanCreateMessage reports whether userID currently holds create_message in
// channelID.
func (g *GatewayPermissions) CanCreateMessage(ctx context.Context, userID, guildID, channelID string) (bool, error) {
	res, err := g.resolver.Resolve(ctx, userID, guildID, channelID)
	if err != nil {
		if errors.Is(err, permissions.ErrForbidden) {
			return false, nil
		}
		return false, err
	}
	return permissions.Has(res.Capabilities, permissions.CreateMessage), nil
}

// IsIPBanned reports whether userID's connection should be rejected under
// guildID's active IP bans.
func (g *GatewayPermissions) IsIPBanned(ctx context.Context, guildID, userID string) (bool, error) {
	if g.ipBans == nil {
		return false, nil
	}
	return g.ipBans.IsUserIPBanned(ctx, guildID, userID)
}
