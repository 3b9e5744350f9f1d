// Package users implements the authenticated profile surface: fetching and
// updating the caller's own profile, and resolving the caller's effective
// capability set for a guild (optionally scoped to one channel). The
// Resolver type is the concrete PermissionResolver the messages and
// gateway packages depend on through their own narrow interfaces.
package users

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filament/server/internal/api/apiutil"
	"github.com/filament/server/internal/apperr"
	"github.com/filament/server/internal/markdown"
	"github.com/filament/server/internal/models"
	"github.com/filament/server/internal/permissions"
)

const maxAboutBytes = 1000

// Resolver loads the snapshots permissions.Calculate needs from Postgres
// and resolves a viewer's effective capability set. It satisfies every
// PermissionResolver interface in this module (messages, gateway) because
// each declares the same single-method shape independently rather than
// sharing an exported interface type.
type Resolver struct {
	pool          *pgxpool.Pool
	serverOwnerID string
}

// NewResolver builds a Resolver. serverOwnerUserID may be empty, in which
// case no viewer is ever treated as the server owner.
func NewResolver(pool *pgxpool.Pool, serverOwnerUserID string) *Resolver {
	return &Resolver{pool: pool, serverOwnerID: serverOwnerUserID}
}

// Resolve computes the viewer's (legacy_role, capabilities) for guildID,
// layering channelID's permission overrides when channelID is non-empty.
func (r *Resolver) Resolve(ctx context.Context, viewerID, guildID, channelID string) (permissions.Result, error) {
	in := permissions.Input{
		ViewerID:      viewerID,
		IsServerOwner: r.serverOwnerID != "" && r.serverOwnerID == viewerID,
	}

	if !in.IsServerOwner {
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM guild_members WHERE guild_id = $1 AND user_id = $2),
			        EXISTS(SELECT 1 FROM guild_bans WHERE guild_id = $1 AND user_id = $2)`,
			guildID, viewerID,
		).Scan(&in.IsMember, &in.IsBanned)
		if err != nil {
			return permissions.Result{}, fmt.Errorf("checking membership: %w", err)
		}

		var legacyRole string
		err = r.pool.QueryRow(ctx, `SELECT legacy_role FROM guild_members WHERE guild_id = $1 AND user_id = $2`,
			guildID, viewerID).Scan(&legacyRole)
		if err != nil && err != pgx.ErrNoRows {
			return permissions.Result{}, fmt.Errorf("loading legacy role: %w", err)
		}
		in.Assignment.LegacyRole = legacyRole

		roleIDs, err := r.assignedRoleIDs(ctx, guildID, viewerID)
		if err != nil {
			return permissions.Result{}, err
		}
		in.Assignment.RoleIDs = roleIDs
	}

	roles, err := r.roleSnapshot(ctx, guildID)
	if err != nil {
		return permissions.Result{}, err
	}
	in.Roles = roles

	if channelID != "" {
		overrides, err := r.channelOverrides(ctx, channelID)
		if err != nil {
			return permissions.Result{}, err
		}
		in.ChannelOverrides = overrides
	}

	return permissions.Calculate(in)
}

func (r *Resolver) roleSnapshot(ctx context.Context, guildID string) ([]permissions.RoleSnapshot, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, system_key, permissions_allow FROM guild_roles WHERE guild_id = $1`, guildID)
	if err != nil {
		return nil, fmt.Errorf("loading role snapshot: %w", err)
	}
	defer rows.Close()

	var out []permissions.RoleSnapshot
	for rows.Next() {
		var rs permissions.RoleSnapshot
		var systemKey string
		if err := rows.Scan(&rs.ID, &rs.Name, &systemKey, &rs.PermissionsAllow); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		rs.SystemKey = models.RoleSystemKey(systemKey)
		rs.PermissionsAllow, _ = permissions.MaskUnknownBits(rs.PermissionsAllow)
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (r *Resolver) assignedRoleIDs(ctx context.Context, guildID, viewerID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_id FROM guild_role_members WHERE guild_id = $1 AND user_id = $2`, guildID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("loading assigned roles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning assigned role: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Resolver) channelOverrides(ctx context.Context, channelID string) ([]permissions.ChannelOverride, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT target_kind, target_id, allow_mask, deny_mask FROM channel_permission_overrides WHERE channel_id = $1`, channelID)
	if err != nil {
		return nil, fmt.Errorf("loading channel overrides: %w", err)
	}
	defer rows.Close()

	var out []permissions.ChannelOverride
	for rows.Next() {
		var ov permissions.ChannelOverride
		if err := rows.Scan(&ov.TargetKind, &ov.TargetID, &ov.AllowMask, &ov.DenyMask); err != nil {
			return nil, fmt.Errorf("scanning channel override: %w", err)
		}
		out = append(out, ov)
	}
	return out, rows.Err()
}

// Service implements the authenticated profile endpoints.
type Service struct {
	pool     *pgxpool.Pool
	resolver *Resolver
}

// New creates a users Service backed by pool, reusing resolver for the
// permissions/self endpoint.
func New(pool *pgxpool.Pool, resolver *Resolver) *Service {
	return &Service{pool: pool, resolver: resolver}
}

type profileResponse struct {
	UserID              string   `json:"user_id"`
	Username            string   `json:"username"`
	AboutMarkdown       string   `json:"about_markdown"`
	AboutMarkdownTokens []string `json:"about_markdown_tokens"`
	AvatarVersion       int      `json:"avatar_version"`
}

// Me loads the caller's own profile.
func (s *Service) Me(ctx context.Context, userID string) (*profileResponse, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, about_markdown, avatar_version FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Username, &u.AboutMarkdown, &u.AvatarVersion)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	return &profileResponse{
		UserID:              u.ID,
		Username:            u.Username,
		AboutMarkdown:       u.AboutMarkdown,
		AboutMarkdownTokens: markdown.Tokenize(u.AboutMarkdown),
		AvatarVersion:       u.AvatarVersion,
	}, nil
}

// validateAbout trims and bounds about text, independent of storage.
func validateAbout(about string) (string, error) {
	about = strings.TrimSpace(about)
	if len(about) > maxAboutBytes {
		return "", apperr.New(apperr.InvalidRequest, "about text must be at most 1000 bytes")
	}
	return about, nil
}

// UpdateAbout sets the caller's about_markdown text.
func (s *Service) UpdateAbout(ctx context.Context, userID, about string) (*profileResponse, error) {
	about, err := validateAbout(about)
	if err != nil {
		return nil, err
	}

	if _, err := s.pool.Exec(ctx, `UPDATE users SET about_markdown = $1 WHERE id = $2`, about, userID); err != nil {
		return nil, fmt.Errorf("updating about text: %w", err)
	}

	return s.Me(ctx, userID)
}

// SelfPermissions resolves the caller's capability set for a guild,
// optionally scoped to one channel.
func (s *Service) SelfPermissions(ctx context.Context, viewerID, guildID, channelID string) (permissions.Result, error) {
	if s.resolver == nil {
		return permissions.Result{}, apperr.New(apperr.Internal, "permission resolver not configured")
	}
	res, err := s.resolver.Resolve(ctx, viewerID, guildID, channelID)
	if err != nil {
		if err == permissions.ErrForbidden {
			return permissions.Result{}, apperr.New(apperr.Forbidden, "not a member")
		}
		return permissions.Result{}, fmt.Errorf("resolving self permissions: %w", err)
	}
	return res, nil
}

// HTTP handlers.

func (s *Service) HandleMe(w http.ResponseWriter, r *http.Request, userID string) {
	profile, err := s.Me(r.Context(), userID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, profile)
}

type updateAboutRequest struct {
	AboutMarkdown string `json:"about_markdown"`
}

func (s *Service) HandleUpdateAbout(w http.ResponseWriter, r *http.Request, userID string) {
	var req updateAboutRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	profile, err := s.UpdateAbout(r.Context(), userID, req.AboutMarkdown)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, profile)
}

type selfPermissionsResponse struct {
	LegacyRole   string   `json:"legacy_role"`
	Capabilities uint64   `json:"capabilities"`
	Names        []string `json:"names"`
}

func (s *Service) HandleSelfPermissions(w http.ResponseWriter, r *http.Request, viewerID, guildID string) {
	channelID := r.URL.Query().Get("channel_id")
	res, err := s.SelfPermissions(r.Context(), viewerID, guildID, channelID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, selfPermissionsResponse{
		LegacyRole:   string(res.LegacyRole),
		Capabilities: res.Capabilities,
		Names:        permissions.Names(res.Capabilities),
	})
}
