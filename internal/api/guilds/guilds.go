// Package guilds implements guild and channel administration: guild and
// channel creation, the directory JoinPolicy, role CRUD and assignment,
// channel permission overrides, member bans, guild-IP ban administration,
// and audit log listing.
package guilds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filament/server/internal/api/apiutil"
	"github.com/filament/server/internal/apperr"
	"github.com/filament/server/internal/events"
	"github.com/filament/server/internal/models"
	"github.com/filament/server/internal/permissions"
	"github.com/filament/server/internal/presence"
)

const (
	maxRolesPerGuild     = 250
	maxRolesPerMember    = 50
	maxRoleNameLen       = 64
	everyoneRoleName     = "@everyone"
	workspaceOwnerName   = "workspace_owner"
	defaultJoinRateLimit = 5
	joinRateWindow       = time.Minute
	guildIPBanMaxEntries = 20
	defaultAuditLimit    = 50
)

// RateLimiter is satisfied directly by *presence.Cache.
type RateLimiter interface {
	CheckRateLimitInfo(ctx context.Context, key string, limit int, window time.Duration) (presence.RateLimitResult, error)
}

// PermissionResolver resolves a viewer's effective capability set for a
// guild. Satisfied by *users.Resolver; named locally so this package
// doesn't depend on the users package for a single-method shape.
type PermissionResolver interface {
	Resolve(ctx context.Context, viewerID, guildID, channelID string) (permissions.Result, error)
}

// Config bundles the dependencies a Service needs.
type Config struct {
	Pool              *pgxpool.Pool
	Bus               *events.Bus
	Limiter           RateLimiter
	Permissions       PermissionResolver
	TrustedProxyCIDRs []string
}

// Service implements guild and channel administration.
type Service struct {
	pool              *pgxpool.Pool
	bus               *events.Bus
	limiter           RateLimiter
	perms             PermissionResolver
	trustedProxyCIDRs []string
}

// New creates a guilds Service.
func New(cfg Config) *Service {
	return &Service{pool: cfg.Pool, bus: cfg.Bus, limiter: cfg.Limiter, perms: cfg.Permissions, trustedProxyCIDRs: cfg.TrustedProxyCIDRs}
}

func (s *Service) audit(ctx context.Context, guildID *string, actorID, action string, targetID *string, details map[string]string) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, guild_id, actor_id, target_id, action, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		models.NewULID().String(), guildID, actorID, targetID, action, raw, time.Now(),
	); err != nil {
		// Audit failures never block the mutation that produced them; the
		// mutation has already committed by the time this is called.
		_ = err
	}
}

// LogAudit records a structured audit event under guildID, satisfying
// voice.AuditLogger so voice token issuance and room actions land in the
// same audit_logs table as every other guild action.
func (s *Service) LogAudit(ctx context.Context, guildID, actorID, action string, fields map[string]interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		raw = []byte("{}")
	}
	gid := guildID
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, guild_id, actor_id, target_id, action, details, created_at)
		 VALUES ($1, $2, $3, NULL, $4, $5, $6)`,
		models.NewULID().String(), gid, actorID, action, raw, time.Now(),
	); err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

func (s *Service) broadcastGuild(ctx context.Context, subject, guildID, eventType string, data interface{}) {
	if s.bus == nil {
		return
	}
	_ = s.bus.PublishGuildEvent(ctx, subject, eventType, guildID, data)
}

// Guild and channel creation.

// CreateGuild creates a new workspace with an @everyone role and a
// workspace_owner role assigned to the creator.
func (s *Service) CreateGuild(ctx context.Context, creatorID, name string, visibility string) (*models.Guild, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, apperr.New(apperr.InvalidRequest, "guild name must be 1-100 characters")
	}
	if visibility != models.GuildVisibilityPublic && visibility != models.GuildVisibilityPrivate {
		visibility = models.GuildVisibilityPrivate
	}

	guild := &models.Guild{
		ID:         models.NewULID().String(),
		Name:       name,
		Visibility: visibility,
		CreatedBy:  creatorID,
		CreatedAt:  time.Now(),
	}

	err := apiutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO guilds (id, name, visibility, created_by, created_at) VALUES ($1, $2, $3, $4, $5)`,
			guild.ID, guild.Name, guild.Visibility, guild.CreatedBy, guild.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting guild: %w", err)
		}

		everyoneID := models.NewULID().String()
		if _, err := tx.Exec(ctx,
			`INSERT INTO guild_roles (id, guild_id, name, position, is_system, system_key, permissions_allow, created_at)
			 VALUES ($1, $2, $3, 0, true, $4, $5, $6)`,
			everyoneID, guild.ID, everyoneRoleName, models.RoleSystemKeyEveryone,
			permissions.CreateMessage|permissions.SubscribeStreams, time.Now(),
		); err != nil {
			return fmt.Errorf("inserting everyone role: %w", err)
		}

		ownerRoleID := models.NewULID().String()
		if _, err := tx.Exec(ctx,
			`INSERT INTO guild_roles (id, guild_id, name, position, is_system, system_key, permissions_allow, created_at)
			 VALUES ($1, $2, $3, 1, true, $4, $5, $6)`,
			ownerRoleID, guild.ID, workspaceOwnerName, models.RoleSystemKeyWorkspaceOwner, permissions.All, time.Now(),
		); err != nil {
			return fmt.Errorf("inserting workspace_owner role: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO guild_members (guild_id, user_id, legacy_role, joined_at) VALUES ($1, $2, $3, $4)`,
			guild.ID, creatorID, models.LegacyRoleOwner, time.Now(),
		); err != nil {
			return fmt.Errorf("inserting creator membership: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO guild_role_members (guild_id, role_id, user_id) VALUES ($1, $2, $3)`,
			guild.ID, ownerRoleID, creatorID,
		); err != nil {
			return fmt.Errorf("assigning workspace_owner to creator: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating guild: %w", err)
	}

	return guild, nil
}

// CreateChannel creates a text or voice channel within a guild.
func (s *Service) CreateChannel(ctx context.Context, actorID, guildID, name, kind string) (*models.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, apperr.New(apperr.InvalidRequest, "channel name must be 1-100 characters")
	}
	if kind != models.ChannelKindText && kind != models.ChannelKindVoice {
		return nil, apperr.New(apperr.InvalidRequest, "channel kind must be text or voice")
	}

	ch := &models.Channel{
		ID:        models.NewULID().String(),
		GuildID:   guildID,
		Name:      name,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO channels (id, guild_id, name, kind, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ch.ID, ch.GuildID, ch.Name, ch.Kind, ch.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("inserting channel: %w", err)
	}

	s.broadcastGuild(ctx, events.SubjectChannelCreate, guildID, "channel_create", ch)
	s.audit(ctx, &guildID, actorID, "channel.create", &ch.ID, map[string]string{"name": name, "kind": kind})

	return ch, nil
}

// Role administration (§4.2).

// canManageRole reports whether an actor whose highest assigned role sits
// at highestPosition may manage (create-at/update/delete/reorder) a role at
// targetPosition. Workspace owners bypass this check entirely.
func canManageRole(isOwner bool, highestPosition, targetPosition int) bool {
	return isOwner || targetPosition < highestPosition
}

func normalizeColor(color *string) (*string, error) {
	if color == nil {
		return nil, nil
	}
	c := strings.ToUpper(strings.TrimSpace(*color))
	if len(c) != 7 || c[0] != '#' {
		return nil, apperr.New(apperr.InvalidRequest, "color_hex must be in #RRGGBB form")
	}
	for _, r := range c[1:] {
		if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')) {
			return nil, apperr.New(apperr.InvalidRequest, "color_hex must be hexadecimal")
		}
	}
	return &c, nil
}

func (s *Service) highestRolePosition(ctx context.Context, guildID, userID string) (int, error) {
	var pos int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(gr.position), 0) FROM guild_role_members grm
		 JOIN guild_roles gr ON gr.id = grm.role_id
		 WHERE grm.guild_id = $1 AND grm.user_id = $2`,
		guildID, userID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("resolving highest role position: %w", err)
	}
	return pos, nil
}

// CreateRole creates a new role, defaulting position to (highest-1).max(1).
func (s *Service) CreateRole(ctx context.Context, actorID, guildID, name string, colorHex *string, isOwner bool) (*models.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxRoleNameLen {
		return nil, apperr.New(apperr.InvalidRequest, "role name must be 1-64 characters")
	}
	lower := strings.ToLower(name)
	if lower == everyoneRoleName || lower == workspaceOwnerName {
		return nil, apperr.New(apperr.InvalidRequest, "role name is reserved")
	}

	color, err := normalizeColor(colorHex)
	if err != nil {
		return nil, err
	}

	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM guild_roles WHERE guild_id = $1`, guildID).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting roles: %w", err)
	}
	if count >= maxRolesPerGuild {
		return nil, apperr.New(apperr.InvalidRequest, "guild has reached the role limit")
	}

	var highest int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM guild_roles WHERE guild_id = $1`, guildID).Scan(&highest); err != nil {
		return nil, fmt.Errorf("resolving highest position: %w", err)
	}
	position := highest - 1
	if position < 1 {
		position = 1
	}

	if !isOwner {
		actorHighest, err := s.highestRolePosition(ctx, guildID, actorID)
		if err != nil {
			return nil, err
		}
		if !canManageRole(isOwner, actorHighest, position) {
			return nil, apperr.New(apperr.Forbidden, "cannot create a role at or above your highest role")
		}
	}

	role := &models.Role{
		ID:               models.NewULID().String(),
		GuildID:          guildID,
		Name:             name,
		Position:         position,
		PermissionsAllow: 0,
		ColorHex:         color,
		CreatedAt:        time.Now(),
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO guild_roles (id, guild_id, name, position, is_system, system_key, permissions_allow, color_hex, created_at)
		 VALUES ($1, $2, $3, $4, false, '', 0, $5, $6)`,
		role.ID, role.GuildID, role.Name, role.Position, role.ColorHex, role.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("inserting role: %w", err)
	}

	s.broadcastGuild(ctx, events.SubjectGuildRoleCreate, guildID, "role_create", role)
	s.audit(ctx, &guildID, actorID, "role.create", &role.ID, map[string]string{"name": name})

	return role, nil
}

// UpdateRole updates a non-system role's mutable fields. Omitted pointer
// fields are preserved; an explicit nil colorHex clears the color only when
// clearColor is true.
func (s *Service) UpdateRole(ctx context.Context, actorID, guildID, roleID string, name *string, colorHex *string, clearColor bool, permsAllow *uint64, isOwner bool) (*models.Role, error) {
	role, err := s.loadRole(ctx, guildID, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, apperr.New(apperr.InvalidRequest, "cannot modify a system role")
	}
	if !isOwner {
		actorHighest, err := s.highestRolePosition(ctx, guildID, actorID)
		if err != nil {
			return nil, err
		}
		if !canManageRole(isOwner, actorHighest, role.Position) {
			return nil, apperr.New(apperr.Forbidden, "cannot manage a role at or above your highest role")
		}
	}

	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" || len(trimmed) > maxRoleNameLen {
			return nil, apperr.New(apperr.InvalidRequest, "role name must be 1-64 characters")
		}
		role.Name = trimmed
	}
	if clearColor {
		role.ColorHex = nil
	} else if colorHex != nil {
		color, err := normalizeColor(colorHex)
		if err != nil {
			return nil, err
		}
		role.ColorHex = color
	}
	if permsAllow != nil {
		masked, _ := permissions.MaskUnknownBits(*permsAllow)
		role.PermissionsAllow = masked
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE guild_roles SET name = $1, color_hex = $2, permissions_allow = $3 WHERE id = $4`,
		role.Name, role.ColorHex, role.PermissionsAllow, role.ID,
	); err != nil {
		return nil, fmt.Errorf("updating role: %w", err)
	}

	s.broadcastGuild(ctx, events.SubjectGuildRoleUpdate, guildID, "role_update", role)
	s.audit(ctx, &guildID, actorID, "role.update", &role.ID, nil)

	return role, nil
}

// DeleteRole removes a non-system role, cascading assignments and channel
// overrides, and hints the Gateway to reevaluate cached permissions.
func (s *Service) DeleteRole(ctx context.Context, actorID, guildID, roleID string, isOwner bool) error {
	role, err := s.loadRole(ctx, guildID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return apperr.New(apperr.InvalidRequest, "cannot delete a system role")
	}
	if !isOwner {
		actorHighest, err := s.highestRolePosition(ctx, guildID, actorID)
		if err != nil {
			return err
		}
		if !canManageRole(isOwner, actorHighest, role.Position) {
			return apperr.New(apperr.Forbidden, "cannot manage a role at or above your highest role")
		}
	}

	err = apiutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM guild_role_members WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("deleting role assignments: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM channel_permission_overrides WHERE target_kind = $1 AND target_id = $2`,
			models.OverrideTargetRole, roleID); err != nil {
			return fmt.Errorf("deleting role overrides: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM guild_roles WHERE id = $1`, roleID); err != nil {
			return fmt.Errorf("deleting role: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting role %s: %w", roleID, err)
	}

	s.broadcastGuild(ctx, events.SubjectGuildRoleDelete, guildID, "role_delete", map[string]string{"id": roleID})
	s.audit(ctx, &guildID, actorID, "role.delete", &roleID, nil)

	return nil
}

func (s *Service) loadRole(ctx context.Context, guildID, roleID string) (*models.Role, error) {
	var r models.Role
	err := s.pool.QueryRow(ctx,
		`SELECT id, guild_id, name, position, is_system, system_key, permissions_allow, color_hex, created_at
		 FROM guild_roles WHERE id = $1 AND guild_id = $2`, roleID, guildID,
	).Scan(&r.ID, &r.GuildID, &r.Name, &r.Position, &r.IsSystem, &r.SystemKey, &r.PermissionsAllow, &r.ColorHex, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "role not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading role: %w", err)
	}
	return &r, nil
}

// ListRoles returns guildID's roles ordered by position, highest first.
func (s *Service) ListRoles(ctx context.Context, guildID string) ([]models.Role, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, guild_id, name, position, is_system, system_key, permissions_allow, color_hex, created_at
		 FROM guild_roles WHERE guild_id = $1 ORDER BY position DESC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.GuildID, &r.Name, &r.Position, &r.IsSystem, &r.SystemKey, &r.PermissionsAllow, &r.ColorHex, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Service) legacyRoleForAssignment(ctx context.Context, guildID string, roleIDs []string) (string, error) {
	rows, err := s.pool.Query(ctx, `SELECT system_key, name FROM guild_roles WHERE id = ANY($1) AND guild_id = $2`, roleIDs, guildID)
	if err != nil {
		return "", fmt.Errorf("resolving legacy role: %w", err)
	}
	defer rows.Close()

	legacy := models.LegacyRoleMember
	for rows.Next() {
		var key, name string
		if err := rows.Scan(&key, &name); err != nil {
			return "", fmt.Errorf("scanning role: %w", err)
		}
		if key == string(models.RoleSystemKeyWorkspaceOwner) {
			return models.LegacyRoleOwner, nil
		}
		if strings.ToLower(name) == "moderator" && legacy != models.LegacyRoleOwner {
			legacy = models.LegacyRoleModerator
		}
	}
	return legacy, rows.Err()
}

// AssignRole assigns roleID to targetUserID. Assigning workspace_owner
// requires the actor to be the server/guild owner; everyone is implicit and
// cannot be assigned.
func (s *Service) AssignRole(ctx context.Context, actorID, guildID, targetUserID, roleID string, isOwner bool) error {
	role, err := s.loadRole(ctx, guildID, roleID)
	if err != nil {
		return err
	}
	if role.SystemKey == models.RoleSystemKeyEveryone {
		return apperr.New(apperr.InvalidRequest, "everyone is assigned implicitly")
	}
	if role.SystemKey == models.RoleSystemKeyWorkspaceOwner && !isOwner {
		return apperr.New(apperr.Forbidden, "only the owner may assign workspace_owner")
	}

	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM guild_role_members WHERE guild_id = $1 AND user_id = $2`,
		guildID, targetUserID).Scan(&count); err != nil {
		return fmt.Errorf("counting target roles: %w", err)
	}
	if count >= maxRolesPerMember {
		return apperr.New(apperr.InvalidRequest, "member has reached the role limit")
	}

	err = apiutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO guild_role_members (guild_id, role_id, user_id) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, guildID, roleID, targetUserID); err != nil {
			return fmt.Errorf("assigning role: %w", err)
		}

		var roleIDs []string
		rows, err := tx.Query(ctx, `SELECT role_id FROM guild_role_members WHERE guild_id = $1 AND user_id = $2`, guildID, targetUserID)
		if err != nil {
			return fmt.Errorf("reading assigned roles: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning assigned role: %w", err)
			}
			roleIDs = append(roleIDs, id)
		}
		rows.Close()

		legacy, err := s.legacyRoleForAssignment(ctx, guildID, roleIDs)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE guild_members SET legacy_role = $1 WHERE guild_id = $2 AND user_id = $3`,
			legacy, guildID, targetUserID); err != nil {
			return fmt.Errorf("syncing legacy role: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("assigning role %s to %s: %w", roleID, targetUserID, err)
	}

	s.broadcastGuild(ctx, events.SubjectGuildRoleAssign, guildID, "role_assign",
		map[string]string{"role_id": roleID, "user_id": targetUserID})
	s.audit(ctx, &guildID, actorID, "role.assign", &targetUserID, map[string]string{"role_id": roleID})

	return nil
}

// UnassignRole removes roleID from targetUserID, refusing to drop the last
// workspace_owner assignment in the guild.
func (s *Service) UnassignRole(ctx context.Context, actorID, guildID, targetUserID, roleID string) error {
	role, err := s.loadRole(ctx, guildID, roleID)
	if err != nil {
		return err
	}

	if role.SystemKey == models.RoleSystemKeyWorkspaceOwner {
		var owners int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM guild_role_members WHERE guild_id = $1 AND role_id = $2`,
			guildID, roleID).Scan(&owners); err != nil {
			return fmt.Errorf("counting workspace owners: %w", err)
		}
		if owners <= 1 {
			return apperr.New(apperr.InvalidRequest, "cannot remove the last workspace owner")
		}
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM guild_role_members WHERE guild_id = $1 AND role_id = $2 AND user_id = $3`,
		guildID, roleID, targetUserID); err != nil {
		return fmt.Errorf("unassigning role: %w", err)
	}

	s.broadcastGuild(ctx, events.SubjectGuildRoleUnassign, guildID, "role_unassign",
		map[string]string{"role_id": roleID, "user_id": targetUserID})
	s.audit(ctx, &guildID, actorID, "role.unassign", &targetUserID, map[string]string{"role_id": roleID})

	return nil
}

// ReorderRoles assigns position = len(roleIDs) - i for each role in order,
// refusing duplicates and system roles. Non-owner actors may only reorder
// roles strictly below their highest assigned position.
func (s *Service) ReorderRoles(ctx context.Context, actorID, guildID string, roleIDs []string, isOwner bool) error {
	seen := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		if seen[id] {
			return apperr.New(apperr.InvalidRequest, "duplicate role id in reorder list")
		}
		seen[id] = true
	}

	var actorHighest int
	if !isOwner {
		var err error
		actorHighest, err = s.highestRolePosition(ctx, guildID, actorID)
		if err != nil {
			return err
		}
	}

	err := apiutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for i, roleID := range roleIDs {
			var isSystem bool
			var currentPos int
			if err := tx.QueryRow(ctx, `SELECT is_system, position FROM guild_roles WHERE id = $1 AND guild_id = $2`,
				roleID, guildID).Scan(&isSystem, &currentPos); err != nil {
				if err == pgx.ErrNoRows {
					return apperr.New(apperr.NotFound, "role not found")
				}
				return fmt.Errorf("loading role for reorder: %w", err)
			}
			if isSystem {
				return apperr.New(apperr.InvalidRequest, "cannot reorder a system role")
			}
			newPos := len(roleIDs) - i
			if !canManageRole(isOwner, actorHighest, currentPos) {
				return apperr.New(apperr.Forbidden, "cannot reorder a role at or above your highest role")
			}
			if _, err := tx.Exec(ctx, `UPDATE guild_roles SET position = $1 WHERE id = $2`, newPos, roleID); err != nil {
				return fmt.Errorf("updating role position: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reordering roles: %w", err)
	}

	s.broadcastGuild(ctx, events.SubjectGuildRoleUpdate, guildID, "role_reorder", map[string][]string{"role_ids": roleIDs})
	s.audit(ctx, &guildID, actorID, "role.reorder", nil, nil)

	return nil
}

// WriteChannelOverride upserts a channel permission override for a role or
// member target.
func (s *Service) WriteChannelOverride(ctx context.Context, actorID, guildID, channelID, targetKind, targetID string, allow, deny uint64) error {
	if allow&deny != 0 {
		return apperr.New(apperr.InvalidRequest, "allow and deny masks must not overlap")
	}
	if targetKind != models.OverrideTargetRole && targetKind != models.OverrideTargetMember {
		return apperr.New(apperr.InvalidRequest, "target_kind must be role or member")
	}
	if targetKind == models.OverrideTargetMember && strings.TrimSpace(targetID) == "" {
		return apperr.New(apperr.InvalidRequest, "member override requires a valid user id")
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO channel_permission_overrides (guild_id, channel_id, target_kind, target_id, allow_mask, deny_mask)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (channel_id, target_kind, target_id) DO UPDATE SET allow_mask = $5, deny_mask = $6`,
		guildID, channelID, targetKind, targetID, allow, deny,
	); err != nil {
		return fmt.Errorf("writing channel override: %w", err)
	}

	s.broadcastGuild(ctx, events.SubjectGuildChannelOverride, guildID, "channel_override_update",
		map[string]string{"channel_id": channelID, "target_kind": targetKind, "target_id": targetID})
	s.audit(ctx, &guildID, actorID, "channel.override.write", &channelID, map[string]string{"target_kind": targetKind, "target_id": targetID})

	return nil
}

// JoinPolicy (§4.3).

// JoinOutcome is the classification result of a directory join attempt.
type JoinOutcome string

const (
	JoinAccepted           JoinOutcome = "accepted"
	JoinAlreadyMember      JoinOutcome = "already_member"
	JoinRejectedVisibility JoinOutcome = "rejected_visibility"
	JoinRejectedUserBan    JoinOutcome = "rejected_user_ban"
	JoinRejectedIPBan      JoinOutcome = "rejected_ip_ban"
)

// Join classifies and, on acceptance, executes a directory join attempt.
// IP observation and the per-IP/per-user join rate limit are applied
// unconditionally, before classification.
func (s *Service) Join(ctx context.Context, viewerID, guildID, clientIP string) (JoinOutcome, error) {
	if s.limiter != nil {
		ipRes, err := s.limiter.CheckRateLimitInfo(ctx, "join_ip:"+clientIP, defaultJoinRateLimit, joinRateWindow)
		if err != nil {
			return "", fmt.Errorf("checking per-ip join rate limit: %w", err)
		}
		if !ipRes.Allowed {
			return "", apperr.New(apperr.RateLimited, "too many joins from this network")
		}
		userRes, err := s.limiter.CheckRateLimitInfo(ctx, "join_user:"+viewerID, defaultJoinRateLimit, joinRateWindow)
		if err != nil {
			return "", fmt.Errorf("checking per-user join rate limit: %w", err)
		}
		if !userRes.Allowed {
			return "", apperr.New(apperr.RateLimited, "too many join attempts")
		}
	}

	cidr := canonicalCIDR(clientIP)
	if cidr != "" {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO user_ip_observations (user_id, ip_cidr, last_seen) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, ip_cidr) DO UPDATE SET last_seen = $3`,
			viewerID, cidr, time.Now(),
		); err != nil {
			return "", fmt.Errorf("recording ip observation: %w", err)
		}
	}

	var visibility string
	var defaultJoinRoleID *string
	err := s.pool.QueryRow(ctx, `SELECT visibility, default_join_role_id FROM guilds WHERE id = $1`, guildID).Scan(&visibility, &defaultJoinRoleID)
	if err == pgx.ErrNoRows {
		return "", apperr.New(apperr.NotFound, "guild not found")
	}
	if err != nil {
		return "", fmt.Errorf("loading guild: %w", err)
	}

	outcome := JoinAccepted
	switch {
	case visibility != models.GuildVisibilityPublic:
		outcome = JoinRejectedVisibility
	default:
		var banned bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM guild_bans WHERE guild_id = $1 AND user_id = $2)`,
			guildID, viewerID).Scan(&banned); err != nil {
			return "", fmt.Errorf("checking user ban: %w", err)
		}
		switch {
		case banned:
			outcome = JoinRejectedUserBan
		default:
			ipBanned, err := s.ipIsBanned(ctx, guildID, clientIP)
			if err != nil {
				return "", err
			}
			switch {
			case ipBanned:
				outcome = JoinRejectedIPBan
			default:
				var isMember bool
				if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM guild_members WHERE guild_id = $1 AND user_id = $2)`,
					guildID, viewerID).Scan(&isMember); err != nil {
					return "", fmt.Errorf("checking membership: %w", err)
				}
				if isMember {
					outcome = JoinAlreadyMember
				}
			}
		}
	}

	if outcome == JoinAccepted {
		err := apiutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`INSERT INTO guild_members (guild_id, user_id, legacy_role, joined_at) VALUES ($1, $2, $3, $4)`,
				guildID, viewerID, models.LegacyRoleMember, time.Now(),
			); err != nil {
				return fmt.Errorf("inserting membership: %w", err)
			}
			if defaultJoinRoleID != nil {
				var systemKey string
				if err := tx.QueryRow(ctx, `SELECT system_key FROM guild_roles WHERE id = $1`, *defaultJoinRoleID).Scan(&systemKey); err != nil {
					return fmt.Errorf("loading default join role: %w", err)
				}
				if systemKey != string(models.RoleSystemKeyWorkspaceOwner) && systemKey != string(models.RoleSystemKeyEveryone) {
					if _, err := tx.Exec(ctx,
						`INSERT INTO guild_role_members (guild_id, role_id, user_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
						guildID, *defaultJoinRoleID, viewerID); err != nil {
						return fmt.Errorf("assigning default join role: %w", err)
					}
				}
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("joining guild: %w", err)
		}
		s.broadcastGuild(ctx, events.SubjectGuildMemberAdd, guildID, "member_add", map[string]string{"user_id": viewerID})
	}

	s.audit(ctx, &guildID, viewerID, "join."+string(outcome), nil, map[string]string{"outcome": string(outcome), "client_ip_source": ipSourceCategory(clientIP)})

	return outcome, nil
}

func (s *Service) ipIsBanned(ctx context.Context, guildID, clientIP string) (bool, error) {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT ip_cidr FROM guild_ip_bans WHERE guild_id = $1 AND (expires_at IS NULL OR expires_at > now()) LIMIT $2`,
		guildID, guildIPBanMaxEntries)
	if err != nil {
		return false, fmt.Errorf("loading ip bans: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cidr string
		if err := rows.Scan(&cidr); err != nil {
			return false, fmt.Errorf("scanning ip ban: %w", err)
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// IsUserIPBanned reports whether any network the user was recently observed
// joining from falls within one of guildID's active IP bans. The gateway
// uses this to re-check a long-lived connection against bans added after it
// was established, since a socket carries no per-message client IP.
func (s *Service) IsUserIPBanned(ctx context.Context, guildID, userID string) (bool, error) {
	obsRows, err := s.pool.Query(ctx,
		`SELECT ip_cidr FROM user_ip_observations WHERE user_id = $1 ORDER BY last_seen DESC LIMIT $2`,
		userID, guildIPBanMaxEntries)
	if err != nil {
		return false, fmt.Errorf("loading ip observations: %w", err)
	}
	var observed []net.IP
	for obsRows.Next() {
		var cidr string
		if err := obsRows.Scan(&cidr); err != nil {
			obsRows.Close()
			return false, fmt.Errorf("scanning ip observation: %w", err)
		}
		ip, _, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		observed = append(observed, ip)
	}
	obsRows.Close()
	if err := obsRows.Err(); err != nil {
		return false, fmt.Errorf("reading ip observations: %w", err)
	}
	if len(observed) == 0 {
		return false, nil
	}

	banRows, err := s.pool.Query(ctx,
		`SELECT ip_cidr FROM guild_ip_bans WHERE guild_id = $1 AND (expires_at IS NULL OR expires_at > now()) LIMIT $2`,
		guildID, guildIPBanMaxEntries)
	if err != nil {
		return false, fmt.Errorf("loading ip bans: %w", err)
	}
	defer banRows.Close()
	for banRows.Next() {
		var cidr string
		if err := banRows.Scan(&cidr); err != nil {
			return false, fmt.Errorf("scanning ip ban: %w", err)
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		for _, ip := range observed {
			if network.Contains(ip) {
				return true, nil
			}
		}
	}
	return false, banRows.Err()
}

func canonicalCIDR(clientIP string) string {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String() + "/32"
	}
	return ip.String() + "/128"
}

func ipSourceCategory(clientIP string) string {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return "unknown"
	}
	if ip.To4() != nil {
		return "ipv4"
	}
	return "ipv6"
}

// Guild-IP ban administration (§4.7).

// UpsertIPBansByUser bans the networks the target user was recently seen
// from (newest first, at most guildIPBanMaxEntries of them). If the new bans
// would take the guild past guildIPBanMaxEntries in total, none are inserted
// and QuotaExceeded is returned.
func (s *Service) UpsertIPBansByUser(ctx context.Context, actorID, guildID, targetUserID string, reason *string, expiresAt *time.Time) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ip_cidr FROM user_ip_observations WHERE user_id = $1 ORDER BY last_seen DESC LIMIT $2`,
		targetUserID, guildIPBanMaxEntries)
	if err != nil {
		return 0, fmt.Errorf("loading observed networks: %w", err)
	}
	var networks []string
	for rows.Next() {
		var cidr string
		if err := rows.Scan(&cidr); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning observed network: %w", err)
		}
		networks = append(networks, cidr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading observed networks: %w", err)
	}
	if len(networks) == 0 {
		return 0, nil
	}

	var changed int
	var createdIDs []string
	err = apiutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var existingTotal int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM guild_ip_bans WHERE guild_id = $1`, guildID).Scan(&existingTotal); err != nil {
			return fmt.Errorf("counting existing bans: %w", err)
		}

		var fresh []string
		for _, cidr := range networks {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM guild_ip_bans WHERE guild_id = $1 AND ip_cidr = $2)`,
				guildID, cidr).Scan(&exists); err != nil {
				return fmt.Errorf("checking existing ban: %w", err)
			}
			if !exists {
				fresh = append(fresh, cidr)
			}
		}
		if existingTotal+len(fresh) > guildIPBanMaxEntries {
			return apperr.New(apperr.QuotaExceeded, "guild IP ban quota exceeded")
		}

		for _, cidr := range fresh {
			id := models.NewULID().String()
			if _, err := tx.Exec(ctx,
				`INSERT INTO guild_ip_bans (id, guild_id, ip_cidr, source_user_id, reason, created_by, created_at, expires_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				id, guildID, cidr, targetUserID, reason, actorID, time.Now(), expiresAt,
			); err != nil {
				return fmt.Errorf("inserting ip ban: %w", err)
			}
			createdIDs = append(createdIDs, id)
		}
		changed = len(fresh)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if changed > 0 {
		s.broadcastGuild(ctx, events.SubjectGuildIPBanAdd, guildID, "workspace_ip_ban_sync",
			map[string]interface{}{"action": "upsert", "changed_count": changed})
		s.audit(ctx, &guildID, actorID, "ip_ban.upsert", &targetUserID, map[string]string{"created_ids": strings.Join(createdIDs, ",")})
	}

	return changed, nil
}

// ListIPBans returns a page of a guild's IP bans ordered by (created_at
// DESC, id DESC), with a limit+1 look-ahead to determine hasMore.
func (s *Service) ListIPBans(ctx context.Context, guildID string, before string, limit int) ([]models.GuildIpBan, bool, error) {
	if limit <= 0 || limit > guildIPBanMaxEntries {
		limit = guildIPBanMaxEntries
	}

	var rows pgx.Rows
	var err error
	if before != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, guild_id, ip_cidr, source_user_id, reason, created_by, created_at, expires_at
			 FROM guild_ip_bans WHERE guild_id = $1 AND id < $2
			 ORDER BY created_at DESC, id DESC LIMIT $3`, guildID, before, limit+1)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, guild_id, ip_cidr, source_user_id, reason, created_by, created_at, expires_at
			 FROM guild_ip_bans WHERE guild_id = $1
			 ORDER BY created_at DESC, id DESC LIMIT $2`, guildID, limit+1)
	}
	if err != nil {
		return nil, false, fmt.Errorf("listing ip bans: %w", err)
	}
	defer rows.Close()

	var out []models.GuildIpBan
	for rows.Next() {
		var b models.GuildIpBan
		if err := rows.Scan(&b.ID, &b.GuildID, &b.IPCidr, &b.SourceUserID, &b.Reason, &b.CreatedBy, &b.CreatedAt, &b.ExpiresAt); err != nil {
			return nil, false, fmt.Errorf("scanning ip ban: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// RemoveIPBan deletes a single guild IP ban.
func (s *Service) RemoveIPBan(ctx context.Context, actorID, guildID, banID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM guild_ip_bans WHERE id = $1 AND guild_id = $2`, banID, guildID)
	if err != nil {
		return fmt.Errorf("removing ip ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "ip ban not found")
	}

	s.broadcastGuild(ctx, events.SubjectGuildIPBanRemove, guildID, "workspace_ip_ban_sync",
		map[string]interface{}{"action": "remove", "changed_count": 1})
	s.audit(ctx, &guildID, actorID, "ip_ban.remove", &banID, nil)

	return nil
}

// Audit log listing.

// parseAuditCursor decodes the "{created_at_unix}_{audit_id}" cursor format
// into its timestamp and id halves. ULIDs never contain an underscore, so
// splitting on the first one is unambiguous.
func parseAuditCursor(cursor string) (time.Time, string, error) {
	idx := strings.IndexByte(cursor, '_')
	if idx <= 0 || idx == len(cursor)-1 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	sec, err := strconv.ParseInt(cursor[:idx], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return time.Unix(sec, 0).UTC(), cursor[idx+1:], nil
}

// encodeAuditCursor builds the "{created_at_unix}_{audit_id}" cursor for
// paging past e.
func encodeAuditCursor(e models.AuditEvent) string {
	return fmt.Sprintf("%d_%s", e.CreatedAt.Unix(), e.ID)
}

// ListAuditLog returns a page of a guild's audit events newest-first,
// optionally filtered to actions with the given prefix and continuing from
// a previous page's cursor, with a limit+1 look-ahead to determine
// hasMore.
func (s *Service) ListAuditLog(ctx context.Context, guildID, actionPrefix, cursor string, limit int) ([]models.AuditEvent, bool, error) {
	if limit <= 0 || limit > defaultAuditLimit {
		limit = defaultAuditLimit
	}

	query := `SELECT id, guild_id, actor_id, target_id, action, details, created_at
	          FROM audit_logs WHERE guild_id = $1`
	args := []interface{}{guildID}

	if actionPrefix != "" {
		args = append(args, actionPrefix+"%")
		query += fmt.Sprintf(" AND action LIKE $%d", len(args))
	}
	if cursor != "" {
		cursorTime, cursorID, err := parseAuditCursor(cursor)
		if err != nil {
			return nil, false, apperr.New(apperr.InvalidRequest, "invalid audit cursor")
		}
		args = append(args, cursorTime, cursorID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var raw []byte
		if err := rows.Scan(&e.ID, &e.GuildID, &e.ActorID, &e.TargetID, &e.Action, &raw, &e.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scanning audit event: %w", err)
		}
		_ = json.Unmarshal(raw, &e.Details)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// HTTP handlers.

type createGuildRequest struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}

func (s *Service) HandleCreateGuild(w http.ResponseWriter, r *http.Request, creatorID string) {
	var req createGuildRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	guild, err := s.CreateGuild(r.Context(), creatorID, req.Name, req.Visibility)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusCreated, guild)
}

type createChannelRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func (s *Service) HandleCreateChannel(w http.ResponseWriter, r *http.Request, actorID, guildID string) {
	var req createChannelRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	ch, err := s.CreateChannel(r.Context(), actorID, guildID, req.Name, req.Kind)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusCreated, ch)
}

func (s *Service) HandleJoin(w http.ResponseWriter, r *http.Request, viewerID, guildID string) {
	clientIP := apiutil.ClientIP(r, s.trustedProxyCIDRs)
	outcome, err := s.Join(r.Context(), viewerID, guildID, clientIP)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	switch outcome {
	case JoinRejectedUserBan:
		apperr.WriteTo(w, apperr.New(apperr.DirectoryJoinUserBanned, "viewer is banned from the guild"))
		return
	case JoinRejectedIPBan:
		apperr.WriteTo(w, apperr.New(apperr.DirectoryJoinIPBanned, "viewer's network is banned from the guild"))
		return
	}
	status := http.StatusOK
	if outcome == JoinAccepted {
		status = http.StatusCreated
	}
	apiutil.WriteJSON(w, status, map[string]string{"outcome": string(outcome)})
}

// HandleListAuditLog requires view_audit_log before returning anything:
// guild membership alone is not sufficient to read the audit trail.
func (s *Service) HandleListAuditLog(w http.ResponseWriter, r *http.Request, viewerID, guildID string) {
	res, err := s.perms.Resolve(r.Context(), viewerID, guildID, "")
	if err != nil {
		if errors.Is(err, permissions.ErrForbidden) {
			apperr.WriteTo(w, apperr.New(apperr.AuditAccessDenied, "viewer is not a guild member"))
			return
		}
		apperr.WriteTo(w, apperr.Wrap(err))
		return
	}
	if !permissions.Has(res.Capabilities, permissions.ViewAuditLog) {
		apperr.WriteTo(w, apperr.New(apperr.AuditAccessDenied, "missing view_audit_log"))
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, hasMore, err := s.ListAuditLog(r.Context(), guildID, q.Get("action_prefix"), q.Get("cursor"), limit)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(entries) > 0 {
		nextCursor = encodeAuditCursor(entries[len(entries)-1])
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"has_more": hasMore,
		"cursor":   nextCursor,
	})
}

func (s *Service) HandleListRoles(w http.ResponseWriter, r *http.Request, guildID string) {
	roles, err := s.ListRoles(r.Context(), guildID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, roles)
}

// isGuildOwner reports whether userID holds the owner legacy role in
// guildID. Role mutation handlers use this to decide whether canManageRole
// should bypass the position check.
func (s *Service) isGuildOwner(ctx context.Context, guildID, userID string) (bool, error) {
	var legacyRole string
	err := s.pool.QueryRow(ctx, `SELECT legacy_role FROM guild_members WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID).Scan(&legacyRole)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking owner status: %w", err)
	}
	return legacyRole == models.LegacyRoleOwner, nil
}

type createRoleRequest struct {
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

func (s *Service) HandleCreateRole(w http.ResponseWriter, r *http.Request, actorID, guildID string) {
	var req createRoleRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	isOwner, err := s.isGuildOwner(r.Context(), guildID, actorID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	role, err := s.CreateRole(r.Context(), actorID, guildID, req.Name, req.Color, isOwner)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	Name             *string `json:"name"`
	Color            *string `json:"color"`
	ClearColor       bool    `json:"clear_color"`
	PermissionsAllow *uint64 `json:"permissions_allow"`
}

func (s *Service) HandleUpdateRole(w http.ResponseWriter, r *http.Request, actorID, guildID, roleID string) {
	var req updateRoleRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	isOwner, err := s.isGuildOwner(r.Context(), guildID, actorID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	role, err := s.UpdateRole(r.Context(), actorID, guildID, roleID, req.Name, req.Color, req.ClearColor, req.PermissionsAllow, isOwner)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, role)
}

func (s *Service) HandleDeleteRole(w http.ResponseWriter, r *http.Request, actorID, guildID, roleID string) {
	isOwner, err := s.isGuildOwner(r.Context(), guildID, actorID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	if err := s.DeleteRole(r.Context(), actorID, guildID, roleID, isOwner); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

type reorderRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

func (s *Service) HandleReorderRoles(w http.ResponseWriter, r *http.Request, actorID, guildID string) {
	var req reorderRolesRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	isOwner, err := s.isGuildOwner(r.Context(), guildID, actorID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	if err := s.ReorderRoles(r.Context(), actorID, guildID, req.RoleIDs, isOwner); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Service) HandleAssignRole(w http.ResponseWriter, r *http.Request, actorID, guildID, targetUserID, roleID string) {
	isOwner, err := s.isGuildOwner(r.Context(), guildID, actorID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	if err := s.AssignRole(r.Context(), actorID, guildID, targetUserID, roleID, isOwner); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Service) HandleUnassignRole(w http.ResponseWriter, r *http.Request, actorID, guildID, targetUserID, roleID string) {
	if err := s.UnassignRole(r.Context(), actorID, guildID, targetUserID, roleID); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

type writeOverrideRequest struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

func (s *Service) HandleWriteChannelOverride(w http.ResponseWriter, r *http.Request, actorID, guildID, channelID, targetKind, targetID string) {
	var req writeOverrideRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	allow, _ := permissions.MaskUnknownBits(permissions.NamesToMask(req.Allow))
	deny, _ := permissions.MaskUnknownBits(permissions.NamesToMask(req.Deny))
	if err := s.WriteChannelOverride(r.Context(), actorID, guildID, channelID, targetKind, targetID, allow, deny); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

type upsertIPBansRequest struct {
	Reason    *string    `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Service) HandleUpsertIPBansByUser(w http.ResponseWriter, r *http.Request, actorID, guildID, targetUserID string) {
	var req upsertIPBansRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	created, err := s.UpsertIPBansByUser(r.Context(), actorID, guildID, targetUserID, req.Reason, req.ExpiresAt)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (s *Service) HandleListIPBans(w http.ResponseWriter, r *http.Request, guildID string) {
	before := r.URL.Query().Get("before")
	limit := guildIPBanMaxEntries
	bans, hasMore, err := s.ListIPBans(r.Context(), guildID, before, limit)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ip_bans": bans, "has_more": hasMore})
}

func (s *Service) HandleRemoveIPBan(w http.ResponseWriter, r *http.Request, actorID, guildID, banID string) {
	if err := s.RemoveIPBan(r.Context(), actorID, guildID, banID); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}
