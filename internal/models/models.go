// Package models defines the persisted and in-memory entities of the
// filament server. Types here mirror table layout closely; query and
// mutation logic lives in the packages that own each entity.
package models

import (
	"time"
)

// User represents a user account. Corresponds to the users table.
type User struct {
	ID                string     `json:"id"`
	Username          string     `json:"username"`
	PasswordHash      string     `json:"-"`
	AboutMarkdown     string     `json:"about_markdown"`
	AvatarObjectKey   *string    `json:"-"`
	AvatarMime        *string    `json:"-"`
	AvatarSizeBytes   *int64     `json:"-"`
	AvatarSHA256      *string    `json:"-"`
	AvatarVersion     int        `json:"avatar_version"`
	FailedLoginCount  int        `json:"-"`
	LockedUntil       *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Session represents an active login session backed by a short-lived
// access token and a long-lived, rotating refresh token. Corresponds to
// the sessions table. The *Digest fields are SHA-256 digests; the raw
// tokens are never persisted.
type Session struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	AccessTokenDigest     []byte    `json:"-"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshTokenDigest    []byte    `json:"-"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	Revoked               bool      `json:"-"`
	CreatedAt             time.Time `json:"created_at"`
}

// GuildVisibility constants for guilds.visibility.
const (
	GuildVisibilityPrivate = "private"
	GuildVisibilityPublic  = "public"
)

// Guild represents a workspace. Corresponds to the guilds table.
type Guild struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Visibility         string    `json:"visibility"`
	CreatedBy          string    `json:"created_by"`
	DefaultJoinRoleID  *string   `json:"default_join_role_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ChannelKind constants for channels.kind.
const (
	ChannelKindText  = "text"
	ChannelKindVoice = "voice"
)

// Channel represents a text or voice channel within a guild. Corresponds
// to the channels table.
type Channel struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleSystemKey identifies a role that the permission resolver treats
// specially, rather than by name lookup.
type RoleSystemKey string

const (
	RoleSystemKeyNone           RoleSystemKey = ""
	RoleSystemKeyEveryone       RoleSystemKey = "everyone"
	RoleSystemKeyWorkspaceOwner RoleSystemKey = "workspace_owner"
)

// Role represents a permission bundle within a guild, rank-ordered by
// position. Corresponds to the guild_roles table.
type Role struct {
	ID               string        `json:"id"`
	GuildID          string        `json:"guild_id"`
	Name             string        `json:"name"`
	Position         int           `json:"position"`
	IsSystem         bool          `json:"is_system"`
	SystemKey        RoleSystemKey `json:"system_key,omitempty"`
	PermissionsAllow uint64        `json:"permissions_allow"`
	ColorHex         *string       `json:"color_hex,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// RoleAssignment associates a guild member with a role. Corresponds to the
// guild_role_members table.
type RoleAssignment struct {
	GuildID string `json:"guild_id"`
	RoleID  string `json:"role_id"`
	UserID  string `json:"user_id"`
}

// OverrideTargetKind constants for channel_permission_overrides.target_kind.
const (
	OverrideTargetRole   = "role"
	OverrideTargetMember = "member"
)

// ChannelPermissionOverride represents a per-channel permission override
// for a role or member. Corresponds to the channel_permission_overrides
// table.
type ChannelPermissionOverride struct {
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
	AllowMask  uint64 `json:"allow_mask"`
	DenyMask   uint64 `json:"deny_mask"`
}

// LegacyRole constants for guild_members.legacy_role.
const (
	LegacyRoleMember    = "member"
	LegacyRoleModerator = "moderator"
	LegacyRoleOwner     = "owner"
)

// LegacyMembership represents a user's pre-role-system membership record in
// a guild, retained for backward-compatible legacy-role derivation.
// Corresponds to the guild_members table.
type LegacyMembership struct {
	GuildID    string    `json:"guild_id"`
	UserID     string    `json:"user_id"`
	LegacyRole string    `json:"legacy_role"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Message represents a chat message. IDs are ULIDs and sort by creation
// time. Corresponds to the messages table.
type Message struct {
	ID              string       `json:"id"`
	GuildID         string       `json:"guild_id"`
	ChannelID       string       `json:"channel_id"`
	AuthorID        string       `json:"author_id"`
	Content         string       `json:"content,omitempty"`
	MarkdownTokens  []string     `json:"markdown_tokens,omitempty"`
	EditedAt        *time.Time   `json:"edited_at,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Reactions       []Reaction   `json:"reactions,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Reaction summarizes one emoji's reactor count on a message.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users,omitempty"`
}

// AttachmentStatus constants for the attachment lifecycle.
const (
	AttachmentStatusUploaded = "uploaded"
	AttachmentStatusBound    = "bound"
	AttachmentStatusDeleted  = "deleted"
)

// Attachment represents a file uploaded to object storage, optionally bound
// to a message. Corresponds to the attachments table.
type Attachment struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	OwnerID   string    `json:"owner_id"`
	Filename  string    `json:"filename"`
	Mime      string    `json:"mime"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	ObjectKey string    `json:"-"`
	MessageID *string   `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is an append-only administrative log entry. Corresponds to the
// audit_logs table.
type AuditEvent struct {
	ID        string            `json:"id"`
	GuildID   *string           `json:"guild_id,omitempty"`
	ActorID   string            `json:"actor_id"`
	TargetID  *string           `json:"target_id,omitempty"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// IpObservation records the most recent time a user was seen from a given
// CIDR. Corresponds to the user_ip_observations table.
type IpObservation struct {
	UserID   string    `json:"user_id"`
	IPCidr   string    `json:"ip_cidr"`
	LastSeen time.Time `json:"last_seen"`
}

// GuildIpBan represents a banned network for a guild. Corresponds to the
// guild_ip_bans table.
type GuildIpBan struct {
	ID             string     `json:"id"`
	GuildID        string     `json:"guild_id"`
	IPCidr         string     `json:"ip_cidr"`
	SourceUserID   *string    `json:"source_user_id,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the ban is currently in effect.
func (b GuildIpBan) Active(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}
