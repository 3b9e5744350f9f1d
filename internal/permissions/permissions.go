// Package permissions implements the filament capability resolution
// algorithm: given a viewer, a guild's role/assignment snapshot, and
// optionally a channel's override snapshot, it produces the viewer's
// effective capability bitmask.
package permissions

import (
	"fmt"
	"strings"

	"github.com/filament/server/internal/models"
)

// Capability bits. Unknown bits encountered on load are masked off by the
// caller before they ever reach Calculate.
const (
	CreateMessage          uint64 = 1 << 0
	DeleteMessage          uint64 = 1 << 1
	BanMember              uint64 = 1 << 2
	ViewAuditLog           uint64 = 1 << 3
	ManageIPBans           uint64 = 1 << 4
	ManageRoles            uint64 = 1 << 5
	ManageMemberRoles      uint64 = 1 << 6
	ManageWorkspaceRoles   uint64 = 1 << 7
	ManageChannelOverrides uint64 = 1 << 8
	PublishVideo           uint64 = 1 << 9
	PublishScreenShare     uint64 = 1 << 10
	SubscribeStreams       uint64 = 1 << 11
)

// All is the bitmask with every defined capability bit set.
const All uint64 = CreateMessage | DeleteMessage | BanMember | ViewAuditLog |
	ManageIPBans | ManageRoles | ManageMemberRoles | ManageWorkspaceRoles |
	ManageChannelOverrides | PublishVideo | PublishScreenShare | SubscribeStreams

// knownBits is the OR of every defined capability bit, used to mask unknown
// bits off of a mask loaded from storage.
const knownBits uint64 = All

var names = map[uint64]string{
	CreateMessage:          "CreateMessage",
	DeleteMessage:          "DeleteMessage",
	BanMember:              "BanMember",
	ViewAuditLog:           "ViewAuditLog",
	ManageIPBans:           "ManageIPBans",
	ManageRoles:            "ManageRoles",
	ManageMemberRoles:      "ManageMemberRoles",
	ManageWorkspaceRoles:   "ManageWorkspaceRoles",
	ManageChannelOverrides: "ManageChannelOverrides",
	PublishVideo:           "PublishVideo",
	PublishScreenShare:     "PublishScreenShare",
	SubscribeStreams:       "SubscribeStreams",
}

// LegacyRole is the coarse role derived for backward-compatible callers.
type LegacyRole string

const (
	LegacyOwner     LegacyRole = "owner"
	LegacyModerator LegacyRole = "moderator"
	LegacyMember    LegacyRole = "member"
)

// MaskUnknownBits clears any bit not present in the known capability set,
// returning the masked value and whether any bit was cleared.
func MaskUnknownBits(mask uint64) (masked uint64, hadUnknown bool) {
	masked = mask & knownBits
	return masked, masked != mask
}

// RoleSnapshot is the subset of a guild's roles needed for resolution.
type RoleSnapshot struct {
	ID               string
	Name             string
	SystemKey        models.RoleSystemKey
	PermissionsAllow uint64
}

// AssignmentSnapshot is the viewer's assigned roles plus the legacy
// membership role, for guilds whose role system predates explicit
// assignment rows.
type AssignmentSnapshot struct {
	RoleIDs    []string
	LegacyRole string // models.LegacyRole*
}

// ChannelOverride is one (role or member) layer's allow/deny pair for a
// channel.
type ChannelOverride struct {
	TargetKind string // models.OverrideTarget*
	TargetID   string
	AllowMask  uint64
	DenyMask   uint64
}

// Input bundles every snapshot Calculate needs.
type Input struct {
	ViewerID         string
	IsServerOwner    bool
	IsMember         bool
	IsBanned         bool
	Roles            []RoleSnapshot
	Assignment       AssignmentSnapshot
	ChannelOverrides []ChannelOverride // nil if no channel context
}

// Result is the outcome of a successful resolution.
type Result struct {
	LegacyRole   LegacyRole
	Capabilities uint64
}

// ErrForbidden is returned when the viewer is not a member, or is banned.
// NotFound (missing guild/channel) is the caller's responsibility to detect
// before invoking Calculate.
var ErrForbidden = fmt.Errorf("forbidden")

// roleIDs bundles a guild's resolved system and near-system roles, computed
// once per resolution.
type roleIDs struct {
	everyoneID       string
	everyoneAllow    uint64
	workspaceOwnerID string
	moderatorID      string
	memberID         string
	byID             map[string]RoleSnapshot
}

func resolveRoleIDs(roles []RoleSnapshot) roleIDs {
	s := roleIDs{byID: make(map[string]RoleSnapshot, len(roles))}
	for _, r := range roles {
		s.byID[r.ID] = r
		switch r.SystemKey {
		case models.RoleSystemKeyEveryone:
			s.everyoneID = r.ID
			s.everyoneAllow = r.PermissionsAllow
		case models.RoleSystemKeyWorkspaceOwner:
			s.workspaceOwnerID = r.ID
		}
	}
	for _, r := range roles {
		if r.SystemKey != models.RoleSystemKeyNone {
			continue
		}
		lower := strings.ToLower(r.Name)
		if lower == "moderator" && s.moderatorID == "" {
			s.moderatorID = r.ID
		}
		if lower == "member" && s.memberID == "" {
			s.memberID = r.ID
		}
	}
	return s
}

// Calculate resolves (legacy_role, capability_set) for in.ViewerID,
// following the seven-step algorithm:
//
//  1. Server-owner bypass: all capabilities.
//  2. Membership gate: non-member or banned viewer is forbidden.
//  3. Role snapshot: identify everyone/workspace_owner by system_key,
//     moderator/member by case-insensitive name among roles without a
//     system_key (first match wins); no system_key marks moderator or
//     member.
//  4. Assignment snapshot: the viewer's role ids, plus implicit
//     {workspace_owner, moderator, member} derived from legacy_role.
//  5. Guild-level permissions: everyone's allow mask, OR'd with each
//     assigned role's allow mask; workspace_owner assignment replaces the
//     mask with All.
//  6. Channel layering (if channel context given): everyone override, then
//     aggregated role overrides, then member-specific override, each
//     applied as mask = (mask &^ deny) | (allow &^ deny), so within one
//     layer deny wins over allow. workspace_owner
//     short-circuits to All regardless of overrides.
//  7. Legacy role derivation: Owner > Moderator > Member.
func Calculate(in Input) (Result, error) {
	if in.IsServerOwner {
		return Result{LegacyRole: LegacyOwner, Capabilities: All}, nil
	}
	if !in.IsMember || in.IsBanned {
		return Result{}, ErrForbidden
	}

	ids := resolveRoleIDs(in.Roles)

	assigned := make(map[string]bool, len(in.Assignment.RoleIDs))
	for _, id := range in.Assignment.RoleIDs {
		assigned[id] = true
	}
	switch in.Assignment.LegacyRole {
	case models.LegacyRoleOwner:
		if ids.workspaceOwnerID != "" {
			assigned[ids.workspaceOwnerID] = true
		}
	case models.LegacyRoleModerator:
		if ids.moderatorID != "" {
			assigned[ids.moderatorID] = true
		}
	}
	if ids.memberID != "" {
		assigned[ids.memberID] = true
	}

	isWorkspaceOwner := ids.workspaceOwnerID != "" && assigned[ids.workspaceOwnerID]

	perms := ids.everyoneAllow
	for id := range assigned {
		role, ok := ids.byID[id]
		if !ok {
			continue
		}
		perms |= role.PermissionsAllow
	}
	if isWorkspaceOwner {
		perms = All
	}

	if in.ChannelOverrides != nil && !isWorkspaceOwner {
		var everyoneAllow, everyoneDeny uint64
		var roleAllow, roleDeny uint64
		var memberAllow, memberDeny uint64
		for _, ov := range in.ChannelOverrides {
			switch {
			case ov.TargetKind == models.OverrideTargetRole && ov.TargetID == ids.everyoneID:
				everyoneAllow, everyoneDeny = ov.AllowMask, ov.DenyMask
			case ov.TargetKind == models.OverrideTargetRole && assigned[ov.TargetID]:
				roleAllow |= ov.AllowMask
				roleDeny |= ov.DenyMask
			case ov.TargetKind == models.OverrideTargetMember && ov.TargetID == in.ViewerID:
				memberAllow, memberDeny = ov.AllowMask, ov.DenyMask
			}
		}
		perms = (perms &^ everyoneDeny) | (everyoneAllow &^ everyoneDeny)
		perms = (perms &^ roleDeny) | (roleAllow &^ roleDeny)
		perms = (perms &^ memberDeny) | (memberAllow &^ memberDeny)
	}

	role := LegacyMember
	switch {
	case isWorkspaceOwner:
		role = LegacyOwner
	case ids.moderatorID != "" && assigned[ids.moderatorID]:
		role = LegacyModerator
	}

	return Result{LegacyRole: role, Capabilities: perms}, nil
}

// Has reports whether perms includes perm.
func Has(perms, perm uint64) bool { return perms&perm == perm }

// HasAny reports whether perms includes any of checkPerms.
func HasAny(perms uint64, checkPerms ...uint64) bool {
	for _, p := range checkPerms {
		if perms&p == p {
			return true
		}
	}
	return false
}

// HasAll reports whether perms includes every one of checkPerms.
func HasAll(perms uint64, checkPerms ...uint64) bool {
	for _, p := range checkPerms {
		if perms&p != p {
			return false
		}
	}
	return true
}

// NamesToMask is the inverse of Names: it resolves a list of capability
// names into their combined bitmask. Unrecognized names are ignored.
func NamesToMask(list []string) uint64 {
	lookup := make(map[string]uint64, len(names))
	for bit, name := range names {
		lookup[name] = bit
	}
	var mask uint64
	for _, n := range list {
		mask |= lookup[n]
	}
	return mask
}

// Names returns the human-readable names of every set capability bit.
func Names(perms uint64) []string {
	var out []string
	for bit, name := range names {
		if perms&bit == bit {
			out = append(out, name)
		}
	}
	return out
}

// String returns a human-readable comma-separated list of set capability
// names.
func String(perms uint64) string {
	out := Names(perms)
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ", ")
}

// Debug returns a detailed debug string showing the raw bitfield value and
// all set capability names.
func Debug(perms uint64) string {
	return fmt.Sprintf("0x%012X [%s]", perms, String(perms))
}
