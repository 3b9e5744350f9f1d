package permissions

import (
	"testing"

	"github.com/filament/server/internal/models"
)

func everyoneRole(allow uint64) RoleSnapshot {
	return RoleSnapshot{ID: "everyone", SystemKey: models.RoleSystemKeyEveryone, PermissionsAllow: allow}
}

func ownerRole() RoleSnapshot {
	return RoleSnapshot{ID: "owner", SystemKey: models.RoleSystemKeyWorkspaceOwner}
}

func TestCalculate_ServerOwnerBypass(t *testing.T) {
	in := Input{ViewerID: "u1", IsServerOwner: true, IsMember: false}
	got, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Capabilities != All || got.LegacyRole != LegacyOwner {
		t.Errorf("server owner should get All/Owner, got %+v", got)
	}
}

func TestCalculate_NonMemberForbidden(t *testing.T) {
	in := Input{ViewerID: "u1", IsMember: false}
	if _, err := Calculate(in); err != ErrForbidden {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestCalculate_BannedForbidden(t *testing.T) {
	in := Input{ViewerID: "u1", IsMember: true, IsBanned: true}
	if _, err := Calculate(in); err != ErrForbidden {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestCalculate_EveryoneBase(t *testing.T) {
	in := Input{
		ViewerID: "u1",
		IsMember: true,
		Roles:    []RoleSnapshot{everyoneRole(CreateMessage)},
	}
	got, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Has(got.Capabilities, CreateMessage) {
		t.Errorf("expected CreateMessage from everyone base, got 0x%X", got.Capabilities)
	}
	if got.LegacyRole != LegacyMember {
		t.Errorf("expected LegacyMember, got %v", got.LegacyRole)
	}
}

func TestCalculate_RoleAssignmentOrsIn(t *testing.T) {
	in := Input{
		ViewerID: "u1",
		IsMember: true,
		Roles: []RoleSnapshot{
			everyoneRole(CreateMessage),
			{ID: "mod", PermissionsAllow: BanMember},
		},
		Assignment: AssignmentSnapshot{RoleIDs: []string{"mod"}},
	}
	got, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Has(got.Capabilities, BanMember) || !Has(got.Capabilities, CreateMessage) {
		t.Errorf("expected both role and everyone bits, got 0x%X", got.Capabilities)
	}
}

func TestCalculate_WorkspaceOwnerAssignmentIsAll(t *testing.T) {
	in := Input{
		ViewerID:   "u1",
		IsMember:   true,
		Roles:      []RoleSnapshot{everyoneRole(CreateMessage), ownerRole()},
		Assignment: AssignmentSnapshot{RoleIDs: []string{"owner"}},
	}
	got, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Capabilities != All || got.LegacyRole != LegacyOwner {
		t.Errorf("workspace owner should get All/Owner, got %+v", got)
	}
}

func TestCalculate_LegacyRoleDerivesImplicitOwner(t *testing.T) {
	in := Input{
		ViewerID:   "u1",
		IsMember:   true,
		Roles:      []RoleSnapshot{everyoneRole(0), ownerRole()},
		Assignment: AssignmentSnapshot{LegacyRole: models.LegacyRoleOwner},
	}
	got, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Capabilities != All || got.LegacyRole != LegacyOwner {
		t.Errorf("legacy owner should imply workspace_owner, got %+v", got)
	}
}

func TestCalculate_ChannelOverridePrecedence(t *testing.T) {
	// (((M & ~E.deny) | E.allow) & ~R.deny | R.allow) & ~Mb.deny | Mb.allow
	in := Input{
		ViewerID: "u1",
		IsMember: true,
		Roles: []RoleSnapshot{
			everyoneRole(CreateMessage),
			{ID: "role1", PermissionsAllow: 0},
		},
		Assignment: AssignmentSnapshot{RoleIDs: []string{"role1"}},
		ChannelOverrides: []ChannelOverride{
			{TargetKind: models.OverrideTargetRole, TargetID: "everyone", DenyMask: CreateMessage},
			{TargetKind: models.OverrideTargetRole, TargetID: "role1", AllowMask: CreateMessage},
			{TargetKind: models.OverrideTargetMember, TargetID: "u1", DenyMask: CreateMessage},
		},
	}
	got, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// member-layer deny is applied last and wins.
	if Has(got.Capabilities, CreateMessage) {
		t.Errorf("member override deny should win, got 0x%X", got.Capabilities)
	}
}

func TestCalculate_SameLayerDenyWins(t *testing.T) {
	in := Input{
		ViewerID: "u1",
		IsMember: true,
		Roles:    []RoleSnapshot{everyoneRole(0)},
		ChannelOverrides: []ChannelOverride{
			{TargetKind: models.OverrideTargetRole, TargetID: "everyone", AllowMask: CreateMessage, DenyMask: CreateMessage},
		},
	}
	got, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Has(got.Capabilities, CreateMessage) {
		t.Error("same-layer deny should win over allow")
	}
}

func TestCalculate_WorkspaceOwnerShortCircuitsOverrides(t *testing.T) {
	in := Input{
		ViewerID:   "u1",
		IsMember:   true,
		Roles:      []RoleSnapshot{everyoneRole(0), ownerRole()},
		Assignment: AssignmentSnapshot{RoleIDs: []string{"owner"}},
		ChannelOverrides: []ChannelOverride{
			{TargetKind: models.OverrideTargetMember, TargetID: "u1", DenyMask: All},
		},
	}
	got, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Capabilities != All {
		t.Errorf("workspace owner should bypass overrides, got 0x%X", got.Capabilities)
	}
}

func TestMaskUnknownBits(t *testing.T) {
	masked, had := MaskUnknownBits(CreateMessage | (1 << 40))
	if masked != CreateMessage {
		t.Errorf("masked = 0x%X, want 0x%X", masked, CreateMessage)
	}
	if !had {
		t.Error("expected hadUnknown = true")
	}
	masked, had = MaskUnknownBits(CreateMessage)
	if masked != CreateMessage || had {
		t.Errorf("expected no unknown bits, got masked=0x%X had=%v", masked, had)
	}
}

func TestHasHelpers(t *testing.T) {
	perms := CreateMessage | ViewAuditLog
	if !Has(perms, CreateMessage) {
		t.Error("Has should report true")
	}
	if !HasAny(perms, BanMember, ViewAuditLog) {
		t.Error("HasAny should report true when one matches")
	}
	if HasAll(perms, CreateMessage, BanMember) {
		t.Error("HasAll should report false when one is missing")
	}
}

func TestNamesStringDebug(t *testing.T) {
	if s := String(0); s != "none" {
		t.Errorf("String(0) = %q, want none", s)
	}
	if s := String(CreateMessage); s != "CreateMessage" {
		t.Errorf("String(CreateMessage) = %q", s)
	}
	if d := Debug(CreateMessage); len(d) < 10 {
		t.Errorf("Debug output too short: %q", d)
	}
}

func TestNamesToMask(t *testing.T) {
	mask := NamesToMask([]string{"CreateMessage", "BanMember"})
	if mask != CreateMessage|BanMember {
		t.Errorf("NamesToMask = 0x%X, want 0x%X", mask, CreateMessage|BanMember)
	}
}

func TestNamesToMaskIgnoresUnknown(t *testing.T) {
	mask := NamesToMask([]string{"CreateMessage", "NotARealCapability"})
	if mask != CreateMessage {
		t.Errorf("NamesToMask with unknown name = 0x%X, want 0x%X", mask, CreateMessage)
	}
}

func TestNamesToMaskRoundTripsWithNames(t *testing.T) {
	original := CreateMessage | DeleteMessage | ViewAuditLog
	got := NamesToMask(Names(original))
	if got != original {
		t.Errorf("NamesToMask(Names(x)) = 0x%X, want 0x%X", got, original)
	}
}
