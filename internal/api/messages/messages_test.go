package messages

import (
	"context"
	"testing"

	"github.com/filament/server/internal/permissions"
)

type fakeResolver struct {
	result permissions.Result
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, viewerID, guildID, channelID string) (permissions.Result, error) {
	return f.result, f.err
}

func TestValidateContent_RequiresContentOrAttachment(t *testing.T) {
	if err := validateContent("", nil); err == nil {
		t.Fatal("expected error for empty content and no attachments")
	}
	if err := validateContent("", []string{"a1"}); err != nil {
		t.Fatalf("expected no error with attachments present, got %v", err)
	}
}

func TestValidateContent_EnforcesLength(t *testing.T) {
	if err := validateContent("hello", nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	tooLong := make([]byte, maxContentBytes+1)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	if err := validateContent(string(tooLong), nil); err == nil {
		t.Fatal("expected error for content exceeding max length")
	}
}

func TestHasDuplicates(t *testing.T) {
	if !hasDuplicates([]string{"a1", "a2", "a1"}) {
		t.Error("expected duplicate to be detected")
	}
	if hasDuplicates([]string{"a1", "a2", "a3"}) {
		t.Error("expected no duplicate")
	}
	if hasDuplicates(nil) {
		t.Error("expected empty slice to have no duplicates")
	}
}

func TestRequireCapability_GrantedWhenBitSet(t *testing.T) {
	svc := New(Config{Permissions: &fakeResolver{result: permissions.Result{Capabilities: permissions.CreateMessage}}})

	if err := svc.requireCapability(context.Background(), "u1", "g1", "c1", permissions.CreateMessage); err != nil {
		t.Fatalf("expected capability to be granted, got %v", err)
	}
}

func TestRequireCapability_ForbiddenWhenBitMissing(t *testing.T) {
	svc := New(Config{Permissions: &fakeResolver{result: permissions.Result{Capabilities: 0}}})

	if err := svc.requireCapability(context.Background(), "u1", "g1", "c1", permissions.CreateMessage); err == nil {
		t.Fatal("expected error when capability bit is unset")
	}
}

func TestRequireCapability_ForbiddenWhenNotMember(t *testing.T) {
	svc := New(Config{Permissions: &fakeResolver{err: permissions.ErrForbidden}})

	if err := svc.requireCapability(context.Background(), "u1", "g1", "c1", permissions.CreateMessage); err == nil {
		t.Fatal("expected error when resolver reports forbidden")
	}
}

func TestRequireCapability_NilResolverAllowsAll(t *testing.T) {
	svc := New(Config{})
	if err := svc.requireCapability(context.Background(), "u1", "g1", "c1", permissions.CreateMessage); err != nil {
		t.Fatalf("expected nil resolver to skip the check, got %v", err)
	}
}

func TestValidateEmoji_RejectsEmpty(t *testing.T) {
	if err := validateEmoji(""); err == nil {
		t.Fatal("expected error for empty emoji")
	}
}

func TestValidateEmoji_RejectsOverLong(t *testing.T) {
	long := make([]byte, maxEmojiRunes+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := validateEmoji(string(long)); err == nil {
		t.Fatal("expected error for emoji exceeding max length")
	}
}

func TestValidateEmoji_RejectsWhitespace(t *testing.T) {
	if err := validateEmoji("a b"); err == nil {
		t.Fatal("expected error for emoji containing whitespace")
	}
}

func TestValidateEmoji_AcceptsUnicodeEmoji(t *testing.T) {
	if err := validateEmoji("\U0001F44D"); err != nil {
		t.Fatalf("expected unicode emoji to validate, got %v", err)
	}
}

func TestValidateEmoji_AcceptsCustomName(t *testing.T) {
	if err := validateEmoji("party_parrot"); err != nil {
		t.Fatalf("expected custom emoji name to validate, got %v", err)
	}
}
