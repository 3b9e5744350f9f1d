package voice

import (
	"context"
	"testing"
	"time"

	"github.com/filament/server/internal/presence"
)

type fakeLimiter struct {
	allow bool
}

func (f *fakeLimiter) CheckRateLimitInfo(ctx context.Context, key string, limit int, window time.Duration) (presence.RateLimitResult, error) {
	return presence.RateLimitResult{Allowed: f.allow, Limit: limit, Remaining: 0}, nil
}

type fakeRegistrar struct {
	registered bool
	count      int
}

func (f *fakeRegistrar) RegisterVoiceParticipant(guildID, channelID, userID string, expiresAt time.Time) {
	f.registered = true
}

func (f *fakeRegistrar) CountVoiceSubscribers(guildID, channelID string) int {
	return f.count
}

type fakeAudit struct {
	logged bool
}

func (f *fakeAudit) LogAudit(ctx context.Context, guildID, actorID, action string, fields map[string]interface{}) error {
	f.logged = true
	return nil
}

func TestNew_RequiresLiveKitConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error creating service without URL/key/secret")
	}
}

func newTestService(t *testing.T, limiter *fakeLimiter, registrar *fakeRegistrar, audit *fakeAudit) *Service {
	t.Helper()
	svc, err := New(Config{
		URL:       "wss://livekit.example.com",
		APIKey:    "key",
		APISecret: "secret",
		Limiter:   limiter,
		Registrar: registrar,
		Audit:     audit,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return svc
}

func TestIssueToken_IntersectsRequestedWithAllowed(t *testing.T) {
	registrar := &fakeRegistrar{}
	svc := newTestService(t, &fakeLimiter{allow: true}, registrar, &fakeAudit{})

	res, err := svc.IssueToken(context.Background(), TokenRequest{
		ViewerID:         "u1",
		GuildID:          "g1",
		ChannelID:        "c1",
		RequestedPublish: []PublishSource{SourceMicrophone, SourceScreenShare},
		Permissions: ChannelPermissions{
			CanPublishAudio:       true,
			CanPublishVideo:       false,
			CanPublishScreenShare: false, // not granted, so screen share must be dropped
		},
	})
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if len(res.EffectivePublish) != 1 || res.EffectivePublish[0] != SourceMicrophone {
		t.Errorf("expected only microphone, got %v", res.EffectivePublish)
	}
	if res.CanSubscribe {
		t.Error("subscribe was not requested, should be false")
	}
	if !registrar.registered {
		t.Error("expected participant to be registered")
	}
}

func TestIssueToken_SubscribeRequiresPermission(t *testing.T) {
	svc := newTestService(t, &fakeLimiter{allow: true}, &fakeRegistrar{}, &fakeAudit{})

	res, err := svc.IssueToken(context.Background(), TokenRequest{
		ViewerID:           "u1",
		GuildID:            "g1",
		ChannelID:          "c1",
		RequestedSubscribe: true,
		Permissions:        ChannelPermissions{CanSubscribe: false, CanPublishAudio: true},
		RequestedPublish:   []PublishSource{SourceMicrophone},
	})
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if res.CanSubscribe {
		t.Error("subscribe should be denied without SubscribeStreams permission")
	}
}

func TestIssueToken_RefusesWhenNothingGranted(t *testing.T) {
	svc := newTestService(t, &fakeLimiter{allow: true}, &fakeRegistrar{}, &fakeAudit{})

	_, err := svc.IssueToken(context.Background(), TokenRequest{
		ViewerID:           "u1",
		GuildID:            "g1",
		ChannelID:          "c1",
		RequestedPublish:   []PublishSource{SourceCamera},
		RequestedSubscribe: true,
		Permissions:        ChannelPermissions{}, // nothing allowed
	})
	if err == nil {
		t.Fatal("expected error when both publish and subscribe collapse to false")
	}
}

func TestIssueToken_RateLimited(t *testing.T) {
	svc := newTestService(t, &fakeLimiter{allow: false}, &fakeRegistrar{}, &fakeAudit{})

	_, err := svc.IssueToken(context.Background(), TokenRequest{
		ViewerID:         "u1",
		GuildID:          "g1",
		ChannelID:        "c1",
		RequestedPublish: []PublishSource{SourceMicrophone},
		Permissions:      ChannelPermissions{CanPublishAudio: true},
	})
	if err == nil {
		t.Fatal("expected rate limit error")
	}
}

func TestIssueToken_SubscribeCapReached(t *testing.T) {
	registrar := &fakeRegistrar{count: 2}
	svc := newTestService(t, &fakeLimiter{allow: true}, registrar, &fakeAudit{})

	_, err := svc.IssueToken(context.Background(), TokenRequest{
		ViewerID:           "u1",
		GuildID:            "g1",
		ChannelID:          "c1",
		RequestedSubscribe: true,
		SubscribeCap:       2,
		Permissions:        ChannelPermissions{CanSubscribe: true},
	})
	if err == nil {
		t.Fatal("expected subscribe cap error")
	}
}

func TestVoiceRoom_Format(t *testing.T) {
	if got := voiceRoom("g1", "c1"); got != "filament.voice.g1.c1" {
		t.Errorf("voiceRoom = %q", got)
	}
}

func TestContainsAny(t *testing.T) {
	sources := []PublishSource{SourceMicrophone, SourceCamera}
	if !containsAny(sources, SourceCamera) {
		t.Error("expected containsAny to find camera")
	}
	if containsAny(sources, SourceScreenShare) {
		t.Error("expected containsAny to not find screen share")
	}
}
