// Package voice issues LiveKit SFU grants for voice and video channels. A
// token's publish/subscribe sources are constrained by the resolved
// channel permission set, never by client request alone, and every issued
// grant is mirrored into the gateway's voice participant registry so
// presence, moves, and expiry stay consistent with the WebSocket layer.
package voice

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/filament/server/internal/presence"
)

// PublishSource identifies a single media source a participant may publish.
// Order is significant: requested sources are deduplicated and emitted in
// this fixed order (Mic, Camera, ScreenShare) regardless of request order.
type PublishSource string

const (
	SourceMicrophone  PublishSource = "microphone"
	SourceCamera      PublishSource = "camera"
	SourceScreenShare PublishSource = "screen_share"
)

var sourceOrder = []PublishSource{SourceMicrophone, SourceCamera, SourceScreenShare}

const (
	defaultTokenTTL        = 6 * time.Hour
	tokenRateLimit         = 10
	tokenRateWindow        = time.Minute
	publishRateLimit       = 3
	publishRateWindow      = time.Minute
	defaultSubscribeCap    = 50
)

// RateLimiter is satisfied directly by *presence.Cache.
type RateLimiter interface {
	CheckRateLimitInfo(ctx context.Context, key string, limit int, window time.Duration) (presence.RateLimitResult, error)
}

// VoiceRegistrar mirrors gateway.Server's voice bookkeeping methods.
type VoiceRegistrar interface {
	RegisterVoiceParticipant(guildID, channelID, userID string, expiresAt time.Time)
	CountVoiceSubscribers(guildID, channelID string) int
}

// AuditLogger records a structured audit event. Implementations persist to
// the audit_logs table; the fields map holds the entry's metadata blob.
type AuditLogger interface {
	LogAudit(ctx context.Context, guildID, actorID, action string, fields map[string]interface{}) error
}

// ChannelPermissions is the caller's already-resolved permission view for
// one viewer in one channel, computed via internal/permissions.Calculate
// before IssueToken is called.
type ChannelPermissions struct {
	CanPublishAudio       bool // base voice publish capability (membership-gated, not banned)
	CanPublishVideo       bool // permissions.PublishVideo
	CanPublishScreenShare bool // permissions.PublishScreenShare
	CanSubscribe          bool // permissions.SubscribeStreams
}

// TokenRequest describes a client's request to join or re-register in a
// voice channel.
type TokenRequest struct {
	ViewerID           string
	GuildID            string
	ChannelID          string
	RequestedPublish   []PublishSource
	RequestedSubscribe bool
	Permissions        ChannelPermissions
	SubscribeCap       int // 0 uses defaultSubscribeCap
}

// TokenResult is the outcome of a successful IssueToken call.
type TokenResult struct {
	Token            string
	Room             string
	Identity         string
	EffectivePublish []PublishSource
	CanSubscribe     bool
	ExpiresAt        time.Time
}

// Config holds configuration for the voice service.
type Config struct {
	URL        string
	APIKey     string
	APISecret  string
	TokenTTL   time.Duration
	Limiter    RateLimiter
	Registrar  VoiceRegistrar
	Audit      AuditLogger
	Logger     *slog.Logger
}

// Service issues LiveKit tokens and manages room lifecycle.
type Service struct {
	roomClient *lksdk.RoomServiceClient
	apiKey     string
	apiSecret  string
	tokenTTL   time.Duration
	limiter    RateLimiter
	registrar  VoiceRegistrar
	audit      AuditLogger
	logger     *slog.Logger
}

// New creates a new voice service connected to LiveKit.
func New(cfg Config) (*Service, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("LiveKit URL, API key, and API secret are required")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	return &Service{
		roomClient: lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		tokenTTL:   ttl,
		limiter:    cfg.Limiter,
		registrar:  cfg.Registrar,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
	}, nil
}

func voiceRoom(guildID, channelID string) string {
	return fmt.Sprintf("filament.voice.%s.%s", guildID, channelID)
}

func freshIdentity(userID string) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating participant identity: %w", err)
	}
	return fmt.Sprintf("u.%s.%s", userID, hex.EncodeToString(buf)), nil
}

// allowedSources computes the publish sources a viewer's resolved
// permissions admit, independent of what the client requested.
func allowedSources(p ChannelPermissions) map[PublishSource]bool {
	allowed := make(map[PublishSource]bool, 3)
	if p.CanPublishAudio {
		allowed[SourceMicrophone] = true
	}
	if p.CanPublishVideo {
		allowed[SourceCamera] = true
	}
	if p.CanPublishScreenShare {
		allowed[SourceScreenShare] = true
	}
	return allowed
}

// IssueToken mints an SFU grant for req, constrained to the caller's
// resolved permissions, and registers the participant in the gateway's
// voice state on success.
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	if s.limiter != nil {
		bucket := fmt.Sprintf("voice_token:%s:%s", req.ViewerID, req.ChannelID)
		res, err := s.limiter.CheckRateLimitInfo(ctx, bucket, tokenRateLimit, tokenRateWindow)
		if err != nil {
			return nil, fmt.Errorf("checking voice token rate limit: %w", err)
		}
		if !res.Allowed {
			return nil, fmt.Errorf("voice token rate limited")
		}

		wantsHeavyPublish := containsAny(req.RequestedPublish, SourceCamera, SourceScreenShare)
		if wantsHeavyPublish {
			heavyBucket := fmt.Sprintf("voice_publish:%s:%s", req.ViewerID, req.ChannelID)
			heavy, err := s.limiter.CheckRateLimitInfo(ctx, heavyBucket, publishRateLimit, publishRateWindow)
			if err != nil {
				return nil, fmt.Errorf("checking voice publish rate limit: %w", err)
			}
			if !heavy.Allowed {
				return nil, fmt.Errorf("voice camera/screen publish rate limited")
			}
		}
	}

	allowed := allowedSources(req.Permissions)
	var effective []PublishSource
	for _, src := range sourceOrder {
		if !allowed[src] {
			continue
		}
		if containsAny(req.RequestedPublish, src) {
			effective = append(effective, src)
		}
	}

	canSubscribe := req.RequestedSubscribe && req.Permissions.CanSubscribe

	if len(effective) == 0 && !canSubscribe {
		return nil, fmt.Errorf("invalid voice token request: no publish or subscribe sources granted")
	}

	if canSubscribe && s.registrar != nil {
		cap := req.SubscribeCap
		if cap <= 0 {
			cap = defaultSubscribeCap
		}
		if s.registrar.CountVoiceSubscribers(req.GuildID, req.ChannelID) >= cap {
			return nil, fmt.Errorf("voice channel subscribe cap reached")
		}
	}

	identity, err := freshIdentity(req.ViewerID)
	if err != nil {
		return nil, err
	}

	room := voiceRoom(req.GuildID, req.ChannelID)
	canPublish := len(effective) > 0
	at := auth.NewAccessToken(s.apiKey, s.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         room,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(s.tokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("generating LiveKit token: %w", err)
	}

	expiresAt := time.Now().Add(s.tokenTTL)
	if s.registrar != nil {
		s.registrar.RegisterVoiceParticipant(req.GuildID, req.ChannelID, req.ViewerID, expiresAt)
	}
	if s.audit != nil {
		fields := map[string]interface{}{
			"channel_id":          req.ChannelID,
			"requested_publish":   req.RequestedPublish,
			"effective_publish":   effective,
			"can_subscribe":       canSubscribe,
			"ttl_seconds":         s.tokenTTL.Seconds(),
		}
		if err := s.audit.LogAudit(ctx, req.GuildID, req.ViewerID, "media.token.issue", fields); err != nil {
			s.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}

	return &TokenResult{
		Token:            token,
		Room:             room,
		Identity:         identity,
		EffectivePublish: effective,
		CanSubscribe:     canSubscribe,
		ExpiresAt:        expiresAt,
	}, nil
}

func containsAny(sources []PublishSource, targets ...PublishSource) bool {
	for _, s := range sources {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// EnsureRoom creates a LiveKit room for a voice channel if it doesn't exist.
func (s *Service) EnsureRoom(ctx context.Context, guildID, channelID string) error {
	_, err := s.roomClient.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            voiceRoom(guildID, channelID),
		EmptyTimeout:    300, // 5 minutes after last participant leaves
		MaxParticipants: 100,
	})
	if err != nil {
		// Room may already exist — that's fine.
		s.logger.Debug("room create (may already exist)",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// DeleteRoom removes a LiveKit room when a voice channel is deleted.
func (s *Service) DeleteRoom(ctx context.Context, guildID, channelID string) error {
	_, err := s.roomClient.DeleteRoom(ctx, &livekit.DeleteRoomRequest{
		Room: voiceRoom(guildID, channelID),
	})
	return err
}

// ListParticipants returns current LiveKit participants in a voice channel.
func (s *Service) ListParticipants(ctx context.Context, guildID, channelID string) ([]*livekit.ParticipantInfo, error) {
	resp, err := s.roomClient.ListParticipants(ctx, &livekit.ListParticipantsRequest{
		Room: voiceRoom(guildID, channelID),
	})
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return resp.Participants, nil
}

// RemoveParticipant kicks a user from a voice channel, identified by the
// fresh per-session identity returned from IssueToken.
func (s *Service) RemoveParticipant(ctx context.Context, guildID, channelID, identity string) error {
	_, err := s.roomClient.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     voiceRoom(guildID, channelID),
		Identity: identity,
	})
	return err
}
