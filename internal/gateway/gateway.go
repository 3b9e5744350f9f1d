// Package gateway implements the WebSocket gateway for real-time event
// dispatch. Each connection owns exactly two goroutines, an ingress loop and
// an egress loop, communicating through a bounded per-connection outbound
// queue and a single-slot control channel that either goroutine's exit
// closes to cancel the other. Connection registries (subscribers by channel,
// senders by connection, presence, voice participants) are plain
// sync.RWMutex-guarded maps; cross-process fan-out, when more than one
// Gateway instance is running, is layered on top via the NATS event bus.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/filament/server/internal/events"
)

// Close reasons used when tearing down a connection, mirroring the
// protocol's named close codes.
const (
	closeEventTooLarge      = "event_too_large"
	closeIngressRateLimited = "ingress_rate_limited"
	closeInvalidEnvelope    = "invalid_envelope"
	closeUnknownEvent       = "unknown_event"
)

const (
	protocolVersion     = 1
	heartbeatInterval   = 30 * time.Second
	defaultOutboundSize = 256
)

// Envelope is the wire format for every gateway frame in both directions.
type Envelope struct {
	V int             `json:"v"`
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// SessionValidator validates a bearer token and returns the authenticated
// user id. internal/auth.Service satisfies this.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (string, error)
}

// PermissionChecker resolves whether a viewer may act in a guild/channel
// context. A thin adapter over the permissions package is constructed in
// main.go, keeping this package free of a database import.
type PermissionChecker interface {
	CanCreateMessage(ctx context.Context, userID, guildID, channelID string) (bool, error)
	IsIPBanned(ctx context.Context, guildID, userID string) (bool, error)
}

// MessageCreator performs the same write path as the REST message creation
// endpoint, so a gateway-originated message_create has identical semantics
// to one submitted over HTTP.
type MessageCreator interface {
	CreateMessage(ctx context.Context, userID, guildID, channelID, content string, attachmentIDs []string) (json.RawMessage, error)
}

// Config bundles the dependencies a Server needs.
type Config struct {
	Logger              *slog.Logger
	Bus                 *events.Bus
	Auth                SessionValidator
	Permissions         PermissionChecker
	Messages            MessageCreator
	OutboundQueueSize   int
	MaxEventBytes       int
	IngressEventsPerWin int
	IngressWindow       time.Duration
}

// metrics holds the counters exposed at /metrics.
type metrics struct {
	mu              sync.Mutex
	emitted         uint64
	droppedClosed   uint64
	droppedFull     uint64
	unknownReceived uint64
	parseRejected   uint64
	disconnects     map[string]uint64
}

// Snapshot is a point-in-time copy of the gateway's counters.
type Snapshot struct {
	Emitted         uint64
	DroppedClosed   uint64
	DroppedFull     uint64
	UnknownReceived uint64
	ParseRejected   uint64
	Disconnects     map[string]uint64
}

func newMetrics() *metrics {
	return &metrics{disconnects: make(map[string]uint64)}
}

func (m *metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	disc := make(map[string]uint64, len(m.disconnects))
	for k, v := range m.disconnects {
		disc[k] = v
	}
	return Snapshot{
		Emitted:         m.emitted,
		DroppedClosed:   m.droppedClosed,
		DroppedFull:     m.droppedFull,
		UnknownReceived: m.unknownReceived,
		ParseRejected:   m.parseRejected,
		Disconnects:     disc,
	}
}

// conn is one connected client. It owns a bounded outbound channel (drained
// by the egress goroutine) and a single-slot control channel whose closure
// is the shared cancellation signal for both of its goroutines.
type conn struct {
	id     string
	userID string
	ws     *websocket.Conn

	send      chan []byte
	control   chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	subscriptions map[string]bool // "guildID/channelID"
	guilds        map[string]bool
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.control) })
}

// Server is the gateway's connection registry and dispatch engine.
type Server struct {
	logger *slog.Logger
	bus    *events.Bus
	auth   SessionValidator
	perms  PermissionChecker
	msgs   MessageCreator

	outboundSize  int
	maxEventBytes int
	ingressLimit  int
	ingressWindow time.Duration

	metrics *metrics

	mu          sync.RWMutex
	byChannel   map[string]map[*conn]bool // "guildID/channelID" -> conns
	byUser      map[string]map[*conn]bool
	guildOnline map[string]map[string]int // guildID -> userID -> count of the user's connections subscribed in the guild

	voiceMu    sync.Mutex
	voiceState map[string]map[string]voiceParticipant // channelKey -> userID -> participant
}

type voiceParticipant struct {
	userID    string
	expiresAt time.Time
}

// New creates a gateway Server.
func New(cfg Config) *Server {
	outbound := cfg.OutboundQueueSize
	if outbound <= 0 {
		outbound = defaultOutboundSize
	}
	window := cfg.IngressWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	limit := cfg.IngressEventsPerWin
	if limit <= 0 {
		limit = 60
	}
	maxBytes := cfg.MaxEventBytes
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}

	s := &Server{
		logger:        cfg.Logger,
		bus:           cfg.Bus,
		auth:          cfg.Auth,
		perms:         cfg.Permissions,
		msgs:          cfg.Messages,
		outboundSize:  outbound,
		maxEventBytes: maxBytes,
		ingressLimit:  limit,
		ingressWindow: window,
		metrics:       newMetrics(),
		byChannel:     make(map[string]map[*conn]bool),
		byUser:        make(map[string]map[*conn]bool),
		guildOnline:   make(map[string]map[string]int),
		voiceState:    make(map[string]map[string]voiceParticipant),
	}

	if cfg.Bus != nil {
		s.subscribeRelay()
	}

	return s
}

// MetricsSnapshot returns the current counters for /metrics.
func (s *Server) MetricsSnapshot() Snapshot {
	return s.metrics.snapshot()
}

func channelKey(guildID, channelID string) string {
	return guildID + "/" + channelID
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// ingress/egress goroutines until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		token = extractBearer(r)
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	userID, err := s.auth.ValidateSession(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		id:            fmt.Sprintf("%p", ws),
		userID:        userID,
		ws:            ws,
		send:          make(chan []byte, s.outboundSize),
		control:       make(chan struct{}),
		subscriptions: make(map[string]bool),
		guilds:        make(map[string]bool),
	}

	s.registerUser(c)

	ctx := r.Context()
	s.pushReady(c)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.egressLoop(ctx, c)
	}()
	go func() {
		defer wg.Done()
		s.ingressLoop(ctx, c)
	}()
	wg.Wait()

	s.teardown(c)
	ws.Close(websocket.StatusNormalClosure, "")
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) registerUser(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byUser[c.userID]
	if !ok {
		set = make(map[*conn]bool)
		s.byUser[c.userID] = set
	}
	set[c] = true
}

func (s *Server) pushReady(c *conn) {
	data, _ := json.Marshal(map[string]string{"user_id": c.userID})
	s.enqueue(c, Envelope{V: protocolVersion, T: "ready", D: data})
}

// ingressLoop reads frames until the connection closes, enforcing the size
// cap and sliding-window rate limit before dispatching known event types.
func (s *Server) ingressLoop(ctx context.Context, c *conn) {
	defer c.close()

	var recent []time.Time // arrival times of frames inside the window

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			s.recordDisconnect("read_error")
			return
		}

		if s.maxEventBytes > 0 && len(data) > s.maxEventBytes {
			s.closeConn(c, closeEventTooLarge)
			return
		}

		now := time.Now()
		cutoff := now.Add(-s.ingressWindow)
		expired := 0
		for expired < len(recent) && !recent[expired].After(cutoff) {
			expired++
		}
		recent = append(recent[expired:], now)
		if len(recent) > s.ingressLimit {
			s.closeConn(c, closeIngressRateLimited)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.metrics.mu.Lock()
			s.metrics.parseRejected++
			s.metrics.mu.Unlock()
			s.closeConn(c, closeInvalidEnvelope)
			return
		}

		if !s.handleEnvelope(ctx, c, env) {
			return
		}
	}
}

// handleEnvelope dispatches one inbound frame. It returns false if the
// connection should be torn down.
func (s *Server) handleEnvelope(ctx context.Context, c *conn, env Envelope) bool {
	switch env.T {
	case "subscribe":
		var req struct {
			GuildID   string `json:"guild_id"`
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(env.D, &req); err != nil {
			s.closeConn(c, closeInvalidEnvelope)
			return false
		}
		s.handleSubscribe(ctx, c, req.GuildID, req.ChannelID)
		return true

	case "message_create":
		var req struct {
			GuildID       string   `json:"guild_id"`
			ChannelID     string   `json:"channel_id"`
			Content       string   `json:"content"`
			AttachmentIDs []string `json:"attachment_ids"`
		}
		if err := json.Unmarshal(env.D, &req); err != nil {
			s.closeConn(c, closeInvalidEnvelope)
			return false
		}
		s.handleMessageCreate(ctx, c, req.GuildID, req.ChannelID, req.Content, req.AttachmentIDs)
		return true

	default:
		s.metrics.mu.Lock()
		s.metrics.unknownReceived++
		s.metrics.mu.Unlock()
		s.closeConn(c, closeUnknownEvent)
		return false
	}
}

func (s *Server) handleSubscribe(ctx context.Context, c *conn, guildID, channelID string) {
	if s.perms != nil {
		banned, err := s.perms.IsIPBanned(ctx, guildID, c.userID)
		if err != nil || banned {
			return
		}
		allowed, err := s.perms.CanCreateMessage(ctx, c.userID, guildID, channelID)
		if err != nil || !allowed {
			return
		}
	}

	key := channelKey(guildID, channelID)

	c.mu.Lock()
	firstInGuild := !c.guilds[guildID]
	c.mu.Unlock()

	s.mu.Lock()
	set, ok := s.byChannel[key]
	if !ok {
		set = make(map[*conn]bool)
		s.byChannel[key] = set
	}
	set[c] = true

	wasOnline := s.guildOnline[guildID][c.userID] > 0
	if s.guildOnline[guildID] == nil {
		s.guildOnline[guildID] = make(map[string]int)
	}
	if firstInGuild {
		s.guildOnline[guildID][c.userID]++
	}
	s.mu.Unlock()

	c.mu.Lock()
	c.subscriptions[key] = true
	c.guilds[guildID] = true
	c.mu.Unlock()

	data, _ := json.Marshal(map[string]string{"guild_id": guildID, "channel_id": channelID})
	s.enqueue(c, Envelope{V: protocolVersion, T: "subscribed", D: data})

	s.pruneVoice(key)

	if !wasOnline {
		s.broadcastGuildLocal(guildID, Envelope{V: protocolVersion, T: "presence_update",
			D: mustJSON(map[string]string{"user_id": c.userID, "guild_id": guildID, "status": "online"})})
	}
}

func (s *Server) handleMessageCreate(ctx context.Context, c *conn, guildID, channelID, content string, attachmentIDs []string) {
	if s.msgs == nil {
		return
	}
	_, err := s.msgs.CreateMessage(ctx, c.userID, guildID, channelID, content, attachmentIDs)
	if err != nil {
		s.logger.Warn("gateway message_create failed", slog.String("error", err.Error()))
	}
}

// egressLoop drains the connection's outbound queue and writes frames until
// the control channel closes.
func (s *Server) egressLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.control:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if !s.write(ctx, c, data) {
				return
			}
		case <-ticker.C:
			if !s.write(ctx, c, mustJSON(Envelope{V: protocolVersion, T: "heartbeat"})) {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, c *conn, data []byte) bool {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.close()
		return false
	}
	return true
}

// enqueue attempts a non-blocking send to c's outbound queue. A full queue
// marks the connection a slow consumer and tears it down; a connection
// already closing silently drops the event.
func (s *Server) enqueue(c *conn, env Envelope) {
	data := mustJSON(env)

	select {
	case <-c.control:
		s.metrics.mu.Lock()
		s.metrics.droppedClosed++
		s.metrics.mu.Unlock()
		return
	default:
	}

	select {
	case c.send <- data:
		s.metrics.mu.Lock()
		s.metrics.emitted++
		s.metrics.mu.Unlock()
	default:
		s.metrics.mu.Lock()
		s.metrics.droppedFull++
		s.metrics.mu.Unlock()
		s.recordDisconnect("slow_consumer")
		c.close()
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func (s *Server) closeConn(c *conn, reason string) {
	s.recordDisconnect(reason)
	c.ws.Close(websocket.StatusPolicyViolation, reason)
	c.close()
}

func (s *Server) recordDisconnect(reason string) {
	s.metrics.mu.Lock()
	s.metrics.disconnects[reason]++
	s.metrics.mu.Unlock()
}

// teardown removes c from every registry, transitioning guild presence to
// offline where c held the last subscription for a user in that guild.
func (s *Server) teardown(c *conn) {
	s.mu.Lock()
	for key := range c.subscriptions {
		if set, ok := s.byChannel[key]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.byChannel, key)
			}
		}
	}
	for guildID := range c.guilds {
		if s.guildOnline[guildID] != nil {
			s.guildOnline[guildID][c.userID]--
			if s.guildOnline[guildID][c.userID] <= 0 {
				delete(s.guildOnline[guildID], c.userID)
			}
		}
	}
	if set, ok := s.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.byUser, c.userID)
		}
	}
	s.mu.Unlock()

	for guildID := range c.guilds {
		s.mu.RLock()
		_, stillOnline := s.guildOnline[guildID][c.userID]
		s.mu.RUnlock()
		if !stillOnline {
			s.broadcastGuildLocal(guildID, Envelope{V: protocolVersion, T: "presence_update",
				D: mustJSON(map[string]string{"user_id": c.userID, "guild_id": guildID, "status": "offline"})})
		}
	}

	s.purgeVoiceForUser(c.userID)
}

// BroadcastChannel publishes eventType/data to every connection subscribed
// to guildID/channelID. When a Bus is configured, this publishes to the
// given NATS subject so every Gateway process (including this one) performs
// its own local fan-out; with no Bus it fans out directly in-process.
func (s *Server) BroadcastChannel(ctx context.Context, subject, guildID, channelID, eventType string, data interface{}) error {
	if s.bus != nil {
		return s.bus.PublishChannelEvent(ctx, subject, eventType, channelKey(guildID, channelID), data)
	}
	s.broadcastChannelLocal(channelKey(guildID, channelID), Envelope{V: protocolVersion, T: eventType, D: mustJSON(data)})
	return nil
}

// BroadcastGuild publishes eventType/data once per connection across all of
// a guild's subscribed channels, via NATS when configured or in-process
// otherwise.
func (s *Server) BroadcastGuild(ctx context.Context, subject, guildID, eventType string, data interface{}) error {
	if s.bus != nil {
		return s.bus.PublishGuildEvent(ctx, subject, eventType, guildID, data)
	}
	s.broadcastGuildLocal(guildID, Envelope{V: protocolVersion, T: eventType, D: mustJSON(data)})
	return nil
}

// BroadcastUser publishes eventType/data to every connection of userID, with
// no subscription required.
func (s *Server) BroadcastUser(ctx context.Context, subject, userID, eventType string, data interface{}) error {
	if s.bus != nil {
		return s.bus.PublishUserEvent(ctx, subject, eventType, userID, data)
	}
	s.broadcastUserLocal(userID, Envelope{V: protocolVersion, T: eventType, D: mustJSON(data)})
	return nil
}

func (s *Server) broadcastChannelLocal(key string, env Envelope) {
	s.mu.RLock()
	set := s.byChannel[key]
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		s.enqueue(c, env)
	}
}

func (s *Server) broadcastGuildLocal(guildID string, env Envelope) {
	prefix := guildID + "/"

	s.mu.RLock()
	seen := make(map[*conn]bool)
	for key, set := range s.byChannel {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			for c := range set {
				seen[c] = true
			}
		}
	}
	s.mu.RUnlock()

	for c := range seen {
		s.enqueue(c, env)
	}
}

func (s *Server) broadcastUserLocal(userID string, env Envelope) {
	s.mu.RLock()
	set := s.byUser[userID]
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		s.enqueue(c, env)
	}
}

// subscribeRelay subscribes to every filament subject so this Gateway
// instance fans out locally whatever any instance publishes, including its
// own publications. A single-process deployment still takes this path; it
// simply relays back to itself.
func (s *Server) subscribeRelay() {
	_, err := s.bus.SubscribeWildcard("filament.>", func(_ string, evt events.Event) {
		env := Envelope{V: protocolVersion, T: evt.Type, D: evt.Data}
		switch {
		case evt.ChannelID != "":
			s.broadcastChannelLocal(evt.ChannelID, env)
		case evt.UserID != "":
			s.broadcastUserLocal(evt.UserID, env)
		case evt.GuildID != "":
			s.broadcastGuildLocal(evt.GuildID, env)
		}
	})
	if err != nil {
		s.logger.Error("gateway relay subscribe failed", slog.String("error", err.Error()))
	}
}

// pruneVoice removes expired voice participants from the given channel,
// called before registering a new subscriber so stale entries never survive
// past the next join on that channel.
func (s *Server) pruneVoice(key string) {
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	participants, ok := s.voiceState[key]
	if !ok {
		return
	}
	now := time.Now()
	for userID, p := range participants {
		if now.After(p.expiresAt) {
			delete(participants, userID)
		}
	}
}

func (s *Server) purgeVoiceForUser(userID string) {
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	for key, participants := range s.voiceState {
		if _, ok := participants[userID]; ok {
			delete(participants, userID)
			if len(participants) == 0 {
				delete(s.voiceState, key)
			}
		}
	}
}

// RegisterVoiceParticipant records that userID holds a live SFU grant in
// guildID/channelID until expiresAt. Registering a user into a new channel
// implicitly moves them out of any other channel they were registered in,
// matching the gateway's single-voice-channel-per-user invariant.
func (s *Server) RegisterVoiceParticipant(guildID, channelID, userID string, expiresAt time.Time) {
	key := channelKey(guildID, channelID)

	s.voiceMu.Lock()
	for k, participants := range s.voiceState {
		if k == key {
			continue
		}
		if _, ok := participants[userID]; ok {
			delete(participants, userID)
			if len(participants) == 0 {
				delete(s.voiceState, k)
			}
		}
	}
	participants, ok := s.voiceState[key]
	if !ok {
		participants = make(map[string]voiceParticipant)
		s.voiceState[key] = participants
	}
	participants[userID] = voiceParticipant{userID: userID, expiresAt: expiresAt}
	s.voiceMu.Unlock()
}

// CountVoiceSubscribers returns the number of live participants currently
// registered in guildID/channelID, used to enforce per-channel subscribe
// caps before a new SFU grant is issued.
func (s *Server) CountVoiceSubscribers(guildID, channelID string) int {
	key := channelKey(guildID, channelID)
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	return len(s.voiceState[key])
}
