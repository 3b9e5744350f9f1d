package gateway

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestEnvelope_JSON(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"key": "value"})
	env := Envelope{V: protocolVersion, T: "message_create", D: data}

	encoded, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.V != protocolVersion {
		t.Errorf("v = %d, want %d", decoded.V, protocolVersion)
	}
	if decoded.T != "message_create" {
		t.Errorf("t = %q, want %q", decoded.T, "message_create")
	}
}

func TestEnvelope_OmitsEmptyData(t *testing.T) {
	env := Envelope{V: protocolVersion, T: "heartbeat"}
	encoded, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if _, ok := decoded["d"]; ok {
		t.Errorf("d should be omitted, got: %s", encoded)
	}
}

func newTestServer() *Server {
	return New(Config{Logger: slog.Default()})
}

func TestChannelKey(t *testing.T) {
	if got := channelKey("g1", "c1"); got != "g1/c1" {
		t.Errorf("channelKey = %q, want %q", got, "g1/c1")
	}
}

func TestServer_SubscribeTracksChannelAndPresence(t *testing.T) {
	s := newTestServer()
	c := &conn{
		userID:        "u1",
		send:          make(chan []byte, 8),
		control:       make(chan struct{}),
		subscriptions: make(map[string]bool),
		guilds:        make(map[string]bool),
	}
	s.registerUser(c)

	s.handleSubscribe(nil, c, "g1", "ch1")

	s.mu.RLock()
	_, subscribed := s.byChannel[channelKey("g1", "ch1")][c]
	online := s.guildOnline["g1"]["u1"]
	s.mu.RUnlock()

	if !subscribed {
		t.Error("expected connection to be registered under channel key")
	}
	if online != 1 {
		t.Errorf("guildOnline[g1][u1] = %d, want 1", online)
	}

	// Draining: subscribe queues a "subscribed" frame first; the
	// presence_update for u1 going online, which reaches c itself as a
	// subscriber in g1, is queued after it.
	select {
	case data := <-c.send:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		if env.T != "subscribed" {
			t.Errorf("first frame type = %q, want %q", env.T, "subscribed")
		}
	default:
		t.Fatal("expected a queued frame after subscribe")
	}
}

func TestServer_TeardownRemovesAllRegistries(t *testing.T) {
	s := newTestServer()
	c := &conn{
		userID:        "u1",
		send:          make(chan []byte, 8),
		control:       make(chan struct{}),
		subscriptions: make(map[string]bool),
		guilds:        make(map[string]bool),
	}
	s.registerUser(c)
	s.handleSubscribe(nil, c, "g1", "ch1")

	s.teardown(c)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.byChannel) != 0 {
		t.Errorf("byChannel not empty after teardown: %v", s.byChannel)
	}
	if len(s.byUser) != 0 {
		t.Errorf("byUser not empty after teardown: %v", s.byUser)
	}
	if len(s.guildOnline["g1"]) != 0 {
		t.Errorf("guildOnline[g1] not empty after teardown: %v", s.guildOnline["g1"])
	}
}

func TestServer_EnqueueDropsOnFullQueue(t *testing.T) {
	s := newTestServer()
	c := &conn{
		userID:        "u1",
		send:          make(chan []byte, 1),
		control:       make(chan struct{}),
		subscriptions: make(map[string]bool),
		guilds:        make(map[string]bool),
	}

	s.enqueue(c, Envelope{V: protocolVersion, T: "a"})
	s.enqueue(c, Envelope{V: protocolVersion, T: "b"}) // queue now full, this one is dropped and conn closed

	select {
	case <-c.control:
	default:
		t.Error("expected connection control channel to close on slow consumer")
	}

	snap := s.MetricsSnapshot()
	if snap.DroppedFull != 1 {
		t.Errorf("DroppedFull = %d, want 1", snap.DroppedFull)
	}
	if snap.Disconnects["slow_consumer"] != 1 {
		t.Errorf("Disconnects[slow_consumer] = %d, want 1", snap.Disconnects["slow_consumer"])
	}
}

func TestServer_EnqueueSkipsClosedConnection(t *testing.T) {
	s := newTestServer()
	c := &conn{
		userID:  "u1",
		send:    make(chan []byte, 1),
		control: make(chan struct{}),
	}
	c.close()

	s.enqueue(c, Envelope{V: protocolVersion, T: "a"})

	if len(c.send) != 0 {
		t.Error("expected no frame queued for an already-closed connection")
	}
	snap := s.MetricsSnapshot()
	if snap.DroppedClosed != 1 {
		t.Errorf("DroppedClosed = %d, want 1", snap.DroppedClosed)
	}
}

func TestServer_BroadcastGuildLocalReachesAllChannels(t *testing.T) {
	s := newTestServer()
	c1 := &conn{userID: "u1", send: make(chan []byte, 8), control: make(chan struct{}), subscriptions: make(map[string]bool), guilds: make(map[string]bool)}
	c2 := &conn{userID: "u2", send: make(chan []byte, 8), control: make(chan struct{}), subscriptions: make(map[string]bool), guilds: make(map[string]bool)}
	s.registerUser(c1)
	s.registerUser(c2)
	s.handleSubscribe(nil, c1, "g1", "ch1")
	s.handleSubscribe(nil, c2, "g1", "ch2")

	// Drain the "subscribed" acks and presence_update frames first.
	for _, c := range []*conn{c1, c2} {
		for len(c.send) > 0 {
			<-c.send
		}
	}

	s.broadcastGuildLocal("g1", Envelope{V: protocolVersion, T: "guild_update"})

	for _, c := range []*conn{c1, c2} {
		select {
		case data := <-c.send:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("unmarshal error: %v", err)
			}
			if env.T != "guild_update" {
				t.Errorf("type = %q, want guild_update", env.T)
			}
		default:
			t.Error("expected guild broadcast to reach connection")
		}
	}
}

func TestServer_PruneVoiceRemovesExpired(t *testing.T) {
	s := newTestServer()
	key := channelKey("g1", "ch1")
	s.voiceState[key] = map[string]voiceParticipant{
		"u1": {userID: "u1", expiresAt: time.Now().Add(-time.Second)},
		"u2": {userID: "u2", expiresAt: time.Now().Add(time.Hour)},
	}

	s.pruneVoice(key)

	if _, ok := s.voiceState[key]["u1"]; ok {
		t.Error("expected expired voice participant to be pruned")
	}
	if _, ok := s.voiceState[key]["u2"]; !ok {
		t.Error("expected unexpired voice participant to remain")
	}
}

func TestServer_PurgeVoiceForUserRemovesAllChannels(t *testing.T) {
	s := newTestServer()
	s.voiceState["g1/ch1"] = map[string]voiceParticipant{"u1": {userID: "u1", expiresAt: time.Now().Add(time.Hour)}}
	s.voiceState["g1/ch2"] = map[string]voiceParticipant{"u1": {userID: "u1", expiresAt: time.Now().Add(time.Hour)}}

	s.purgeVoiceForUser("u1")

	if len(s.voiceState) != 0 {
		t.Errorf("expected all voice channels to be cleared, got: %v", s.voiceState)
	}
}
