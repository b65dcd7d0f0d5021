package server

import (
	"encoding/json"
	"testing"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/config"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/metrics"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/stretchr/testify/require"
)

// testSink captures outbound frames and kicks for assertions.
type testSink struct {
	frames chan []byte
	kicks  chan protocol.ErrorCode
}

func newTestSink(capacity int) *testSink {
	return &testSink{
		frames: make(chan []byte, capacity),
		kicks:  make(chan protocol.ErrorCode, 4),
	}
}

func (s *testSink) TrySend(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *testSink) Kick(code protocol.ErrorCode, reason string) {
	select {
	case s.kicks <- code:
	default:
	}
}

// recv pops the next captured frame, failing the test when none is queued.
func (s *testSink) recv(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case raw := <-s.frames:
		env, err := protocol.DecodeEnvelope(raw)
		require.NoError(t, err)
		return env
	default:
		t.Fatal("expected an outbound frame, got none")
		return nil
	}
}

// expect pops the next frame and asserts its type, decoding data into dst
// when dst is non-nil.
func (s *testSink) expect(t *testing.T, msgType string, dst any) {
	t.Helper()
	env := s.recv(t)
	require.Equal(t, msgType, env.Type, "unexpected message type")
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
}

// expectNothing asserts the sink is drained.
func (s *testSink) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case raw := <-s.frames:
		env, _ := protocol.DecodeEnvelope(raw)
		t.Fatalf("expected no outbound frames, got %s", env.Type)
	default:
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RateLimit.MaxRoomCreations = 1000
	cfg.RateLimit.MaxJoinAttempts = 1000
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *GameServer {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	return New(cfg, metrics.NewRegistry())
}

// connect registers a client on its own sink.
func connect(t *testing.T, srv *GameServer, ip string) (*Client, *testSink) {
	t.Helper()
	sink := newTestSink(64)
	client, opErr := srv.RegisterClient(sink, ip)
	require.Nil(t, opErr)
	return client, sink
}

func joinFrame(game, code, name string, maxPlayers int, supportsAuthority bool) []byte {
	data := map[string]any{
		"game_name":          game,
		"player_name":        name,
		"max_players":        maxPlayers,
		"supports_authority": supportsAuthority,
	}
	if code != "" {
		data["room_code"] = code
	}
	raw, _ := json.Marshal(map[string]any{"type": "JoinRoom", "data": data})
	return raw
}

func frame(msgType string, data any) []byte {
	env := map[string]any{"type": msgType}
	if data != nil {
		env["data"] = data
	}
	raw, _ := json.Marshal(env)
	return raw
}

// joinRoom drives a full join and returns the RoomJoined payload.
func joinRoom(t *testing.T, srv *GameServer, c *Client, sink *testSink, game, code, name string, maxPlayers int) protocol.RoomJoinedData {
	t.Helper()
	srv.HandleMessage(c, joinFrame(game, code, name, maxPlayers, true))
	var joined protocol.RoomJoinedData
	sink.expect(t, protocol.TypeRoomJoined, &joined)
	return joined
}

var uniqueCodeCounter int

// uniqueCode hands out valid, distinct room codes for tests. Only characters
// from the confusable-free alphabet are used.
func uniqueCode() string {
	uniqueCodeCounter++
	const digits = "23456789"
	b := []byte("TC2222")
	for i, n := 5, uniqueCodeCounter; i >= 2 && n > 0; i-- {
		b[i] = digits[n%len(digits)]
		n /= len(digits)
	}
	return string(b)
}
