package server

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingPong(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, frame(protocol.TypePing, nil))
	sink.expect(t, protocol.TypePong, nil)
	sink.expectNothing(t)

	// Idempotent and side-effect-free.
	srv.HandleMessage(c, frame(protocol.TypePing, nil))
	sink.expect(t, protocol.TypePong, nil)
	_, inRoom := srv.Store().PlayerRoomID(c.ID())
	assert.False(t, inRoom)
}

func TestJoinRoom_CreatesRoom(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	joined := joinRoom(t, srv, c, sink, "test_game", "E2E123", "Player1", 2)
	assert.Equal(t, "E2E123", joined.RoomCode)
	assert.Equal(t, "test_game", joined.GameName)
	assert.Equal(t, 2, joined.MaxPlayers)
	assert.Len(t, joined.CurrentPlayers, 1)
	assert.True(t, joined.IsAuthority)
	assert.True(t, joined.SupportsAuthority)
	assert.Equal(t, protocol.LobbyStateWaiting, joined.LobbyState)
	assert.Empty(t, joined.ReadyPlayers)
	assert.NotEmpty(t, joined.ReconnectToken)
	assert.Equal(t, c.ID(), joined.PlayerID)
}

func TestJoinRoom_AutoGeneratedCodeLength(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.RoomCodeLength = 8
	srv := newTestServer(t, cfg)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, frame(protocol.TypeJoinRoom, map[string]any{
		"game_name":          "autogame",
		"player_name":        "Player",
		"max_players":        4,
		"supports_authority": true,
	}))

	var joined protocol.RoomJoinedData
	sink.expect(t, protocol.TypeRoomJoined, &joined)
	assert.Len(t, joined.RoomCode, 8)
	for _, banned := range "0OI1" {
		assert.NotContains(t, joined.RoomCode, string(banned))
	}
}

func TestJoinRoom_TwoPlayerFullFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")

	joined1 := joinRoom(t, srv, c1, sink1, "e2e_lobby_test", "E2E221", "E2EPlayer1", 2)
	assert.Equal(t, protocol.LobbyStateWaiting, joined1.LobbyState)
	assert.True(t, joined1.IsAuthority)

	joined2 := joinRoom(t, srv, c2, sink2, "e2e_lobby_test", "E2E221", "E2EPlayer2", 2)
	assert.Equal(t, protocol.LobbyStateLobby, joined2.LobbyState)
	assert.False(t, joined2.IsAuthority)
	assert.Len(t, joined2.CurrentPlayers, 2)

	// First player sees the join, then the lobby transition.
	var pj protocol.PlayerJoinedData
	sink1.expect(t, protocol.TypePlayerJoined, &pj)
	assert.Equal(t, "E2EPlayer2", pj.Player.Name)
	assert.False(t, pj.Player.IsAuthority)

	var ls1, ls2 protocol.LobbyStateChangedData
	sink1.expect(t, protocol.TypeLobbyStateChanged, &ls1)
	sink2.expect(t, protocol.TypeLobbyStateChanged, &ls2)
	for _, ls := range []protocol.LobbyStateChangedData{ls1, ls2} {
		assert.Equal(t, protocol.LobbyStateLobby, ls.LobbyState)
		assert.Empty(t, ls.ReadyPlayers)
		assert.False(t, ls.AllReady)
	}

	// Ready-up: first player.
	srv.HandleMessage(c1, frame(protocol.TypePlayerReady, nil))
	sink1.expect(t, protocol.TypeLobbyStateChanged, &ls1)
	sink2.expect(t, protocol.TypeLobbyStateChanged, &ls2)
	assert.Len(t, ls1.ReadyPlayers, 1)
	assert.False(t, ls1.AllReady)

	// Second player readies: all_ready then GameStarting for both.
	srv.HandleMessage(c2, frame(protocol.TypePlayerReady, nil))
	sink1.expect(t, protocol.TypeLobbyStateChanged, &ls1)
	sink2.expect(t, protocol.TypeLobbyStateChanged, &ls2)
	assert.True(t, ls1.AllReady)
	assert.True(t, ls2.AllReady)
	assert.Len(t, ls1.ReadyPlayers, 2)

	var gs1, gs2 protocol.GameStartingData
	sink1.expect(t, protocol.TypeGameStarting, &gs1)
	sink2.expect(t, protocol.TypeGameStarting, &gs2)
	require.Len(t, gs1.PeerConnections, 2)
	authorities := 0
	for _, p := range gs1.PeerConnections {
		if p.IsAuthority {
			authorities++
		}
	}
	assert.Equal(t, 1, authorities, "exactly one authority in peer roster")
}

func TestJoinRoom_InvalidRoomCode(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, frame(protocol.TypeJoinRoom, map[string]any{
		"game_name":   "valid_game",
		"room_code":   "INVALID!@#",
		"player_name": "Player",
		"max_players": 4,
	}))

	var failed protocol.RoomJoinFailedData
	sink.expect(t, protocol.TypeRoomJoinFailed, &failed)
	assert.Equal(t, protocol.ErrValidationFailed, failed.ErrorCode)
	assert.Contains(t, failed.Reason, "alphanumeric")
}

func TestJoinRoom_ValidationMessagesCarryLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.MaxGameNameLength = 20
	cfg.Protocol.MaxPlayerNameLength = 10
	cfg.Protocol.MaxPlayersLimit = 8
	srv := newTestServer(t, cfg)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, frame(protocol.TypeJoinRoom, map[string]any{
		"game_name":   "this_game_name_is_too_long_for_the_limit",
		"player_name": "Player",
	}))
	var failed protocol.RoomJoinFailedData
	sink.expect(t, protocol.TypeRoomJoinFailed, &failed)
	assert.Contains(t, failed.Reason, "Game name too long")
	assert.Contains(t, failed.Reason, "20")

	srv.HandleMessage(c, frame(protocol.TypeJoinRoom, map[string]any{
		"game_name":   "game",
		"player_name": "WayTooLongPlayerName",
	}))
	sink.expect(t, protocol.TypeRoomJoinFailed, &failed)
	assert.Contains(t, failed.Reason, "Player name too long")
	assert.Contains(t, failed.Reason, "10")

	srv.HandleMessage(c, frame(protocol.TypeJoinRoom, map[string]any{
		"game_name":   "game",
		"player_name": "Bob",
		"max_players": 16,
	}))
	sink.expect(t, protocol.TypeRoomJoinFailed, &failed)
	assert.Contains(t, failed.Reason, "Max players cannot exceed 8")
}

func TestJoinRoom_RoomFull(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	for i := 0; i < 2; i++ {
		c, sink := connect(t, srv, "127.0.0.1")
		joinRoom(t, srv, c, sink, "limited_game", code, "Player", 2)
	}

	c3, sink3 := connect(t, srv, "127.0.0.1")
	srv.HandleMessage(c3, joinFrame("limited_game", code, "Player3", 2, true))
	var failed protocol.RoomJoinFailedData
	sink3.expect(t, protocol.TypeRoomJoinFailed, &failed)
	assert.Equal(t, protocol.ErrRoomFull, failed.ErrorCode)
	assert.Contains(t, failed.Reason, "full")
}

func TestJoinRoom_RoomCreationRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxRoomCreations = 1
	srv := newTestServer(t, cfg)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, frame(protocol.TypeJoinRoom, map[string]any{
		"game_name": "game1", "player_name": "Player",
	}))
	sink.expect(t, protocol.TypeRoomJoined, nil)

	srv.HandleMessage(c, frame(protocol.TypeLeaveRoom, nil))
	sink.expect(t, protocol.TypeRoomLeft, nil)

	srv.HandleMessage(c, frame(protocol.TypeJoinRoom, map[string]any{
		"game_name": "game2", "player_name": "Player",
	}))
	var failed protocol.RoomJoinFailedData
	sink.expect(t, protocol.TypeRoomJoinFailed, &failed)
	assert.Equal(t, protocol.ErrRateLimitExceeded, failed.ErrorCode)
	assert.Contains(t, failed.Reason, "Room creation rate limit exceeded")
}

func TestConnectionCap_SecondConnectionRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnectionsPerIP = 1
	srv := newTestServer(t, cfg)

	_, opErr := srv.RegisterClient(newTestSink(4), "10.0.0.1")
	require.Nil(t, opErr)

	_, opErr = srv.RegisterClient(newTestSink(4), "10.0.0.1")
	require.NotNil(t, opErr)
	assert.Equal(t, protocol.ErrTooManyConnections, opErr.Code)

	// A different address is unaffected.
	_, opErr = srv.RegisterClient(newTestSink(4), "10.0.0.2")
	assert.Nil(t, opErr)
}

func TestConnectionCap_ReleasedOnDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnectionsPerIP = 1
	srv := newTestServer(t, cfg)

	c, _ := connect(t, srv, "10.0.0.1")
	srv.UnregisterClient(c)

	_, opErr := srv.RegisterClient(newTestSink(4), "10.0.0.1")
	assert.Nil(t, opErr)
}

func TestPlayerReady_NotInRoom(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, frame(protocol.TypePlayerReady, nil))
	var errData protocol.ErrorData
	sink.expect(t, protocol.TypeError, &errData)
	assert.Contains(t, errData.Message, "Not in a room")
	assert.Equal(t, protocol.ErrNotInRoom, errData.ErrorCode)
}

func TestPlayerReady_SinglePlayerRoomIsInert(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	joined := joinRoom(t, srv, c, sink, "solo", "SINGLE", "P", 1)
	assert.Equal(t, protocol.LobbyStateWaiting, joined.LobbyState)

	srv.HandleMessage(c, frame(protocol.TypePlayerReady, nil))
	sink.expectNothing(t)
}

func TestPlayerReady_ToggleLawBroadcastsTwice(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "toggle_test", code, "P1", 2)
	joinRoom(t, srv, c2, sink2, "toggle_test", code, "P2", 2)
	sink1.expect(t, protocol.TypePlayerJoined, nil)
	sink1.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)

	srv.HandleMessage(c1, frame(protocol.TypePlayerReady, nil))
	srv.HandleMessage(c1, frame(protocol.TypePlayerReady, nil))

	var first, second protocol.LobbyStateChangedData
	sink1.expect(t, protocol.TypeLobbyStateChanged, &first)
	sink1.expect(t, protocol.TypeLobbyStateChanged, &second)
	assert.Len(t, first.ReadyPlayers, 1)
	assert.Empty(t, second.ReadyPlayers, "double toggle restores the ready set")

	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expectNothing(t)
}

func TestGameData_RelayedToPeersOnly(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "data_test", code, "P1", 2)
	joinRoom(t, srv, c2, sink2, "data_test", code, "P2", 2)
	sink1.expect(t, protocol.TypePlayerJoined, nil)
	sink1.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)

	payload := map[string]any{"action": "move", "x": 100, "y": 200}
	srv.HandleMessage(c1, frame(protocol.TypeGameData, map[string]any{"data": payload}))

	var out struct {
		FromPlayer uuid.UUID       `json:"from_player"`
		Data       json.RawMessage `json:"data"`
	}
	sink2.expect(t, protocol.TypeGameData, &out)
	assert.Equal(t, c1.ID(), out.FromPlayer)
	assert.JSONEq(t, `{"action":"move","x":100,"y":200}`, string(out.Data))

	sink1.expectNothing(t)
}

func TestGameDataBinary_Relayed(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "bin_test", code, "P1", 2)
	joinRoom(t, srv, c2, sink2, "bin_test", code, "P2", 2)
	sink1.expect(t, protocol.TypePlayerJoined, nil)
	sink1.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)

	srv.HandleGameDataBinary(c1, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	var out protocol.GameDataBinaryOut
	sink2.expect(t, protocol.TypeGameDataBinary, &out)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, out.Payload)
	assert.Equal(t, c1.ID(), out.FromPlayer)
}

func TestGameData_NotInRoom(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, frame(protocol.TypeGameData, map[string]any{"data": map[string]any{}}))
	var errData protocol.ErrorData
	sink.expect(t, protocol.TypeError, &errData)
	assert.Equal(t, protocol.ErrNotInRoom, errData.ErrorCode)
}

func TestUnknownMessageType_IsProtocolViolation(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, []byte(`{"type":"Nonsense"}`))
	var errData protocol.ErrorData
	sink.expect(t, protocol.TypeError, &errData)
	assert.Equal(t, protocol.ErrProtocolViolation, errData.ErrorCode)
	assert.Equal(t, protocol.ErrProtocolViolation, <-sink.kicks)
}

func TestMalformedFrame_IsProtocolViolation(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, []byte(`{not json`))
	sink.expect(t, protocol.TypeError, nil)
	assert.Equal(t, protocol.ErrProtocolViolation, <-sink.kicks)
}

func TestSlowConsumer_IsDropped(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()

	c1, sink1 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "slow_test", code, "P1", 2)

	// The second player's queue holds nothing at all.
	slowSink := newTestSink(0)
	c2, opErr := srv.RegisterClient(slowSink, "127.0.0.1")
	require.Nil(t, opErr)
	srv.HandleMessage(c2, joinFrame("slow_test", code, "P2", 2, true))

	assert.Equal(t, protocol.ErrSlowConsumer, <-slowSink.kicks)

	// The slow consumer is gone from the registry; the room survives.
	_, stillRegistered := srv.clientByID(c2.ID())
	assert.False(t, stillRegistered)
}

func TestLeaveRoom_BroadcastsPlayerLeftAndAuthorityCleared(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "leave_test", code, "P1", 2)
	joinRoom(t, srv, c2, sink2, "leave_test", code, "P2", 2)
	sink1.expect(t, protocol.TypePlayerJoined, nil)
	sink1.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)

	authorityID := c1.ID()
	srv.HandleMessage(c1, frame(protocol.TypeLeaveRoom, nil))
	sink1.expect(t, protocol.TypeRoomLeft, nil)

	var left protocol.PlayerLeftData
	sink2.expect(t, protocol.TypePlayerLeft, &left)
	assert.Equal(t, authorityID, left.PlayerID)

	var changed protocol.AuthorityChangedData
	sink2.expect(t, protocol.TypeAuthorityChanged, &changed)
	assert.Nil(t, changed.AuthorityPlayer, "authority cleared, not promoted")

	var ls protocol.LobbyStateChangedData
	sink2.expect(t, protocol.TypeLobbyStateChanged, &ls)
	assert.Equal(t, protocol.LobbyStateWaiting, ls.LobbyState)
}

func TestLeaveRoom_NotInRoom(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, frame(protocol.TypeLeaveRoom, nil))
	var errData protocol.ErrorData
	sink.expect(t, protocol.TypeError, &errData)
	assert.Equal(t, protocol.ErrNotInRoom, errData.ErrorCode)
}

func TestAuthority_NotSupportedRoom(t *testing.T) {
	srv := newTestServer(t, nil)
	c, sink := connect(t, srv, "127.0.0.1")

	srv.HandleMessage(c, joinFrame("no_auth_game", uniqueCode(), "P1", 4, false))
	var joined protocol.RoomJoinedData
	sink.expect(t, protocol.TypeRoomJoined, &joined)
	assert.False(t, joined.IsAuthority)
	assert.False(t, joined.SupportsAuthority)

	srv.HandleMessage(c, frame(protocol.TypeAuthorityRequest, map[string]any{"become_authority": true}))
	var resp protocol.AuthorityResponseData
	sink.expect(t, protocol.TypeAuthorityResponse, &resp)
	assert.False(t, resp.Granted)
	require.NotNil(t, resp.Reason)
	assert.Contains(t, *resp.Reason, "Room does not support authority")
}

func TestAuthority_AcquireWhileHeldIsDenied(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "auth_game", code, "P1", 4)
	joinRoom(t, srv, c2, sink2, "auth_game", code, "P2", 4)
	sink1.expect(t, protocol.TypePlayerJoined, nil)
	sink1.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)

	srv.HandleMessage(c2, frame(protocol.TypeAuthorityRequest, map[string]any{"become_authority": true}))
	var resp protocol.AuthorityResponseData
	sink2.expect(t, protocol.TypeAuthorityResponse, &resp)
	assert.False(t, resp.Granted)
	require.NotNil(t, resp.Reason)
	assert.Contains(t, *resp.Reason, "Another player already has authority")
}

func TestAuthority_ReleaseOrdering_ResponseBeforeChanged(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "auth_game", code, "P1", 4)
	joinRoom(t, srv, c2, sink2, "auth_game", code, "P2", 4)
	sink1.expect(t, protocol.TypePlayerJoined, nil)
	sink1.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)

	srv.HandleMessage(c1, frame(protocol.TypeAuthorityRequest, map[string]any{"become_authority": false}))

	// The requester sees AuthorityResponse strictly before AuthorityChanged.
	var resp protocol.AuthorityResponseData
	sink1.expect(t, protocol.TypeAuthorityResponse, &resp)
	assert.True(t, resp.Granted)
	assert.Nil(t, resp.Reason)

	var changed protocol.AuthorityChangedData
	sink1.expect(t, protocol.TypeAuthorityChanged, &changed)
	assert.Nil(t, changed.AuthorityPlayer)
	assert.False(t, changed.YouAreAuthority)

	sink2.expect(t, protocol.TypeAuthorityChanged, &changed)
	assert.Nil(t, changed.AuthorityPlayer)
}

func TestAuthority_ReleaseByNonHolder(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "auth_game", code, "P1", 4)
	joinRoom(t, srv, c2, sink2, "auth_game", code, "P2", 4)
	sink1.expect(t, protocol.TypePlayerJoined, nil)
	sink1.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)

	srv.HandleMessage(c2, frame(protocol.TypeAuthorityRequest, map[string]any{"become_authority": false}))
	var resp protocol.AuthorityResponseData
	sink2.expect(t, protocol.TypeAuthorityResponse, &resp)
	assert.False(t, resp.Granted)
	require.NotNil(t, resp.Reason)
	assert.Contains(t, *resp.Reason, "You are not the current authority")
}

func TestAuthority_AcquireAfterReleaseAndRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()
	c1, sink1 := connect(t, srv, "127.0.0.1")
	c2, sink2 := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, c1, sink1, "auth_game", code, "P1", 4)
	joinRoom(t, srv, c2, sink2, "auth_game", code, "P2", 4)
	sink1.expect(t, protocol.TypePlayerJoined, nil)
	sink1.expect(t, protocol.TypeLobbyStateChanged, nil)
	sink2.expect(t, protocol.TypeLobbyStateChanged, nil)

	srv.HandleMessage(c1, frame(protocol.TypeAuthorityRequest, map[string]any{"become_authority": false}))
	sink1.expect(t, protocol.TypeAuthorityResponse, nil)
	sink1.expect(t, protocol.TypeAuthorityChanged, nil)
	sink2.expect(t, protocol.TypeAuthorityChanged, nil)

	srv.HandleMessage(c2, frame(protocol.TypeAuthorityRequest, map[string]any{"become_authority": true}))
	var resp protocol.AuthorityResponseData
	sink2.expect(t, protocol.TypeAuthorityResponse, &resp)
	assert.True(t, resp.Granted)

	var changed protocol.AuthorityChangedData
	sink2.expect(t, protocol.TypeAuthorityChanged, &changed)
	require.NotNil(t, changed.AuthorityPlayer)
	assert.Equal(t, c2.ID(), *changed.AuthorityPlayer)
	assert.True(t, changed.YouAreAuthority)

	sink1.expect(t, protocol.TypeAuthorityChanged, &changed)
	require.NotNil(t, changed.AuthorityPlayer)
	assert.False(t, changed.YouAreAuthority)
}

func TestAuthority_ContentionHasExactlyOneWinner(t *testing.T) {
	srv := newTestServer(t, nil)
	code := uniqueCode()

	creator, creatorSink := connect(t, srv, "127.0.0.1")
	joinRoom(t, srv, creator, creatorSink, "contention", code, "Creator", 8)

	type contender struct {
		client *Client
		sink   *testSink
	}
	contenders := make([]contender, 5)
	for i := range contenders {
		c, sink := connect(t, srv, "127.0.0.1")
		joinRoom(t, srv, c, sink, "contention", code, "P", 8)
		contenders[i] = contender{c, sink}
	}

	// Creator releases, then everyone races.
	srv.HandleMessage(creator, frame(protocol.TypeAuthorityRequest, map[string]any{"become_authority": false}))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, cont := range contenders {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			<-start
			srv.HandleAuthorityRequest(c, true)
		}(cont.client)
	}
	close(start)
	wg.Wait()

	granted := 0
	for _, cont := range contenders {
		draining := true
		for draining {
			select {
			case raw := <-cont.sink.frames:
				env, err := protocol.DecodeEnvelope(raw)
				require.NoError(t, err)
				if env.Type != protocol.TypeAuthorityResponse {
					continue
				}
				var resp protocol.AuthorityResponseData
				require.NoError(t, json.Unmarshal(env.Data, &resp))
				if resp.Granted {
					granted++
				} else {
					assert.Contains(t, *resp.Reason, "Another player already has authority")
				}
			default:
				draining = false
			}
		}
	}
	assert.Equal(t, 1, granted, "exactly one contender wins")

	snap, ok := srv.Store().SnapshotByCode("contention", code)
	require.True(t, ok)
	require.NotNil(t, snap.AuthorityPlayer)
}
