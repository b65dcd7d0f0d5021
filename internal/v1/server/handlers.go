package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/logging"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/metrics"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/ratelimit"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandleMessage is the single entry point for inbound frames. It runs on the
// connection's read goroutine, so calls for one client are strictly ordered.
func (s *GameServer) HandleMessage(c *Client, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		s.protocolViolation(c, err.Error())
		return
	}

	start := time.Now()
	metrics.MessagesIn.WithLabelValues(env.Type).Inc()
	defer func() {
		elapsed := time.Since(start)
		metrics.MessageProcessingDuration.WithLabelValues(env.Type).Observe(elapsed.Seconds())
		s.registry.Latency().AddSample(env.Type, elapsed)
	}()

	switch env.Type {
	case protocol.TypePing:
		s.sendTo(c.ID(), protocol.TypePong, nil)

	case protocol.TypeJoinRoom:
		var data protocol.JoinRoomData
		if !s.decodeData(c, env, &data) {
			return
		}
		s.HandleJoinRoom(c, data)

	case protocol.TypeLeaveRoom:
		s.HandleLeaveRoom(c)

	case protocol.TypeGameData:
		var data protocol.GameDataPayload
		if !s.decodeData(c, env, &data) {
			return
		}
		s.HandleGameData(c, data.Data)

	case protocol.TypeGameDataBinary:
		var data protocol.GameDataBinaryPayload
		if !s.decodeData(c, env, &data) {
			return
		}
		s.HandleGameDataBinary(c, data.Payload)

	case protocol.TypeAuthorityRequest:
		var data protocol.AuthorityRequestData
		if !s.decodeData(c, env, &data) {
			return
		}
		s.HandleAuthorityRequest(c, data.BecomeAuthority)

	case protocol.TypePlayerReady:
		s.HandlePlayerReady(c)

	case protocol.TypeHeartbeat:
		s.HandleHeartbeat(c)

	case protocol.TypeReconnect:
		var data protocol.ReconnectData
		if !s.decodeData(c, env, &data) {
			return
		}
		s.HandleReconnect(c, data.Token)

	default:
		s.protocolViolation(c, "Unknown message type: "+env.Type)
	}
}

func (s *GameServer) decodeData(c *Client, env *protocol.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		s.protocolViolation(c, "Malformed "+env.Type+" payload")
		return false
	}
	return true
}

// protocolViolation reports the offense and closes the connection.
func (s *GameServer) protocolViolation(c *Client, reason string) {
	s.sendTo(c.ID(), protocol.TypeError, protocol.ErrorData{
		Message:   reason,
		ErrorCode: protocol.ErrProtocolViolation,
	})
	s.KickClient(c, protocol.ErrProtocolViolation, reason)
}

// HandleJoinRoom validates, rate-limits, and executes a create-or-join.
func (s *GameServer) HandleJoinRoom(c *Client, req protocol.JoinRoomData) {
	playerID := c.ID()

	if verr := s.validateJoin(&req); verr != nil {
		s.joinFailed(playerID, verr.Code, verr.Message)
		return
	}

	maxPlayers := s.cfg.Server.DefaultMaxPlayers
	if req.MaxPlayers != nil {
		maxPlayers = *req.MaxPlayers
	}
	supportsAuthority := true
	if req.SupportsAuthority != nil {
		supportsAuthority = *req.SupportsAuthority
	} else if req.RoomCode != nil {
		// An omitted flag adopts the mode of the room being joined.
		if existing, ok := s.store.SnapshotByCode(req.GameName, *req.RoomCode); ok {
			supportsAuthority = existing.SupportsAuthority
		}
	}
	roomCode := ""
	if req.RoomCode != nil {
		roomCode = *req.RoomCode
	}

	action := ratelimit.ActionJoinAttempt
	failure := "Join attempt rate limit exceeded"
	if roomCode == "" {
		action = ratelimit.ActionRoomCreation
		failure = "Room creation rate limit exceeded"
	}
	if decision := s.limiter.CheckAndConsume(context.Background(), s.identityOf(c), action); !decision.Allowed {
		s.joinFailed(playerID, protocol.ErrRateLimitExceeded, failure)
		return
	}

	res, opErr := s.store.CreateOrJoin(store.JoinParams{
		PlayerID:          playerID,
		PlayerName:        req.PlayerName,
		GameName:          req.GameName,
		RoomCode:          roomCode,
		MaxPlayers:        maxPlayers,
		SupportsAuthority: supportsAuthority,
	})
	if opErr != nil {
		s.joinFailed(playerID, opErr.Code, opErr.Reason)
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.joinTokens[playerID] = token
	s.mu.Unlock()

	s.registry.JoinSucceeded()
	snap := res.Snapshot
	s.sendTo(playerID, protocol.TypeRoomJoined, s.roomJoinedPayload(snap, playerID, res.IsAuthority, token))

	s.broadcast(res.RecipientPeers, protocol.TypePlayerJoined, protocol.PlayerJoinedData{
		Player: protocol.PlayerInfo{ID: playerID, Name: req.PlayerName},
	})

	if res.EnteredLobby {
		everyone := append(append([]uuid.UUID{}, res.RecipientPeers...), playerID)
		s.broadcastLobbyState(everyone, snap)
	}

	logging.Info(context.Background(), "Player joined room",
		zap.String("client_id", playerID.String()),
		zap.String("room_code", snap.Code),
		zap.String("game", snap.GameName),
		zap.Bool("created", res.Created))
}

func (s *GameServer) validateJoin(req *protocol.JoinRoomData) *protocol.ValidationError {
	if verr := protocol.ValidateGameName(req.GameName, &s.cfg.Protocol); verr != nil {
		return verr
	}
	if req.RoomCode != nil {
		if verr := protocol.ValidateRoomCode(*req.RoomCode, &s.cfg.Protocol, s.cfg.Server.RoomCodePrefix); verr != nil {
			return verr
		}
	}
	if verr := protocol.ValidatePlayerName(req.PlayerName, &s.cfg.Protocol); verr != nil {
		return verr
	}
	if req.MaxPlayers != nil {
		if verr := protocol.ValidateMaxPlayers(*req.MaxPlayers, &s.cfg.Protocol); verr != nil {
			return verr
		}
	}
	return nil
}

func (s *GameServer) identityOf(c *Client) string {
	if appID := c.AppID(); appID != "" {
		return appID
	}
	return c.ip
}

func (s *GameServer) joinFailed(playerID uuid.UUID, code protocol.ErrorCode, reason string) {
	s.registry.JoinFailed(string(code))
	s.sendTo(playerID, protocol.TypeRoomJoinFailed, protocol.RoomJoinFailedData{
		Reason:    reason,
		ErrorCode: code,
	})
}

func (s *GameServer) roomJoinedPayload(snap *store.RoomSnapshot, playerID uuid.UUID, isAuthority bool, token string) protocol.RoomJoinedData {
	return protocol.RoomJoinedData{
		RoomID:            snap.ID,
		RoomCode:          snap.Code,
		GameName:          snap.GameName,
		PlayerID:          playerID,
		MaxPlayers:        snap.MaxPlayers,
		CurrentPlayers:    snap.Players,
		IsAuthority:       isAuthority,
		SupportsAuthority: snap.SupportsAuthority,
		LobbyState:        snap.LobbyState,
		ReadyPlayers:      snap.ReadyPlayers,
		ReconnectToken:    token,
		Region:            snap.Region,
	}
}

// HandleLeaveRoom executes an explicit leave.
func (s *GameServer) HandleLeaveRoom(c *Client) {
	playerID := c.ID()
	res, opErr := s.store.Leave(playerID)
	if opErr != nil {
		s.sendTo(playerID, protocol.TypeError, protocol.ErrorData{
			Message:   opErr.Reason,
			ErrorCode: opErr.Code,
		})
		return
	}
	s.dropToken(playerID)
	s.sendTo(playerID, protocol.TypeRoomLeft, nil)
	s.announceLeave(playerID, res)
}

// HandleAuthorityRequest runs the authority acquire/release protocol. The
// direct AuthorityResponse is always enqueued to the requester before the
// AuthorityChanged broadcast, so the requester observes them in that order.
func (s *GameServer) HandleAuthorityRequest(c *Client, becomeAuthority bool) {
	playerID := c.ID()

	snap, ok := s.store.SnapshotByPlayer(playerID)
	if !ok {
		s.sendTo(playerID, protocol.TypeError, protocol.ErrorData{
			Message:   "Not in a room",
			ErrorCode: protocol.ErrNotInRoom,
		})
		return
	}

	if !snap.SupportsAuthority {
		s.authorityDenied(playerID, "Room does not support authority")
		return
	}

	if becomeAuthority {
		res, opErr := s.store.SetAuthorityCAS(playerID, nil, &playerID)
		if opErr != nil || !res.Accepted {
			s.authorityDenied(playerID, "Another player already has authority")
			return
		}
		s.registry.AuthorityAcquired()
		s.sendTo(playerID, protocol.TypeAuthorityResponse, protocol.AuthorityResponseData{Granted: true})
		s.broadcastAuthorityChanged(res.Peers, &playerID)
		return
	}

	res, opErr := s.store.SetAuthorityCAS(playerID, &playerID, nil)
	if opErr != nil || !res.Accepted {
		s.authorityDenied(playerID, "You are not the current authority")
		return
	}
	s.registry.AuthorityReleased()
	s.sendTo(playerID, protocol.TypeAuthorityResponse, protocol.AuthorityResponseData{Granted: true})
	s.broadcastAuthorityChanged(res.Peers, nil)
}

func (s *GameServer) authorityDenied(playerID uuid.UUID, reason string) {
	s.sendTo(playerID, protocol.TypeAuthorityResponse, protocol.AuthorityResponseData{
		Granted: false,
		Reason:  &reason,
	})
}

// HandlePlayerReady toggles the caller's ready flag and drives the lobby.
func (s *GameServer) HandlePlayerReady(c *Client) {
	playerID := c.ID()
	res, opErr := s.store.TogglePlayerReady(playerID)
	if opErr != nil {
		s.sendTo(playerID, protocol.TypeError, protocol.ErrorData{
			Message:   "Not in a room",
			ErrorCode: protocol.ErrNotInRoom,
		})
		return
	}
	if !res.Toggled {
		// Single-player rooms have no ready-up phase; stay silent.
		return
	}

	s.broadcastLobbyState(res.Peers, res.Snapshot)

	if res.Started {
		s.broadcast(res.Peers, protocol.TypeGameStarting, protocol.GameStartingData{
			PeerConnections: res.Snapshot.Players,
		})
	}
}

// HandleGameData relays an opaque JSON payload to the rest of the room.
func (s *GameServer) HandleGameData(c *Client, data json.RawMessage) {
	s.relayGameData(c, protocol.TypeGameData, func(from uuid.UUID) any {
		return protocol.GameDataOut{FromPlayer: from, Data: data}
	})
}

// HandleGameDataBinary relays an opaque byte payload. The payload slice is
// shared: one allocation feeds every recipient's frame.
func (s *GameServer) HandleGameDataBinary(c *Client, payload []byte) {
	s.relayGameData(c, protocol.TypeGameDataBinary, func(from uuid.UUID) any {
		return protocol.GameDataBinaryOut{FromPlayer: from, Payload: payload}
	})
}

func (s *GameServer) relayGameData(c *Client, msgType string, build func(uuid.UUID) any) {
	playerID := c.ID()
	snap, ok := s.store.SnapshotByPlayer(playerID)
	if !ok {
		s.sendTo(playerID, protocol.TypeError, protocol.ErrorData{
			Message:   "Not in a room",
			ErrorCode: protocol.ErrNotInRoom,
		})
		return
	}
	s.store.Touch(playerID)

	recipients := make([]uuid.UUID, 0, len(snap.Players))
	for _, p := range snap.Players {
		if p.ID != playerID {
			recipients = append(recipients, p.ID)
		}
	}
	s.broadcast(recipients, msgType, build(playerID))
}

// HandleHeartbeat refreshes activity stamps, ignoring floods.
func (s *GameServer) HandleHeartbeat(c *Client) {
	throttle := time.Duration(s.cfg.Server.HeartbeatThrottleSecs) * time.Second
	if c.heartbeatWithin(time.Now(), throttle) {
		return
	}
	s.store.Touch(c.ID())
}

// HandleReconnect resumes a suspended session: the connection takes over the
// original player identity, receives a fresh room snapshot, and then the
// buffered events in their original order.
func (s *GameServer) HandleReconnect(c *Client, token string) {
	if _, inRoom := s.store.PlayerRoomID(c.ID()); inRoom {
		s.sendTo(c.ID(), protocol.TypeError, protocol.ErrorData{
			Message:   "Already in a room",
			ErrorCode: protocol.ErrValidationFailed,
		})
		return
	}

	res, opErr := s.store.Resume(token)
	if opErr != nil {
		s.sendTo(c.ID(), protocol.TypeError, protocol.ErrorData{
			Message:   opErr.Reason,
			ErrorCode: opErr.Code,
		})
		return
	}

	oldID := c.ID()
	newToken := uuid.NewString()

	s.mu.Lock()
	delete(s.conns, oldID)
	delete(s.joinTokens, oldID)
	c.setID(res.PlayerID)
	s.conns[res.PlayerID] = c
	s.joinTokens[res.PlayerID] = newToken
	s.mu.Unlock()

	snap := res.Snapshot
	isAuthority := snap.AuthorityPlayer != nil && *snap.AuthorityPlayer == res.PlayerID
	s.sendTo(res.PlayerID, protocol.TypeRoomJoined, s.roomJoinedPayload(snap, res.PlayerID, isAuthority, newToken))

	for _, frame := range res.Buffered {
		if !c.trySend(frame) {
			s.KickClient(c, protocol.ErrSlowConsumer, "Outbound queue overflow during replay")
			return
		}
	}

	logging.Info(context.Background(), "Player resumed session",
		zap.String("client_id", res.PlayerID.String()),
		zap.String("room_id", res.RoomID.String()),
		zap.Int("replayed", len(res.Buffered)))
}
