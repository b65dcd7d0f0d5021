// Package protocol defines the JSON wire protocol spoken over /v2/ws and the
// validation rules applied to inbound values. Every frame is a text frame
// carrying {"type": "<MessageType>", "data": {...}}; messages with no payload
// omit data entirely.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client-to-server message types.
const (
	TypePing             = "Ping"
	TypeJoinRoom         = "JoinRoom"
	TypeLeaveRoom        = "LeaveRoom"
	TypeGameData         = "GameData"
	TypeGameDataBinary   = "GameDataBinary"
	TypeAuthorityRequest = "AuthorityRequest"
	TypePlayerReady      = "PlayerReady"
	TypeHeartbeat        = "Heartbeat"
	TypeReconnect        = "Reconnect"
)

// Server-to-client message types.
const (
	TypePong              = "Pong"
	TypeRoomJoined        = "RoomJoined"
	TypeRoomJoinFailed    = "RoomJoinFailed"
	TypeRoomLeft          = "RoomLeft"
	TypePlayerJoined      = "PlayerJoined"
	TypePlayerLeft        = "PlayerLeft"
	TypeAuthorityResponse = "AuthorityResponse"
	TypeAuthorityChanged  = "AuthorityChanged"
	TypeLobbyStateChanged = "LobbyStateChanged"
	TypeGameStarting      = "GameStarting"
	TypeError             = "Error"
)

// LobbyState is the per-room phase of the ready-up flow.
type LobbyState string

const (
	LobbyStateWaiting LobbyState = "waiting"
	LobbyStateLobby   LobbyState = "lobby"
	LobbyStateInGame  LobbyState = "in_game"
)

// Envelope is the outer frame shared by both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a raw text frame. An unparsable frame or a missing
// type is a protocol violation.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed message frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message frame missing type")
	}
	return &env, nil
}

// Encode marshals an outbound message once. The returned slice is shared
// across all recipients of a broadcast; callers must not mutate it.
func Encode(msgType string, data any) ([]byte, error) {
	if data == nil {
		return json.Marshal(Envelope{Type: msgType})
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// --- Inbound payloads ---

// JoinRoomData creates or joins a room. RoomCode nil means "generate one".
type JoinRoomData struct {
	GameName          string  `json:"game_name"`
	RoomCode          *string `json:"room_code,omitempty"`
	PlayerName        string  `json:"player_name"`
	MaxPlayers        *int    `json:"max_players,omitempty"`
	SupportsAuthority *bool   `json:"supports_authority,omitempty"`
}

// AuthorityRequestData acquires (true) or releases (false) room authority.
type AuthorityRequestData struct {
	BecomeAuthority bool `json:"become_authority"`
}

// GameDataPayload relays an opaque JSON document to the rest of the room.
type GameDataPayload struct {
	Data json.RawMessage `json:"data"`
}

// GameDataBinaryPayload relays an opaque byte payload (base64 on the wire).
type GameDataBinaryPayload struct {
	Payload []byte `json:"payload"`
}

// ReconnectData resumes a suspended session.
type ReconnectData struct {
	Token string `json:"token"`
}

// --- Outbound payloads ---

// PlayerInfo is the public view of a room member.
type PlayerInfo struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	IsAuthority bool      `json:"is_authority"`
	IsReady     bool      `json:"is_ready"`
}

// RoomJoinedData is the direct reply to a successful JoinRoom.
type RoomJoinedData struct {
	RoomID            uuid.UUID    `json:"room_id"`
	RoomCode          string       `json:"room_code"`
	GameName          string       `json:"game_name"`
	PlayerID          uuid.UUID    `json:"player_id"`
	MaxPlayers        int          `json:"max_players"`
	CurrentPlayers    []PlayerInfo `json:"current_players"`
	IsAuthority       bool         `json:"is_authority"`
	SupportsAuthority bool         `json:"supports_authority"`
	LobbyState        LobbyState   `json:"lobby_state"`
	ReadyPlayers      []uuid.UUID  `json:"ready_players"`
	ReconnectToken    string       `json:"reconnect_token,omitempty"`
	Region            string       `json:"region,omitempty"`
}

// RoomJoinFailedData is the direct reply to a rejected JoinRoom.
type RoomJoinFailedData struct {
	Reason    string    `json:"reason"`
	ErrorCode ErrorCode `json:"error_code"`
}

// PlayerJoinedData announces a new member to existing members.
type PlayerJoinedData struct {
	Player PlayerInfo `json:"player"`
}

// PlayerLeftData announces a departed member.
type PlayerLeftData struct {
	PlayerID uuid.UUID `json:"player_id"`
}

// GameDataOut relays GameData to the rest of the room.
type GameDataOut struct {
	FromPlayer uuid.UUID       `json:"from_player"`
	Data       json.RawMessage `json:"data"`
}

// GameDataBinaryOut relays GameDataBinary to the rest of the room.
type GameDataBinaryOut struct {
	FromPlayer uuid.UUID `json:"from_player"`
	Payload    []byte    `json:"payload"`
}

// AuthorityResponseData is the direct reply to an AuthorityRequest.
type AuthorityResponseData struct {
	Granted bool    `json:"granted"`
	Reason  *string `json:"reason,omitempty"`
}

// AuthorityChangedData announces the room's new authority holder. The
// YouAreAuthority flag is recomputed per recipient.
type AuthorityChangedData struct {
	AuthorityPlayer *uuid.UUID `json:"authority_player"`
	YouAreAuthority bool       `json:"you_are_authority"`
}

// LobbyStateChangedData announces ready-set and phase changes.
type LobbyStateChangedData struct {
	LobbyState   LobbyState  `json:"lobby_state"`
	ReadyPlayers []uuid.UUID `json:"ready_players"`
	AllReady     bool        `json:"all_ready"`
}

// GameStartingData carries the final peer roster once everyone is ready.
type GameStartingData struct {
	PeerConnections []PlayerInfo `json:"peer_connections"`
}

// ErrorData is an asynchronous error notification.
type ErrorData struct {
	Message   string    `json:"message"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}
