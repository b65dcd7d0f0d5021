// Package store is the single source of truth for rooms and players. All
// mutations to a room go through that room's mutex; the cross-room indices
// (code lookup, per-game counts, player membership) are guarded by the
// registry lock, which is always acquired before any room lock.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/metrics"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/google/uuid"
)

// maxCodeAttempts bounds collision retries during room-code generation.
const maxCodeAttempts = 8

// Player is a room member record. Owned exclusively by the Store; external
// callers see copies only.
type Player struct {
	ID           uuid.UUID
	Name         string
	JoinedAt     time.Time
	Ready        bool
	IsAuthority  bool
	Suspended    bool
	LastActivity time.Time
}

// Room is the authoritative room record. mu is the per-room serialization
// point: every mutation of players, ready flags, or authority goes through it.
type Room struct {
	mu sync.Mutex

	ID                uuid.UUID
	GameName          string
	Code              string
	MaxPlayers        int
	SupportsAuthority bool
	AuthorityPlayer   *uuid.UUID
	LobbyState        protocol.LobbyState
	Region            string
	CreatedAt         time.Time
	LastActivity      time.Time

	players map[uuid.UUID]*Player
	order   []uuid.UUID
}

type codeKey struct {
	game string
	code string
}

// OpError is a categorized store operation failure.
type OpError struct {
	Code   protocol.ErrorCode
	Reason string
}

func (e *OpError) Error() string { return e.Reason }

func opErr(code protocol.ErrorCode, format string, args ...any) *OpError {
	return &OpError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Options carries the store-relevant slice of the server configuration.
type Options struct {
	MaxRoomsPerGame    int
	RoomCodeLength     int
	RoomCodePrefix     string
	Region             string
	ReconnectionWindow time.Duration
	EventBufferSize    int
}

// Store owns every Room and Player record in the process.
type Store struct {
	mu         sync.RWMutex
	rooms      map[uuid.UUID]*Room
	byCode     map[codeKey]uuid.UUID
	gameCounts map[string]int
	playerRoom map[uuid.UUID]uuid.UUID

	slots      map[string]*ReconnectSlot
	slotByPeer map[uuid.UUID]*ReconnectSlot

	opts     Options
	registry *metrics.Registry
	now      func() time.Time
}

// New creates an empty store.
func New(opts Options, registry *metrics.Registry) *Store {
	return &Store{
		rooms:      make(map[uuid.UUID]*Room),
		byCode:     make(map[codeKey]uuid.UUID),
		gameCounts: make(map[string]int),
		playerRoom: make(map[uuid.UUID]uuid.UUID),
		slots:      make(map[string]*ReconnectSlot),
		slotByPeer: make(map[uuid.UUID]*ReconnectSlot),
		opts:       opts,
		registry:   registry,
		now:        time.Now,
	}
}

// RoomSnapshot is a consistent value copy of a room; it never aliases live
// store state.
type RoomSnapshot struct {
	ID                uuid.UUID
	GameName          string
	Code              string
	MaxPlayers        int
	SupportsAuthority bool
	AuthorityPlayer   *uuid.UUID
	LobbyState        protocol.LobbyState
	Region            string
	Players           []protocol.PlayerInfo
	ReadyPlayers      []uuid.UUID
	LastActivity      time.Time
}

// snapshotLocked copies the room. Caller holds r.mu.
func (r *Room) snapshotLocked() *RoomSnapshot {
	snap := &RoomSnapshot{
		ID:                r.ID,
		GameName:          r.GameName,
		Code:              r.Code,
		MaxPlayers:        r.MaxPlayers,
		SupportsAuthority: r.SupportsAuthority,
		LobbyState:        r.LobbyState,
		Region:            r.Region,
		LastActivity:      r.LastActivity,
	}
	if r.AuthorityPlayer != nil {
		id := *r.AuthorityPlayer
		snap.AuthorityPlayer = &id
	}
	snap.Players = make([]protocol.PlayerInfo, 0, len(r.order))
	snap.ReadyPlayers = make([]uuid.UUID, 0, len(r.order))
	for _, id := range r.order {
		p := r.players[id]
		snap.Players = append(snap.Players, protocol.PlayerInfo{
			ID:          p.ID,
			Name:        p.Name,
			IsAuthority: p.IsAuthority,
			IsReady:     p.Ready,
		})
		if p.Ready {
			snap.ReadyPlayers = append(snap.ReadyPlayers, p.ID)
		}
	}
	return snap
}

// activePeerIDsLocked returns the non-suspended members, in join order.
// Caller holds r.mu.
func (r *Room) activePeerIDsLocked() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.order))
	for _, id := range r.order {
		if !r.players[id].Suspended {
			out = append(out, id)
		}
	}
	return out
}

// JoinParams are the validated inputs to CreateOrJoin.
type JoinParams struct {
	PlayerID          uuid.UUID
	PlayerName        string
	GameName          string
	RoomCode          string // empty means "generate"
	MaxPlayers        int
	SupportsAuthority bool
}

// JoinResult reports a successful CreateOrJoin.
type JoinResult struct {
	Snapshot       *RoomSnapshot
	IsAuthority    bool
	Created        bool
	EnteredLobby   bool // this join moved the room from waiting to lobby
	RecipientPeers []uuid.UUID
}

// CreateOrJoin atomically joins an existing room or creates a new one. The
// capacity check, the per-game cap check, and the insert happen under the
// registry lock so concurrent calls on the same code or game serialize.
func (s *Store) CreateOrJoin(p JoinParams) (*JoinResult, *OpError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, already := s.playerRoom[p.PlayerID]; already {
		return nil, opErr(protocol.ErrValidationFailed, "Already in a room")
	}

	code := p.RoomCode
	if code != "" {
		if roomID, ok := s.byCode[codeKey{p.GameName, code}]; ok {
			return s.joinExistingLocked(s.rooms[roomID], p)
		}
	} else {
		generated, ok := s.generateCodeLocked(p.GameName)
		if !ok {
			return nil, opErr(protocol.ErrRoomCodeGenerationFailed, "Could not generate a unique room code")
		}
		code = generated
	}

	if s.gameCounts[p.GameName] >= s.opts.MaxRoomsPerGame {
		return nil, opErr(protocol.ErrMaxRoomsPerGameExceeded,
			"Game %q reached its room limit (%d)", p.GameName, s.opts.MaxRoomsPerGame)
	}

	return s.createRoomLocked(code, p), nil
}

// generateCodeLocked draws codes until one is free or attempts are exhausted.
func (s *Store) generateCodeLocked(game string) (string, bool) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := protocol.GenerateRoomCode(s.opts.RoomCodeLength, s.opts.RoomCodePrefix)
		if _, taken := s.byCode[codeKey{game, code}]; !taken {
			return code, true
		}
	}
	return "", false
}

func (s *Store) createRoomLocked(code string, p JoinParams) *JoinResult {
	now := s.now()
	room := &Room{
		ID:                uuid.New(),
		GameName:          p.GameName,
		Code:              code,
		MaxPlayers:        p.MaxPlayers,
		SupportsAuthority: p.SupportsAuthority,
		LobbyState:        protocol.LobbyStateWaiting,
		Region:            s.opts.Region,
		CreatedAt:         now,
		LastActivity:      now,
		players:           make(map[uuid.UUID]*Player),
	}

	player := &Player{
		ID:           p.PlayerID,
		Name:         p.PlayerName,
		JoinedAt:     now,
		LastActivity: now,
	}
	if p.SupportsAuthority {
		player.IsAuthority = true
		id := p.PlayerID
		room.AuthorityPlayer = &id
	}
	room.players[p.PlayerID] = player
	room.order = append(room.order, p.PlayerID)

	s.rooms[room.ID] = room
	s.byCode[codeKey{p.GameName, code}] = room.ID
	s.gameCounts[p.GameName]++
	s.playerRoom[p.PlayerID] = room.ID

	s.registry.RoomCreated()
	s.registry.PlayerAttached()

	return &JoinResult{
		Snapshot:    room.snapshotLocked(),
		IsAuthority: player.IsAuthority,
		Created:     true,
	}
}

// joinExistingLocked adds the player to a live room. Caller holds the
// registry lock; the room lock serializes against in-room activity.
func (s *Store) joinExistingLocked(room *Room, p JoinParams) (*JoinResult, *OpError) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.SupportsAuthority != p.SupportsAuthority {
		return nil, opErr(protocol.ErrAuthorityMismatch,
			"Room authority mode does not match the join request")
	}
	if len(room.players) >= room.MaxPlayers {
		return nil, opErr(protocol.ErrRoomFull, "Room %s is full (%d players)", room.Code, room.MaxPlayers)
	}

	now := s.now()
	peers := room.activePeerIDsLocked()
	room.players[p.PlayerID] = &Player{
		ID:           p.PlayerID,
		Name:         p.PlayerName,
		JoinedAt:     now,
		LastActivity: now,
	}
	room.order = append(room.order, p.PlayerID)
	room.LastActivity = now
	s.playerRoom[p.PlayerID] = room.ID
	s.registry.PlayerAttached()

	entered := false
	if room.LobbyState == protocol.LobbyStateWaiting && len(room.players) >= 2 {
		room.LobbyState = protocol.LobbyStateLobby
		entered = true
	}

	return &JoinResult{
		Snapshot:       room.snapshotLocked(),
		IsAuthority:    false,
		EnteredLobby:   entered,
		RecipientPeers: peers,
	}, nil
}

// LeaveResult reports a completed leave.
type LeaveResult struct {
	RoomID       uuid.UUID
	WasAuthority bool
	RoomEmpty    bool
	LobbyChanged bool
	Snapshot     *RoomSnapshot // state after removal; nil when the room emptied
	Peers        []uuid.UUID   // remaining active members to notify
}

// Leave removes the player from their room. The authority flag is cleared
// without promotion; election is a separate client-driven step.
func (s *Store) Leave(playerID uuid.UUID) (*LeaveResult, *OpError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveLocked(playerID)
}

func (s *Store) leaveLocked(playerID uuid.UUID) (*LeaveResult, *OpError) {
	roomID, ok := s.playerRoom[playerID]
	if !ok {
		return nil, opErr(protocol.ErrNotInRoom, "Not in a room")
	}
	room := s.rooms[roomID]

	room.mu.Lock()
	defer room.mu.Unlock()

	player := room.players[playerID]
	wasAuthority := player != nil && player.IsAuthority

	delete(room.players, playerID)
	for i, id := range room.order {
		if id == playerID {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	delete(s.playerRoom, playerID)
	s.registry.PlayerDetached()

	if wasAuthority {
		room.AuthorityPlayer = nil
	}
	room.LastActivity = s.now()

	lobbyChanged := false
	if room.LobbyState == protocol.LobbyStateLobby && len(room.players) < 2 {
		room.LobbyState = protocol.LobbyStateWaiting
		lobbyChanged = true
	}

	res := &LeaveResult{
		RoomID:       roomID,
		WasAuthority: wasAuthority,
		LobbyChanged: lobbyChanged,
		Peers:        room.activePeerIDsLocked(),
	}

	if len(room.players) == 0 {
		res.RoomEmpty = true
		// Room stays in the registry until the cleanup scheduler ages it out,
		// so a quick rejoin lands in the same room.
		return res, nil
	}

	res.Snapshot = room.snapshotLocked()
	return res, nil
}

// CASResult reports a compare-and-swap on room authority.
type CASResult struct {
	Accepted bool
	Snapshot *RoomSnapshot
	Peers    []uuid.UUID
}

// SetAuthorityCAS atomically swaps room.AuthorityPlayer from expected to next
// at the room's serialization point. Both acquire (nil→id) and release
// (id→nil) go through here, so there is exactly one winner under contention.
func (s *Store) SetAuthorityCAS(playerID uuid.UUID, expected, next *uuid.UUID) (*CASResult, *OpError) {
	room, err := s.roomOf(playerID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if !uuidPtrEqual(room.AuthorityPlayer, expected) {
		return &CASResult{Accepted: false}, nil
	}

	if room.AuthorityPlayer != nil {
		if holder, ok := room.players[*room.AuthorityPlayer]; ok {
			holder.IsAuthority = false
		}
	}
	room.AuthorityPlayer = nil
	if next != nil {
		id := *next
		room.AuthorityPlayer = &id
		if holder, ok := room.players[id]; ok {
			holder.IsAuthority = true
		}
	}
	room.LastActivity = s.now()

	return &CASResult{
		Accepted: true,
		Snapshot: room.snapshotLocked(),
		Peers:    room.activePeerIDsLocked(),
	}, nil
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ReadyResult reports a ready toggle.
type ReadyResult struct {
	Snapshot *RoomSnapshot
	Peers    []uuid.UUID
	Toggled  bool // false for single-player no-ops
	Started  bool // this toggle moved the room into in_game
}

// TogglePlayerReady flips the caller's ready flag. Rooms with fewer than two
// players never enter the ready-up flow, so the toggle is a silent no-op
// there. When the last unready player flips in a lobby, the room starts.
func (s *Store) TogglePlayerReady(playerID uuid.UUID) (*ReadyResult, *OpError) {
	room, err := s.roomOf(playerID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if len(room.players) < 2 {
		return &ReadyResult{Toggled: false}, nil
	}

	player, ok := room.players[playerID]
	if !ok {
		return nil, opErr(protocol.ErrNotInRoom, "Not in a room")
	}
	player.Ready = !player.Ready
	room.LastActivity = s.now()

	allReady := true
	for _, p := range room.players {
		if !p.Ready {
			allReady = false
			break
		}
	}

	started := false
	if room.LobbyState == protocol.LobbyStateLobby && allReady {
		room.LobbyState = protocol.LobbyStateInGame
		started = true
	}

	return &ReadyResult{
		Snapshot: room.snapshotLocked(),
		Peers:    room.activePeerIDsLocked(),
		Toggled:  true,
		Started:  started,
	}, nil
}

// Touch refreshes the player's and room's last-activity stamps.
func (s *Store) Touch(playerID uuid.UUID) {
	room, err := s.roomOf(playerID)
	if err != nil {
		return
	}
	room.mu.Lock()
	now := s.now()
	if p, ok := room.players[playerID]; ok {
		p.LastActivity = now
	}
	room.LastActivity = now
	room.mu.Unlock()
}

// roomOf resolves a player's room under the registry read lock.
func (s *Store) roomOf(playerID uuid.UUID) (*Room, *OpError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.playerRoom[playerID]
	if !ok {
		return nil, opErr(protocol.ErrNotInRoom, "Not in a room")
	}
	return s.rooms[roomID], nil
}

// SnapshotByPlayer returns the room snapshot for a member, if any.
func (s *Store) SnapshotByPlayer(playerID uuid.UUID) (*RoomSnapshot, bool) {
	room, err := s.roomOf(playerID)
	if err != nil {
		return nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.snapshotLocked(), true
}

// PlayerRoomID reports which room a player is in.
func (s *Store) PlayerRoomID(playerID uuid.UUID) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.playerRoom[playerID]
	return id, ok
}

// GameRoomCount reports the live room count for a game.
func (s *Store) GameRoomCount(game string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gameCounts[game]
}

// SnapshotByCode looks a room up by (game, code).
func (s *Store) SnapshotByCode(game, code string) (*RoomSnapshot, bool) {
	s.mu.RLock()
	room, ok := s.rooms[s.byCode[codeKey{game, code}]]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.snapshotLocked(), true
}

// RemovedRoom describes a room dropped by cleanup, with the players that were
// still attached (idle cleanup only).
type RemovedRoom struct {
	ID      uuid.UUID
	Code    string
	Game    string
	Players []uuid.UUID
}

// CleanupEmptyRooms drops rooms with no players whose last activity is older
// than olderThan. Safe to call concurrently: each candidate is removed at
// most once because removal happens under the registry lock.
func (s *Store) CleanupEmptyRooms(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for id, room := range s.rooms {
		room.mu.Lock()
		empty := len(room.players) == 0 && room.LastActivity.Before(cutoff)
		room.mu.Unlock()
		if empty {
			s.removeRoomLocked(id, room)
			removed++
		}
	}
	return removed
}

// CleanupIdleRooms drops rooms whose last activity is older than olderThan
// regardless of occupancy, returning them so callers can notify members.
func (s *Store) CleanupIdleRooms(olderThan time.Duration) []RemovedRoom {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var out []RemovedRoom
	for id, room := range s.rooms {
		room.mu.Lock()
		idle := room.LastActivity.Before(cutoff)
		var members []uuid.UUID
		if idle {
			members = append(members, room.order...)
		}
		room.mu.Unlock()
		if !idle {
			continue
		}
		for _, pid := range members {
			delete(s.playerRoom, pid)
			s.registry.PlayerDetached()
		}
		s.removeRoomLocked(id, room)
		out = append(out, RemovedRoom{ID: id, Code: room.Code, Game: room.GameName, Players: members})
	}
	return out
}

// removeRoomLocked drops a room from every index. Caller holds the registry
// lock and guarantees no players remain mapped to it.
func (s *Store) removeRoomLocked(id uuid.UUID, room *Room) {
	delete(s.rooms, id)
	delete(s.byCode, codeKey{room.GameName, room.Code})
	s.gameCounts[room.GameName]--
	if s.gameCounts[room.GameName] <= 0 {
		delete(s.gameCounts, room.GameName)
	}
	s.registry.RoomDestroyed()
}
