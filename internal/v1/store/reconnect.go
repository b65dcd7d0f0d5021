package store

import (
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/google/uuid"
)

// ReconnectSlot parks a disconnected player's session for the reconnection
// window. Outbound events addressed to the player accumulate in a fixed ring;
// a successful Reconnect drains the ring in order.
type ReconnectSlot struct {
	Token     string
	RoomID    uuid.UUID
	PlayerID  uuid.UUID
	ExpiresAt time.Time

	buf   [][]byte
	head  int
	count int
	seq   uint64
}

func newReconnectSlot(token string, roomID, playerID uuid.UUID, expires time.Time, bufSize int) *ReconnectSlot {
	return &ReconnectSlot{
		Token:     token,
		RoomID:    roomID,
		PlayerID:  playerID,
		ExpiresAt: expires,
		buf:       make([][]byte, bufSize),
	}
}

// append stores one raw frame, overwriting the oldest when full, and returns
// the frame's sequence number. Caller holds the registry lock.
func (sl *ReconnectSlot) append(raw []byte) uint64 {
	idx := (sl.head + sl.count) % len(sl.buf)
	if sl.count == len(sl.buf) {
		sl.head = (sl.head + 1) % len(sl.buf)
	} else {
		sl.count++
	}
	sl.buf[idx] = raw
	sl.seq++
	return sl.seq
}

// drain returns the buffered frames oldest-first.
func (sl *ReconnectSlot) drain() [][]byte {
	out := make([][]byte, 0, sl.count)
	for i := 0; i < sl.count; i++ {
		out = append(out, sl.buf[(sl.head+i)%len(sl.buf)])
	}
	sl.head, sl.count = 0, 0
	return out
}

// Suspend parks playerID's membership under token. The player stays in the
// room but stops receiving live broadcasts; events buffer in the slot instead.
func (s *Store) Suspend(playerID uuid.UUID, token string) *OpError {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.playerRoom[playerID]
	if !ok {
		return opErr(protocol.ErrNotInRoom, "Not in a room")
	}
	room := s.rooms[roomID]

	room.mu.Lock()
	if p, ok := room.players[playerID]; ok {
		p.Suspended = true
	}
	room.mu.Unlock()

	slot := newReconnectSlot(token, roomID, playerID, s.now().Add(s.opts.ReconnectionWindow), s.opts.EventBufferSize)
	s.slots[token] = slot
	s.slotByPeer[playerID] = slot
	return nil
}

// BufferEvent appends a frame to a suspended player's slot. Returns false
// when the player has no live slot.
func (s *Store) BufferEvent(playerID uuid.UUID, raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slotByPeer[playerID]
	if !ok {
		return false
	}
	slot.append(raw)
	return true
}

// IsSuspended reports whether a player is parked in a reconnection slot.
func (s *Store) IsSuspended(playerID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slotByPeer[playerID]
	return ok
}

// ResumeResult carries everything the server needs to revive a session.
type ResumeResult struct {
	PlayerID uuid.UUID
	RoomID   uuid.UUID
	Buffered [][]byte
	Snapshot *RoomSnapshot
}

// Resume consumes a reconnect token: the slot is removed, the player is
// unsuspended, and the buffered frames are handed back for replay.
func (s *Store) Resume(token string) (*ResumeResult, *OpError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[token]
	if !ok || s.now().After(slot.ExpiresAt) {
		// An expired slot stays put; ExpireSlots finalizes the leave.
		return nil, opErr(protocol.ErrReconnectTokenInvalid, "Reconnect token is invalid or expired")
	}

	room, roomOK := s.rooms[slot.RoomID]
	if !roomOK {
		s.dropSlotLocked(slot)
		return nil, opErr(protocol.ErrRoomNotFound, "Room no longer exists")
	}

	room.mu.Lock()
	if p, pok := room.players[slot.PlayerID]; pok {
		p.Suspended = false
		p.LastActivity = s.now()
	}
	room.LastActivity = s.now()
	snap := room.snapshotLocked()
	room.mu.Unlock()

	buffered := slot.drain()
	s.dropSlotLocked(slot)

	return &ResumeResult{
		PlayerID: slot.PlayerID,
		RoomID:   slot.RoomID,
		Buffered: buffered,
		Snapshot: snap,
	}, nil
}

// ExpiredSlot reports a reconnection slot that ran out, with the leave result
// from finalizing the player's membership.
type ExpiredSlot struct {
	PlayerID uuid.UUID
	Leave    *LeaveResult
}

// ExpireSlots finalizes every slot past its deadline: the slot is dropped and
// the player's membership ends as if they had sent LeaveRoom.
func (s *Store) ExpireSlots() []ExpiredSlot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []ExpiredSlot
	for _, slot := range s.slots {
		if now.Before(slot.ExpiresAt) {
			continue
		}
		s.dropSlotLocked(slot)
		leave, err := s.leaveLocked(slot.PlayerID)
		if err != nil {
			continue
		}
		out = append(out, ExpiredSlot{PlayerID: slot.PlayerID, Leave: leave})
	}
	return out
}

func (s *Store) dropSlotLocked(slot *ReconnectSlot) {
	delete(s.slots, slot.Token)
	delete(s.slotByPeer, slot.PlayerID)
}
