package server

import (
	"context"
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/logging"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"go.uber.org/zap"
)

// RunCleanup is the periodic maintenance loop: empty and idle rooms age out,
// expired reconnection slots finalize into leaves, and connections that
// stopped heartbeating are torn down. Each pass is idempotent; the store's
// registry lock guarantees a candidate is removed at most once even when
// passes overlap.
func (s *GameServer) RunCleanup(ctx context.Context) {
	interval := time.Duration(s.cfg.Server.RoomCleanupInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupPass(ctx)
		}
	}
}

// CleanupPass runs one round of maintenance. Exported so tests and shutdown
// paths can drive it directly.
func (s *GameServer) CleanupPass(ctx context.Context) {
	emptyTimeout := time.Duration(s.cfg.Server.EmptyRoomTimeout) * time.Second
	if removed := s.store.CleanupEmptyRooms(emptyTimeout); removed > 0 {
		logging.Info(ctx, "Removed empty rooms", zap.Int("count", removed))
	}

	inactiveTimeout := time.Duration(s.cfg.Server.InactiveRoomTimeout) * time.Second
	for _, room := range s.store.CleanupIdleRooms(inactiveTimeout) {
		logging.Info(ctx, "Removed idle room",
			zap.String("room_id", room.ID.String()),
			zap.String("game", room.Game),
			zap.Int("players", len(room.Players)))
		for _, playerID := range room.Players {
			s.dropToken(playerID)
			s.sendTo(playerID, protocol.TypeError, protocol.ErrorData{
				Message: "Room closed due to inactivity",
			})
			s.sendTo(playerID, protocol.TypeRoomLeft, nil)
		}
	}

	for _, expired := range s.store.ExpireSlots() {
		logging.Info(ctx, "Reconnection window expired",
			zap.String("client_id", expired.PlayerID.String()))
		s.dropToken(expired.PlayerID)
		s.announceLeave(expired.PlayerID, expired.Leave)
	}

	s.reapDeadConnections()
}

// reapDeadConnections kills connections whose last heartbeat predates the
// ping timeout.
func (s *GameServer) reapDeadConnections() {
	timeout := time.Duration(s.cfg.Server.PingTimeout) * time.Second
	if timeout <= 0 {
		return
	}
	now := time.Now()

	s.mu.Lock()
	var dead []*Client
	for _, c := range s.conns {
		if c.heartbeatAge(now) > timeout {
			dead = append(dead, c)
		}
	}
	s.mu.Unlock()

	for _, c := range dead {
		logging.Warn(context.Background(), "Heartbeat timeout, dropping connection",
			zap.String("client_id", c.ID().String()))
		s.KickClient(c, "", "Heartbeat timeout")
	}
}
