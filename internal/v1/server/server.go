// Package server hosts the Signal Fish protocol state machine. It owns the
// connection registry, drives the in-memory store, and fans outbound messages
// out to room members through bounded per-client queues.
//
// Concurrency model: each connection's read pump calls HandleMessage
// sequentially, so messages from one client are processed in arrival order
// and every outbound message produced by one step is enqueued before the next
// step begins. Cross-client interleaving within a room is serialized by the
// store's per-room locks. No handler holds a store lock across a send; all
// sends use snapshots returned by the store operation.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/config"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/logging"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/metrics"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/ratelimit"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GameServer coordinates connections, rooms, rate limits, and metrics.
type GameServer struct {
	cfg      *config.Config
	store    *store.Store
	limiter  *ratelimit.Limiter
	registry *metrics.Registry

	mu         sync.Mutex
	conns      map[uuid.UUID]*Client
	ipCounts   map[string]int
	joinTokens map[uuid.UUID]string
}

// New wires a GameServer from configuration.
func New(cfg *config.Config, registry *metrics.Registry) *GameServer {
	st := store.New(store.Options{
		MaxRoomsPerGame:    cfg.Server.MaxRoomsPerGame,
		RoomCodeLength:     cfg.Protocol.RoomCodeLength,
		RoomCodePrefix:     cfg.Server.RoomCodePrefix,
		Region:             cfg.Server.RegionID,
		ReconnectionWindow: time.Duration(cfg.Server.ReconnectionWindow) * time.Second,
		EventBufferSize:    cfg.Server.EventBufferSize,
	}, registry)

	return &GameServer{
		cfg:        cfg,
		store:      st,
		limiter:    ratelimit.New(&cfg.RateLimit, registry),
		registry:   registry,
		conns:      make(map[uuid.UUID]*Client),
		ipCounts:   make(map[string]int),
		joinTokens: make(map[uuid.UUID]string),
	}
}

// Store exposes the backing store for tests and diagnostics.
func (s *GameServer) Store() *store.Store { return s.store }

// Registry exposes the metrics registry.
func (s *GameServer) Registry() *metrics.Registry { return s.registry }

// Config exposes the configuration snapshot.
func (s *GameServer) Config() *config.Config { return s.cfg }

// ClientOption customizes a registration.
type ClientOption func(*Client)

// WithAppID records the authenticated application id.
func WithAppID(appID string) ClientOption {
	return func(c *Client) { c.appID = appID }
}

// WithFingerprint records the client-certificate fingerprint.
func WithFingerprint(fp string) ClientOption {
	return func(c *Client) { c.fingerprint = fp }
}

// RegisterClient admits a new connection, enforcing the per-IP cap, and
// returns its Client handle. The per-IP count is taken under the registry
// lock so concurrent upgrades from one address cannot oversubscribe.
func (s *GameServer) RegisterClient(sink Sink, ip string, opts ...ClientOption) (*Client, *store.OpError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ipCounts[ip] >= s.cfg.Security.MaxConnectionsPerIP {
		return nil, &store.OpError{
			Code:   protocol.ErrTooManyConnections,
			Reason: "Too many connections from this address",
		}
	}

	client := &Client{
		id:            uuid.New(),
		sink:          sink,
		ip:            ip,
		lastHeartbeat: time.Now(),
	}
	for _, opt := range opts {
		opt(client)
	}

	s.conns[client.id] = client
	s.ipCounts[ip]++
	s.registry.ConnectionOpened()

	logging.Debug(context.Background(), "Client registered",
		zap.String("client_id", client.id.String()), zap.String("ip", ip))
	return client, nil
}

// UnregisterClient tears a connection down. If the player is in a room and
// reconnection is enabled, the membership is suspended behind its reconnect
// token instead of being removed; otherwise the leave is finalized and
// broadcast immediately.
func (s *GameServer) UnregisterClient(c *Client) {
	if !c.markClosed() {
		return
	}
	id := c.ID()

	s.mu.Lock()
	if _, ok := s.conns[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, id)
	s.ipCounts[c.ip]--
	if s.ipCounts[c.ip] <= 0 {
		delete(s.ipCounts, c.ip)
	}
	token := s.joinTokens[id]
	s.mu.Unlock()

	s.registry.ConnectionClosed()

	if _, inRoom := s.store.PlayerRoomID(id); !inRoom {
		s.dropToken(id)
		return
	}

	if s.cfg.Server.EnableReconnection && token != "" {
		if err := s.store.Suspend(id, token); err == nil {
			logging.Info(context.Background(), "Player suspended for reconnection",
				zap.String("client_id", id.String()))
			return
		}
	}

	s.finalizeLeave(id)
}

// finalizeLeave removes the player from their room and notifies the rest.
func (s *GameServer) finalizeLeave(playerID uuid.UUID) {
	res, err := s.store.Leave(playerID)
	s.dropToken(playerID)
	if err != nil {
		return
	}
	s.announceLeave(playerID, res)
}

// announceLeave broadcasts the consequences of a departure.
func (s *GameServer) announceLeave(playerID uuid.UUID, res *store.LeaveResult) {
	s.broadcast(res.Peers, protocol.TypePlayerLeft, protocol.PlayerLeftData{PlayerID: playerID})
	if res.WasAuthority {
		s.broadcastAuthorityChanged(res.Peers, nil)
	}
	if res.LobbyChanged && res.Snapshot != nil {
		s.broadcastLobbyState(res.Peers, res.Snapshot)
	}
}

func (s *GameServer) dropToken(playerID uuid.UUID) {
	s.mu.Lock()
	delete(s.joinTokens, playerID)
	s.mu.Unlock()
}

func (s *GameServer) clientByID(id uuid.UUID) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// --- Outbound paths ---

// sendTo encodes once and enqueues to a single recipient.
func (s *GameServer) sendTo(playerID uuid.UUID, msgType string, data any) {
	raw, err := protocol.Encode(msgType, data)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode outbound message",
			zap.String("type", msgType), zap.Error(err))
		return
	}
	s.deliver(playerID, msgType, raw)
}

// deliver routes a pre-encoded frame: live connections get it on their queue,
// suspended players get it appended to their reconnect buffer. A full queue
// costs the recipient its connection, never the sender its progress.
func (s *GameServer) deliver(playerID uuid.UUID, msgType string, raw []byte) {
	if c, ok := s.clientByID(playerID); ok {
		if c.trySend(raw) {
			metrics.MessagesOut.WithLabelValues(msgType).Inc()
			return
		}
		logging.Warn(context.Background(), "Outbound queue overflow, dropping connection",
			zap.String("client_id", playerID.String()))
		s.KickClient(c, protocol.ErrSlowConsumer, "Outbound queue overflow")
		return
	}
	if s.store.BufferEvent(playerID, raw) {
		metrics.MessagesOut.WithLabelValues(msgType).Inc()
	}
}

// broadcast encodes the message exactly once and enqueues the shared frame to
// every recipient, preserving enqueue order across recipients.
func (s *GameServer) broadcast(recipients []uuid.UUID, msgType string, data any) {
	if len(recipients) == 0 {
		return
	}
	raw, err := protocol.Encode(msgType, data)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode broadcast",
			zap.String("type", msgType), zap.Error(err))
		return
	}
	for _, id := range recipients {
		s.deliver(id, msgType, raw)
	}
}

// broadcastAuthorityChanged personalizes the you_are_authority flag, so each
// recipient gets its own small frame; the id payload is shared by value.
func (s *GameServer) broadcastAuthorityChanged(recipients []uuid.UUID, authority *uuid.UUID) {
	for _, id := range recipients {
		s.sendTo(id, protocol.TypeAuthorityChanged, protocol.AuthorityChangedData{
			AuthorityPlayer: authority,
			YouAreAuthority: authority != nil && id == *authority,
		})
	}
}

func (s *GameServer) broadcastLobbyState(recipients []uuid.UUID, snap *store.RoomSnapshot) {
	allReady := len(snap.ReadyPlayers) == len(snap.Players) && len(snap.Players) > 0
	s.broadcast(recipients, protocol.TypeLobbyStateChanged, protocol.LobbyStateChangedData{
		LobbyState:   snap.LobbyState,
		ReadyPlayers: snap.ReadyPlayers,
		AllReady:     allReady,
	})
}

// KickClient sends a close to the transport and unregisters the connection.
func (s *GameServer) KickClient(c *Client, code protocol.ErrorCode, reason string) {
	c.sink.Kick(code, reason)
	s.UnregisterClient(c)
}

// Shutdown closes every live connection.
func (s *GameServer) Shutdown(ctx context.Context) {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.KickClient(c, "", "Server shutting down")
	}
	logging.Info(ctx, "All connections closed", zap.Int("count", len(clients)))
}
