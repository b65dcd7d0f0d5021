// Package metrics tracks server activity two ways: Prometheus collectors for
// the /metrics/prom scrape, and an atomic in-process registry backing the JSON
// /v1/metrics endpoint. Hot-path updates are counter increments only.
//
// Naming convention: namespace_subsystem_name
// - namespace: signal_fish
// - subsystem: websocket, room, authority, rate_limit
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks currently open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal_fish",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks currently live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// ActivePlayers tracks players currently attached to rooms.
	ActivePlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "players_active",
		Help:      "Current number of players attached to rooms",
	})

	// MessagesIn counts inbound client messages by type.
	MessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "websocket",
		Name:      "messages_in_total",
		Help:      "Total inbound WebSocket messages",
	}, []string{"type"})

	// MessagesOut counts outbound server messages by type.
	MessagesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "websocket",
		Name:      "messages_out_total",
		Help:      "Total outbound WebSocket messages",
	}, []string{"type"})

	// RoomsCreated counts rooms created since process start.
	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "created_total",
		Help:      "Total rooms created",
	})

	// RoomsDestroyed counts rooms removed since process start.
	RoomsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "destroyed_total",
		Help:      "Total rooms destroyed",
	})

	// JoinsFailed counts rejected join attempts by error code.
	JoinsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "joins_failed_total",
		Help:      "Total failed join attempts by error code",
	}, []string{"error_code"})

	// JoinsSucceeded counts successful joins.
	JoinsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "joins_succeeded_total",
		Help:      "Total successful join attempts",
	})

	// AuthorityAcquired counts granted authority acquisitions.
	AuthorityAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "authority",
		Name:      "acquired_total",
		Help:      "Total authority acquisitions",
	})

	// AuthorityReleased counts granted authority releases.
	AuthorityReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "authority",
		Name:      "released_total",
		Help:      "Total authority releases",
	})

	// RateLimitDenied counts rate-limited operations by action.
	RateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "rate_limit",
		Name:      "denied_total",
		Help:      "Total operations denied by the rate limiter",
	}, []string{"action"})

	// MessageProcessingDuration tracks state-machine step latency by type.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signal_fish",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing inbound messages",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})
)

// Registry mirrors the hot counters with atomics so the JSON metrics endpoint
// can read a consistent snapshot without gathering Prometheus families.
type Registry struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	activeConnections atomic.Int64
	activeRooms       atomic.Int64
	activePlayers     atomic.Int64
	roomsCreated      atomic.Int64
	roomsDestroyed    atomic.Int64
	joinsSucceeded    atomic.Int64
	joinsFailed       atomic.Int64
	authorityAcquired atomic.Int64
	authorityReleased atomic.Int64
	rateLimitDenials  atomic.Int64

	latency *LatencyTracker
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{latency: NewLatencyTracker()}
}

// Latency exposes the per-operation latency tracker.
func (r *Registry) Latency() *LatencyTracker { return r.latency }

func (r *Registry) ConnectionOpened() {
	r.connectionsOpened.Add(1)
	r.activeConnections.Add(1)
	ActiveConnections.Inc()
}

func (r *Registry) ConnectionClosed() {
	r.connectionsClosed.Add(1)
	r.activeConnections.Add(-1)
	ActiveConnections.Dec()
}

func (r *Registry) RoomCreated() {
	r.roomsCreated.Add(1)
	r.activeRooms.Add(1)
	RoomsCreated.Inc()
	ActiveRooms.Inc()
}

func (r *Registry) RoomDestroyed() {
	r.roomsDestroyed.Add(1)
	r.activeRooms.Add(-1)
	RoomsDestroyed.Inc()
	ActiveRooms.Dec()
}

func (r *Registry) PlayerAttached() {
	r.activePlayers.Add(1)
	ActivePlayers.Inc()
}

func (r *Registry) PlayerDetached() {
	r.activePlayers.Add(-1)
	ActivePlayers.Dec()
}

func (r *Registry) JoinSucceeded() {
	r.joinsSucceeded.Add(1)
	JoinsSucceeded.Inc()
}

func (r *Registry) JoinFailed(errorCode string) {
	r.joinsFailed.Add(1)
	JoinsFailed.WithLabelValues(errorCode).Inc()
}

func (r *Registry) AuthorityAcquired() {
	r.authorityAcquired.Add(1)
	AuthorityAcquired.Inc()
}

func (r *Registry) AuthorityReleased() {
	r.authorityReleased.Add(1)
	AuthorityReleased.Inc()
}

func (r *Registry) RateLimitDenied(action string) {
	r.rateLimitDenials.Add(1)
	RateLimitDenied.WithLabelValues(action).Inc()
}

// Snapshot is the JSON document served by /v1/metrics.
type Snapshot struct {
	ConnectionsOpened int64                     `json:"connections_opened"`
	ConnectionsClosed int64                     `json:"connections_closed"`
	ActiveConnections int64                     `json:"active_connections"`
	ActiveRooms       int64                     `json:"active_rooms"`
	ActivePlayers     int64                     `json:"active_players"`
	RoomsCreated      int64                     `json:"rooms_created"`
	RoomsDestroyed    int64                     `json:"rooms_destroyed"`
	JoinsSucceeded    int64                     `json:"joins_succeeded"`
	JoinsFailed       int64                     `json:"joins_failed"`
	AuthorityAcquired int64                     `json:"authority_acquired"`
	AuthorityReleased int64                     `json:"authority_released"`
	RateLimitDenials  int64                     `json:"rate_limit_denials"`
	Latency           map[string]LatencyMetrics `json:"latency"`
}

// Snapshot returns a point-in-time copy of every counter and latency sketch.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsOpened: r.connectionsOpened.Load(),
		ConnectionsClosed: r.connectionsClosed.Load(),
		ActiveConnections: r.activeConnections.Load(),
		ActiveRooms:       r.activeRooms.Load(),
		ActivePlayers:     r.activePlayers.Load(),
		RoomsCreated:      r.roomsCreated.Load(),
		RoomsDestroyed:    r.roomsDestroyed.Load(),
		JoinsSucceeded:    r.joinsSucceeded.Load(),
		JoinsFailed:       r.joinsFailed.Load(),
		AuthorityAcquired: r.authorityAcquired.Load(),
		AuthorityReleased: r.authorityReleased.Load(),
		RateLimitDenials:  r.rateLimitDenials.Load(),
		Latency:           r.latency.All(),
	}
}
