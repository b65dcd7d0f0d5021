// Package ratelimit enforces per-client sliding windows on room creation and
// join attempts. The client identity is the authenticated app id when present,
// otherwise the remote IP.
package ratelimit

import (
	"context"
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/config"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/logging"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/metrics"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

// Action names a rate-limited operation class.
type Action string

const (
	ActionRoomCreation Action = "room_creation"
	ActionJoinAttempt  Action = "join_attempt"
)

// Decision is the outcome of a CheckAndConsume call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter holds one sliding window per action class over a shared in-memory
// store. Buckets expire on their own once idle.
type Limiter struct {
	roomCreation *limiter.Limiter
	joinAttempts *limiter.Limiter
	registry     *metrics.Registry
}

// New builds a Limiter from the rate-limit configuration.
func New(cfg *config.RateLimitConfig, registry *metrics.Registry) *Limiter {
	store := memory.NewStore()
	window := time.Duration(cfg.TimeWindow) * time.Second

	return &Limiter{
		roomCreation: limiter.New(store, limiter.Rate{
			Period: window,
			Limit:  int64(cfg.MaxRoomCreations),
		}),
		joinAttempts: limiter.New(store, limiter.Rate{
			Period: window,
			Limit:  int64(cfg.MaxJoinAttempts),
		}),
		registry: registry,
	}
}

// CheckAndConsume records one attempt for identity and reports whether it is
// within quota. Store failures fail open: availability beats strictness here.
func (l *Limiter) CheckAndConsume(ctx context.Context, identity string, action Action) Decision {
	inst := l.joinAttempts
	if action == ActionRoomCreation {
		inst = l.roomCreation
	}

	lctx, err := inst.Get(ctx, string(action)+":"+identity)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err), zap.String("action", string(action)))
		return Decision{Allowed: true}
	}

	if lctx.Reached {
		l.registry.RateLimitDenied(string(action))
		retry := time.Until(time.Unix(lctx.Reset, 0))
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	return Decision{Allowed: true, Remaining: lctx.Remaining}
}
