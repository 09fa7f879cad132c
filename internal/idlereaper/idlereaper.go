// Package idlereaper periodically kills sessions that have gone quiet for
// too long, bounding the number of live subprocesses a forgotten
// conversation can pin in memory (§4.6).
package idlereaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	// tickInterval is how often the reaper scans the session map.
	tickInterval = 5 * time.Minute
	// DefaultMaxIdle is the default idle budget before a session is killed.
	DefaultMaxIdle = 2 * time.Hour
)

// SessionView is the subset of session.Session the reaper needs. It is a
// superset of health.SessionView so the same snapshot serves both the
// reaper and the health supervisor's periodic scan.
type SessionView interface {
	ChatIDString() string
	IsAlive() bool
	IsBackgroundOrMaster() bool
	LastActivity() time.Time
}

// Killer stops one session by chat id. Implemented by the orchestrator.
type Killer interface {
	KillByChatIDString(chatID string) bool
	Snapshot() []SessionView
}

// Reaper runs the idle-kill ticker.
type Reaper struct {
	killer  Killer
	maxIdle time.Duration
	logger  zerolog.Logger

	stopCh chan struct{}
}

// New builds a Reaper with the given idle budget (DefaultMaxIdle if zero).
func New(killer Killer, maxIdle time.Duration, logger zerolog.Logger) *Reaper {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Reaper{killer: killer, maxIdle: maxIdle, logger: logger, stopCh: make(chan struct{})}
}

// Run blocks, ticking until ctx is cancelled or Stop is called.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Stop ends Run's loop without waiting for ctx cancellation.
func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// sweep takes one point-in-time snapshot of the session map (never holding
// the orchestrator's lock while killing, per §4.6's lock-discipline note)
// and kills every exempt-free session idle longer than maxIdle.
func (r *Reaper) sweep() {
	snapshot := r.killer.Snapshot()
	for _, s := range snapshot {
		if s.IsBackgroundOrMaster() {
			continue
		}
		idleFor := time.Since(s.LastActivity())
		if idleFor <= r.maxIdle {
			continue
		}
		chatID := s.ChatIDString()
		r.logger.Info().Str("chat_id", chatID).Dur("idle_for", idleFor).Msg("idlereaper: killing idle session")
		go func(id string) {
			if !r.killer.KillByChatIDString(id) {
				r.logger.Debug().Str("chat_id", id).Msg("idlereaper: session already gone by the time kill ran")
			}
		}(chatID)
	}
}
