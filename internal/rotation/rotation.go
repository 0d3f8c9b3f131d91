// Package rotation runs the recurring credential refresh pass: every
// interval, reload the workspace and rotate each active session whose
// expiration falls within the refresh threshold.
package rotation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/session"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

// Rotator triggers a session rotation. *session.Factory satisfies it.
type Rotator interface {
	Rotate(ctx context.Context, id string) error
}

// Engine is the process-wide rotation scheduler.
type Engine struct {
	repo         *workspace.Repository
	rotator      Rotator
	logger       zerolog.Logger
	interval     time.Duration
	refreshAhead time.Duration
	now          func() time.Time

	// running guards against overlapping passes: a tick arriving while
	// a pass is still in flight is skipped, not queued.
	running atomic.Bool
}

// NewEngine creates a rotation engine. interval is the tick period;
// refreshAhead is how long before expiration a session is rotated.
func NewEngine(repo *workspace.Repository, rotator Rotator, interval, refreshAhead time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:         repo,
		rotator:      rotator,
		logger:       logger,
		interval:     interval,
		refreshAhead: refreshAhead,
		now:          time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", e.interval).Msg("rotation engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("rotation engine stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one rotation pass unless one is already in flight.
func (e *Engine) Tick(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug().Msg("rotation pass still running, tick skipped")
		return
	}
	defer e.running.Store(false)
	e.pass(ctx)
}

// pass reloads shared state and rotates every session that is due. A
// failing session is logged and skipped so it cannot stall the others.
func (e *Engine) pass(ctx context.Context) {
	if err := e.repo.ReloadWorkspace(); err != nil {
		e.logger.Error().Err(err).Msg("reloading workspace for rotation failed")
		return
	}
	now := e.now()
	for _, sess := range e.repo.GetSessions() {
		if !session.NeedsRotation(sess, now, e.refreshAhead) {
			continue
		}
		e.logger.Info().
			Str("session_id", sess.ID).
			Time("expiration", *sess.ExpirationTime).
			Msg("rotating session")
		if err := e.rotator.Rotate(ctx, sess.ID); err != nil {
			e.logger.Error().Err(err).Str("session_id", sess.ID).Msg("session rotation failed")
		}
	}
}
