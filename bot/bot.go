// Package bot runs the long-poll event loop: one goroutine that acquires the
// session, polls for updates, dispatches messages to the moderation engine,
// and runs the mute expiry sweep on a fixed cadence.
package bot

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antarber/nevermore/config"
	"github.com/antarber/nevermore/db"
	"github.com/antarber/nevermore/moderation"
	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/vkapi"
)

const (
	heartbeatKey = "bot:last_loop"
	cursorKey    = "bot:cursor"
)

// Bot ties the long-poll session to the moderation engine. All event
// processing happens on the goroutine running Run; the mutex only guards the
// loop timestamp read by the status endpoint.
type Bot struct {
	LP     *vkapi.LongPoll
	Engine *moderation.Engine
	Cfg    *config.Config
	DB     *sql.DB // optional, for the kv heartbeat

	mu       sync.Mutex
	lastLoop time.Time
}

// LastLoop reports when the event loop last completed an iteration.
func (b *Bot) LastLoop() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLoop
}

func (b *Bot) markLoop(now time.Time) {
	b.mu.Lock()
	b.lastLoop = now
	b.mu.Unlock()
}

// Run drives the event loop until the context is cancelled. Session expiry
// triggers a full re-acquisition; transport errors wait out the retry delay
// with the poll cursor untouched. Nothing here is fatal: acquisition failures
// keep the loop in the reconnecting state until the context ends.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.acquireSession(ctx); err != nil {
		return err
	}
	slog.Info("event loop started", slog.Int("wait", b.LP.Wait))

	nextSweep := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		b.markLoop(now)
		if !now.Before(nextSweep) {
			b.sweep(ctx, now)
			nextSweep = now.Add(b.Cfg.SweepInterval)
		}

		telemetry.PollCycles.Inc()
		start := time.Now()
		updates, err := b.LP.Poll(ctx)
		telemetry.PollDuration.Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, vkapi.ErrSessionExpired):
			slog.Warn("long poll session expired, re-acquiring")
			if err := b.acquireSession(ctx); err != nil {
				return err
			}
			continue
		default:
			telemetry.PollFailures.Inc()
			slog.Error("poll failed", slog.Any("err", err))
			if !sleepCtx(ctx, b.Cfg.RetryDelay) {
				return ctx.Err()
			}
			continue
		}

		for i := range updates {
			b.dispatch(ctx, &updates[i])
		}
	}
}

// acquireSession retries acquisition until it succeeds or the context ends.
// One exhausted Acquire call only means another round through the retry
// delay; the session stays in the reconnecting state meanwhile.
func (b *Bot) acquireSession(ctx context.Context) error {
	for {
		err := b.LP.Acquire(ctx)
		if err == nil {
			telemetry.SessionAcquisitions.Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("session acquisition failed, retrying", slog.Any("err", err))
		if !sleepCtx(ctx, b.Cfg.RetryDelay) {
			return ctx.Err()
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, u *vkapi.Update) {
	telemetry.UpdatesReceived.Inc()
	if u.Type != "message_new" {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		b.Engine.HandleMessage(ctx, &u.Object.Message)
	})
}

// sweep expires mutes and refreshes the kv heartbeat and cursor snapshot.
func (b *Bot) sweep(ctx context.Context, now time.Time) {
	if err := b.Engine.SweepExpiredMutes(ctx); err != nil {
		slog.Error("mute sweep failed", slog.Any("err", err))
	}
	if b.DB != nil {
		if err := db.SetKV(ctx, b.DB, heartbeatKey, now.UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("heartbeat write failed", slog.Any("err", err))
		}
		if cursor := b.LP.Cursor(); cursor != "" {
			if err := db.SetKV(ctx, b.DB, cursorKey, cursor); err != nil {
				slog.Warn("cursor snapshot write failed", slog.Any("err", err))
			}
		}
	}
}

// sleepCtx waits out d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
