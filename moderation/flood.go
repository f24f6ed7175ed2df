package moderation

import (
	"log/slog"

	"github.com/antarber/nevermore/telemetry"
)

// CheckFlood records one message for the user against the sliding window and
// reports whether the user is within the limit. The timestamp is appended
// even when the answer is false, so a user who keeps sending while throttled
// keeps the window saturated instead of aging out of it.
func (e *Engine) CheckFlood(user int64) bool {
	now := e.now()
	cutoff := now.Add(-e.pol.FloodWindow)
	window := e.flood[user][:0]
	for _, ts := range e.flood[user] {
		if ts.After(cutoff) {
			window = append(window, ts)
		}
	}
	window = append(window, now)
	e.flood[user] = window
	if len(window) > e.pol.FloodMaxMessages {
		telemetry.FloodsDetected.Inc()
		slog.Info("flood detected", slog.Int64("user_id", user), slog.Int("messages", len(window)))
		return false
	}
	return true
}
