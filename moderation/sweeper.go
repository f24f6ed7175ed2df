package moderation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/antarber/nevermore/telemetry"
)

// SweepExpiredMutes removes every mute whose deadline has passed and posts
// one expiry notice per unified chat for each released user. Rooms outside
// the union are not announced to; the mute is gone there regardless because
// mute state is global.
func (e *Engine) SweepExpiredMutes(ctx context.Context) error {
	users, err := e.store.ExpireMutes(ctx, e.now())
	if err != nil {
		return fmt.Errorf("expire mutes: %w", err)
	}
	if len(users) == 0 {
		return nil
	}
	telemetry.MutesExpired.Add(float64(len(users)))
	chats, err := e.store.UnifiedChats(ctx)
	if err != nil {
		slog.Error("unified chat list failed", slog.Any("err", err))
		return nil
	}
	for _, user := range users {
		slog.Info("mute expired", slog.Int64("user_id", user))
		text := fmt.Sprintf("🔊 %s's mute has expired", e.mention(ctx, user))
		for _, chat := range chats {
			e.send(ctx, chat, text)
		}
	}
	return nil
}
