package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/vkapi"
)

// Propagated verb identifiers.
const (
	actionMute     = "mute"
	actionUnmute   = "unmute"
	actionBan      = "ban"
	actionUnban    = "unban"
	actionKick     = "kick"
	actionWarn     = "warn"
	actionUnwarn   = "unwarn"
	actionNickname = "nickname"
)

// syncParams carries the verb-specific arguments of a fan-out.
type syncParams struct {
	duration time.Duration
	reason   string
	nickname string
	invoker  int64
}

// propagate replays a direct action into every other unified chat. Each
// replay is tagged with the originating room so it cannot fan out again, and
// each room gets at most one replay plus one sync notice. Failures are
// logged per room and do not stop the fan-out.
func (e *Engine) propagate(ctx context.Context, action string, target, origin int64, p syncParams) {
	chats, err := e.store.UnifiedChats(ctx)
	if err != nil {
		slog.Error("unified chat list failed", slog.Any("err", err))
		return
	}
	if len(chats) < 2 {
		return
	}
	inUnion := false
	for _, chat := range chats {
		if chat == origin {
			inUnion = true
			break
		}
	}
	if !inUnion {
		return
	}
	telemetry.PropagationFanouts.Inc()
	replay := Replayed(origin)
	for _, chat := range chats {
		if chat == origin {
			continue
		}
		var err error
		switch action {
		case actionMute:
			err = e.Mute(ctx, chat, target, p.duration, replay)
		case actionUnmute:
			err = e.Unmute(ctx, chat, target, replay)
		case actionBan:
			err = e.Ban(ctx, chat, target, replay)
		case actionUnban:
			err = e.Unban(ctx, chat, target, replay)
		case actionKick:
			err = e.Kick(ctx, chat, target, replay)
		case actionWarn:
			err = e.Warn(ctx, chat, target, p.reason, replay)
		case actionUnwarn:
			err = e.Unwarn(ctx, chat, target, replay)
		case actionNickname:
			err = e.SetNickname(ctx, chat, target, p.nickname, p.invoker, replay)
		}
		if err != nil {
			telemetry.PropagationFailures.Inc()
			slog.Error("propagation replay failed",
				slog.String("action", action),
				slog.Int64("peer_id", chat),
				slog.Int64("user_id", target),
				slog.Any("err", err))
			continue
		}
		e.send(ctx, chat, e.syncNotice(ctx, action, target, origin, p))
	}
}

// syncNotice builds the informational line posted in each replica room.
func (e *Engine) syncNotice(ctx context.Context, action string, target, origin int64, p syncParams) string {
	who := e.mention(ctx, target)
	from := e.msg.ChatTitle(ctx, origin)
	switch action {
	case actionMute:
		d := p.duration
		if d <= 0 {
			d = e.pol.MuteDuration
		}
		return fmt.Sprintf("🔄 Sync: %s muted for %s (from %s)", who, vkapi.FormatDuration(d), from)
	case actionUnmute:
		return fmt.Sprintf("🔄 Sync: %s unmuted (from %s)", who, from)
	case actionBan:
		return fmt.Sprintf("🔄 Sync: %s banned (from %s)", who, from)
	case actionUnban:
		return fmt.Sprintf("🔄 Sync: %s unbanned (from %s)", who, from)
	case actionKick:
		return fmt.Sprintf("🔄 Sync: %s kicked (from %s)", who, from)
	case actionWarn:
		if p.reason != "" {
			return fmt.Sprintf("🔄 Sync: %s warned (from %s). Reason: %s", who, from, p.reason)
		}
		return fmt.Sprintf("🔄 Sync: %s warned (from %s)", who, from)
	case actionUnwarn:
		return fmt.Sprintf("🔄 Sync: warning removed from %s (from %s)", who, from)
	case actionNickname:
		return fmt.Sprintf("🔄 Sync: %s is now known as %q (from %s)", who, p.nickname, from)
	}
	return fmt.Sprintf("🔄 Sync: %s updated (from %s)", who, from)
}
