// Package moderation implements the moderation engine: the command router,
// authorization tiers, the action verbs, flood control, content filters, the
// cross-chat synchronizer, and the mute expiry sweeper.
//
// Every state mutation goes through the store first; user-facing
// confirmations are only sent after the write succeeds, so a failed write
// never advertises state that was not persisted.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/antarber/nevermore/store"
	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/vkapi"
)

// Messenger is the outbound platform surface the engine needs. vkapi.Client
// implements it; tests substitute a recording fake.
type Messenger interface {
	SendMessage(ctx context.Context, peer int64, text string) error
	DeleteMessage(ctx context.Context, peer, conversationMessageID int64) error
	RemoveChatUser(ctx context.Context, peer, user int64) error
	UserMention(ctx context.Context, user int64) string
	ChatTitle(ctx context.Context, peer int64) string
}

// Policy carries the moderation knobs, decoupled from the env-backed config
// so the engine is constructible in tests.
type Policy struct {
	GroupID           int64
	SuperAdmins       []int64
	MuteDuration      time.Duration
	KickDuration      time.Duration
	MaxWarnings       int
	FloodMaxMessages  int
	FloodWindow       time.Duration
	FloodMuteDuration time.Duration
	AutoDeleteLinks   bool
	BadWords          []string
	MaxMentions       int
}

// Origin tags a verb invocation. A Direct origin comes from user input and
// fans out to the other unified chats; a Replayed origin is a trusted
// internal call made by the synchronizer and MUST NOT fan out again — the
// tag is the sole recursion guard.
type Origin struct {
	Replay   bool
	FromPeer int64
}

// Direct is the origin of user-issued commands.
var Direct = Origin{}

// Replayed returns the origin for a propagation replay from the given room.
func Replayed(from int64) Origin { return Origin{Replay: true, FromPeer: from} }

// Engine executes moderation verbs against the store and the platform.
// It is driven by a single event loop; the flood window map is not locked.
type Engine struct {
	store store.Store
	msg   Messenger
	pol   Policy

	now   func() time.Time
	flood map[int64][]time.Time
}

func NewEngine(st store.Store, msg Messenger, pol Policy) *Engine {
	if pol.MaxWarnings <= 0 {
		pol.MaxWarnings = 3
	}
	return &Engine{
		store: st,
		msg:   msg,
		pol:   pol,
		now:   time.Now,
		flood: make(map[int64][]time.Time),
	}
}

// Authorization tiers -------------------------------------------------------

// IsSuperAdmin reports whether the user is in the distinguished roster-edit
// tier (configured list, defaulting to the first configured admin).
func (e *Engine) IsSuperAdmin(user int64) bool {
	for _, id := range e.pol.SuperAdmins {
		if id == user {
			return true
		}
	}
	return false
}

func (e *Engine) IsAdmin(ctx context.Context, user int64) bool {
	role, ok, err := e.store.UserRole(ctx, user)
	if err != nil {
		slog.Error("roster lookup failed", slog.Int64("user_id", user), slog.Any("err", err))
		return false
	}
	return ok && role == store.RoleAdmin
}

// IsModerator reports moderator tier; every admin is implicitly a moderator.
func (e *Engine) IsModerator(ctx context.Context, user int64) bool {
	role, ok, err := e.store.UserRole(ctx, user)
	if err != nil {
		slog.Error("roster lookup failed", slog.Int64("user_id", user), slog.Any("err", err))
		return false
	}
	return ok && (role == store.RoleAdmin || role == store.RoleModerator)
}

// State reads ----------------------------------------------------------------

func (e *Engine) IsMuted(ctx context.Context, user int64) bool {
	until, ok, err := e.store.MuteExpiry(ctx, user)
	if err != nil {
		slog.Error("mute lookup failed", slog.Int64("user_id", user), slog.Any("err", err))
		return false
	}
	return ok && until.After(e.now())
}

// IsKicked reports whether the user's timed re-entry ban is still active.
// Kick expiry is this read-time comparison; nothing sweeps the kick table.
func (e *Engine) IsKicked(ctx context.Context, user int64) bool {
	until, ok, err := e.store.KickExpiry(ctx, user)
	if err != nil {
		slog.Error("kick lookup failed", slog.Int64("user_id", user), slog.Any("err", err))
		return false
	}
	return ok && until.After(e.now())
}

// Verbs ----------------------------------------------------------------------

// Mute silences a user everywhere for the given duration. Admin-tier targets
// are rejected regardless of who asks.
func (e *Engine) Mute(ctx context.Context, peer, target int64, d time.Duration, origin Origin) error {
	if e.IsAdmin(ctx, target) {
		if !origin.Replay {
			e.send(ctx, peer, "⛔ Administrators cannot be muted")
		}
		return nil
	}
	if d <= 0 {
		d = e.pol.MuteDuration
	}
	if err := e.store.SetMute(ctx, target, e.now().Add(d)); err != nil {
		slog.Error("mute write failed", slog.Int64("user_id", target), slog.Any("err", err))
		return err
	}
	e.logAction(ctx, "mute", peer, target, origin, slog.Duration("duration", d))
	if !origin.Replay {
		e.send(ctx, peer, fmt.Sprintf("🔇 %s has been muted for %s", e.mention(ctx, target), vkapi.FormatDuration(d)))
		e.propagate(ctx, actionMute, target, peer, syncParams{duration: d})
	}
	return nil
}

// Unmute lifts a mute. On a direct call against an unmuted user it answers
// with an informational notice and does not fan out.
func (e *Engine) Unmute(ctx context.Context, peer, target int64, origin Origin) error {
	removed, err := e.store.RemoveMute(ctx, target)
	if err != nil {
		slog.Error("unmute write failed", slog.Int64("user_id", target), slog.Any("err", err))
		return err
	}
	if !removed {
		if !origin.Replay {
			e.send(ctx, peer, fmt.Sprintf("❌ %s is not muted", e.mention(ctx, target)))
		}
		return nil
	}
	e.logAction(ctx, "unmute", peer, target, origin)
	if !origin.Replay {
		e.send(ctx, peer, fmt.Sprintf("🔊 %s has been unmuted", e.mention(ctx, target)))
		e.propagate(ctx, actionUnmute, target, peer, syncParams{})
	}
	return nil
}

// Ban adds the user to the global ban set and removes them from the room.
// The room removal happens for replays too: that is how a ban reaches every
// unified chat.
func (e *Engine) Ban(ctx context.Context, peer, target int64, origin Origin) error {
	added, err := e.store.AddBan(ctx, target)
	if err != nil {
		slog.Error("ban write failed", slog.Int64("user_id", target), slog.Any("err", err))
		return err
	}
	if !added && !origin.Replay {
		e.send(ctx, peer, fmt.Sprintf("❌ %s is already banned", e.mention(ctx, target)))
		return nil
	}
	// The global ban row is shared; the per-room removal is what each replay
	// actually contributes.
	e.removeFromChat(ctx, peer, target)
	e.logAction(ctx, "ban", peer, target, origin)
	if !origin.Replay {
		e.send(ctx, peer, fmt.Sprintf("⛔ %s has been banned", e.mention(ctx, target)))
		e.propagate(ctx, actionBan, target, peer, syncParams{})
	}
	return nil
}

func (e *Engine) Unban(ctx context.Context, peer, target int64, origin Origin) error {
	removed, err := e.store.RemoveBan(ctx, target)
	if err != nil {
		slog.Error("unban write failed", slog.Int64("user_id", target), slog.Any("err", err))
		return err
	}
	if !removed {
		if !origin.Replay {
			e.send(ctx, peer, fmt.Sprintf("❌ %s is not banned", e.mention(ctx, target)))
		}
		return nil
	}
	e.logAction(ctx, "unban", peer, target, origin)
	if !origin.Replay {
		e.send(ctx, peer, fmt.Sprintf("✅ %s has been unbanned", e.mention(ctx, target)))
		e.propagate(ctx, actionUnban, target, peer, syncParams{})
	}
	return nil
}

// Kick removes the user from the room and records a timed re-entry ban.
func (e *Engine) Kick(ctx context.Context, peer, target int64, origin Origin) error {
	if err := e.store.SetKick(ctx, target, e.now().Add(e.pol.KickDuration)); err != nil {
		slog.Error("kick write failed", slog.Int64("user_id", target), slog.Any("err", err))
		return err
	}
	e.removeFromChat(ctx, peer, target)
	e.logAction(ctx, "kick", peer, target, origin, slog.Duration("duration", e.pol.KickDuration))
	if !origin.Replay {
		e.send(ctx, peer, fmt.Sprintf("👢 %s has been kicked for %s", e.mention(ctx, target), vkapi.FormatDuration(e.pol.KickDuration)))
		e.propagate(ctx, actionKick, target, peer, syncParams{})
	}
	return nil
}

// Warn increments the per-room warning counter. Reaching the configured
// maximum auto-mutes the user and resets the counter to zero; the auto-mute
// of a replayed warn is itself replay-tagged so it cannot fan out.
func (e *Engine) Warn(ctx context.Context, peer, target int64, reason string, origin Origin) error {
	count, err := e.store.AddWarn(ctx, peer, target)
	if err != nil {
		slog.Error("warn write failed", slog.Int64("user_id", target), slog.Any("err", err))
		return err
	}
	e.logAction(ctx, "warn", peer, target, origin, slog.Int("warn_count", count), slog.String("reason", reason))
	if !origin.Replay {
		text := fmt.Sprintf("⚠️ %s received a warning (%d/%d)", e.mention(ctx, target), count, e.pol.MaxWarnings)
		if reason != "" {
			text += ". Reason: " + reason
		}
		e.send(ctx, peer, text)
	}
	if count >= e.pol.MaxWarnings {
		if err := e.Mute(ctx, peer, target, e.pol.MuteDuration, origin); err != nil {
			return err
		}
		if err := e.store.ResetWarns(ctx, peer, target); err != nil {
			slog.Error("warn reset failed", slog.Int64("user_id", target), slog.Any("err", err))
			return err
		}
		if !origin.Replay {
			e.send(ctx, peer, fmt.Sprintf("🔇 %s has been muted for exceeding the warning limit", e.mention(ctx, target)))
		}
	}
	if !origin.Replay {
		e.propagate(ctx, actionWarn, target, peer, syncParams{reason: reason})
	}
	return nil
}

// Unwarn decrements a positive warning count; at zero it is a no-op with an
// informational notice, never a negative count.
func (e *Engine) Unwarn(ctx context.Context, peer, target int64, origin Origin) error {
	count, ok, err := e.store.RemoveWarn(ctx, peer, target)
	if err != nil {
		slog.Error("unwarn write failed", slog.Int64("user_id", target), slog.Any("err", err))
		return err
	}
	if !ok {
		if !origin.Replay {
			e.send(ctx, peer, fmt.Sprintf("❌ %s has no warnings", e.mention(ctx, target)))
		}
		return nil
	}
	e.logAction(ctx, "unwarn", peer, target, origin, slog.Int("warn_count", count))
	if !origin.Replay {
		e.send(ctx, peer, fmt.Sprintf("✅ Warning removed from %s (%d/%d remaining)", e.mention(ctx, target), count, e.pol.MaxWarnings))
		e.propagate(ctx, actionUnwarn, target, peer, syncParams{})
	}
	return nil
}

// SetNickname assigns a per-room nickname. Only admin-tier users may assign
// nicknames; replays are trusted internal calls and skip the check.
func (e *Engine) SetNickname(ctx context.Context, peer, target int64, nickname string, invoker int64, origin Origin) error {
	if !origin.Replay && !e.IsAdmin(ctx, invoker) {
		e.send(ctx, peer, "⛔ Only administrators can set nicknames")
		return nil
	}
	if err := e.store.SetNickname(ctx, peer, target, nickname); err != nil {
		slog.Error("nickname write failed", slog.Int64("user_id", target), slog.Any("err", err))
		return err
	}
	e.logAction(ctx, "nickname", peer, target, origin, slog.String("nickname", nickname))
	if !origin.Replay {
		e.send(ctx, peer, fmt.Sprintf("👤 %s is now known as %q", e.mention(ctx, target), nickname))
		e.propagate(ctx, actionNickname, target, peer, syncParams{nickname: nickname, invoker: invoker})
	}
	return nil
}

// Helpers --------------------------------------------------------------------

// send delivers a notification; delivery failures are logged, never fatal.
func (e *Engine) send(ctx context.Context, peer int64, text string) {
	if err := e.msg.SendMessage(ctx, peer, text); err != nil {
		slog.Warn("send message failed", slog.Int64("peer_id", peer), slog.Any("err", err))
	}
}

// removeFromChat issues the room removal; failure (e.g. a room the bot cannot
// administer) is logged and accepted.
func (e *Engine) removeFromChat(ctx context.Context, peer, user int64) {
	if err := e.msg.RemoveChatUser(ctx, peer, user); err != nil {
		slog.Warn("remove chat user failed", slog.Int64("peer_id", peer), slog.Int64("user_id", user), slog.Any("err", err))
	}
}

func (e *Engine) mention(ctx context.Context, user int64) string {
	return e.msg.UserMention(ctx, user)
}

func (e *Engine) logAction(ctx context.Context, action string, peer, target int64, origin Origin, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.Int64("peer_id", peer),
		slog.Int64("user_id", target),
		slog.Bool("replay", origin.Replay),
	}
	if origin.Replay {
		attrs = append(attrs, slog.Int64("origin_peer", origin.FromPeer))
	}
	attrs = append(attrs, extra...)
	telemetry.LoggerWithCorr(ctx).LogAttrs(ctx, slog.LevelInfo, "moderation action: "+action, attrs...)
}
