package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/vkapi"
)

const chatPeerOffset = 2000000000

var (
	linkRe       = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	anyMentionRe = regexp.MustCompile(`\[id\d+\|[^\]]*\]`)
)

// HandleMessage is the single entry point for an inbound chat message. It
// handles service actions (invites), records activity, dispatches commands,
// and applies the content filters to everything else.
func (e *Engine) HandleMessage(ctx context.Context, msg *vkapi.Message) {
	if msg.PeerID < chatPeerOffset {
		return // group chats only
	}
	if msg.Action != nil {
		e.handleAction(ctx, msg)
		return
	}
	if msg.FromID <= 0 {
		return // other communities, service senders
	}
	if err := e.store.RecordMessage(ctx, msg.PeerID, msg.FromID, e.now()); err != nil {
		slog.Warn("stats write failed", slog.Int64("user_id", msg.FromID), slog.Any("err", err))
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") {
		e.dispatch(ctx, msg, text)
		return
	}
	e.filterMessage(ctx, msg, text)
}

// handleAction reacts to chat service messages: the bot joining a room, and
// users being invited or joining by link.
func (e *Engine) handleAction(ctx context.Context, msg *vkapi.Message) {
	act := msg.Action
	if act.Type != vkapi.ActionChatInviteUser && act.Type != vkapi.ActionChatInviteUserByLink {
		return
	}
	member := act.MemberID
	if member == -e.pol.GroupID {
		e.send(ctx, msg.PeerID, "👋 Moderation is now active in this chat. Send /help for the command list.")
		return
	}
	if member <= 0 {
		return
	}
	if banned, err := e.store.IsBanned(ctx, member); err == nil && banned {
		e.removeFromChat(ctx, msg.PeerID, member)
		e.send(ctx, msg.PeerID, fmt.Sprintf("⛔ %s is banned and was removed", e.mention(ctx, member)))
		return
	}
	if until, ok, err := e.store.KickExpiry(ctx, member); err == nil && ok && until.After(e.now()) {
		e.removeFromChat(ctx, msg.PeerID, member)
		left := until.Sub(e.now()).Round(time.Second)
		e.send(ctx, msg.PeerID, fmt.Sprintf("👢 %s was kicked recently and may rejoin in %s", e.mention(ctx, member), vkapi.FormatDuration(left)))
		return
	}
	if err := e.store.RecordJoin(ctx, msg.PeerID, member, e.now()); err != nil {
		slog.Warn("join record failed", slog.Int64("user_id", member), slog.Any("err", err))
	}
	e.send(ctx, msg.PeerID, fmt.Sprintf("👋 Welcome, %s!", e.mention(ctx, member)))
}

// filterMessage applies the passive filters to a non-command message.
// Moderator-tier senders are exempt.
func (e *Engine) filterMessage(ctx context.Context, msg *vkapi.Message, text string) {
	if e.IsModerator(ctx, msg.FromID) {
		return
	}
	if banned, err := e.store.IsBanned(ctx, msg.FromID); err == nil && banned {
		e.deleteMessage(ctx, msg)
		e.removeFromChat(ctx, msg.PeerID, msg.FromID)
		return
	}
	if e.IsMuted(ctx, msg.FromID) {
		e.deleteMessage(ctx, msg)
		return
	}
	if !e.CheckFlood(msg.FromID) {
		e.deleteMessage(ctx, msg)
		if err := e.Mute(ctx, msg.PeerID, msg.FromID, e.pol.FloodMuteDuration, Direct); err == nil {
			e.send(ctx, msg.PeerID, "🌊 Flood control: slow down")
		}
		return
	}
	if e.pol.AutoDeleteLinks && linkRe.MatchString(text) {
		e.deleteMessage(ctx, msg)
		e.send(ctx, msg.PeerID, fmt.Sprintf("🔗 %s, links are not allowed here", e.mention(ctx, msg.FromID)))
		return
	}
	if e.containsBadWord(text) {
		e.deleteMessage(ctx, msg)
		if err := e.Warn(ctx, msg.PeerID, msg.FromID, "prohibited language", Direct); err != nil {
			slog.Warn("auto warn failed", slog.Int64("user_id", msg.FromID), slog.Any("err", err))
		}
		return
	}
	if e.pol.MaxMentions > 0 && len(anyMentionRe.FindAllString(text, -1)) > e.pol.MaxMentions {
		e.deleteMessage(ctx, msg)
		e.send(ctx, msg.PeerID, fmt.Sprintf("📣 %s, too many mentions in one message", e.mention(ctx, msg.FromID)))
	}
}

func (e *Engine) containsBadWord(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range e.pol.BadWords {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func (e *Engine) deleteMessage(ctx context.Context, msg *vkapi.Message) {
	if err := e.msg.DeleteMessage(ctx, msg.PeerID, msg.ConversationMessageID); err != nil {
		slog.Warn("message delete failed", slog.Int64("peer_id", msg.PeerID), slog.Any("err", err))
		return
	}
	telemetry.MessagesDeleted.Inc()
}

// dispatch parses and executes a slash command.
func (e *Engine) dispatch(ctx context.Context, msg *vkapi.Message, text string) {
	parts := strings.Fields(text)
	cmd := strings.ToLower(strings.TrimLeft(parts[0], "/!"))
	args := parts[1:]
	peer, from := msg.PeerID, msg.FromID

	reject := func(reason string) {
		telemetry.CommandsRejected.Inc()
		e.send(ctx, peer, reason)
	}
	needModerator := func() bool {
		if !e.IsModerator(ctx, from) {
			reject("⛔ This command requires moderator rights")
			return false
		}
		return true
	}
	needAdmin := func() bool {
		if !e.IsAdmin(ctx, from) {
			reject("⛔ This command requires administrator rights")
			return false
		}
		return true
	}
	needSuperAdmin := func() bool {
		if !e.IsSuperAdmin(from) {
			reject("⛔ This command requires super-administrator rights")
			return false
		}
		return true
	}
	needTarget := func() (int64, []string, bool) {
		target, consumed, ok := e.ResolveTarget(ctx, msg, args)
		if !ok {
			reject("❌ Target not found: reply to a message, mention the user, or use their nickname")
			return 0, nil, false
		}
		return target, args[consumed:], true
	}

	telemetry.CountCommand(cmd)
	switch cmd {
	case "mute":
		if !needModerator() {
			return
		}
		target, rest, ok := needTarget()
		if !ok {
			return
		}
		d := e.pol.MuteDuration
		if len(rest) > 0 {
			if parsed, err := parseUserDuration(rest[0]); err == nil {
				d = parsed
			}
		}
		_ = e.Mute(ctx, peer, target, d, Direct)
	case "unmute":
		if !needModerator() {
			return
		}
		if target, _, ok := needTarget(); ok {
			_ = e.Unmute(ctx, peer, target, Direct)
		}
	case "ban":
		if !needModerator() {
			return
		}
		if target, _, ok := needTarget(); ok {
			_ = e.Ban(ctx, peer, target, Direct)
		}
	case "unban":
		if !needModerator() {
			return
		}
		if target, _, ok := needTarget(); ok {
			_ = e.Unban(ctx, peer, target, Direct)
		}
	case "kick":
		if !needModerator() {
			return
		}
		if target, _, ok := needTarget(); ok {
			_ = e.Kick(ctx, peer, target, Direct)
		}
	case "warn":
		if !needModerator() {
			return
		}
		target, rest, ok := needTarget()
		if !ok {
			return
		}
		_ = e.Warn(ctx, peer, target, strings.Join(rest, " "), Direct)
	case "unwarn":
		if !needModerator() {
			return
		}
		if target, _, ok := needTarget(); ok {
			_ = e.Unwarn(ctx, peer, target, Direct)
		}
	case "nick":
		target, rest, ok := needTarget()
		if !ok {
			return
		}
		if len(rest) == 0 {
			reject("❌ Usage: /nick <user> <nickname>")
			return
		}
		_ = e.SetNickname(ctx, peer, target, strings.Join(rest, " "), from, Direct)
	case "stats":
		target := from
		if t, _, ok := e.ResolveTarget(ctx, msg, args); ok && t != from {
			if !needModerator() {
				return
			}
			target = t
		}
		e.sendStats(ctx, peer, target)
	case "unite":
		if !needAdmin() {
			return
		}
		e.uniteChat(ctx, peer)
	case "separate":
		if !needAdmin() {
			return
		}
		e.separateChat(ctx, peer)
	case "unified":
		if !needAdmin() {
			return
		}
		e.listUnified(ctx, peer)
	case "addadmin":
		if !needSuperAdmin() {
			return
		}
		if target, _, ok := needTarget(); ok {
			e.grantRole(ctx, peer, target, "admin")
		}
	case "removeadmin":
		if !needSuperAdmin() {
			return
		}
		if target, _, ok := needTarget(); ok {
			e.revokeRole(ctx, peer, target, "admin")
		}
	case "addmoder":
		if !needAdmin() {
			return
		}
		if target, _, ok := needTarget(); ok {
			e.grantRole(ctx, peer, target, "moderator")
		}
	case "removemoder":
		if !needAdmin() {
			return
		}
		if target, _, ok := needTarget(); ok {
			e.revokeRole(ctx, peer, target, "moderator")
		}
	case "admins":
		e.listRoster(ctx, peer, "admin")
	case "moders":
		e.listRoster(ctx, peer, "moderator")
	case "help":
		e.sendHelp(ctx, peer, from)
	default:
		telemetry.CommandsRejected.Inc()
	}
}

// parseUserDuration accepts Go duration syntax ("10m", "1h30m") and bare
// integers, which are read as seconds for parity with the platform API.
func parseUserDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("non-positive duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", s)
	}
	return d, nil
}
