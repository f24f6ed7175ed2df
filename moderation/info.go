package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/vkapi"
)

// uniteChat adds the current room to the unified set and announces the new
// member to the rooms already in it.
func (e *Engine) uniteChat(ctx context.Context, peer int64) {
	added, err := e.store.AddUnifiedChat(ctx, peer)
	if err != nil {
		e.send(ctx, peer, "❌ Could not update the unified chat list")
		return
	}
	if !added {
		e.send(ctx, peer, "❌ This chat is already unified")
		return
	}
	chats, err := e.store.UnifiedChats(ctx)
	if err == nil {
		telemetry.SetUnifiedChats(len(chats))
		title := e.msg.ChatTitle(ctx, peer)
		for _, chat := range chats {
			if chat != peer {
				e.send(ctx, chat, fmt.Sprintf("🔗 %s joined the unified moderation network", title))
			}
		}
	}
	e.send(ctx, peer, "🔗 This chat is now part of the unified moderation network")
}

func (e *Engine) separateChat(ctx context.Context, peer int64) {
	removed, err := e.store.RemoveUnifiedChat(ctx, peer)
	if err != nil {
		e.send(ctx, peer, "❌ Could not update the unified chat list")
		return
	}
	if !removed {
		e.send(ctx, peer, "❌ This chat is not unified")
		return
	}
	chats, err := e.store.UnifiedChats(ctx)
	if err == nil {
		telemetry.SetUnifiedChats(len(chats))
		title := e.msg.ChatTitle(ctx, peer)
		for _, chat := range chats {
			e.send(ctx, chat, fmt.Sprintf("✂️ %s left the unified moderation network", title))
		}
	}
	e.send(ctx, peer, "✂️ This chat has left the unified moderation network")
}

func (e *Engine) listUnified(ctx context.Context, peer int64) {
	chats, err := e.store.UnifiedChats(ctx)
	if err != nil {
		e.send(ctx, peer, "❌ Could not read the unified chat list")
		return
	}
	if len(chats) == 0 {
		e.send(ctx, peer, "No chats are unified")
		return
	}
	var b strings.Builder
	b.WriteString("🔗 Unified chats:\n")
	for _, chat := range chats {
		line := "• " + e.msg.ChatTitle(ctx, chat)
		if chat == peer {
			line += " (this chat)"
		}
		b.WriteString(line + "\n")
	}
	e.send(ctx, peer, strings.TrimRight(b.String(), "\n"))
}

// sendStats posts the activity and moderation summary for one user in the
// current room.
func (e *Engine) sendStats(ctx context.Context, peer, target int64) {
	var b strings.Builder
	b.WriteString("📊 " + e.mention(ctx, target))
	if nick, ok, err := e.store.Nickname(ctx, peer, target); err == nil && ok {
		b.WriteString(fmt.Sprintf(" (%q)", nick))
	}
	b.WriteString("\n")

	if st, err := e.store.UserStats(ctx, peer, target); err == nil {
		if !st.JoinedAt.IsZero() {
			b.WriteString("Joined: " + st.JoinedAt.Format("2006-01-02 15:04") + "\n")
		}
		b.WriteString(fmt.Sprintf("Messages: %d\n", st.MessageCount))
		if !st.LastMessageAt.IsZero() {
			b.WriteString("Last message: " + st.LastMessageAt.Format("2006-01-02 15:04") + "\n")
		}
	}
	if count, err := e.store.WarnCount(ctx, peer, target); err == nil {
		b.WriteString(fmt.Sprintf("Warnings: %d/%d\n", count, e.pol.MaxWarnings))
	}
	if until, ok, err := e.store.MuteExpiry(ctx, target); err == nil && ok && until.After(e.now()) {
		left := until.Sub(e.now()).Round(time.Second)
		b.WriteString("Muted: yes (" + vkapi.FormatDuration(left) + " left)\n")
	}
	if banned, err := e.store.IsBanned(ctx, target); err == nil && banned {
		b.WriteString("Banned: yes\n")
	}
	e.send(ctx, peer, strings.TrimRight(b.String(), "\n"))
}

// sendHelp lists the commands available to the asking user's tier.
func (e *Engine) sendHelp(ctx context.Context, peer, from int64) {
	var b strings.Builder
	b.WriteString("📖 Commands:\n")
	b.WriteString("/stats [user] — activity summary\n")
	b.WriteString("/admins, /moders — list staff\n")
	if e.IsModerator(ctx, from) {
		b.WriteString("/mute <user> [duration] — silence a user\n")
		b.WriteString("/unmute <user>\n")
		b.WriteString("/warn <user> [reason] — warnings auto-mute at the limit\n")
		b.WriteString("/unwarn <user>\n")
		b.WriteString("/kick <user> — remove with a re-entry timeout\n")
		b.WriteString("/ban <user>, /unban <user>\n")
		b.WriteString("/nick <user> <nickname> — admins only\n")
	}
	if e.IsAdmin(ctx, from) {
		b.WriteString("/unite, /separate, /unified — unified moderation network\n")
		b.WriteString("/addmoder <user>, /removemoder <user>\n")
	}
	if e.IsSuperAdmin(from) {
		b.WriteString("/addadmin <user>, /removeadmin <user>\n")
	}
	e.send(ctx, peer, strings.TrimRight(b.String(), "\n"))
}
