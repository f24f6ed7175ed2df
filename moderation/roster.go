package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/antarber/nevermore/store"
)

// grantRole promotes a user. Promoting an existing admin to moderator is
// refused rather than silently demoting them.
func (e *Engine) grantRole(ctx context.Context, peer, target int64, roleName string) {
	role := store.Role(roleName)
	current, has, err := e.store.UserRole(ctx, target)
	if err != nil {
		e.send(ctx, peer, "❌ Roster update failed")
		return
	}
	if has && current == role {
		e.send(ctx, peer, fmt.Sprintf("❌ %s already has that role", e.mention(ctx, target)))
		return
	}
	if has && current == store.RoleAdmin && role == store.RoleModerator {
		e.send(ctx, peer, fmt.Sprintf("❌ %s is already an administrator", e.mention(ctx, target)))
		return
	}
	if _, err := e.store.SetRole(ctx, target, role); err != nil {
		e.send(ctx, peer, "❌ Roster update failed")
		return
	}
	e.logAction(ctx, "grant_"+roleName, peer, target, Direct)
	switch role {
	case store.RoleAdmin:
		e.send(ctx, peer, fmt.Sprintf("👑 %s is now an administrator", e.mention(ctx, target)))
	default:
		e.send(ctx, peer, fmt.Sprintf("🛡 %s is now a moderator", e.mention(ctx, target)))
	}
}

// revokeRole demotes a user. Super-admins cannot be demoted.
func (e *Engine) revokeRole(ctx context.Context, peer, target int64, roleName string) {
	if e.IsSuperAdmin(target) {
		e.send(ctx, peer, "⛔ Super-administrators cannot be demoted")
		return
	}
	role := store.Role(roleName)
	removed, err := e.store.RemoveRole(ctx, target, role)
	if err != nil {
		e.send(ctx, peer, "❌ Roster update failed")
		return
	}
	if !removed {
		e.send(ctx, peer, fmt.Sprintf("❌ %s does not have that role", e.mention(ctx, target)))
		return
	}
	e.logAction(ctx, "revoke_"+roleName, peer, target, Direct)
	e.send(ctx, peer, fmt.Sprintf("✅ Role removed from %s", e.mention(ctx, target)))
}

func (e *Engine) listRoster(ctx context.Context, peer int64, roleName string) {
	role := store.Role(roleName)
	ids, err := e.store.ListRole(ctx, role)
	if err != nil {
		e.send(ctx, peer, "❌ Roster lookup failed")
		return
	}
	if len(ids) == 0 {
		if role == store.RoleAdmin {
			e.send(ctx, peer, "No administrators configured")
		} else {
			e.send(ctx, peer, "No moderators configured")
		}
		return
	}
	var b strings.Builder
	if role == store.RoleAdmin {
		b.WriteString("👑 Administrators:\n")
	} else {
		b.WriteString("🛡 Moderators:\n")
	}
	for _, id := range ids {
		b.WriteString("• " + e.mention(ctx, id))
		if e.IsSuperAdmin(id) {
			b.WriteString(" (super)")
		}
		b.WriteString("\n")
	}
	e.send(ctx, peer, strings.TrimRight(b.String(), "\n"))
}
