// Package store holds the moderation state: mutes, bans, kicks, warnings,
// nicknames, unified-chat membership, per-room user stats, and the
// admin/moderator roster. Every mutation is persisted immediately; there is
// no batching. The Postgres implementation is the production store; Memory
// backs tests and a no-database dev mode.
package store

import (
	"context"
	"time"
)

// Role is a roster tier. Admins are implicitly moderators; that inference
// lives in the moderation engine, the store only records the granted role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// UserStats is the per-(room,user) activity record. JoinedAt is set once on
// first observation and never overwritten.
type UserStats struct {
	JoinedAt      time.Time
	MessageCount  int64
	LastMessageAt time.Time
}

// Store is the typed read-modify-write surface over the moderation tables.
// Boolean returns report whether the mutation changed anything, so callers
// can distinguish precondition failures ("not banned") without extra reads.
type Store interface {
	// Mutes are global: one entry controls a user in every room.
	SetMute(ctx context.Context, user int64, until time.Time) error
	RemoveMute(ctx context.Context, user int64) (bool, error)
	MuteExpiry(ctx context.Context, user int64) (time.Time, bool, error)
	// ExpireMutes removes every mute that expired at or before now and
	// returns the affected user ids.
	ExpireMutes(ctx context.Context, now time.Time) ([]int64, error)

	// Bans are a global set.
	AddBan(ctx context.Context, user int64) (bool, error)
	RemoveBan(ctx context.Context, user int64) (bool, error)
	IsBanned(ctx context.Context, user int64) (bool, error)

	// Kicks are timed re-entry bans; expiry is read-time comparison only.
	SetKick(ctx context.Context, user int64, until time.Time) error
	KickExpiry(ctx context.Context, user int64) (time.Time, bool, error)

	// Warnings are per-room.
	AddWarn(ctx context.Context, peer, user int64) (int, error)
	// RemoveWarn decrements a positive count; ok is false when there was
	// nothing to remove (the count never goes negative).
	RemoveWarn(ctx context.Context, peer, user int64) (count int, ok bool, err error)
	ResetWarns(ctx context.Context, peer, user int64) error
	WarnCount(ctx context.Context, peer, user int64) (int, error)

	// Nicknames are per-room, last-writer-wins.
	SetNickname(ctx context.Context, peer, user int64, nickname string) error
	Nickname(ctx context.Context, peer, user int64) (string, bool, error)
	// FindUserByNickname matches case-insensitively across every room.
	FindUserByNickname(ctx context.Context, nickname string) (int64, bool, error)

	// Unified chats define the propagation fan-out set.
	AddUnifiedChat(ctx context.Context, peer int64) (bool, error)
	RemoveUnifiedChat(ctx context.Context, peer int64) (bool, error)
	UnifiedChats(ctx context.Context) ([]int64, error)

	// Per-room user stats.
	RecordJoin(ctx context.Context, peer, user int64, at time.Time) error
	RecordMessage(ctx context.Context, peer, user int64, at time.Time) error
	UserStats(ctx context.Context, peer, user int64) (UserStats, error)

	// Roster. SetRole upserts and reports whether anything changed;
	// RemoveRole only removes the row when it holds the given role.
	SetRole(ctx context.Context, user int64, role Role) (bool, error)
	RemoveRole(ctx context.Context, user int64, role Role) (bool, error)
	UserRole(ctx context.Context, user int64) (Role, bool, error)
	ListRole(ctx context.Context, role Role) ([]int64, error)
	// SeedRoster grants the configured roles without demoting anyone who
	// already holds a higher one.
	SeedRoster(ctx context.Context, admins, moderators []int64) error
}
