package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and the no-database dev mode.
// A single mutex guards everything; the event loop is the only writer, the
// mutex exists for the status server's concurrent reads.
type Memory struct {
	mu          sync.Mutex
	mutes       map[int64]time.Time
	bans        map[int64]struct{}
	kicks       map[int64]time.Time
	warns       map[int64]map[int64]int
	nicknames   map[int64]map[int64]nickEntry
	unified     map[int64]struct{}
	stats       map[int64]map[int64]UserStats
	roster      map[int64]Role
	rosterOrder []int64
	nickSeq     int64
}

type nickEntry struct {
	name string
	seq  int64 // last-writer-wins ordering for cross-room lookup
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		mutes:     make(map[int64]time.Time),
		bans:      make(map[int64]struct{}),
		kicks:     make(map[int64]time.Time),
		warns:     make(map[int64]map[int64]int),
		nicknames: make(map[int64]map[int64]nickEntry),
		unified:   make(map[int64]struct{}),
		stats:     make(map[int64]map[int64]UserStats),
		roster:    make(map[int64]Role),
	}
}

func (m *Memory) SetMute(_ context.Context, user int64, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutes[user] = until
	return nil
}

func (m *Memory) RemoveMute(_ context.Context, user int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mutes[user]
	delete(m.mutes, user)
	return ok, nil
}

func (m *Memory) MuteExpiry(_ context.Context, user int64) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.mutes[user]
	return until, ok, nil
}

func (m *Memory) ExpireMutes(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []int64
	for user, until := range m.mutes {
		if !until.After(now) {
			users = append(users, user)
			delete(m.mutes, user)
		}
	}
	return users, nil
}

func (m *Memory) AddBan(_ context.Context, user int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bans[user]; ok {
		return false, nil
	}
	m.bans[user] = struct{}{}
	return true, nil
}

func (m *Memory) RemoveBan(_ context.Context, user int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bans[user]
	delete(m.bans, user)
	return ok, nil
}

func (m *Memory) IsBanned(_ context.Context, user int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bans[user]
	return ok, nil
}

func (m *Memory) SetKick(_ context.Context, user int64, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicks[user] = until
	return nil
}

func (m *Memory) KickExpiry(_ context.Context, user int64) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.kicks[user]
	return until, ok, nil
}

func (m *Memory) AddWarn(_ context.Context, peer, user int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warns[peer] == nil {
		m.warns[peer] = make(map[int64]int)
	}
	m.warns[peer][user]++
	return m.warns[peer][user], nil
}

func (m *Memory) RemoveWarn(_ context.Context, peer, user int64) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warns[peer] == nil || m.warns[peer][user] == 0 {
		return 0, false, nil
	}
	m.warns[peer][user]--
	return m.warns[peer][user], true, nil
}

func (m *Memory) ResetWarns(_ context.Context, peer, user int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warns[peer] != nil {
		m.warns[peer][user] = 0
	}
	return nil
}

func (m *Memory) WarnCount(_ context.Context, peer, user int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warns[peer] == nil {
		return 0, nil
	}
	return m.warns[peer][user], nil
}

func (m *Memory) SetNickname(_ context.Context, peer, user int64, nickname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nicknames[peer] == nil {
		m.nicknames[peer] = make(map[int64]nickEntry)
	}
	m.nickSeq++
	m.nicknames[peer][user] = nickEntry{name: nickname, seq: m.nickSeq}
	return nil
}

func (m *Memory) Nickname(_ context.Context, peer, user int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nicknames[peer] == nil {
		return "", false, nil
	}
	entry, ok := m.nicknames[peer][user]
	return entry.name, ok, nil
}

func (m *Memory) FindUserByNickname(_ context.Context, nickname string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best nickEntry
	var bestUser int64
	found := false
	for _, users := range m.nicknames {
		for user, entry := range users {
			if strings.EqualFold(entry.name, nickname) && (!found || entry.seq > best.seq) {
				best = entry
				bestUser = user
				found = true
			}
		}
	}
	return bestUser, found, nil
}

func (m *Memory) AddUnifiedChat(_ context.Context, peer int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.unified[peer]; ok {
		return false, nil
	}
	m.unified[peer] = struct{}{}
	return true, nil
}

func (m *Memory) RemoveUnifiedChat(_ context.Context, peer int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.unified[peer]
	delete(m.unified, peer)
	return ok, nil
}

func (m *Memory) UnifiedChats(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]int64, 0, len(m.unified))
	for peer := range m.unified {
		peers = append(peers, peer)
	}
	// Deterministic fan-out order.
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && peers[j] < peers[j-1]; j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
	return peers, nil
}

func (m *Memory) RecordJoin(_ context.Context, peer, user int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stat(peer, user)
	if st.JoinedAt.IsZero() {
		st.JoinedAt = at
	}
	m.stats[peer][user] = st
	return nil
}

func (m *Memory) RecordMessage(_ context.Context, peer, user int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stat(peer, user)
	st.MessageCount++
	st.LastMessageAt = at
	if st.JoinedAt.IsZero() {
		st.JoinedAt = at
	}
	m.stats[peer][user] = st
	return nil
}

func (m *Memory) UserStats(_ context.Context, peer, user int64) (UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats[peer] == nil {
		return UserStats{}, nil
	}
	return m.stats[peer][user], nil
}

// stat returns the current record, creating map levels lazily. Callers hold the lock.
func (m *Memory) stat(peer, user int64) UserStats {
	if m.stats[peer] == nil {
		m.stats[peer] = make(map[int64]UserStats)
	}
	return m.stats[peer][user]
}

func (m *Memory) SetRole(_ context.Context, user int64, role Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.roster[user]; ok && existing == role {
		return false, nil
	}
	if _, ok := m.roster[user]; !ok {
		m.rosterOrder = append(m.rosterOrder, user)
	}
	m.roster[user] = role
	return true, nil
}

func (m *Memory) RemoveRole(_ context.Context, user int64, role Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.roster[user]; !ok || existing != role {
		return false, nil
	}
	delete(m.roster, user)
	return true, nil
}

func (m *Memory) UserRole(_ context.Context, user int64) (Role, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roster[user]
	return role, ok, nil
}

func (m *Memory) ListRole(_ context.Context, role Role) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []int64
	for _, user := range m.rosterOrder {
		if m.roster[user] == role {
			users = append(users, user)
		}
	}
	return users, nil
}

func (m *Memory) SeedRoster(ctx context.Context, admins, moderators []int64) error {
	for _, id := range admins {
		if _, err := m.SetRole(ctx, id, RoleAdmin); err != nil {
			return err
		}
	}
	for _, id := range moderators {
		m.mu.Lock()
		_, exists := m.roster[id]
		m.mu.Unlock()
		if !exists {
			if _, err := m.SetRole(ctx, id, RoleModerator); err != nil {
				return err
			}
		}
	}
	return nil
}
