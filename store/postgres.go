package store

import (
	"context"
	"database/sql"
	"time"
)

// Postgres implements Store over database/sql with the pgx driver. Every
// method is a single statement (or one small statement sequence), so writes
// are atomic upserts and the single-loop writer needs no extra locking.
type Postgres struct {
	DB *sql.DB
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{DB: db} }

func (p *Postgres) SetMute(ctx context.Context, user int64, until time.Time) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO mutes (user_id, expires_at) VALUES ($1, $2)
		ON CONFLICT(user_id) DO UPDATE SET expires_at=EXCLUDED.expires_at`, user, until)
	return err
}

func (p *Postgres) RemoveMute(ctx context.Context, user int64) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM mutes WHERE user_id=$1`, user)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) MuteExpiry(ctx context.Context, user int64) (time.Time, bool, error) {
	var until time.Time
	err := p.DB.QueryRowContext(ctx, `SELECT expires_at FROM mutes WHERE user_id=$1`, user).Scan(&until)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func (p *Postgres) ExpireMutes(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := p.DB.QueryContext(ctx, `DELETE FROM mutes WHERE expires_at <= $1 RETURNING user_id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []int64
	for rows.Next() {
		var u int64
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) AddBan(ctx context.Context, user int64) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `INSERT INTO bans (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, user)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) RemoveBan(ctx context.Context, user int64) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM bans WHERE user_id=$1`, user)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) IsBanned(ctx context.Context, user int64) (bool, error) {
	var one int
	err := p.DB.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE user_id=$1`, user).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) SetKick(ctx context.Context, user int64, until time.Time) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO kicks (user_id, expires_at) VALUES ($1, $2)
		ON CONFLICT(user_id) DO UPDATE SET expires_at=EXCLUDED.expires_at`, user, until)
	return err
}

func (p *Postgres) KickExpiry(ctx context.Context, user int64) (time.Time, bool, error) {
	var until time.Time
	err := p.DB.QueryRowContext(ctx, `SELECT expires_at FROM kicks WHERE user_id=$1`, user).Scan(&until)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func (p *Postgres) AddWarn(ctx context.Context, peer, user int64) (int, error) {
	var count int
	err := p.DB.QueryRowContext(ctx, `INSERT INTO warns (peer_id, user_id, count) VALUES ($1, $2, 1)
		ON CONFLICT(peer_id, user_id) DO UPDATE SET count=warns.count+1, updated_at=NOW()
		RETURNING count`, peer, user).Scan(&count)
	return count, err
}

func (p *Postgres) RemoveWarn(ctx context.Context, peer, user int64) (int, bool, error) {
	var count int
	err := p.DB.QueryRowContext(ctx, `UPDATE warns SET count=count-1, updated_at=NOW()
		WHERE peer_id=$1 AND user_id=$2 AND count > 0
		RETURNING count`, peer, user).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (p *Postgres) ResetWarns(ctx context.Context, peer, user int64) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE warns SET count=0, updated_at=NOW()
		WHERE peer_id=$1 AND user_id=$2`, peer, user)
	return err
}

func (p *Postgres) WarnCount(ctx context.Context, peer, user int64) (int, error) {
	var count int
	err := p.DB.QueryRowContext(ctx, `SELECT count FROM warns WHERE peer_id=$1 AND user_id=$2`, peer, user).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (p *Postgres) SetNickname(ctx context.Context, peer, user int64, nickname string) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO nicknames (peer_id, user_id, nickname) VALUES ($1, $2, $3)
		ON CONFLICT(peer_id, user_id) DO UPDATE SET nickname=EXCLUDED.nickname, updated_at=NOW()`, peer, user, nickname)
	return err
}

func (p *Postgres) Nickname(ctx context.Context, peer, user int64) (string, bool, error) {
	var nick string
	err := p.DB.QueryRowContext(ctx, `SELECT nickname FROM nicknames WHERE peer_id=$1 AND user_id=$2`, peer, user).Scan(&nick)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return nick, true, nil
}

func (p *Postgres) FindUserByNickname(ctx context.Context, nickname string) (int64, bool, error) {
	var user int64
	err := p.DB.QueryRowContext(ctx, `SELECT user_id FROM nicknames WHERE LOWER(nickname)=LOWER($1)
		ORDER BY updated_at DESC LIMIT 1`, nickname).Scan(&user)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return user, true, nil
}

func (p *Postgres) AddUnifiedChat(ctx context.Context, peer int64) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `INSERT INTO unified_chats (peer_id) VALUES ($1) ON CONFLICT DO NOTHING`, peer)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) RemoveUnifiedChat(ctx context.Context, peer int64) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM unified_chats WHERE peer_id=$1`, peer)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) UnifiedChats(ctx context.Context) ([]int64, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT peer_id FROM unified_chats ORDER BY peer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []int64
	for rows.Next() {
		var peer int64
		if err := rows.Scan(&peer); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

func (p *Postgres) RecordJoin(ctx context.Context, peer, user int64, at time.Time) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO user_stats (peer_id, user_id, joined_at) VALUES ($1, $2, $3)
		ON CONFLICT(peer_id, user_id) DO UPDATE SET joined_at=COALESCE(user_stats.joined_at, EXCLUDED.joined_at)`,
		peer, user, at)
	return err
}

func (p *Postgres) RecordMessage(ctx context.Context, peer, user int64, at time.Time) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO user_stats (peer_id, user_id, joined_at, message_count, last_message_at)
		VALUES ($1, $2, $3, 1, $3)
		ON CONFLICT(peer_id, user_id) DO UPDATE SET
			message_count=user_stats.message_count+1,
			last_message_at=EXCLUDED.last_message_at,
			joined_at=COALESCE(user_stats.joined_at, EXCLUDED.joined_at)`,
		peer, user, at)
	return err
}

func (p *Postgres) UserStats(ctx context.Context, peer, user int64) (UserStats, error) {
	var st UserStats
	var joined, last sql.NullTime
	err := p.DB.QueryRowContext(ctx, `SELECT joined_at, message_count, last_message_at
		FROM user_stats WHERE peer_id=$1 AND user_id=$2`, peer, user).Scan(&joined, &st.MessageCount, &last)
	if err == sql.ErrNoRows {
		return UserStats{}, nil
	}
	if err != nil {
		return UserStats{}, err
	}
	if joined.Valid {
		st.JoinedAt = joined.Time
	}
	if last.Valid {
		st.LastMessageAt = last.Time
	}
	return st, nil
}

func (p *Postgres) SetRole(ctx context.Context, user int64, role Role) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `INSERT INTO roster (user_id, role) VALUES ($1, $2)
		ON CONFLICT(user_id) DO UPDATE SET role=EXCLUDED.role
		WHERE roster.role IS DISTINCT FROM EXCLUDED.role`, user, string(role))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) RemoveRole(ctx context.Context, user int64, role Role) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM roster WHERE user_id=$1 AND role=$2`, user, string(role))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) UserRole(ctx context.Context, user int64) (Role, bool, error) {
	var role string
	err := p.DB.QueryRowContext(ctx, `SELECT role FROM roster WHERE user_id=$1`, user).Scan(&role)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return Role(role), true, nil
}

func (p *Postgres) ListRole(ctx context.Context, role Role) ([]int64, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT user_id FROM roster WHERE role=$1 ORDER BY added_at`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []int64
	for rows.Next() {
		var u int64
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) SeedRoster(ctx context.Context, admins, moderators []int64) error {
	for _, id := range admins {
		if _, err := p.DB.ExecContext(ctx, `INSERT INTO roster (user_id, role) VALUES ($1, 'admin')
			ON CONFLICT(user_id) DO UPDATE SET role='admin'`, id); err != nil {
			return err
		}
	}
	// Moderator seeds never demote an existing admin.
	for _, id := range moderators {
		if _, err := p.DB.ExecContext(ctx, `INSERT INTO roster (user_id, role) VALUES ($1, 'moderator')
			ON CONFLICT(user_id) DO NOTHING`, id); err != nil {
			return err
		}
	}
	return nil
}
