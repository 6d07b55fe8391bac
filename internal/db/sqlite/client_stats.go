package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

func (c *sqliteClient) IncrementStat(ctx context.Context, chatID int64, kind db.StatKind, at time.Time) error {
	if !kind.Valid() {
		return ngerrors.Malformed("unknown stat kind %q", kind)
	}
	at = at.UTC()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	// kind is validated above, so the column name comes from a closed set.
	col := kind.Column()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_stats (chat_id, `+col+`, started_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE
		SET `+col+` = chat_stats.`+col+` + 1,
			started_at = MIN(chat_stats.started_at, excluded.started_at),
			updated_at = MAX(chat_stats.updated_at, excluded.updated_at)
	`, chatID, at, at)
	if err != nil {
		return ngerrors.Unavailable(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_stats_hourly (chat_id, kind, hour, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (chat_id, kind, hour) DO UPDATE SET count = chat_stats_hourly.count + 1
	`, chatID, kind, db.HourBucket(at))
	if err != nil {
		return ngerrors.Unavailable(err)
	}

	return ngerrors.Unavailable(tx.Commit())
}

func (c *sqliteClient) GetChatStats(ctx context.Context, chatID int64) (*db.ChatStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var stats db.ChatStats
	err := c.db.GetContext(ctx, &stats, `
		SELECT chat_id, joins_total, verified_total, kicked_total, expired_total,
			messages_total, vote_bans_total, started_at, updated_at
		FROM chat_stats
		WHERE chat_id = ?
	`, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return &stats, nil
}

func (c *sqliteClient) SumStatSince(ctx context.Context, chatID int64, kind db.StatKind, since time.Time) (int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var total int64
	err := c.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(count), 0)
		FROM chat_stats_hourly
		WHERE chat_id = ? AND kind = ? AND hour >= ?
	`, chatID, kind, db.HourBucket(since))
	if err != nil {
		return 0, ngerrors.Unavailable(err)
	}
	return total, nil
}
