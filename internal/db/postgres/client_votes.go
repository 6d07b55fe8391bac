package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const voteRoundColumns = `chat_id, target_id, round, status, threshold, initiator_id, target_name, initiator_name, message_id, opened_at, closed_at`

func (c *postgresClient) GetLatestVoteRound(ctx context.Context, chatID, targetID int64) (*db.VoteRound, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+voteRoundColumns+`
		FROM vote_rounds
		WHERE chat_id = $1 AND target_id = $2
		ORDER BY round DESC
		LIMIT 1
	`, chatID, targetID)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	return collectRound(rows)
}

func (c *postgresClient) GetVoteRound(ctx context.Context, chatID, targetID, roundNo int64) (*db.VoteRound, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+voteRoundColumns+`
		FROM vote_rounds
		WHERE chat_id = $1 AND target_id = $2 AND round = $3
	`, chatID, targetID, roundNo)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	return collectRound(rows)
}

func collectRound(rows pgx.Rows) (*db.VoteRound, error) {
	round, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[db.VoteRound])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return round, nil
}

func (c *postgresClient) CreateVoteRound(ctx context.Context, round *db.VoteRound) error {
	tag, err := c.pool.Exec(ctx, `
		INSERT INTO vote_rounds (`+voteRoundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`,
		round.ChatID,
		round.TargetID,
		round.Round,
		string(round.Status),
		round.Threshold,
		round.InitiatorID,
		round.TargetName,
		round.InitiatorName,
		round.MessageID,
		round.OpenedAt.UTC(),
		round.ClosedAt,
	)
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	return conflictUnlessAffected(tag, "vote round", round.Key(), "", round.Round)
}

func (c *postgresClient) CastVote(ctx context.Context, chatID, targetID, roundNo, voterID int64, choice db.VoteChoice) (*db.VoteTally, error) {
	if !choice.Valid() {
		return nil, ngerrors.Malformed("unknown vote choice %q", choice)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	// FOR SHARE keeps a concurrent close from slipping between the check and the ballot.
	err = tx.QueryRow(ctx, `
		SELECT status FROM vote_rounds
		WHERE chat_id = $1 AND target_id = $2 AND round = $3
		FOR SHARE
	`, chatID, targetID, roundNo).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("vote round %d:%d#%d: %w", chatID, targetID, roundNo, ngerrors.ErrNotFound)
		}
		return nil, ngerrors.Unavailable(err)
	}

	if db.VoteStatus(status) == db.VoteOpen {
		_, err = tx.Exec(ctx, `
			INSERT INTO vote_ballots (chat_id, target_id, round, voter_id, choice, cast_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (chat_id, target_id, round, voter_id) DO UPDATE
			SET choice = excluded.choice, cast_at = excluded.cast_at
			WHERE vote_ballots.choice <> excluded.choice
		`, chatID, targetID, roundNo, voterID, string(choice), time.Now().UTC())
		if err != nil {
			return nil, ngerrors.Unavailable(err)
		}
	}

	tally := &db.VoteTally{Status: db.VoteStatus(status)}
	err = tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE choice = 'ban'),
			COUNT(*) FILTER (WHERE choice = 'forgive')
		FROM vote_ballots
		WHERE chat_id = $1 AND target_id = $2 AND round = $3
	`, chatID, targetID, roundNo).Scan(&tally.Ban, &tally.Forgive)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	return tally, nil
}

func (c *postgresClient) CloseVoteRound(ctx context.Context, chatID, targetID, roundNo int64, next db.VoteStatus, at time.Time) error {
	if next == db.VoteOpen {
		return ngerrors.Malformed("cannot close vote round into %s", next)
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE vote_rounds
		SET status = $1, closed_at = $2
		WHERE chat_id = $3 AND target_id = $4 AND round = $5 AND status = $6
	`, string(next), at.UTC(), chatID, targetID, roundNo, string(db.VoteOpen))
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	key := fmt.Sprintf("%d:%d#%d", chatID, targetID, roundNo)
	return conflictUnlessAffected(tag, "vote round", key, string(db.VoteOpen), roundNo)
}

func (c *postgresClient) SetVoteMessage(ctx context.Context, chatID, targetID, roundNo int64, messageID int) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE vote_rounds SET message_id = $1
		WHERE chat_id = $2 AND target_id = $3 AND round = $4
	`, messageID, chatID, targetID, roundNo)
	return ngerrors.Unavailable(err)
}

func (c *postgresClient) IncrementStat(ctx context.Context, chatID int64, kind db.StatKind, at time.Time) error {
	if !kind.Valid() {
		return ngerrors.Malformed("unknown stat kind %q", kind)
	}
	at = at.UTC()
	col := kind.Column()

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO chat_stats (chat_id, `+col+`, started_at, updated_at)
		VALUES ($1, 1, $2, $2)
		ON CONFLICT (chat_id) DO UPDATE
		SET `+col+` = chat_stats.`+col+` + 1,
			started_at = LEAST(chat_stats.started_at, excluded.started_at),
			updated_at = GREATEST(chat_stats.updated_at, excluded.updated_at)
	`, chatID, at)
	batch.Queue(`
		INSERT INTO chat_stats_hourly (chat_id, kind, hour, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (chat_id, kind, hour) DO UPDATE SET count = chat_stats_hourly.count + 1
	`, chatID, string(kind), db.HourBucket(at))

	return ngerrors.Unavailable(pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	}))
}

func (c *postgresClient) GetChatStats(ctx context.Context, chatID int64) (*db.ChatStats, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT chat_id, joins_total, verified_total, kicked_total, expired_total,
			messages_total, vote_bans_total, started_at, updated_at
		FROM chat_stats
		WHERE chat_id = $1
	`, chatID)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	stats, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[db.ChatStats])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return stats, nil
}

func (c *postgresClient) SumStatSince(ctx context.Context, chatID int64, kind db.StatKind, since time.Time) (int64, error) {
	var total int64
	err := c.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0)::BIGINT
		FROM chat_stats_hourly
		WHERE chat_id = $1 AND kind = $2 AND hour >= $3
	`, chatID, string(kind), db.HourBucket(since)).Scan(&total)
	if err != nil {
		return 0, ngerrors.Unavailable(err)
	}
	return total, nil
}
