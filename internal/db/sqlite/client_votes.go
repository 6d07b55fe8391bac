package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const voteRoundColumns = `chat_id, target_id, round, status, threshold, initiator_id, target_name, initiator_name, message_id, opened_at, closed_at`

func (c *sqliteClient) GetLatestVoteRound(ctx context.Context, chatID, targetID int64) (*db.VoteRound, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var round db.VoteRound
	err := c.db.GetContext(ctx, &round, `
		SELECT `+voteRoundColumns+`
		FROM vote_rounds
		WHERE chat_id = ? AND target_id = ?
		ORDER BY round DESC
		LIMIT 1
	`, chatID, targetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return &round, nil
}

func (c *sqliteClient) GetVoteRound(ctx context.Context, chatID, targetID, roundNo int64) (*db.VoteRound, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var round db.VoteRound
	err := c.db.GetContext(ctx, &round, `
		SELECT `+voteRoundColumns+`
		FROM vote_rounds
		WHERE chat_id = ? AND target_id = ? AND round = ?
	`, chatID, targetID, roundNo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return &round, nil
}

func (c *sqliteClient) CreateVoteRound(ctx context.Context, round *db.VoteRound) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO vote_rounds (`+voteRoundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		round.ChatID,
		round.TargetID,
		round.Round,
		round.Status,
		round.Threshold,
		round.InitiatorID,
		round.TargetName,
		round.InitiatorName,
		round.MessageID,
		round.OpenedAt.UTC(),
		utcPtr(round.ClosedAt),
	)
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	return conflictUnlessAffected(res, "vote round", round.Key(), "", round.Round)
}

func (c *sqliteClient) CastVote(ctx context.Context, chatID, targetID, roundNo, voterID int64, choice db.VoteChoice) (*db.VoteTally, error) {
	if !choice.Valid() {
		return nil, ngerrors.Malformed("unknown vote choice %q", choice)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	var status db.VoteStatus
	err = tx.GetContext(ctx, &status, `
		SELECT status FROM vote_rounds WHERE chat_id = ? AND target_id = ? AND round = ?
	`, chatID, targetID, roundNo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("vote round %d:%d#%d: %w", chatID, targetID, roundNo, ngerrors.ErrNotFound)
		}
		return nil, ngerrors.Unavailable(err)
	}

	if status == db.VoteOpen {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vote_ballots (chat_id, target_id, round, voter_id, choice, cast_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (chat_id, target_id, round, voter_id) DO UPDATE
			SET choice = excluded.choice, cast_at = excluded.cast_at
			WHERE vote_ballots.choice <> excluded.choice
		`, chatID, targetID, roundNo, voterID, choice, time.Now().UTC())
		if err != nil {
			return nil, ngerrors.Unavailable(err)
		}
	}

	tally := &db.VoteTally{Status: status}
	row := tx.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN choice = 'ban' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN choice = 'forgive' THEN 1 ELSE 0 END), 0)
		FROM vote_ballots
		WHERE chat_id = ? AND target_id = ? AND round = ?
	`, chatID, targetID, roundNo)
	if err := row.Scan(&tally.Ban, &tally.Forgive); err != nil {
		return nil, ngerrors.Unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	return tally, nil
}

func (c *sqliteClient) CloseVoteRound(ctx context.Context, chatID, targetID, roundNo int64, next db.VoteStatus, at time.Time) error {
	if next == db.VoteOpen {
		return ngerrors.Malformed("cannot close vote round into %s", next)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		UPDATE vote_rounds
		SET status = ?, closed_at = ?
		WHERE chat_id = ? AND target_id = ? AND round = ? AND status = ?
	`, next, at.UTC(), chatID, targetID, roundNo, db.VoteOpen)
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	key := fmt.Sprintf("%d:%d#%d", chatID, targetID, roundNo)
	return conflictUnlessAffected(res, "vote round", key, string(db.VoteOpen), roundNo)
}

func (c *sqliteClient) SetVoteMessage(ctx context.Context, chatID, targetID, roundNo int64, messageID int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `
		UPDATE vote_rounds SET message_id = ?
		WHERE chat_id = ? AND target_id = ? AND round = ?
	`, messageID, chatID, targetID, roundNo)
	return ngerrors.Unavailable(err)
}
