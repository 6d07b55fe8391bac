package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const verificationColumns = `chat_id, user_id, episode, status, challenge_token, challenge_message_id,
	join_message_id, joined_at, deadline_at, timer_epoch, attempt_count, language, updated_at, resolved_at`

func (c *sqliteClient) GetVerification(ctx context.Context, chatID, userID int64) (*db.VerificationRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var rec db.VerificationRecord
	err := c.db.GetContext(ctx, &rec, `
		SELECT `+verificationColumns+`
		FROM verifications
		WHERE chat_id = ? AND user_id = ?
		ORDER BY episode DESC
		LIMIT 1
	`, chatID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return &rec, nil
}

func (c *sqliteClient) CreateVerification(ctx context.Context, rec *db.VerificationRecord) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO verifications (`+verificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.ChatID,
		rec.UserID,
		rec.Episode,
		rec.Status,
		rec.ChallengeToken,
		rec.ChallengeMessageID,
		rec.JoinMessageID,
		rec.JoinedAt.UTC(),
		rec.DeadlineAt.UTC(),
		rec.TimerEpoch,
		rec.AttemptCount,
		rec.Language,
		rec.UpdatedAt.UTC(),
		utcPtr(rec.ResolvedAt),
	)
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	return conflictUnlessAffected(res, "verification", rec.Key(), "", rec.TimerEpoch)
}

func (c *sqliteClient) UpdateVerification(ctx context.Context, rec *db.VerificationRecord, expect db.Expectation) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		UPDATE verifications
		SET status = ?,
			challenge_token = ?,
			challenge_message_id = ?,
			join_message_id = ?,
			deadline_at = ?,
			timer_epoch = ?,
			attempt_count = ?,
			language = ?,
			updated_at = ?,
			resolved_at = ?
		WHERE chat_id = ? AND user_id = ? AND episode = ? AND status = ? AND timer_epoch = ?
	`,
		rec.Status,
		rec.ChallengeToken,
		rec.ChallengeMessageID,
		rec.JoinMessageID,
		rec.DeadlineAt.UTC(),
		rec.TimerEpoch,
		rec.AttemptCount,
		rec.Language,
		rec.UpdatedAt.UTC(),
		utcPtr(rec.ResolvedAt),
		rec.ChatID,
		rec.UserID,
		rec.Episode,
		expect.Status,
		expect.Epoch,
	)
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	return conflictUnlessAffected(res, "verification", rec.Key(), string(expect.Status), expect.Epoch)
}

func (c *sqliteClient) ListStalePending(ctx context.Context, deadlineBefore time.Time, limit int) ([]*db.VerificationRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var records []*db.VerificationRecord
	err := c.db.SelectContext(ctx, &records, `
		SELECT `+verificationColumns+`
		FROM verifications
		WHERE status = ? AND deadline_at < ?
		ORDER BY deadline_at
		LIMIT ?
	`, db.StatusPending, deadlineBefore.UTC(), limit)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	return records, nil
}

func (c *sqliteClient) PurgeVerifications(ctx context.Context, resolvedBefore time.Time) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		DELETE FROM verifications
		WHERE status <> ?
			AND resolved_at < ?
			AND episode < (
				SELECT MAX(v.episode) FROM verifications v
				WHERE v.chat_id = verifications.chat_id AND v.user_id = verifications.user_id
			)
	`, db.StatusPending, resolvedBefore.UTC())
	if err != nil {
		return 0, ngerrors.Unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ngerrors.Unavailable(err)
	}
	return n, nil
}

func conflictUnlessAffected(res sql.Result, entity, key, expectedStatus string, expectedEpoch int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	if n == 0 {
		return ngerrors.Conflict(entity, key, expectedStatus, expectedEpoch)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
