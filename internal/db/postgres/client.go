package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/resources"
)

type postgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, dsn string) (*postgresClient, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, ngerrors.Configuration("parse postgres dsn: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, ngerrors.Unavailable(err)
	}

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations/postgres",
	}
	n, err := migrate.Exec(stdlib.OpenDBFromPool(pool), "postgres", migrationsSource, migrate.Up)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	if n > 0 {
		log.WithField("store", "postgres").Infof("applied %d migrations", n)
	}

	return &postgresClient{pool: pool}, nil
}

func (c *postgresClient) Ping(ctx context.Context) error {
	return ngerrors.Unavailable(c.pool.Ping(ctx))
}

func (c *postgresClient) Close() error {
	c.pool.Close()
	return nil
}

const verificationColumns = `chat_id, user_id, episode, status, challenge_token, challenge_message_id,
	join_message_id, joined_at, deadline_at, timer_epoch, attempt_count, language, updated_at, resolved_at`

func (c *postgresClient) GetVerification(ctx context.Context, chatID, userID int64) (*db.VerificationRecord, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+verificationColumns+`
		FROM verifications
		WHERE chat_id = $1 AND user_id = $2
		ORDER BY episode DESC
		LIMIT 1
	`, chatID, userID)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	rec, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[db.VerificationRecord])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return rec, nil
}

func (c *postgresClient) CreateVerification(ctx context.Context, rec *db.VerificationRecord) error {
	tag, err := c.pool.Exec(ctx, `
		INSERT INTO verifications (`+verificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING
	`,
		rec.ChatID,
		rec.UserID,
		rec.Episode,
		string(rec.Status),
		rec.ChallengeToken,
		rec.ChallengeMessageID,
		rec.JoinMessageID,
		rec.JoinedAt.UTC(),
		rec.DeadlineAt.UTC(),
		rec.TimerEpoch,
		rec.AttemptCount,
		rec.Language,
		rec.UpdatedAt.UTC(),
		rec.ResolvedAt,
	)
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	return conflictUnlessAffected(tag, "verification", rec.Key(), "", rec.TimerEpoch)
}

func (c *postgresClient) UpdateVerification(ctx context.Context, rec *db.VerificationRecord, expect db.Expectation) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE verifications
		SET status = $1,
			challenge_token = $2,
			challenge_message_id = $3,
			join_message_id = $4,
			deadline_at = $5,
			timer_epoch = $6,
			attempt_count = $7,
			language = $8,
			updated_at = $9,
			resolved_at = $10
		WHERE chat_id = $11 AND user_id = $12 AND episode = $13 AND status = $14 AND timer_epoch = $15
	`,
		string(rec.Status),
		rec.ChallengeToken,
		rec.ChallengeMessageID,
		rec.JoinMessageID,
		rec.DeadlineAt.UTC(),
		rec.TimerEpoch,
		rec.AttemptCount,
		rec.Language,
		rec.UpdatedAt.UTC(),
		rec.ResolvedAt,
		rec.ChatID,
		rec.UserID,
		rec.Episode,
		string(expect.Status),
		expect.Epoch,
	)
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	return conflictUnlessAffected(tag, "verification", rec.Key(), string(expect.Status), expect.Epoch)
}

func (c *postgresClient) ListStalePending(ctx context.Context, deadlineBefore time.Time, limit int) ([]*db.VerificationRecord, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+verificationColumns+`
		FROM verifications
		WHERE status = $1 AND deadline_at < $2
		ORDER BY deadline_at
		LIMIT $3
	`, string(db.StatusPending), deadlineBefore.UTC(), limit)
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[db.VerificationRecord])
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	return records, nil
}

func (c *postgresClient) PurgeVerifications(ctx context.Context, resolvedBefore time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx, `
		DELETE FROM verifications v
		WHERE v.status <> $1
			AND v.resolved_at < $2
			AND v.episode < (
				SELECT MAX(l.episode) FROM verifications l
				WHERE l.chat_id = v.chat_id AND l.user_id = v.user_id
			)
	`, string(db.StatusPending), resolvedBefore.UTC())
	if err != nil {
		return 0, ngerrors.Unavailable(err)
	}
	return tag.RowsAffected(), nil
}

func conflictUnlessAffected(tag pgconn.CommandTag, entity, key, expectedStatus string, expectedEpoch int64) error {
	if tag.RowsAffected() == 0 {
		return ngerrors.Conflict(entity, key, expectedStatus, expectedEpoch)
	}
	return nil
}
