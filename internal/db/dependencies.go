package db

import (
	"context"
	"time"
)

type (
	// Client is implemented by every store backend.
	Client interface {
		VerificationStore
		VoteStore
		StatsStore
		Ping(ctx context.Context) error
		Close() error
	}

	VerificationStore interface {
		// GetVerification returns the latest episode or nil when the pair was never seen.
		GetVerification(ctx context.Context, chatID, userID int64) (*VerificationRecord, error)
		// CreateVerification inserts a new episode. It fails with a conflict when the episode
		// already exists or another PENDING episode is present.
		CreateVerification(ctx context.Context, rec *VerificationRecord) error
		// UpdateVerification persists rec only while the stored episode still matches expect.
		UpdateVerification(ctx context.Context, rec *VerificationRecord, expect Expectation) error
		ListStalePending(ctx context.Context, deadlineBefore time.Time, limit int) ([]*VerificationRecord, error)
		// PurgeVerifications deletes terminal episodes resolved before the given time,
		// keeping the latest episode of every pair.
		PurgeVerifications(ctx context.Context, resolvedBefore time.Time) (int64, error)
	}

	VoteStore interface {
		GetLatestVoteRound(ctx context.Context, chatID, targetID int64) (*VoteRound, error)
		GetVoteRound(ctx context.Context, chatID, targetID, round int64) (*VoteRound, error)
		// CreateVoteRound fails with a conflict when the round exists or another round is OPEN.
		CreateVoteRound(ctx context.Context, round *VoteRound) error
		// CastVote places voterID into the choice set, removing it from the other one.
		// Closed rounds are left untouched and only report their tally.
		CastVote(ctx context.Context, chatID, targetID, round, voterID int64, choice VoteChoice) (*VoteTally, error)
		// CloseVoteRound moves an OPEN round to next, failing with a conflict otherwise.
		CloseVoteRound(ctx context.Context, chatID, targetID, round int64, next VoteStatus, at time.Time) error
		SetVoteMessage(ctx context.Context, chatID, targetID, round int64, messageID int) error
	}

	StatsStore interface {
		IncrementStat(ctx context.Context, chatID int64, kind StatKind, at time.Time) error
		GetChatStats(ctx context.Context, chatID int64) (*ChatStats, error)
		SumStatSince(ctx context.Context, chatID int64, kind StatKind, since time.Time) (int64, error)
	}
)
