// Package storetest holds the behaviour every db.Client backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

// Factory returns a fresh, empty client. Cleanup is the factory's concern.
type Factory func(t *testing.T) db.Client

func Run(t *testing.T, newClient Factory) {
	t.Run("VerificationConditionalWrites", func(t *testing.T) { testVerificationConditionalWrites(t, newClient(t)) })
	t.Run("VerificationSinglePending", func(t *testing.T) { testVerificationSinglePending(t, newClient(t)) })
	t.Run("VerificationConcurrentTransitions", func(t *testing.T) { testVerificationConcurrentTransitions(t, newClient(t)) })
	t.Run("VerificationStaleAndPurge", func(t *testing.T) { testVerificationStaleAndPurge(t, newClient(t)) })
	t.Run("VoteRoundLifecycle", func(t *testing.T) { testVoteRoundLifecycle(t, newClient(t)) })
	t.Run("VoteDuplicateBallots", func(t *testing.T) { testVoteDuplicateBallots(t, newClient(t)) })
	t.Run("VoteConcurrentThreshold", func(t *testing.T) { testVoteConcurrentThreshold(t, newClient(t)) })
	t.Run("StatsCommutative", func(t *testing.T) { testStatsCommutative(t, newClient(t)) })
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(chatID, userID, episode, epoch int64) *db.VerificationRecord {
	return &db.VerificationRecord{
		ChatID:         chatID,
		UserID:         userID,
		Episode:        episode,
		Status:         db.StatusPending,
		ChallengeToken: "token",
		JoinedAt:       baseTime,
		DeadlineAt:     baseTime.Add(time.Minute),
		TimerEpoch:     epoch,
		AttemptCount:   1,
		JoinMessageID:  500,
		Language:       "en",
		UpdatedAt:      baseTime,
	}
}

func resolve(rec *db.VerificationRecord, status db.VerificationStatus, at time.Time) *db.VerificationRecord {
	next := rec.Clone()
	next.Status = status
	next.TimerEpoch++
	next.UpdatedAt = at
	next.ResolvedAt = &at
	return next
}

func testVerificationConditionalWrites(t *testing.T, client db.Client) {
	ctx := context.Background()

	got, err := client.GetVerification(ctx, -100, 7)
	if err != nil {
		t.Fatalf("get missing verification: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown pair, got %#v", got)
	}

	rec := pending(-100, 7, 1, 1)
	if err := client.CreateVerification(ctx, rec); err != nil {
		t.Fatalf("create verification: %v", err)
	}
	if err := client.CreateVerification(ctx, rec); !errors.Is(err, ngerrors.ErrContention) {
		t.Fatalf("expected contention on duplicate create, got %v", err)
	}

	got, err = client.GetVerification(ctx, -100, 7)
	if err != nil {
		t.Fatalf("get verification: %v", err)
	}
	if got == nil || got.Status != db.StatusPending || got.TimerEpoch != 1 || got.ChallengeToken != "token" || got.JoinMessageID != 500 {
		t.Fatalf("unexpected record: %#v", got)
	}
	if !got.DeadlineAt.Equal(rec.DeadlineAt) {
		t.Fatalf("deadline round trip: got %v want %v", got.DeadlineAt, rec.DeadlineAt)
	}

	withMessage := got.Clone()
	withMessage.ChallengeMessageID = 55
	withMessage.JoinMessageID = 501
	if err := client.UpdateVerification(ctx, withMessage, db.Expectation{Status: db.StatusPending, Epoch: 1}); err != nil {
		t.Fatalf("attach message id: %v", err)
	}

	stale := withMessage.Clone()
	stale.Status = db.StatusKicked
	if err := client.UpdateVerification(ctx, stale, db.Expectation{Status: db.StatusPending, Epoch: 0}); !errors.Is(err, ngerrors.ErrContention) {
		t.Fatalf("expected contention on stale epoch, got %v", err)
	}

	verified := resolve(withMessage, db.StatusVerified, baseTime.Add(10*time.Second))
	if err := client.UpdateVerification(ctx, verified, db.Expectation{Status: db.StatusPending, Epoch: 1}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := client.UpdateVerification(ctx, verified, db.Expectation{Status: db.StatusPending, Epoch: 1}); !errors.Is(err, ngerrors.ErrContention) {
		t.Fatalf("expected contention on second verify, got %v", err)
	}

	got, err = client.GetVerification(ctx, -100, 7)
	if err != nil {
		t.Fatalf("get verified: %v", err)
	}
	if got.Status != db.StatusVerified || got.TimerEpoch != 2 || got.ChallengeMessageID != 55 || got.JoinMessageID != 501 || got.ResolvedAt == nil {
		t.Fatalf("unexpected verified record: %#v", got)
	}
}

func testVerificationSinglePending(t *testing.T, client db.Client) {
	ctx := context.Background()

	first := pending(-200, 9, 1, 1)
	if err := client.CreateVerification(ctx, first); err != nil {
		t.Fatalf("create first episode: %v", err)
	}
	if err := client.CreateVerification(ctx, pending(-200, 9, 2, 2)); !errors.Is(err, ngerrors.ErrContention) {
		t.Fatalf("expected contention while an episode is pending, got %v", err)
	}

	kicked := resolve(first, db.StatusKicked, baseTime.Add(time.Minute))
	if err := client.UpdateVerification(ctx, kicked, db.Expectation{Status: db.StatusPending, Epoch: 1}); err != nil {
		t.Fatalf("kick first episode: %v", err)
	}

	second := pending(-200, 9, 2, kicked.TimerEpoch+1)
	if err := client.CreateVerification(ctx, second); err != nil {
		t.Fatalf("create second episode: %v", err)
	}

	got, err := client.GetVerification(ctx, -200, 9)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if got.Episode != 2 || got.Status != db.StatusPending || got.TimerEpoch != 3 {
		t.Fatalf("unexpected latest episode: %#v", got)
	}
}

func testVerificationConcurrentTransitions(t *testing.T, client db.Client) {
	ctx := context.Background()

	rec := pending(-300, 11, 1, 4)
	if err := client.CreateVerification(ctx, rec); err != nil {
		t.Fatalf("create verification: %v", err)
	}

	targets := []db.VerificationStatus{
		db.StatusVerified, db.StatusKicked, db.StatusCancelled, db.StatusExpired,
		db.StatusVerified, db.StatusKicked, db.StatusCancelled, db.StatusExpired,
	}
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		winner    atomic.Value
	)
	for _, status := range targets {
		wg.Add(1)
		go func(status db.VerificationStatus) {
			defer wg.Done()
			next := resolve(rec, status, baseTime.Add(5*time.Second))
			err := client.UpdateVerification(ctx, next, db.Expectation{Status: db.StatusPending, Epoch: 4})
			switch {
			case err == nil:
				wins.Add(1)
				winner.Store(status)
			case errors.Is(err, ngerrors.ErrContention):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected update error: %v", err)
			}
		}(status)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins.Load())
	}
	if int(conflicts.Load()) != len(targets)-1 {
		t.Fatalf("expected %d conflicts, got %d", len(targets)-1, conflicts.Load())
	}

	got, err := client.GetVerification(ctx, -300, 11)
	if err != nil {
		t.Fatalf("get verification: %v", err)
	}
	if got.Status != winner.Load().(db.VerificationStatus) {
		t.Fatalf("stored status %s does not match winner %v", got.Status, winner.Load())
	}
}

func testVerificationStaleAndPurge(t *testing.T, client db.Client) {
	ctx := context.Background()

	overdue := pending(-400, 1, 1, 1)
	overdue.DeadlineAt = baseTime.Add(-time.Hour)
	fresh := pending(-400, 2, 1, 1)
	fresh.DeadlineAt = baseTime.Add(time.Hour)
	for _, rec := range []*db.VerificationRecord{overdue, fresh} {
		if err := client.CreateVerification(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.Key(), err)
		}
	}

	stale, err := client.ListStalePending(ctx, baseTime, 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].UserID != 1 {
		t.Fatalf("unexpected stale list: %#v", stale)
	}

	// user 3 has an old terminal episode followed by a newer terminal one
	old := pending(-400, 3, 1, 1)
	if err := client.CreateVerification(ctx, old); err != nil {
		t.Fatalf("create old episode: %v", err)
	}
	oldKicked := resolve(old, db.StatusKicked, baseTime.Add(-48*time.Hour))
	if err := client.UpdateVerification(ctx, oldKicked, db.Expectation{Status: db.StatusPending, Epoch: 1}); err != nil {
		t.Fatalf("kick old episode: %v", err)
	}
	latest := pending(-400, 3, 2, oldKicked.TimerEpoch+1)
	if err := client.CreateVerification(ctx, latest); err != nil {
		t.Fatalf("create latest episode: %v", err)
	}
	latestVerified := resolve(latest, db.StatusVerified, baseTime.Add(-47*time.Hour))
	if err := client.UpdateVerification(ctx, latestVerified, db.Expectation{Status: db.StatusPending, Epoch: latest.TimerEpoch}); err != nil {
		t.Fatalf("verify latest episode: %v", err)
	}

	purged, err := client.PurgeVerifications(ctx, baseTime.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged episode, got %d", purged)
	}

	got, err := client.GetVerification(ctx, -400, 3)
	if err != nil {
		t.Fatalf("get after purge: %v", err)
	}
	if got == nil || got.Episode != 2 || got.Status != db.StatusVerified {
		t.Fatalf("latest episode must survive purge: %#v", got)
	}
}

func openRound(chatID, targetID, round int64, threshold int) *db.VoteRound {
	return &db.VoteRound{
		ChatID:        chatID,
		TargetID:      targetID,
		Round:         round,
		Status:        db.VoteOpen,
		Threshold:     threshold,
		InitiatorID:   1,
		TargetName:    "@target",
		InitiatorName: "Initiator",
		OpenedAt:      baseTime,
	}
}

func testVoteRoundLifecycle(t *testing.T, client db.Client) {
	ctx := context.Background()

	if _, err := client.CastVote(ctx, -500, 42, 1, 2, db.ChoiceBan); !errors.Is(err, ngerrors.ErrNotFound) {
		t.Fatalf("expected not found for missing round, got %v", err)
	}

	first := openRound(-500, 42, 1, 3)
	if err := client.CreateVoteRound(ctx, first); err != nil {
		t.Fatalf("create round: %v", err)
	}
	if err := client.CreateVoteRound(ctx, openRound(-500, 42, 2, 3)); !errors.Is(err, ngerrors.ErrContention) {
		t.Fatalf("expected contention while a round is open, got %v", err)
	}
	if err := client.SetVoteMessage(ctx, -500, 42, 1, 900); err != nil {
		t.Fatalf("set vote message: %v", err)
	}

	got, err := client.GetLatestVoteRound(ctx, -500, 42)
	if err != nil {
		t.Fatalf("get latest round: %v", err)
	}
	if got == nil || got.Round != 1 || got.MessageID != 900 || got.Threshold != 3 || got.TargetName != "@target" || got.InitiatorName != "Initiator" {
		t.Fatalf("unexpected round: %#v", got)
	}

	closedAt := baseTime.Add(time.Hour)
	if err := client.CloseVoteRound(ctx, -500, 42, 1, db.VoteExpired, closedAt); err != nil {
		t.Fatalf("close round: %v", err)
	}
	if err := client.CloseVoteRound(ctx, -500, 42, 1, db.VoteEnforced, closedAt); !errors.Is(err, ngerrors.ErrContention) {
		t.Fatalf("expected contention on second close, got %v", err)
	}

	tally, err := client.CastVote(ctx, -500, 42, 1, 2, db.ChoiceBan)
	if err != nil {
		t.Fatalf("cast on closed round: %v", err)
	}
	if tally.Status != db.VoteExpired || tally.Ban != 0 {
		t.Fatalf("closed round must not accept ballots: %#v", tally)
	}

	if err := client.CreateVoteRound(ctx, openRound(-500, 42, 2, 3)); err != nil {
		t.Fatalf("create next round: %v", err)
	}
	got, err = client.GetVoteRound(ctx, -500, 42, 1)
	if err != nil {
		t.Fatalf("get first round: %v", err)
	}
	if got.Status != db.VoteExpired || got.ClosedAt == nil {
		t.Fatalf("unexpected first round: %#v", got)
	}
	missing, err := client.GetVoteRound(ctx, -500, 42, 7)
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing round, got %#v, %v", missing, err)
	}
}

func testVoteDuplicateBallots(t *testing.T, client db.Client) {
	ctx := context.Background()

	if err := client.CreateVoteRound(ctx, openRound(-600, 5, 1, 10)); err != nil {
		t.Fatalf("create round: %v", err)
	}

	for range 3 {
		if _, err := client.CastVote(ctx, -600, 5, 1, 100, db.ChoiceBan); err != nil {
			t.Fatalf("cast ban: %v", err)
		}
	}
	tally, err := client.CastVote(ctx, -600, 5, 1, 101, db.ChoiceForgive)
	if err != nil {
		t.Fatalf("cast forgive: %v", err)
	}
	if tally.Ban != 1 || tally.Forgive != 1 {
		t.Fatalf("duplicate ballots must count once: %#v", tally)
	}

	tally, err = client.CastVote(ctx, -600, 5, 1, 100, db.ChoiceForgive)
	if err != nil {
		t.Fatalf("switch ballot: %v", err)
	}
	if tally.Ban != 0 || tally.Forgive != 2 || tally.Status != db.VoteOpen {
		t.Fatalf("switched ballot must move between sets: %#v", tally)
	}
}

func testVoteConcurrentThreshold(t *testing.T, client db.Client) {
	ctx := context.Background()

	const (
		voters    = 20
		threshold = 5
	)
	if err := client.CreateVoteRound(ctx, openRound(-700, 8, 1, threshold)); err != nil {
		t.Fatalf("create round: %v", err)
	}

	var (
		wg       sync.WaitGroup
		enforced atomic.Int32
	)
	for voter := int64(1); voter <= voters; voter++ {
		wg.Add(1)
		go func(voter int64) {
			defer wg.Done()
			tally, err := client.CastVote(ctx, -700, 8, 1, voter, db.ChoiceBan)
			if err != nil {
				t.Errorf("cast vote %d: %v", voter, err)
				return
			}
			if tally.Status != db.VoteOpen || tally.Ban < threshold {
				return
			}
			err = client.CloseVoteRound(ctx, -700, 8, 1, db.VoteEnforced, baseTime)
			switch {
			case err == nil:
				enforced.Add(1)
			case errors.Is(err, ngerrors.ErrContention):
			default:
				t.Errorf("close round: %v", err)
			}
		}(voter)
	}
	wg.Wait()

	if enforced.Load() != 1 {
		t.Fatalf("expected exactly one enforcement, got %d", enforced.Load())
	}
	round, err := client.GetVoteRound(ctx, -700, 8, 1)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if round.Status != db.VoteEnforced {
		t.Fatalf("unexpected round status %s", round.Status)
	}
}

func testStatsCommutative(t *testing.T, client db.Client) {
	ctx := context.Background()

	if err := client.IncrementStat(ctx, -800, db.StatKind("bogus"), baseTime); !errors.Is(err, ngerrors.ErrMalformedEvent) {
		t.Fatalf("expected malformed for unknown kind, got %v", err)
	}

	stats, err := client.GetChatStats(ctx, -800)
	if err != nil || stats != nil {
		t.Fatalf("expected no stats yet, got %#v, %v", stats, err)
	}

	// applied out of order on purpose
	times := []time.Time{
		baseTime.Add(3 * time.Hour),
		baseTime,
		baseTime.Add(-72 * time.Hour),
		baseTime.Add(time.Hour),
	}
	var wg sync.WaitGroup
	for _, at := range times {
		wg.Add(1)
		go func(at time.Time) {
			defer wg.Done()
			if err := client.IncrementStat(ctx, -800, db.StatMessages, at); err != nil {
				t.Errorf("increment messages: %v", err)
			}
		}(at)
	}
	wg.Wait()
	if err := client.IncrementStat(ctx, -800, db.StatJoins, baseTime); err != nil {
		t.Fatalf("increment joins: %v", err)
	}

	stats, err = client.GetChatStats(ctx, -800)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.MessagesTotal != 4 || stats.JoinsTotal != 1 || stats.KickedTotal != 0 {
		t.Fatalf("unexpected totals: %#v", stats)
	}
	if !stats.StartedAt.Equal(baseTime.Add(-72 * time.Hour)) {
		t.Fatalf("started_at must be the earliest increment, got %v", stats.StartedAt)
	}

	recent, err := client.SumStatSince(ctx, -800, db.StatMessages, baseTime.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("sum since: %v", err)
	}
	if recent != 3 {
		t.Fatalf("expected 3 recent messages, got %d", recent)
	}
}
