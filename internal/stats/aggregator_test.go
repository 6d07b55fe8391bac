package stats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/db/sqlite"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	client, err := sqlite.NewSQLiteClient(context.Background(), t.TempDir(), "stats.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	a := NewAggregator(client, config.Stats{LowThreshold: 10, HighThreshold: 100, Window: 7 * day})
	a.now = func() time.Time { return testNow }
	return a
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		perDay float64
		want   Tier
	}{
		{0, TierLow},
		{9.9, TierLow},
		{10, TierMedium},
		{99.9, TierMedium},
		{100, TierHigh},
		{5000, TierHigh},
	}
	for _, tt := range tests {
		if got := Classify(tt.perDay, 10, 100); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.perDay, got, tt.want)
		}
	}
}

func TestComputeActivityYoungChatUsesOneDay(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t)
	ctx := context.Background()
	for i := range 30 {
		if err := a.RecordEvent(ctx, -1, db.StatMessages, testNow.Add(-time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	activity, err := a.ComputeActivity(ctx, -1, 0)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if activity.Days != 1 || activity.Messages != 30 {
		t.Fatalf("unexpected activity: %#v", activity)
	}
	if activity.Tier != TierMedium {
		t.Fatalf("expected medium, got %s", activity.Tier)
	}
}

func TestComputeActivityIsDeterministic(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t)
	ctx := context.Background()
	// 14 messages spread over the last week of a chat first seen a month ago
	if err := a.RecordEvent(ctx, -2, db.StatJoins, testNow.Add(-30*day)); err != nil {
		t.Fatalf("record join: %v", err)
	}
	for i := range 14 {
		if err := a.RecordEvent(ctx, -2, db.StatMessages, testNow.Add(-time.Duration(i)*12*time.Hour)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	first, err := a.ComputeActivity(ctx, -2, 7*day)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	second, err := a.ComputeActivity(ctx, -2, 7*day)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if first != second {
		t.Fatalf("activity differs between reads: %#v vs %#v", first, second)
	}
	if first.Days != 7 || first.MessagesPerDay != 2 || first.Tier != TierLow {
		t.Fatalf("unexpected activity: %#v", first)
	}
}

func TestSnapshotOfUnknownChat(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t)
	report, err := a.Snapshot(context.Background(), -3)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if report.Stats.JoinsTotal != 0 || report.Activity.Tier != TierLow {
		t.Fatalf("unexpected report: %#v", report)
	}
}

func TestReportRender(t *testing.T) {
	t.Parallel()

	report := &Report{
		Stats: db.ChatStats{
			ChatID:        -1,
			JoinsTotal:    12,
			VerifiedTotal: 9,
			KickedTotal:   2,
			ExpiredTotal:  1,
			VoteBansTotal: 1,
			MessagesTotal: 420,
			StartedAt:     testNow.Add(-30 * day),
		},
		Activity: Activity{Tier: TierHigh, MessagesPerDay: 140},
	}

	out := report.Render("en")
	for _, want := range []string{"Since 2024-02-09", "Joined members: 12", "Removed by timeout: 3", "Messages: 420", "Activity: High (140.0 messages per day)"} {
		if !strings.Contains(out, want) {
			t.Errorf("render output lacks %q:\n%s", want, out)
		}
	}
	if ru := report.Render("ru"); ru == out {
		t.Errorf("expected a russian rendering")
	}
}
