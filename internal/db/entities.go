package db

import (
	"fmt"
	"time"
)

type VerificationStatus string

const (
	StatusPending   VerificationStatus = "PENDING"
	StatusVerified  VerificationStatus = "VERIFIED"
	StatusKicked    VerificationStatus = "KICKED"
	StatusExpired   VerificationStatus = "EXPIRED"
	StatusCancelled VerificationStatus = "CANCELLED"
)

// VerificationStatuses lists every status in transition-table order.
var VerificationStatuses = []VerificationStatus{StatusPending, StatusVerified, StatusKicked, StatusExpired, StatusCancelled}

func (s VerificationStatus) Terminal() bool {
	return s != StatusPending
}

// VerificationRecord is one join episode of a user in a chat. The highest episode is the current one.
type VerificationRecord struct {
	ChatID             int64              `db:"chat_id"`
	UserID             int64              `db:"user_id"`
	Episode            int64              `db:"episode"`
	Status             VerificationStatus `db:"status"`
	ChallengeToken     string             `db:"challenge_token"`
	ChallengeMessageID int                `db:"challenge_message_id"`
	JoinMessageID      int                `db:"join_message_id"`
	JoinedAt           time.Time          `db:"joined_at"`
	DeadlineAt         time.Time          `db:"deadline_at"`
	TimerEpoch         int64              `db:"timer_epoch"`
	AttemptCount       int                `db:"attempt_count"`
	Language           string             `db:"language"`
	UpdatedAt          time.Time          `db:"updated_at"`
	ResolvedAt         *time.Time         `db:"resolved_at"`
}

func (r *VerificationRecord) Key() string {
	return fmt.Sprintf("%d:%d#%d", r.ChatID, r.UserID, r.Episode)
}

func (r *VerificationRecord) Clone() *VerificationRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ResolvedAt != nil {
		resolved := *r.ResolvedAt
		c.ResolvedAt = &resolved
	}
	return &c
}

// Expectation is the precondition of a conditional verification update.
type Expectation struct {
	Status VerificationStatus
	Epoch  int64
}

type VoteStatus string

const (
	VoteOpen     VoteStatus = "OPEN"
	VoteEnforced VoteStatus = "ENFORCED"
	VoteExpired  VoteStatus = "EXPIRED"
)

type VoteChoice string

const (
	ChoiceBan     VoteChoice = "ban"
	ChoiceForgive VoteChoice = "forgive"
)

func (c VoteChoice) Valid() bool {
	return c == ChoiceBan || c == ChoiceForgive
}

// VoteRound is one vote-ban attempt against a target. Round numbers grow per (chat, target).
// Display names are captured when the round opens so the tally can be re-rendered.
type VoteRound struct {
	ChatID        int64      `db:"chat_id"`
	TargetID      int64      `db:"target_id"`
	Round         int64      `db:"round"`
	Status        VoteStatus `db:"status"`
	Threshold     int        `db:"threshold"`
	InitiatorID   int64      `db:"initiator_id"`
	TargetName    string     `db:"target_name"`
	InitiatorName string     `db:"initiator_name"`
	MessageID     int        `db:"message_id"`
	OpenedAt      time.Time  `db:"opened_at"`
	ClosedAt      *time.Time `db:"closed_at"`
}

func (r *VoteRound) Key() string {
	return fmt.Sprintf("%d:%d#%d", r.ChatID, r.TargetID, r.Round)
}

type VoteTally struct {
	Ban     int
	Forgive int
	Status  VoteStatus
}

type StatKind string

const (
	StatJoins    StatKind = "joins"
	StatVerified StatKind = "verified"
	StatKicked   StatKind = "kicked"
	StatExpired  StatKind = "expired"
	StatMessages StatKind = "messages"
	StatVoteBans StatKind = "vote_bans"
)

var StatKinds = []StatKind{StatJoins, StatVerified, StatKicked, StatExpired, StatMessages, StatVoteBans}

func (k StatKind) Valid() bool {
	for _, known := range StatKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Column is the counter column backing the kind in SQL stores.
func (k StatKind) Column() string {
	return string(k) + "_total"
}

type ChatStats struct {
	ChatID        int64     `db:"chat_id"`
	JoinsTotal    int64     `db:"joins_total"`
	VerifiedTotal int64     `db:"verified_total"`
	KickedTotal   int64     `db:"kicked_total"`
	ExpiredTotal  int64     `db:"expired_total"`
	MessagesTotal int64     `db:"messages_total"`
	VoteBansTotal int64     `db:"vote_bans_total"`
	StartedAt     time.Time `db:"started_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (s *ChatStats) Total(kind StatKind) int64 {
	switch kind {
	case StatJoins:
		return s.JoinsTotal
	case StatVerified:
		return s.VerifiedTotal
	case StatKicked:
		return s.KickedTotal
	case StatExpired:
		return s.ExpiredTotal
	case StatMessages:
		return s.MessagesTotal
	case StatVoteBans:
		return s.VoteBansTotal
	}
	return 0
}

func (s *ChatStats) Add(kind StatKind, delta int64) {
	switch kind {
	case StatJoins:
		s.JoinsTotal += delta
	case StatVerified:
		s.VerifiedTotal += delta
	case StatKicked:
		s.KickedTotal += delta
	case StatExpired:
		s.ExpiredTotal += delta
	case StatMessages:
		s.MessagesTotal += delta
	case StatVoteBans:
		s.VoteBansTotal += delta
	}
}

// HourBucket is the index of the hour containing t, used for trailing-window sums.
func HourBucket(t time.Time) int64 {
	return t.UTC().Unix() / 3600
}
