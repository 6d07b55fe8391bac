package gatekeeper

import (
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/event"
)

// Effect is the closed set of side effects a decision may request. Effects run in
// order and only after the decision's write has been committed.
type Effect interface {
	Name() string
	effect()
}

type (
	Restrict struct {
		ChatID int64
		UserID int64
		// Until zero means until explicitly lifted.
		Until time.Time
	}

	SendChallenge struct {
		ChatID   int64
		UserID   int64
		Name     string
		Token    string
		Language string
		Epoch    int64
	}

	ScheduleTimer struct {
		Delay   time.Duration
		Payload event.TimerFired
	}

	AnswerCallback struct {
		CallbackID string
		Text       string
		Alert      bool
	}

	LiftRestriction struct {
		ChatID int64
		UserID int64
	}

	RemoveMember struct {
		ChatID int64
		UserID int64
	}

	DeleteMessage struct {
		ChatID    int64
		MessageID int
	}

	SendWelcome struct {
		ChatID   int64
		Name     string
		Language string
	}

	IncrementStat struct {
		ChatID int64
		Kind   db.StatKind
		At     time.Time
	}
)

func (Restrict) Name() string        { return "restrict" }
func (SendChallenge) Name() string   { return "send_challenge" }
func (ScheduleTimer) Name() string   { return "schedule_timer" }
func (AnswerCallback) Name() string  { return "answer_callback" }
func (LiftRestriction) Name() string { return "lift_restriction" }
func (RemoveMember) Name() string    { return "remove_member" }
func (DeleteMessage) Name() string   { return "delete_message" }
func (SendWelcome) Name() string     { return "send_welcome" }
func (IncrementStat) Name() string   { return "increment_stat" }

func (Restrict) effect()        {}
func (SendChallenge) effect()   {}
func (ScheduleTimer) effect()   {}
func (AnswerCallback) effect()  {}
func (LiftRestriction) effect() {}
func (RemoveMember) effect()    {}
func (DeleteMessage) effect()   {}
func (SendWelcome) effect()     {}
func (IncrementStat) effect()   {}
