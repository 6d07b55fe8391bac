package gatekeeper

import (
	"strings"
	"time"

	"github.com/pborman/uuid"

	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/i18n"
)

type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeReissued   Outcome = "reissued"
	OutcomeVerified   Outcome = "verified"
	OutcomeKicked     Outcome = "kicked"
	OutcomeExpired    Outcome = "expired"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeRejected   Outcome = "rejected"
	OutcomeStale      Outcome = "stale"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeCounted    Outcome = "counted"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDuplicate  Outcome = "duplicate"
)

type WriteKind int

const (
	WriteNone WriteKind = iota
	WriteCreate
	WriteUpdate
)

// Decision is the result of applying one event to the current record. Record is the
// next state to persist; Expect is the precondition of an update.
type Decision struct {
	Outcome Outcome
	Write   WriteKind
	Record  *db.VerificationRecord
	Expect  db.Expectation
	Effects []Effect
}

// Machine is the verification transition table. It performs no I/O.
type Machine struct {
	window      time.Duration
	maxAttempts int
	welcome     bool
	defaultLang string
	now         func() time.Time
	newToken    func() string
}

func NewMachine(cfg config.Gatekeeper, defaultLang string) *Machine {
	return &Machine{
		window:      cfg.Window,
		maxAttempts: cfg.MaxAttempts,
		welcome:     cfg.Welcome,
		defaultLang: i18n.Normalize(defaultLang),
		now:         time.Now,
		newToken:    newToken,
	}
}

// newToken is a uuid without dashes, short enough for callback data.
func newToken() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// Subject is the user whose verification record an event addresses.
func Subject(ev event.Event) int64 {
	if cb, ok := ev.(event.CallbackReceived); ok {
		return cb.TargetID
	}
	return ev.User()
}

// Decide applies ev to rec, the latest episode of the pair or nil. rec is never modified.
func (m *Machine) Decide(rec *db.VerificationRecord, ev event.Event) Decision {
	switch e := ev.(type) {
	case event.MemberJoined:
		return m.onJoin(rec, e)
	case event.CallbackReceived:
		return m.onCallback(rec, e)
	case event.TimerFired:
		return m.onTimer(rec, e)
	case event.MemberLeft:
		return m.onLeave(rec)
	case event.MessageReceived:
		return m.onMessage(rec, e)
	}
	return Decision{Outcome: OutcomeIgnored}
}

func (m *Machine) onJoin(rec *db.VerificationRecord, e event.MemberJoined) Decision {
	// a join is identified by its service message, so a redelivered update changes nothing
	if rec != nil && e.MessageID != 0 && e.MessageID == rec.JoinMessageID {
		return Decision{Outcome: OutcomeDuplicate}
	}

	now := m.now().UTC()
	lang := m.language(e.LanguageCode)

	if rec == nil || rec.Status.Terminal() {
		next := &db.VerificationRecord{
			ChatID:         e.ChatID,
			UserID:         e.UserID,
			Episode:        1,
			Status:         db.StatusPending,
			ChallengeToken: m.newToken(),
			JoinedAt:       now,
			DeadlineAt:     now.Add(m.window),
			TimerEpoch:     1,
			AttemptCount:   1,
			JoinMessageID:  e.MessageID,
			Language:       lang,
			UpdatedAt:      now,
		}
		if rec != nil {
			next.Episode = rec.Episode + 1
			next.TimerEpoch = rec.TimerEpoch + 1
		}
		return Decision{
			Outcome: OutcomeCreated,
			Write:   WriteCreate,
			Record:  next,
			Effects: append(
				m.challengeEffects(next, e.Name),
				IncrementStat{ChatID: e.ChatID, Kind: db.StatJoins, At: now},
			),
		}
	}

	// re-join while still pending
	expect := db.Expectation{Status: db.StatusPending, Epoch: rec.TimerEpoch}
	next := rec.Clone()
	next.TimerEpoch++
	next.JoinMessageID = e.MessageID
	next.UpdatedAt = now
	staleMessage := DeleteMessage{ChatID: rec.ChatID, MessageID: rec.ChallengeMessageID}

	if rec.AttemptCount >= m.maxAttempts {
		next.Status = db.StatusExpired
		next.ResolvedAt = &now
		return Decision{
			Outcome: OutcomeExpired,
			Write:   WriteUpdate,
			Record:  next,
			Expect:  expect,
			Effects: []Effect{
				staleMessage,
				RemoveMember{ChatID: rec.ChatID, UserID: rec.UserID},
				IncrementStat{ChatID: rec.ChatID, Kind: db.StatExpired, At: now},
			},
		}
	}

	next.AttemptCount++
	next.ChallengeToken = m.newToken()
	next.ChallengeMessageID = 0
	next.DeadlineAt = now.Add(m.window)
	if e.LanguageCode != "" {
		next.Language = lang
	}
	return Decision{
		Outcome: OutcomeReissued,
		Write:   WriteUpdate,
		Record:  next,
		Expect:  expect,
		Effects: append([]Effect{staleMessage}, m.challengeEffects(next, e.Name)...),
	}
}

func (m *Machine) challengeEffects(rec *db.VerificationRecord, name string) []Effect {
	return []Effect{
		Restrict{ChatID: rec.ChatID, UserID: rec.UserID},
		SendChallenge{
			ChatID:   rec.ChatID,
			UserID:   rec.UserID,
			Name:     name,
			Token:    rec.ChallengeToken,
			Language: rec.Language,
			Epoch:    rec.TimerEpoch,
		},
		ScheduleTimer{
			Delay: m.window,
			Payload: event.TimerFired{
				ChatID: rec.ChatID,
				UserID: rec.UserID,
				Epoch:  rec.TimerEpoch,
				Kind:   event.TimerVerification,
			},
		},
	}
}

func (m *Machine) onCallback(rec *db.VerificationRecord, e event.CallbackReceived) Decision {
	lang := m.language(e.LanguageCode)
	reject := func(text string, alert bool) Decision {
		return Decision{
			Outcome: OutcomeRejected,
			Effects: []Effect{AnswerCallback{CallbackID: e.CallbackID, Text: text, Alert: alert}},
		}
	}

	switch {
	case e.UserID != e.TargetID:
		return reject(i18n.Get("Only the user who joined may verify.", lang), true)
	case rec == nil:
		return reject(i18n.Get("This challenge is no longer active.", lang), false)
	case rec.Status == db.StatusVerified:
		return reject(i18n.Get("You are already verified.", lang), false)
	case rec.Status.Terminal():
		return reject(i18n.Get("This challenge is no longer active.", lang), false)
	case rec.ChallengeToken != e.Token || rec.AttemptCount > m.maxAttempts:
		return reject(i18n.Get("Wrong answer, try again.", lang), false)
	}

	now := m.now().UTC()
	next := rec.Clone()
	next.Status = db.StatusVerified
	next.TimerEpoch++
	next.UpdatedAt = now
	next.ResolvedAt = &now

	effects := []Effect{
		AnswerCallback{CallbackID: e.CallbackID, Text: i18n.Get("Verified!", lang)},
		DeleteMessage{ChatID: rec.ChatID, MessageID: rec.ChallengeMessageID},
		LiftRestriction{ChatID: rec.ChatID, UserID: rec.UserID},
		IncrementStat{ChatID: rec.ChatID, Kind: db.StatVerified, At: now},
	}
	if m.welcome {
		effects = append(effects, SendWelcome{ChatID: rec.ChatID, Name: e.Name, Language: rec.Language})
	}
	return Decision{
		Outcome: OutcomeVerified,
		Write:   WriteUpdate,
		Record:  next,
		Expect:  db.Expectation{Status: db.StatusPending, Epoch: rec.TimerEpoch},
		Effects: effects,
	}
}

func (m *Machine) onTimer(rec *db.VerificationRecord, e event.TimerFired) Decision {
	if e.Kind != event.TimerVerification {
		return Decision{Outcome: OutcomeIgnored}
	}
	if rec == nil || rec.Status != db.StatusPending || rec.TimerEpoch != e.Epoch {
		return Decision{Outcome: OutcomeStale}
	}

	now := m.now().UTC()
	next := rec.Clone()
	next.Status = db.StatusKicked
	next.UpdatedAt = now
	next.ResolvedAt = &now
	return Decision{
		Outcome: OutcomeKicked,
		Write:   WriteUpdate,
		Record:  next,
		Expect:  db.Expectation{Status: db.StatusPending, Epoch: rec.TimerEpoch},
		Effects: []Effect{
			RemoveMember{ChatID: rec.ChatID, UserID: rec.UserID},
			DeleteMessage{ChatID: rec.ChatID, MessageID: rec.ChallengeMessageID},
			IncrementStat{ChatID: rec.ChatID, Kind: db.StatKicked, At: now},
		},
	}
}

func (m *Machine) onLeave(rec *db.VerificationRecord) Decision {
	if rec == nil || rec.Status != db.StatusPending {
		return Decision{Outcome: OutcomeIgnored}
	}

	now := m.now().UTC()
	next := rec.Clone()
	next.Status = db.StatusCancelled
	next.TimerEpoch++
	next.UpdatedAt = now
	next.ResolvedAt = &now
	return Decision{
		Outcome: OutcomeCancelled,
		Write:   WriteUpdate,
		Record:  next,
		Expect:  db.Expectation{Status: db.StatusPending, Epoch: rec.TimerEpoch},
		Effects: []Effect{
			DeleteMessage{ChatID: rec.ChatID, MessageID: rec.ChallengeMessageID},
		},
	}
}

// onMessage deletes messages of members who have not verified yet. Other messages
// only feed the activity counter.
func (m *Machine) onMessage(rec *db.VerificationRecord, e event.MessageReceived) Decision {
	if rec != nil && rec.Status == db.StatusPending {
		return Decision{
			Outcome: OutcomeSuppressed,
			Effects: []Effect{DeleteMessage{ChatID: e.ChatID, MessageID: e.MessageID}},
		}
	}
	return Decision{
		Outcome: OutcomeCounted,
		Effects: []Effect{IncrementStat{ChatID: e.ChatID, Kind: db.StatMessages, At: m.now().UTC()}},
	}
}

func (m *Machine) language(code string) string {
	if code == "" {
		return m.defaultLang
	}
	return i18n.Normalize(code)
}
