package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/policy"
)

// GateOutcome is the result of running one event through the verification
// gate.
type GateOutcome string

const (
	// GatePass lets the message continue to moderation.
	GatePass GateOutcome = "pass"
	// GateIgnored means the event had no effect, e.g. an answer from a
	// visitor who is already verified.
	GateIgnored GateOutcome = "ignored"
	// GateChallenged means a fresh challenge was issued.
	GateChallenged GateOutcome = "challenged"
	// GateReminder means a button challenge is pending and the visitor typed
	// text instead of tapping.
	GateReminder GateOutcome = "reminder"
	// GateRetry means a wrong answer with attempts left.
	GateRetry GateOutcome = "retry"
	// GateVerified means the visitor just passed.
	GateVerified GateOutcome = "verified"
	// GateBanned means the visitor just exhausted its attempts.
	GateBanned GateOutcome = "banned"
	// GateStillBanned means the event was dropped under an active ban.
	GateStillBanned GateOutcome = "still_banned"
)

const (
	noticeChallengeButton = "Please tap the button below to confirm you are not a robot. Your message will be delivered after that."
	noticeChallengeMath   = "Please answer %s to confirm you are not a robot. Your message will be delivered after that."
	noticeReminder        = "Please tap the verification button above first."
	noticeRetry           = "That is not correct. %d attempt(s) left."
	noticeVerified        = "Thank you, you are verified."
	noticeBanned          = "Too many failed attempts. Please try again after %s."
	noticeStillBanned     = "You are temporarily blocked. Please try again after %s."
)

// gateEvent is what the gate needs to know about an inbound event.
type gateEvent struct {
	answer   bool
	text     string
	attach   *model.Attachment
	received time.Time
}

// transition is the gate's decision. The caller persists the visitor and
// performs the side effects.
type transition struct {
	outcome GateOutcome
	changed bool
	expired bool
	ban     *model.BanRecord
	release *model.HeldMessage
}

// challengeFactory builds a new challenge. Injected so tests control the
// generated problem.
type challengeFactory func(kind model.ChallengeKind, now time.Time, timeout time.Duration, held *model.HeldMessage) *model.Challenge

// advanceGate applies one event to the visitor's verification state. It must
// run under the visitor's lock. v is mutated in place.
func advanceGate(v *model.Visitor, ev gateEvent, pol policy.Verification, now time.Time, newChallenge challengeFactory) transition {
	// An active ban outranks every list flag.
	if v.State == model.StateBanned && v.BanUntil != nil && !now.After(*v.BanUntil) {
		return transition{outcome: GateStillBanned}
	}

	if v.IsWhitelisted() {
		var t transition
		if v.State == model.StateBanned {
			v.State = model.StateUnverified
			v.BanUntil = nil
			t.changed = true
		}
		t.outcome = GatePass
		if ev.answer {
			t.outcome = GateIgnored
		}
		return t
	}

	var t transition

	switch v.State {
	case model.StateVerified:
		if ev.answer {
			return transition{outcome: GateIgnored}
		}
		return transition{outcome: GatePass}

	case model.StateBanned:
		// Lapsed.
		v.State = model.StateUnverified
		v.BanUntil = nil
		t.changed = true

	case model.StatePending:
		c := v.Challenge
		if c == nil || c.Expired(now) {
			v.State = model.StateUnverified
			v.Challenge = nil
			t.changed = true
			t.expired = true
			break
		}
		if !ev.answer && c.Kind == model.ChallengeButton {
			return transition{outcome: GateReminder}
		}

		answer := ev.text
		if checkAnswer(c, answer) {
			t.release = c.Held
			v.State = model.StateVerified
			v.Challenge = nil
			t.outcome = GateVerified
			t.changed = true
			return t
		}

		c.Attempts++
		t.changed = true
		if c.Attempts >= pol.MaxFails {
			until := now.Add(pol.BanDuration)
			v.State = model.StateBanned
			v.BanUntil = &until
			v.Challenge = nil
			t.outcome = GateBanned
			t.ban = &model.BanRecord{
				VisitorID: v.ID,
				Reason:    model.BanVerificationExhausted,
				Start:     now,
				Duration:  pol.BanDuration,
			}
			return t
		}
		t.outcome = GateRetry
		return t
	}

	// Unverified: issue a fresh challenge. A stray answer (e.g. a button from
	// an expired challenge) gets a challenge but holds nothing.
	var held *model.HeldMessage
	if !ev.answer && (ev.text != "" || ev.attach != nil) {
		held = &model.HeldMessage{Text: ev.text, Attachment: ev.attach, ReceivedAt: ev.received}
	}
	v.State = model.StatePending
	v.Challenge = newChallenge(pol.Kind, now, pol.Timeout, held)
	t.outcome = GateChallenged
	t.changed = true
	return t
}

// checkAnswer compares an answer with the challenge's expected answer.
func checkAnswer(c *model.Challenge, answer string) bool {
	answer = strings.TrimSpace(answer)
	if c.Kind == model.ChallengeButton {
		return answer == c.Answer
	}
	got, err := strconv.Atoi(answer)
	if err != nil {
		return false
	}
	want, err := strconv.Atoi(c.Answer)
	if err != nil {
		return false
	}
	return got == want
}

// challengeGenerator builds challenges from a random source.
type challengeGenerator struct {
	intn func(n int) int
}

func (g challengeGenerator) build(kind model.ChallengeKind, now time.Time, timeout time.Duration, held *model.HeldMessage) *model.Challenge {
	c := &model.Challenge{
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(timeout),
		Held:      held,
	}
	if kind == model.ChallengeButton {
		c.Answer = model.ButtonAnswer
		c.Options = []string{model.ButtonAnswer}
		return c
	}

	a := g.intn(20) + 1
	b := g.intn(20) + 1
	op := "+"
	result := a + b
	if g.intn(2) == 1 {
		if a < b {
			a, b = b, a
		}
		op = "-"
		result = a - b
	}
	c.Question = fmt.Sprintf("%d %s %d", a, op, b)
	c.Answer = strconv.Itoa(result)
	c.Options = g.options(result)
	return c
}

// options returns four distinct non-negative choices, one of them correct,
// in random order.
func (g challengeGenerator) options(answer int) []string {
	const n = 4
	picked := map[int]bool{answer: true}
	choices := []int{answer}
	for offset := 1; len(choices) < n; offset++ {
		for _, c := range []int{answer + offset, answer - offset} {
			if c >= 0 && !picked[c] && len(choices) < n {
				picked[c] = true
				choices = append(choices, c)
			}
		}
	}
	for i := len(choices) - 1; i > 0; i-- {
		j := g.intn(i + 1)
		choices[i], choices[j] = choices[j], choices[i]
	}
	out := make([]string, len(choices))
	for i, c := range choices {
		out[i] = strconv.Itoa(c)
	}
	return out
}

// challengePrompt is the text shown to the visitor for c.
func challengePrompt(c *model.Challenge) string {
	if c.Kind == model.ChallengeButton {
		return noticeChallengeButton
	}
	return fmt.Sprintf(noticeChallengeMath, c.Question+" = ?")
}

func formatUntil(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}
