package policy

import (
	"strings"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

// Mode decides what a sensitive-word match does.
type Mode string

const (
	ModeWarn  Mode = "warn"
	ModeBlock Mode = "block"
)

// ParseMode parses a moderation mode, defaulting to warn.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeBlock)) {
		return ModeBlock
	}
	return ModeWarn
}

// Moderation is the sensitive-word policy.
type Moderation struct {
	Mode  Mode
	Words []string

	lowered []string
}

func (m Moderation) normalized() Moderation {
	seen := make(map[string]struct{}, len(m.Words))
	words := make([]string, 0, len(m.Words))
	lowered := make([]string, 0, len(m.Words))
	for _, w := range m.Words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		lw := strings.ToLower(w)
		if _, ok := seen[lw]; ok {
			continue
		}
		seen[lw] = struct{}{}
		words = append(words, w)
		lowered = append(lowered, lw)
	}
	m.Words = words
	m.lowered = lowered
	if m.Mode != ModeBlock {
		m.Mode = ModeWarn
	}
	return m
}

// Decision is the moderation outcome for one message.
type Decision struct {
	Verdict model.Verdict
	Matched []string
}

// Moderate evaluates text against the policy and the visitor's list flag.
// It has no hidden state: the same inputs always give the same decision.
func Moderate(text string, m Moderation, flag model.ListFlag) Decision {
	switch flag {
	case model.ListBlacklisted:
		return Decision{Verdict: model.VerdictBlocked}
	case model.ListWhitelisted:
		return Decision{Verdict: model.VerdictForwarded}
	}

	if m.lowered == nil && len(m.Words) > 0 {
		m = m.normalized()
	}

	content := strings.ToLower(text)
	var matched []string
	for i, w := range m.lowered {
		if strings.Contains(content, w) {
			matched = append(matched, m.Words[i])
		}
	}
	if len(matched) == 0 {
		return Decision{Verdict: model.VerdictForwarded}
	}
	if m.Mode == ModeBlock {
		return Decision{Verdict: model.VerdictBlocked, Matched: matched}
	}
	return Decision{Verdict: model.VerdictForwardedWithWarning, Matched: matched}
}
