package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

// Overlay is the YAML policy file. Absent fields leave the base policy as is.
type Overlay struct {
	Verification struct {
		Type          *string `yaml:"type"`
		TimeoutSecs   *int    `yaml:"timeout_seconds"`
		MaxFails      *int    `yaml:"max_fails"`
		BanSecs       *int    `yaml:"temp_ban_seconds"`
		BanNoticeSecs *int    `yaml:"ban_notice_seconds"`
	} `yaml:"verification"`
	Moderation struct {
		Mode  *string  `yaml:"mode"`
		Words []string `yaml:"words"`
	} `yaml:"moderation"`
	QuietHours struct {
		Enabled  *bool   `yaml:"enabled"`
		Start    *int    `yaml:"start"`
		End      *int    `yaml:"end"`
		Timezone *string `yaml:"timezone"`
	} `yaml:"quiet_hours"`
	AutoReply struct {
		Enabled *bool   `yaml:"enabled"`
		Message *string `yaml:"message"`
	} `yaml:"auto_reply"`
}

// LoadFile reads a YAML overlay from path and applies it on top of base.
func LoadFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read policy file: %w", err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return base, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return o.Apply(base)
}

// Apply returns base with the overlay's fields applied.
func (o Overlay) Apply(base Policy) (Policy, error) {
	p := base
	p.Moderation.Words = append([]string(nil), base.Moderation.Words...)

	v := o.Verification
	if v.Type != nil {
		kind, err := ParseChallengeKind(*v.Type)
		if err != nil {
			return base, err
		}
		p.Verification.Kind = kind
	}
	if v.TimeoutSecs != nil {
		p.Verification.Timeout = time.Duration(*v.TimeoutSecs) * time.Second
	}
	if v.MaxFails != nil {
		p.Verification.MaxFails = *v.MaxFails
	}
	if v.BanSecs != nil {
		p.Verification.BanDuration = time.Duration(*v.BanSecs) * time.Second
	}
	if v.BanNoticeSecs != nil {
		p.Verification.BanNoticeInterval = time.Duration(*v.BanNoticeSecs) * time.Second
	}

	if o.Moderation.Mode != nil {
		p.Moderation.Mode = ParseMode(*o.Moderation.Mode)
	}
	if o.Moderation.Words != nil {
		p.Moderation.Words = o.Moderation.Words
	}

	q := o.QuietHours
	if q.Enabled != nil {
		p.QuietHours.Enabled = *q.Enabled
	}
	if q.Start != nil {
		p.QuietHours.Start = *q.Start
	}
	if q.End != nil {
		p.QuietHours.End = *q.End
	}
	if q.Timezone != nil {
		loc, err := time.LoadLocation(*q.Timezone)
		if err != nil {
			return base, fmt.Errorf("invalid quiet hours timezone: %w", err)
		}
		p.QuietHours.Location = loc
	}

	if o.AutoReply.Enabled != nil {
		p.AutoReply.Enabled = *o.AutoReply.Enabled
	}
	if o.AutoReply.Message != nil {
		p.AutoReply.Message = *o.AutoReply.Message
	}

	if err := p.Validate(); err != nil {
		return base, err
	}
	return p, nil
}

// ParseChallengeKind accepts "button", "math" or "arithmetic".
func ParseChallengeKind(s string) (model.ChallengeKind, error) {
	switch s {
	case "button":
		return model.ChallengeButton, nil
	case "math", "arithmetic":
		return model.ChallengeArithmetic, nil
	}
	return "", fmt.Errorf("unknown verification type %q", s)
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.Verification.MaxFails < 1 {
		return fmt.Errorf("max verification fails must be at least 1")
	}
	if p.Verification.Timeout <= 0 {
		return fmt.Errorf("verification timeout must be positive")
	}
	if p.Verification.BanDuration <= 0 {
		return fmt.Errorf("temp ban duration must be positive")
	}
	if p.QuietHours.Start < 0 || p.QuietHours.Start > 23 || p.QuietHours.End < 0 || p.QuietHours.End > 23 {
		return fmt.Errorf("quiet hours must be between 0 and 23")
	}
	return nil
}
