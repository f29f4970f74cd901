// Package abuse implements in-memory admission control for votes: per-voter
// and per-channel rate windows, pair cooldowns, and daily downvote budgets.
// State is process-local and deliberately ephemeral; a restart clears it.
package abuse

import (
	"fmt"
	"strings"
	"time"
)

// Mode controls whether violations block votes or are only recorded.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeMonitor Mode = "monitor"
)

// Reason is a machine-readable admission decision code.
type Reason string

const (
	ReasonAllowed                    Reason = "ALLOWED"
	ReasonChannelNotAllowed          Reason = "CHANNEL_NOT_ALLOWED"
	ReasonMessageTargetLimitExceeded Reason = "MESSAGE_TARGET_LIMIT_EXCEEDED"
	ReasonUserRateLimitExceeded      Reason = "USER_RATE_LIMIT_EXCEEDED"
	ReasonChannelRateLimitExceeded   Reason = "CHANNEL_RATE_LIMIT_EXCEEDED"
	ReasonPairCooldownActive         Reason = "PAIR_COOLDOWN_ACTIVE"
	ReasonDailyDownvoteLimitExceeded Reason = "DAILY_DOWNVOTE_LIMIT_EXCEEDED"
)

// Config holds the abuse-control limits, loaded once at startup.
type Config struct {
	MaxTargetsPerMessage int
	UserRatePerMinute    int
	ChannelRatePerMinute int
	PairCooldownSeconds  int
	DailyDownvoteLimit   int
	// AllowedChannelIDs restricts voting to the listed channels.
	// nil or empty means all channels are allowed.
	AllowedChannelIDs map[string]struct{}
	Mode              Mode
}

// ParseAllowedChannels builds the allowlist set from a comma-separated list.
// An empty input returns nil (all channels allowed).
func ParseAllowedChannels(csv string) map[string]struct{} {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, ch := range strings.Split(csv, ",") {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			out[ch] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Decision is the outcome of an admission check. Violations are decisions,
// not errors: callers branch on Allowed.
type Decision struct {
	Allowed    bool
	WouldBlock bool
	Reason     Reason
	Message    string
	Detail     map[string]any
}

func allowed() Decision {
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// violation applies enforcement-mode semantics: in monitor mode the vote
// proceeds but stays flagged via WouldBlock.
func (c *Config) violation(reason Reason, msg string, detail map[string]any) Decision {
	return Decision{
		Allowed:    c.Mode == ModeMonitor,
		WouldBlock: true,
		Reason:     reason,
		Message:    msg,
		Detail:     detail,
	}
}

type pairKey struct {
	Voter      string
	TargetType string
	TargetID   string
}

type dayKey struct {
	Voter string
	Day   string // UTC calendar date, "2006-01-02"
}

func utcDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

func (c Config) String() string {
	return fmt.Sprintf("maxTargets=%d userRate=%d chanRate=%d cooldown=%ds dailyDown=%d mode=%s",
		c.MaxTargetsPerMessage, c.UserRatePerMinute, c.ChannelRatePerMinute,
		c.PairCooldownSeconds, c.DailyDownvoteLimit, c.Mode)
}
