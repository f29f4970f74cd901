package abuse

import (
	"fmt"
	"sync"
	"time"

	"github.com/stevencarpenter/pp-bot/internal/vote"
)

const (
	windowMs     = 60_000
	pruneEveryMs = 60_000
)

// VoteRequest identifies a single vote being admitted.
type VoteRequest struct {
	VoterID    string
	ChannelID  string // "" when the event has no channel context
	TargetID   string
	TargetType vote.TargetType
	Action     vote.Action
}

// Controller owns all mutable abuse-control state for one process. All state
// lives in plain maps behind one mutex; admission and its provisional state
// mutation happen in a single critical section so concurrent events never
// observe a reserved slot as available.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	userWindows map[string][]int64 // voterID -> accepted-vote timestamps (ms) in trailing 60s
	chanWindows map[string][]int64 // channelID -> same
	pairSeen    map[pairKey]int64  // last accepted vote per (voter, targetType, targetID)
	daily       map[dayKey]int     // accepted downvotes per (voter, UTC day)
	lastPruneMs int64
}

// NewController creates a controller with the given limits. Multiple
// independent controllers can coexist; nothing is shared between them.
func NewController(cfg Config) *Controller {
	if cfg.Mode == "" {
		cfg.Mode = ModeEnforce
	}
	return &Controller{
		cfg:         cfg,
		userWindows: make(map[string][]int64),
		chanWindows: make(map[string][]int64),
		pairSeen:    make(map[pairKey]int64),
		daily:       make(map[dayKey]int),
	}
}

// EvaluateMessage admits or rejects a whole message before per-vote fan-out.
func (c *Controller) EvaluateMessage(voterID, channelID string, targetsInMessage int, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now.UnixMilli())

	if c.cfg.AllowedChannelIDs != nil {
		if _, ok := c.cfg.AllowedChannelIDs[channelID]; channelID == "" || !ok {
			return c.cfg.violation(ReasonChannelNotAllowed,
				"Voting is not enabled in this channel.",
				map[string]any{"channelId": channelID})
		}
	}
	if targetsInMessage > c.cfg.MaxTargetsPerMessage {
		return c.cfg.violation(ReasonMessageTargetLimitExceeded,
			fmt.Sprintf("Too many vote targets in one message (max %d).", c.cfg.MaxTargetsPerMessage),
			map[string]any{"targets": targetsInMessage, "limit": c.cfg.MaxTargetsPerMessage})
	}
	return allowed()
}

// EvaluateVote checks a single vote without mutating state. Checks run in a
// fixed order (user rate, channel rate, pair cooldown, daily budget) and the
// first violation wins; callers and tests depend on that ordering.
func (c *Controller) EvaluateVote(req VoteRequest, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	nowMs := now.UnixMilli()
	c.pruneLocked(nowMs)
	return c.evaluateLocked(req, nowMs, now)
}

func (c *Controller) evaluateLocked(req VoteRequest, nowMs int64, now time.Time) Decision {
	if n := countWindow(c.userWindows, req.VoterID, nowMs); n >= c.cfg.UserRatePerMinute {
		return c.cfg.violation(ReasonUserRateLimitExceeded,
			fmt.Sprintf("You are voting too fast (limit %d votes per minute).", c.cfg.UserRatePerMinute),
			map[string]any{"count": n, "limit": c.cfg.UserRatePerMinute, "windowSeconds": 60})
	}

	if req.ChannelID != "" {
		if n := countWindow(c.chanWindows, req.ChannelID, nowMs); n >= c.cfg.ChannelRatePerMinute {
			return c.cfg.violation(ReasonChannelRateLimitExceeded,
				fmt.Sprintf("This channel is voting too fast (limit %d votes per minute).", c.cfg.ChannelRatePerMinute),
				map[string]any{"count": n, "limit": c.cfg.ChannelRatePerMinute, "windowSeconds": 60})
		}
	}

	if c.cfg.PairCooldownSeconds > 0 {
		key := pairKey{Voter: req.VoterID, TargetType: string(req.TargetType), TargetID: req.TargetID}
		if last, ok := c.pairSeen[key]; ok {
			cooldownMs := int64(c.cfg.PairCooldownSeconds) * 1000
			if elapsed := nowMs - last; elapsed < cooldownMs {
				remaining := (cooldownMs - elapsed + 999) / 1000
				return c.cfg.violation(ReasonPairCooldownActive,
					fmt.Sprintf("You already voted for this target recently. Try again in %ds.", remaining),
					map[string]any{
						"remainingSeconds": remaining,
						"cooldownSeconds":  c.cfg.PairCooldownSeconds,
						"lastVoteMs":       last,
					})
			}
		}
	}

	if req.Action == vote.ActionDown {
		key := dayKey{Voter: req.VoterID, Day: utcDay(now)}
		if n := c.daily[key]; n >= c.cfg.DailyDownvoteLimit {
			return c.cfg.violation(ReasonDailyDownvoteLimitExceeded,
				fmt.Sprintf("Daily downvote limit reached (%d per day).", c.cfg.DailyDownvoteLimit),
				map[string]any{"count": n, "limit": c.cfg.DailyDownvoteLimit, "dayUTC": key.Day})
		}
	}

	return allowed()
}

// ReserveVote evaluates the vote and, when allowed, applies the state
// mutations in the same critical section, returning a reservation that can
// undo them if persistence fails. Admission and the provisional counter
// update are one step; no concurrent check can see the slot as free.
func (c *Controller) ReserveVote(req VoteRequest, now time.Time) (Decision, *Reservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nowMs := now.UnixMilli()
	c.pruneLocked(nowMs)

	d := c.evaluateLocked(req, nowMs, now)
	if !d.Allowed {
		return d, nil
	}
	return d, c.applyLocked(req, nowMs, now)
}

// RegisterAcceptedVote applies the same mutations as a reservation without
// producing an undo token. For call sites that do not persist, or persist
// before admitting.
func (c *Controller) RegisterAcceptedVote(req VoteRequest, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nowMs := now.UnixMilli()
	c.pruneLocked(nowMs)
	c.applyLocked(req, nowMs, now)
}

func (c *Controller) applyLocked(req VoteRequest, nowMs int64, now time.Time) *Reservation {
	res := &Reservation{voterID: req.VoterID, ts: nowMs}

	c.userWindows[req.VoterID] = append(c.userWindows[req.VoterID], nowMs)
	if req.ChannelID != "" {
		c.chanWindows[req.ChannelID] = append(c.chanWindows[req.ChannelID], nowMs)
		res.channelID = req.ChannelID
	}

	if c.cfg.PairCooldownSeconds > 0 {
		key := pairKey{Voter: req.VoterID, TargetType: string(req.TargetType), TargetID: req.TargetID}
		res.pair = key
		res.pairSet = true
		res.prevPair, res.hadPair = c.pairSeen[key]
		c.pairSeen[key] = nowMs
	}

	if req.Action == vote.ActionDown {
		key := dayKey{Voter: req.VoterID, Day: utcDay(now)}
		c.daily[key]++
		res.day = key
		res.counted = true
	}

	return res
}

// ReleaseReservedVote reverses exactly the mutations recorded in the
// reservation. Timestamps are removed by value, not position, and the pair
// entry is restored to its prior value (or removed when there was none), so
// overlapping reservations for the same keys release correctly. Releasing
// the same reservation twice is a no-op.
func (c *Controller) ReleaseReservedVote(res *Reservation) {
	if res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if res.released {
		return
	}
	res.released = true

	removeTimestamp(c.userWindows, res.voterID, res.ts)
	if res.channelID != "" {
		removeTimestamp(c.chanWindows, res.channelID, res.ts)
	}

	if res.pairSet {
		if res.hadPair {
			c.pairSeen[res.pair] = res.prevPair
		} else {
			delete(c.pairSeen, res.pair)
		}
	}

	if res.counted {
		if n := c.daily[res.day]; n <= 1 {
			delete(c.daily, res.day)
		} else {
			c.daily[res.day] = n - 1
		}
	}
}

// Reservation captures the state changes of one admitted vote so they can be
// undone if the downstream persistence write fails.
type Reservation struct {
	voterID   string
	channelID string
	ts        int64

	pair     pairKey
	pairSet  bool
	hadPair  bool
	prevPair int64

	day     dayKey
	counted bool

	released bool
}

// countWindow purges expired entries for the key and returns how many remain.
func countWindow(windows map[string][]int64, key string, nowMs int64) int {
	entries := windows[key]
	if len(entries) == 0 {
		return 0
	}
	cutoff := nowMs - windowMs
	kept := entries[:0]
	for _, ts := range entries {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(windows, key)
		return 0
	}
	windows[key] = kept
	return len(kept)
}

// removeTimestamp deletes one instance of ts from the key's window.
func removeTimestamp(windows map[string][]int64, key string, ts int64) {
	entries := windows[key]
	for i, v := range entries {
		if v == ts {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(windows, key)
		return
	}
	windows[key] = entries
}

// pruneLocked bounds memory by sweeping all maps at most once per minute,
// amortized over the hot path instead of a background timer.
func (c *Controller) pruneLocked(nowMs int64) {
	if nowMs-c.lastPruneMs < pruneEveryMs {
		return
	}
	c.lastPruneMs = nowMs

	cutoff := nowMs - windowMs
	for key, entries := range c.userWindows {
		pruneWindow(c.userWindows, key, entries, cutoff)
	}
	for key, entries := range c.chanWindows {
		pruneWindow(c.chanWindows, key, entries, cutoff)
	}

	if c.cfg.PairCooldownSeconds <= 0 {
		clear(c.pairSeen)
	} else {
		pairCutoff := nowMs - int64(c.cfg.PairCooldownSeconds)*1000
		for key, last := range c.pairSeen {
			if last < pairCutoff {
				delete(c.pairSeen, key)
			}
		}
	}

	today := utcDay(time.UnixMilli(nowMs))
	for key := range c.daily {
		if key.Day < today {
			delete(c.daily, key)
		}
	}
}

func pruneWindow(windows map[string][]int64, key string, entries []int64, cutoff int64) {
	kept := entries[:0]
	for _, ts := range entries {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(windows, key)
		return
	}
	windows[key] = kept
}
