package slack

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/stevencarpenter/pp-bot/internal/abuse"
	"github.com/stevencarpenter/pp-bot/internal/metrics"
	"github.com/stevencarpenter/pp-bot/internal/store"
	"github.com/stevencarpenter/pp-bot/internal/vote"
)

const (
	leaderboardPageSize = 10

	// Posted when a vote was admitted but the database write ultimately
	// failed. Internal detail never reaches the chat surface.
	genericFailureReply = "Something went wrong recording that vote. Please try again later."
)

// VoteStore is the slice of the persistence layer the handler needs.
type VoteStore interface {
	MarkEventProcessed(ctx context.Context, dedupeKey, channelID, messageTs string) (bool, error)
	UpdateUserScore(ctx context.Context, userID string, delta int) (int64, error)
	UpdateThingScore(ctx context.Context, thingName string, delta int) (int64, error)
	GetUserScore(ctx context.Context, userID string) (int64, error)
	GetThingScore(ctx context.Context, thingName string) (int64, error)
	GetTopUsers(ctx context.Context, limit int) ([]store.Entry, error)
	GetTopThings(ctx context.Context, limit int) ([]store.Entry, error)
	GetLeaderboardPage(ctx context.Context, page, pageSize int) ([]store.Entry, error)
	GetUserRank(ctx context.Context, userID string) (int64, bool, error)
	GetStats(ctx context.Context) (store.Stats, error)
	RecordVote(ctx context.Context, rec store.VoteRecord) (bool, error)
	ForgetEvent(ctx context.Context, dedupeKey string) error
}

// Handler processes Slack events: vote messages and slash commands.
type Handler struct {
	api        BotAPI
	socket     *socketmode.Client
	logger     zerolog.Logger
	controller *abuse.Controller
	store      VoteStore
	metrics    *metrics.Metrics
	botUserID  string
	now        func() time.Time
}

// NewHandler creates a new event handler.
func NewHandler(logger zerolog.Logger, controller *abuse.Controller, votes VoteStore, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:     logger.With().Str("component", "slack.handler").Logger(),
		controller: controller,
		store:      votes,
		metrics:    m,
		now:        time.Now,
	}
}

// HandleEvent routes Socket Mode events to the appropriate handler.
func (h *Handler) HandleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		h.handleEventsAPI(ctx, evt)
	case socketmode.EventTypeSlashCommand:
		h.handleSlashCommand(ctx, evt)
	default:
		h.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled event type")
	}
}

func (h *Handler) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	// Acknowledge first; Slack requires the ack within 3 seconds and the
	// pipeline below may block on database I/O.
	if h.socket != nil && evt.Request != nil {
		h.socket.Ack(*evt.Request)
	}

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		h.logger.Warn().Str("type", string(evt.Type)).Msg("failed to cast events_api data")
		return
	}
	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}

	eventID := ""
	if cb, ok := eventsAPIEvent.Data.(*slackevents.EventsAPICallbackEvent); ok {
		eventID = cb.EventID
	}

	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Skip bot messages, our own messages, and edited/deleted subtypes.
		if ev.User == "" || ev.User == h.botUserID || ev.BotID != "" || ev.SubType != "" {
			return
		}
		h.handleMessage(ctx, ev.User, ev.Channel, ev.Text, ev.TimeStamp, eventID)
	default:
		h.logger.Debug().Str("inner_type", eventsAPIEvent.InnerEvent.Type).Msg("unhandled callback event type")
	}
}

// handleMessage runs the full vote pipeline for one inbound message:
// dedupe, message admission, parse, sanitize, per-vote reserve, persist,
// release on failure, reply.
func (h *Handler) handleMessage(ctx context.Context, voterID, channelID, text, messageTs, eventID string) {
	votes := vote.Parse(text)
	if len(votes) == 0 {
		return
	}
	now := h.now()

	log := h.logger.With().Str("voter", voterID).Str("channel", channelID).Logger()

	// At-most-once: the first writer of the dedupe key wins; everyone else
	// skips all downstream side effects.
	dedupeKey := vote.ResolveDedupeKey(eventID, channelID, messageTs)
	if dedupeKey != "" {
		first, err := h.store.MarkEventProcessed(ctx, dedupeKey, channelID, messageTs)
		if err != nil {
			log.Error().Err(err).Str("dedupe_key", dedupeKey).Msg("dedupe write failed")
			h.metrics.RecordEvent("error")
			h.reply(channelID, genericFailureReply)
			return
		}
		if !first {
			log.Debug().Str("dedupe_key", dedupeKey).Msg("duplicate event skipped")
			h.metrics.RecordEvent("duplicate")
			return
		}
	}

	decision := h.controller.EvaluateMessage(voterID, channelID, len(votes), now)
	h.recordDecision(decision)
	if !decision.Allowed {
		log.Info().Str("reason", string(decision.Reason)).Msg("message blocked")
		h.reply(channelID, decision.Message)
		h.metrics.RecordEvent("blocked")
		return
	}

	var lines []string
	attempted, failed := 0, 0
	for _, v := range votes {
		line, ok := h.processVote(ctx, log, voterID, channelID, messageTs, v, now)
		if line != "" {
			lines = append(lines, line)
		}
		if !ok {
			failed++
		}
		attempted++
	}

	// Nothing landed: drop the dedupe record so a redelivered event gets a
	// fresh attempt instead of being skipped as a duplicate.
	if dedupeKey != "" && attempted > 0 && failed == attempted {
		if err := h.store.ForgetEvent(ctx, dedupeKey); err != nil {
			log.Warn().Err(err).Str("dedupe_key", dedupeKey).Msg("failed to release dedupe record")
		}
	}

	if len(lines) > 0 {
		h.reply(channelID, strings.Join(lines, "\n"))
	}
	h.metrics.RecordEvent("processed")
}

// processVote runs one vote through sanitize, admission, and persistence.
// ok is false only for persistence failures; deterministic rejections
// (blocked, self-vote, unusable target) count as handled.
func (h *Handler) processVote(ctx context.Context, log zerolog.Logger, voterID, channelID, messageTs string, v vote.Vote, now time.Time) (line string, ok bool) {
	var targetID string
	switch v.TargetType {
	case vote.TargetUser:
		targetID = vote.SanitizeUserID(v.TargetID)
	case vote.TargetThing:
		targetID = vote.SanitizeThingName(v.TargetID)
	}
	if targetID == "" {
		log.Debug().Str("raw_target", v.TargetID).Msg("target rejected by sanitizer")
		return "", true
	}

	if v.TargetType == vote.TargetUser && targetID == voterID {
		h.metrics.RecordVote(string(v.Action), "self")
		return fmt.Sprintf("🚫 <@%s> cannot vote for themselves", voterID), true
	}

	req := abuse.VoteRequest{
		VoterID:    voterID,
		ChannelID:  channelID,
		TargetID:   targetID,
		TargetType: v.TargetType,
		Action:     v.Action,
	}
	decision, reservation := h.controller.ReserveVote(req, now)
	h.recordDecision(decision)
	if !decision.Allowed {
		log.Info().
			Str("reason", string(decision.Reason)).
			Str("target", targetID).
			Interface("detail", decision.Detail).
			Msg("vote blocked")
		h.metrics.RecordVote(string(v.Action), "blocked")
		return decision.Message, true
	}
	if decision.WouldBlock {
		log.Warn().
			Str("reason", string(decision.Reason)).
			Str("target", targetID).
			Msg("vote would be blocked (monitor mode)")
	}

	newScore, err := h.applyScore(ctx, targetID, v)
	if err != nil {
		// The admission slot was provisionally taken; give it back so the
		// failed vote does not consume the voter's budget.
		h.controller.ReleaseReservedVote(reservation)
		log.Error().Err(err).Str("target", targetID).Msg("score update failed")
		h.metrics.RecordVote(string(v.Action), "failed")
		return genericFailureReply, false
	}

	if _, err := h.store.RecordVote(ctx, store.VoteRecord{
		VoterID:    voterID,
		TargetID:   targetID,
		TargetType: string(v.TargetType),
		VoteType:   string(v.Action),
		ChannelID:  channelID,
		MessageTs:  messageTs,
	}); err != nil {
		// The score is already applied; history is best-effort at this point.
		log.Warn().Err(err).Str("target", targetID).Msg("vote history write failed")
	}

	h.metrics.RecordVote(string(v.Action), "accepted")
	return formatVoteResult(targetID, v, newScore), true
}

func (h *Handler) applyScore(ctx context.Context, targetID string, v vote.Vote) (int64, error) {
	if v.TargetType == vote.TargetUser {
		return h.store.UpdateUserScore(ctx, targetID, v.Delta())
	}
	return h.store.UpdateThingScore(ctx, targetID, v.Delta())
}

func (h *Handler) recordDecision(d abuse.Decision) {
	if !d.WouldBlock {
		return
	}
	mode := "enforce"
	if d.Allowed {
		mode = "monitor"
	}
	h.metrics.RecordDecision(string(d.Reason), mode)
}

func (h *Handler) reply(channelID, text string) {
	if h.api == nil || channelID == "" {
		return
	}
	if _, _, err := h.api.PostMessage(channelID, slack.MsgOptionText(text, false)); err != nil {
		h.logger.Error().Err(err).Str("channel", channelID).Msg("failed to post reply")
	}
}

func formatVoteResult(targetID string, v vote.Vote, score int64) string {
	arrow := "⬆️"
	if v.Action == vote.ActionDown {
		arrow = "⬇️"
	}
	if v.TargetType == vote.TargetUser {
		return fmt.Sprintf("%s <@%s> is now at %d", arrow, targetID, score)
	}
	return fmt.Sprintf("%s %s is now at %d", arrow, targetID, score)
}

// --- Slash commands ---

func (h *Handler) handleSlashCommand(ctx context.Context, evt socketmode.Event) {
	cmd, ok := evt.Data.(slack.SlashCommand)
	if !ok {
		return
	}

	var text string
	switch cmd.Command {
	case "/leaderboard":
		text = h.leaderboardCommand(ctx, cmd.UserID, strings.TrimSpace(cmd.Text))
	case "/score":
		text = h.scoreCommand(ctx, cmd.UserID, strings.TrimSpace(cmd.Text))
	default:
		h.logger.Debug().Str("command", cmd.Command).Msg("unhandled slash command")
	}

	if h.socket != nil && evt.Request != nil {
		payload := map[string]any{}
		if text != "" {
			payload["response_type"] = "ephemeral"
			payload["text"] = text
		}
		h.socket.Ack(*evt.Request, payload)
	}
}

func (h *Handler) leaderboardCommand(ctx context.Context, userID, arg string) string {
	switch {
	case arg == "stats":
		stats, err := h.store.GetStats(ctx)
		if err != nil {
			h.logger.Error().Err(err).Msg("stats lookup failed")
			return "Could not load leaderboard stats right now."
		}
		return fmt.Sprintf("📊 *Leaderboard stats*\nUsers: %d\nThings: %d\nTotal votes: %d",
			stats.Users, stats.Things, stats.TotalVotes)

	case arg == "me":
		rank, ok, err := h.store.GetUserRank(ctx, userID)
		if err != nil {
			h.logger.Error().Err(err).Msg("rank lookup failed")
			return "Could not load your rank right now."
		}
		if !ok {
			return "You are not on the leaderboard yet. Earn some ++!"
		}
		score, err := h.store.GetUserScore(ctx, userID)
		if err != nil {
			h.logger.Error().Err(err).Msg("score lookup failed")
			return "Could not load your rank right now."
		}
		return fmt.Sprintf("You are ranked #%d with a score of %d.", rank, score)

	case arg == "things":
		entries, err := h.store.GetTopThings(ctx, leaderboardPageSize)
		if err != nil {
			h.logger.Error().Err(err).Msg("thing leaderboard lookup failed")
			return "Could not load the leaderboard right now."
		}
		return formatLeaderboard("🏆 Thing Leaderboard", entries, 1, false)

	default:
		page := 1
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				return "Usage: /leaderboard [page|me|stats|things]"
			}
			page = n
		}
		entries, err := h.store.GetLeaderboardPage(ctx, page, leaderboardPageSize)
		if err != nil {
			h.logger.Error().Err(err).Msg("leaderboard lookup failed")
			return "Could not load the leaderboard right now."
		}
		return formatLeaderboard("🏆 Leaderboard", entries, page, true)
	}
}

func (h *Handler) scoreCommand(ctx context.Context, userID, arg string) string {
	if arg == "" {
		score, err := h.store.GetUserScore(ctx, userID)
		if err != nil {
			h.logger.Error().Err(err).Msg("score lookup failed")
			return "Could not load your score right now."
		}
		return fmt.Sprintf("Your current score: %d", score)
	}

	if id := vote.SanitizeUserID(extractMention(arg)); id != "" {
		score, err := h.store.GetUserScore(ctx, id)
		if err != nil {
			h.logger.Error().Err(err).Msg("score lookup failed")
			return "Could not load that score right now."
		}
		return fmt.Sprintf("<@%s> has a score of %d", id, score)
	}

	if name := vote.SanitizeThingName(arg); name != "" {
		score, err := h.store.GetThingScore(ctx, name)
		if err != nil {
			h.logger.Error().Err(err).Msg("score lookup failed")
			return "Could not load that score right now."
		}
		return fmt.Sprintf("%s has a score of %d", name, score)
	}

	return "Usage: /score [@user|thing]"
}

var medals = []string{"🥇", "🥈", "🥉"}

func formatLeaderboard(title string, entries []store.Entry, page int, mentions bool) string {
	if len(entries) == 0 {
		if page > 1 {
			return fmt.Sprintf("The leaderboard has no page %d.", page)
		}
		return "The leaderboard is empty. Cast the first vote!"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (page %d)\n", title, page)
	offset := (page - 1) * leaderboardPageSize
	for i, e := range entries {
		pos := offset + i
		marker := fmt.Sprintf("%d.", pos+1)
		if pos < len(medals) {
			marker = medals[pos]
		}
		name := e.ID
		if mentions {
			name = fmt.Sprintf("<@%s>", e.ID)
		}
		fmt.Fprintf(&b, "%s %s — %d\n", marker, name, e.Score)
	}
	return strings.TrimRight(b.String(), "\n")
}

// extractMention unwraps Slack mention syntax: "<@U123|name>" or "<@U123>".
func extractMention(arg string) string {
	if strings.HasPrefix(arg, "<@") && strings.HasSuffix(arg, ">") {
		inner := arg[2 : len(arg)-1]
		if i := strings.IndexByte(inner, '|'); i >= 0 {
			inner = inner[:i]
		}
		return inner
	}
	return arg
}
