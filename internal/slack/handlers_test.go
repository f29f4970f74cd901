package slack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevencarpenter/pp-bot/internal/abuse"
	"github.com/stevencarpenter/pp-bot/internal/metrics"
	"github.com/stevencarpenter/pp-bot/internal/store"
)

type fakeAPI struct {
	posts []string
}

func (f *fakeAPI) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	// MsgOption internals are opaque; record that a post happened per channel.
	f.posts = append(f.posts, channelID)
	return channelID, "1.0", nil
}

func (f *fakeAPI) AuthTest() (*slackapi.AuthTestResponse, error) {
	return &slackapi.AuthTestResponse{UserID: "UBOT"}, nil
}

type fakeVoteStore struct {
	userScores  map[string]int64
	thingScores map[string]int64
	seenKeys    map[string]bool
	votes       []store.VoteRecord

	scoreErr error
	markErr  error
}

func newFakeVoteStore() *fakeVoteStore {
	return &fakeVoteStore{
		userScores:  map[string]int64{},
		thingScores: map[string]int64{},
		seenKeys:    map[string]bool{},
	}
}

func (f *fakeVoteStore) MarkEventProcessed(_ context.Context, key, _, _ string) (bool, error) {
	if f.markErr != nil {
		return false, f.markErr
	}
	if f.seenKeys[key] {
		return false, nil
	}
	f.seenKeys[key] = true
	return true, nil
}

func (f *fakeVoteStore) UpdateUserScore(_ context.Context, id string, delta int) (int64, error) {
	if f.scoreErr != nil {
		return 0, f.scoreErr
	}
	f.userScores[id] += int64(delta)
	return f.userScores[id], nil
}

func (f *fakeVoteStore) UpdateThingScore(_ context.Context, name string, delta int) (int64, error) {
	if f.scoreErr != nil {
		return 0, f.scoreErr
	}
	f.thingScores[name] += int64(delta)
	return f.thingScores[name], nil
}

func (f *fakeVoteStore) GetUserScore(_ context.Context, id string) (int64, error) {
	return f.userScores[id], nil
}

func (f *fakeVoteStore) GetThingScore(_ context.Context, name string) (int64, error) {
	return f.thingScores[name], nil
}

func (f *fakeVoteStore) topOf(scores map[string]int64, limit int) []store.Entry {
	var entries []store.Entry
	for id, score := range scores {
		entries = append(entries, store.Entry{ID: id, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].ID < entries[j].ID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func (f *fakeVoteStore) GetTopUsers(_ context.Context, limit int) ([]store.Entry, error) {
	return f.topOf(f.userScores, limit), nil
}

func (f *fakeVoteStore) GetTopThings(_ context.Context, limit int) ([]store.Entry, error) {
	return f.topOf(f.thingScores, limit), nil
}

func (f *fakeVoteStore) GetLeaderboardPage(_ context.Context, page, pageSize int) ([]store.Entry, error) {
	all := f.topOf(f.userScores, len(f.userScores))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (f *fakeVoteStore) GetUserRank(_ context.Context, id string) (int64, bool, error) {
	score, ok := f.userScores[id]
	if !ok {
		return 0, false, nil
	}
	var rank int64 = 1
	for _, s := range f.userScores {
		if s > score {
			rank++
		}
	}
	return rank, true, nil
}

func (f *fakeVoteStore) GetStats(_ context.Context) (store.Stats, error) {
	return store.Stats{
		Users:      int64(len(f.userScores)),
		Things:     int64(len(f.thingScores)),
		TotalVotes: int64(len(f.votes)),
	}, nil
}

func (f *fakeVoteStore) RecordVote(_ context.Context, rec store.VoteRecord) (bool, error) {
	f.votes = append(f.votes, rec)
	return true, nil
}

func (f *fakeVoteStore) ForgetEvent(_ context.Context, key string) error {
	delete(f.seenKeys, key)
	return nil
}

func testHandler(t *testing.T, cfg abuse.Config) (*Handler, *fakeVoteStore, *fakeAPI) {
	t.Helper()
	fs := newFakeVoteStore()
	api := &fakeAPI{}
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	h := NewHandler(logger, abuse.NewController(cfg), fs, metrics.New())
	h.api = api
	h.botUserID = "UBOT"
	return h, fs, api
}

func defaultAbuseConfig() abuse.Config {
	return abuse.Config{
		MaxTargetsPerMessage: 5,
		UserRatePerMinute:    12,
		ChannelRatePerMinute: 60,
		PairCooldownSeconds:  300,
		DailyDownvoteLimit:   15,
		Mode:                 abuse.ModeEnforce,
	}
}

func TestHandleMessage_Upvote(t *testing.T) {
	h, fs, api := testHandler(t, defaultAbuseConfig())

	h.handleMessage(context.Background(), "U111", "C1", "<@U222> ++ nice work", "1.1", "Ev1")

	assert.Equal(t, int64(1), fs.userScores["U222"])
	require.Len(t, fs.votes, 1)
	assert.Equal(t, "U222", fs.votes[0].TargetID)
	assert.Equal(t, "++", fs.votes[0].VoteType)
	assert.Len(t, api.posts, 1)
}

func TestHandleMessage_MultipleVotes(t *testing.T) {
	h, fs, _ := testHandler(t, defaultAbuseConfig())

	h.handleMessage(context.Background(), "U111", "C1", "<@U222> ++ <@U333> -- coffee++", "1.1", "Ev1")

	assert.Equal(t, int64(1), fs.userScores["U222"])
	assert.Equal(t, int64(-1), fs.userScores["U333"])
	assert.Equal(t, int64(1), fs.thingScores["coffee"])
	assert.Len(t, fs.votes, 3)
}

func TestHandleMessage_SelfVoteBlocked(t *testing.T) {
	h, fs, api := testHandler(t, defaultAbuseConfig())

	h.handleMessage(context.Background(), "U111", "C1", "<@U111> ++", "1.1", "Ev1")

	assert.Zero(t, fs.userScores["U111"])
	assert.Empty(t, fs.votes)
	assert.Len(t, api.posts, 1) // the "cannot vote for themselves" reply
}

func TestHandleMessage_DuplicateEventSkipped(t *testing.T) {
	h, fs, _ := testHandler(t, defaultAbuseConfig())

	h.handleMessage(context.Background(), "U111", "C1", "<@U222> ++", "1.1", "Ev1")
	h.handleMessage(context.Background(), "U111", "C1", "<@U222> ++", "1.1", "Ev1")

	assert.Equal(t, int64(1), fs.userScores["U222"])
	assert.Len(t, fs.votes, 1)
}

func TestHandleMessage_NoVotesNoSideEffects(t *testing.T) {
	h, fs, api := testHandler(t, defaultAbuseConfig())

	h.handleMessage(context.Background(), "U111", "C1", "just chatting", "1.1", "Ev1")

	assert.Empty(t, fs.seenKeys) // no dedupe row burned for vote-free messages
	assert.Empty(t, api.posts)
}

func TestHandleMessage_TargetLimitBlocksWholeMessage(t *testing.T) {
	cfg := defaultAbuseConfig()
	cfg.MaxTargetsPerMessage = 2
	h, fs, api := testHandler(t, cfg)

	h.handleMessage(context.Background(), "U111", "C1", "<@U222>++ <@U333>++ <@U444>++", "1.1", "Ev1")

	assert.Empty(t, fs.userScores)
	assert.Len(t, api.posts, 1)
}

func TestHandleMessage_ChannelNotAllowed(t *testing.T) {
	cfg := defaultAbuseConfig()
	cfg.AllowedChannelIDs = abuse.ParseAllowedChannels("Callowed")
	h, fs, _ := testHandler(t, cfg)

	h.handleMessage(context.Background(), "U111", "Cother", "<@U222>++", "1.1", "Ev1")
	assert.Empty(t, fs.userScores)

	h.handleMessage(context.Background(), "U111", "Callowed", "<@U222>++", "1.2", "Ev2")
	assert.Equal(t, int64(1), fs.userScores["U222"])
}

func TestHandleMessage_ScoreFailureReleasesReservation(t *testing.T) {
	cfg := defaultAbuseConfig()
	cfg.UserRatePerMinute = 1
	cfg.PairCooldownSeconds = 0
	h, fs, _ := testHandler(t, cfg)

	fs.scoreErr = errors.New("boom")
	h.handleMessage(context.Background(), "U111", "C1", "<@U222>++", "1.1", "Ev1")
	assert.Empty(t, fs.votes)

	// The failed vote gave its rate slot back, so the next vote is allowed
	// despite the 1-per-minute limit.
	fs.scoreErr = nil
	h.handleMessage(context.Background(), "U111", "C1", "<@U222>++", "1.2", "Ev2")
	assert.Equal(t, int64(1), fs.userScores["U222"])
}

func TestHandleMessage_TotalFailureReleasesDedupe(t *testing.T) {
	h, fs, _ := testHandler(t, defaultAbuseConfig())

	// Every vote fails to persist, so the same event must get a fresh
	// attempt when Slack redelivers it.
	fs.scoreErr = errors.New("boom")
	h.handleMessage(context.Background(), "U111", "C1", "<@U222>++", "1.1", "Ev1")
	assert.Empty(t, fs.seenKeys)

	fs.scoreErr = nil
	h.handleMessage(context.Background(), "U111", "C1", "<@U222>++", "1.1", "Ev1")
	assert.Equal(t, int64(1), fs.userScores["U222"])
}

func TestHandleMessage_PartialFailureKeepsDedupe(t *testing.T) {
	h, fs, _ := testHandler(t, defaultAbuseConfig())

	// Self-vote rejection is deterministic; a redelivery would change
	// nothing, so the dedupe record stays.
	h.handleMessage(context.Background(), "U111", "C1", "<@U111>++", "1.1", "Ev1")
	assert.Len(t, fs.seenKeys, 1)
}

func TestHandleMessage_RateLimitBlocksVote(t *testing.T) {
	cfg := defaultAbuseConfig()
	cfg.UserRatePerMinute = 1
	cfg.PairCooldownSeconds = 0
	h, fs, _ := testHandler(t, cfg)

	h.handleMessage(context.Background(), "U111", "C1", "<@U222>++", "1.1", "Ev1")
	h.handleMessage(context.Background(), "U111", "C1", "<@U333>++", "1.2", "Ev2")

	assert.Equal(t, int64(1), fs.userScores["U222"])
	assert.Zero(t, fs.userScores["U333"])
}

func TestHandleMessage_MonitorModeDoesNotBlock(t *testing.T) {
	cfg := defaultAbuseConfig()
	cfg.UserRatePerMinute = 1
	cfg.PairCooldownSeconds = 0
	cfg.Mode = abuse.ModeMonitor
	h, fs, _ := testHandler(t, cfg)

	h.handleMessage(context.Background(), "U111", "C1", "<@U222>++", "1.1", "Ev1")
	h.handleMessage(context.Background(), "U111", "C1", "<@U333>++", "1.2", "Ev2")

	assert.Equal(t, int64(1), fs.userScores["U222"])
	assert.Equal(t, int64(1), fs.userScores["U333"])
}

func TestHandleMessage_DedupeFailureStopsPipeline(t *testing.T) {
	h, fs, api := testHandler(t, defaultAbuseConfig())
	fs.markErr = errors.New("db down")

	h.handleMessage(context.Background(), "U111", "C1", "<@U222>++", "1.1", "Ev1")

	assert.Empty(t, fs.userScores)
	assert.Len(t, api.posts, 1) // generic failure reply
}

func TestScoreCommand(t *testing.T) {
	h, fs, _ := testHandler(t, defaultAbuseConfig())
	fs.userScores["U111"] = 7
	fs.userScores["U222"] = 3
	fs.thingScores["coffee"] = 12

	assert.Equal(t, "Your current score: 7", h.scoreCommand(context.Background(), "U111", ""))
	assert.Equal(t, "<@U222> has a score of 3", h.scoreCommand(context.Background(), "U111", "<@U222>"))
	assert.Equal(t, "<@U222> has a score of 3", h.scoreCommand(context.Background(), "U111", "<@U222|bob>"))
	assert.Equal(t, "coffee has a score of 12", h.scoreCommand(context.Background(), "U111", "coffee"))
}

func TestLeaderboardCommand(t *testing.T) {
	h, fs, _ := testHandler(t, defaultAbuseConfig())
	for i := 0; i < 15; i++ {
		fs.userScores[fmt.Sprintf("U%03d", i)] = int64(100 - i)
	}

	text := h.leaderboardCommand(context.Background(), "U000", "")
	assert.Contains(t, text, "Leaderboard")
	assert.Contains(t, text, "🥇 <@U000>")
	assert.Contains(t, text, "🥈 <@U001>")
	assert.NotContains(t, text, "U012") // page 1 holds ten entries

	text = h.leaderboardCommand(context.Background(), "U000", "2")
	assert.Contains(t, text, "U012")

	text = h.leaderboardCommand(context.Background(), "U000", "me")
	assert.Contains(t, text, "#1")

	text = h.leaderboardCommand(context.Background(), "U000", "stats")
	assert.Contains(t, text, "Users: 15")

	text = h.leaderboardCommand(context.Background(), "U000", "bogus")
	assert.Contains(t, text, "Usage:")
}

func TestLeaderboardCommand_Empty(t *testing.T) {
	h, _, _ := testHandler(t, defaultAbuseConfig())
	text := h.leaderboardCommand(context.Background(), "U000", "")
	assert.Contains(t, text, "empty")
}

func TestExtractMention(t *testing.T) {
	assert.Equal(t, "U123", extractMention("<@U123>"))
	assert.Equal(t, "U123", extractMention("<@U123|steve>"))
	assert.Equal(t, "coffee", extractMention("coffee"))
}
