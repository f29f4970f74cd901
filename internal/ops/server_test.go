package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevencarpenter/pp-bot/internal/health"
	"github.com/stevencarpenter/pp-bot/internal/metrics"
	"github.com/stevencarpenter/pp-bot/internal/store"
)

type fakeReadStore struct {
	users  []store.Entry
	things []store.Entry
	votes  []store.VoteRecord
	stats  store.Stats
	err    error

	lastLimit  int
	lastTarget string
}

func (f *fakeReadStore) GetTopUsers(_ context.Context, limit int) ([]store.Entry, error) {
	f.lastLimit = limit
	return f.users, f.err
}

func (f *fakeReadStore) GetTopThings(_ context.Context, limit int) ([]store.Entry, error) {
	f.lastLimit = limit
	return f.things, f.err
}

func (f *fakeReadStore) GetRecentVotes(_ context.Context, targetID string, limit int) ([]store.VoteRecord, error) {
	f.lastTarget = targetID
	f.lastLimit = limit
	return f.votes, f.err
}

func (f *fakeReadStore) GetStats(_ context.Context) (store.Stats, error) {
	return f.stats, f.err
}

func testServer(reads ReadStore, checks map[string]health.CheckFunc) *Server {
	checker := health.NewChecker(zerolog.Nop())
	for name, fn := range checks {
		checker.Register(name, fn)
	}
	return NewServer(":0", checker, metrics.New(), reads, zerolog.Nop())
}

func get(t *testing.T, s *Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestHealthz(t *testing.T) {
	s := testServer(&fakeReadStore{}, nil)
	resp, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "ok")
}

func TestReadyz(t *testing.T) {
	ok := func(ctx context.Context) health.Status { return health.StatusOK }
	down := func(ctx context.Context) health.Status { return health.StatusDown }

	s := testServer(&fakeReadStore{}, map[string]health.CheckFunc{"postgres": ok})
	resp, body := get(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "ready")

	s = testServer(&fakeReadStore{}, map[string]health.CheckFunc{"postgres": down})
	resp, body = get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "not_ready")
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(&fakeReadStore{}, nil)
	resp, _ := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTopUsers(t *testing.T) {
	fs := &fakeReadStore{users: []store.Entry{{ID: "U1", Score: 9}, {ID: "U2", Score: 4}}}
	s := testServer(fs, nil)

	resp, body := get(t, s, "/api/v1/leaderboard/users")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "U1")
	assert.Equal(t, defaultListLimit, fs.lastLimit)
}

func TestTopThings_LimitQuery(t *testing.T) {
	fs := &fakeReadStore{things: []store.Entry{{ID: "coffee", Score: 3}}}
	s := testServer(fs, nil)

	resp, body := get(t, s, "/api/v1/leaderboard/things?limit=5")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "coffee")
	assert.Equal(t, 5, fs.lastLimit)
}

func TestLimitClamped(t *testing.T) {
	fs := &fakeReadStore{}
	s := testServer(fs, nil)

	get(t, s, "/api/v1/votes/recent?limit=5000")
	assert.Equal(t, maxListLimit, fs.lastLimit)

	get(t, s, "/api/v1/votes/recent?limit=bogus")
	assert.Equal(t, defaultListLimit, fs.lastLimit)
}

func TestRecentVotes_TargetFilter(t *testing.T) {
	fs := &fakeReadStore{votes: []store.VoteRecord{{VoterID: "U1", TargetID: "coffee"}}}
	s := testServer(fs, nil)

	resp, body := get(t, s, "/api/v1/votes/recent?target=coffee")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "coffee")
	assert.Equal(t, "coffee", fs.lastTarget)
}

func TestStats(t *testing.T) {
	fs := &fakeReadStore{stats: store.Stats{Users: 7, Things: 2, TotalVotes: 40}}
	s := testServer(fs, nil)

	resp, body := get(t, s, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"totalVotes":40`)
}

func TestStoreErrorHidden(t *testing.T) {
	fs := &fakeReadStore{err: errors.New("connection refused to 10.0.0.5")}
	s := testServer(fs, nil)

	resp, body := get(t, s, "/api/v1/leaderboard/users")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "internal error")
	assert.NotContains(t, body, "10.0.0.5")
}
