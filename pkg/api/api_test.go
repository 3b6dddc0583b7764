package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/ledger"
	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T, cfg *config.APIConfig) (*server, http.Handler) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	ldg := ledger.NewStore(log, &config.DatabaseConfig{
		Driver: config.DatabaseSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, ldg.Start(context.Background()))
	t.Cleanup(func() { _ = ldg.Stop() })

	ctx := context.Background()

	require.NoError(t, ldg.UpsertSweep(ctx, &ledger.Sweep{
		SweepID:   "sweep-1",
		Status:    ledger.SweepCompleted,
		TotalRuns: 1,
		StartedAt: time.Now().UTC(),
	}))

	spec := sweep.RunSpec{
		KPoints:    sweep.KPointConfig{Name: "2x2x6", Grid: [3]int{2, 2, 6}, Count: 16},
		Functional: sweep.FunctionalPBE,
		Device:     sweep.DeviceCPU,
		Nodes:      1,
	}
	require.NoError(t, ldg.UpsertRun(ctx, ledger.NewRun("sweep-1", spec)))

	store := storage.NewLocalStore("bucket", t.TempDir())
	require.NoError(t, store.Put(ctx, storage.ReportKey("sweep-1", "figure_a.png"), []byte("png"), "image/png"))

	srv := NewServer(log, cfg, ldg, store).(*server)
	t.Cleanup(func() {
		for _, l := range srv.limiters {
			l.stop()
		}
	})

	return srv, srv.buildRouter()
}

func get(t *testing.T, h http.Handler, target string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, m := range mutate {
		m(req)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestRoutes(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{Listen: ":0"})

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"health", "/api/v1/health", http.StatusOK},
		{"list sweeps", "/api/v1/sweeps", http.StatusOK},
		{"get sweep", "/api/v1/sweeps/sweep-1", http.StatusOK},
		{"missing sweep", "/api/v1/sweeps/nope", http.StatusNotFound},
		{"runs", "/api/v1/sweeps/sweep-1/runs", http.StatusOK},
		{"runs of missing sweep", "/api/v1/sweeps/nope/runs", http.StatusNotFound},
		{"report file", "/api/v1/sweeps/sweep-1/report/figure_a.png", http.StatusOK},
		{"missing report file", "/api/v1/sweeps/sweep-1/report/figure_b.png", http.StatusNotFound},
		{"unknown extension", "/api/v1/sweeps/sweep-1/report/run.sh", http.StatusNotFound},
		{"dot segment", "/api/v1/sweeps/../report/figure_a.png", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.target)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestListRunsBody(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{Listen: ":0"})

	rec := get(t, h, "/api/v1/sweeps/sweep-1/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sweep-1", resp.SweepID)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "2x2x6-pbe-cpu-n1", resp.Runs[0].RunKey)
	assert.Equal(t, "PENDING", resp.Runs[0].State)

	rec = get(t, h, "/api/v1/sweeps/sweep-1/report/figure_a.png")
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png", rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.APIConfig{Listen: ":0"}
	cfg.Auth.Basic.Enabled = true
	cfg.Auth.Basic.Users = []config.BasicAuthUser{{Username: "alice", PasswordHash: string(hash)}}

	_, h := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/health").Code)

	rec := get(t, h, "/api/v1/sweeps")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = get(t, h, "/api/v1/sweeps", func(r *http.Request) { r.SetBasicAuth("alice", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, h, "/api/v1/sweeps", func(r *http.Request) { r.SetBasicAuth("alice", "secret") })
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := &config.APIConfig{Listen: ":0"}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 2

	_, h := newTestServer(t, cfg)

	fromIP := func(r *http.Request) { r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2") }

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/sweeps", fromIP).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/sweeps/sweep-1/runs", fromIP).Code)

	rec := get(t, h, "/api/v1/sweeps", fromIP)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "query rate limit exceeded")

	// Report downloads have a separate budget.
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/sweeps/sweep-1/report/figure_a.png", fromIP).Code)

	// Other clients have their own budget.
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/sweeps").Code)
}

func TestRateLimit_ReportBudget(t *testing.T) {
	cfg := &config.APIConfig{Listen: ":0"}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 60
	cfg.RateLimit.ReportRequestsPerMinute = 1

	_, h := newTestServer(t, cfg)

	report := "/api/v1/sweeps/sweep-1/report/figure_a.png"

	assert.Equal(t, http.StatusOK, get(t, h, report).Code)

	rec := get(t, h, report)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/sweeps").Code)
}

func TestRateLimit_PerUser(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.APIConfig{Listen: ":0"}
	cfg.Auth.Basic.Enabled = true
	cfg.Auth.Basic.Users = []config.BasicAuthUser{
		{Username: "alice", PasswordHash: string(hash)},
		{Username: "bob", PasswordHash: string(hash)},
	}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 1

	_, h := newTestServer(t, cfg)

	as := func(user string) func(*http.Request) {
		return func(r *http.Request) {
			r.SetBasicAuth(user, "secret")
			r.Header.Set("X-Forwarded-For", "10.0.0.9")
		}
	}

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/sweeps", as("alice")).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/api/v1/sweeps", as("alice")).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/sweeps", as("bob")).Code)
}

func TestBudget_Reserve(t *testing.T) {
	b := newBudget(budgetQuery, 60)
	defer b.stop()

	now := time.Unix(1_700_000_000, 0)

	for range 60 {
		require.Zero(t, b.reserve("ip:10.0.0.1", now))
	}

	assert.Equal(t, time.Second, b.reserve("ip:10.0.0.1", now))
	// A rejected request does not consume a token.
	assert.Equal(t, time.Second, b.reserve("ip:10.0.0.1", now))
	assert.Zero(t, b.reserve("ip:10.0.0.1", now.Add(2*time.Second)))
	assert.Zero(t, b.reserve("ip:10.0.0.2", now))
}

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer(t, &config.APIConfig{Listen: "127.0.0.1:0"})

	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
}
