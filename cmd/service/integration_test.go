//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"commitboard/internal/api"
	"commitboard/internal/database"
	"commitboard/internal/metrics"
	"commitboard/internal/ranking"
	"commitboard/internal/signature"
	"commitboard/internal/webhook"
	"commitboard/internal/ws"
)

const (
	testRepo    = "acme/rocket"
	testSubject = "team-rocket"
	testSecret  = "integration-secret"
)

func setupTestDatabase(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("commitboard-test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(dbpool.Close)

	return dbpool
}

// setupServer wires the real component graph on top of the container
// database and returns the HTTP server plus handles for assertions.
func setupServer(ctx context.Context, t *testing.T, dbpool *pgxpool.Pool) (*httptest.Server, *database.Queries, *webhook.Pipeline, *ws.Hub) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queries := database.New(dbpool, 5*time.Second)
	engine := ranking.NewEngine(queries, 50)
	hub := ws.New(engine.Compute, logger)
	pipeline := webhook.NewPipeline(queries, engine, hub, metrics.New(), logger, 3, 10*time.Millisecond)
	router := api.NewRouter(queries, engine, pipeline, hub, metrics.New(), logger)

	hubCtx, cancel := context.WithCancel(ctx)
	go hub.Run(hubCtx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, queries, pipeline, hub
}

func registerSubscription(ctx context.Context, t *testing.T, dbpool *pgxpool.Pool) {
	t.Helper()
	_, err := dbpool.Exec(ctx,
		`INSERT INTO subscriptions (subject_id, repo_full_name, shared_secret) VALUES ($1, $2, $3)`,
		testSubject, testRepo, testSecret)
	require.NoError(t, err)
}

func postWebhook(t *testing.T, url, eventType string, body []byte, secret string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/webhooks/github", strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", signature.Sign(body, secret))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func pushPayload(repo string) []byte {
	return []byte(fmt.Sprintf(`{
		"repository": {"full_name": %q},
		"commits": [
			{"sha": "abc", "message": "feat: new feature", "timestamp": "2024-01-01T12:00:00Z", "author": {"name": "tester", "email": "t@t.com"}},
			{"sha": "def", "message": "fix: a bug", "timestamp": "2024-01-02T12:00:00Z", "author": {"name": "tester", "email": "t@t.com"}}
		]
	}`, repo))
}

func TestWebhookFlow_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool := setupTestDatabase(ctx, t)
	registerSubscription(ctx, t, dbpool)
	srv, queries, pipeline, hub := setupServer(ctx, t, dbpool)

	// --- ACT: deliver the same push twice ---
	body := pushPayload(testRepo)

	resp := postWebhook(t, srv.URL, "push", body, testSecret)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postWebhook(t, srv.URL, "push", body, testSecret)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	pipeline.Wait()

	// --- ASSERT: exactly one record per sha despite the redelivery ---
	commits, err := queries.ListCommits(ctx)
	require.NoError(t, err)
	assert.Len(t, commits, 2)

	// The hub retained a snapshot reflecting both commits for late observers.
	snap := hub.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.TotalCommits, 1)
	assert.Equal(t, testSubject, snap.TotalCommits[0].SubjectID)
	assert.Equal(t, 2, snap.TotalCommits[0].Count)

	// The snapshot endpoint agrees.
	lbResp, err := http.Get(srv.URL + "/v1/leaderboard")
	require.NoError(t, err)
	defer lbResp.Body.Close()
	assert.Equal(t, http.StatusOK, lbResp.StatusCode)
}

func TestWebhookRejections_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool := setupTestDatabase(ctx, t)
	registerSubscription(ctx, t, dbpool)
	srv, queries, pipeline, hub := setupServer(ctx, t, dbpool)

	t.Run("bad signature is rejected", func(t *testing.T) {
		resp := postWebhook(t, srv.URL, "push", pushPayload(testRepo), "wrong-secret")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unregistered repository is ignored", func(t *testing.T) {
		resp := postWebhook(t, srv.URL, "push", pushPayload("ghost/repo"), testSecret)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("ping is acknowledged", func(t *testing.T) {
		resp := postWebhook(t, srv.URL, "ping", []byte(`{"zen":"ok"}`), testSecret)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	pipeline.Wait()

	commits, err := queries.ListCommits(ctx)
	require.NoError(t, err)
	assert.Empty(t, commits, "rejected and ignored deliveries must not persist commits")
	assert.Nil(t, hub.Snapshot(), "rejected and ignored deliveries must not publish")
}

func TestInsertCommits_ReportsOnlyNewRows_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool := setupTestDatabase(ctx, t)
	queries := database.New(dbpool, 5*time.Second)

	batch := []database.InsertCommitParams{
		{SubjectID: testSubject, RepoFullName: testRepo, SHA: "abc", OccurredAt: time.Now().UTC()},
		{SubjectID: testSubject, RepoFullName: testRepo, SHA: "def", OccurredAt: time.Now().UTC()},
	}

	inserted, err := queries.InsertCommits(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	// Overlapping redelivery: one old sha, one new.
	batch = append(batch[:1], database.InsertCommitParams{
		SubjectID: testSubject, RepoFullName: testRepo, SHA: "ghi", OccurredAt: time.Now().UTC(),
	})
	inserted, err = queries.InsertCommits(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)
}
