// internal/ws/hub_test.go
package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"commitboard/internal/model"
	wsHub "commitboard/internal/ws"
)

// --- helpers ----------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshotOf(counts ...model.SubjectCount) *model.RankingSnapshot {
	return &model.RankingSnapshot{
		TotalCommits:         counts,
		FirstCommitRankings:  []model.SubjectCommit{},
		LatestCommitRankings: []model.SubjectCommit{},
		RecentActivity:       []model.CommitRecord{},
	}
}

func count(subjectID string, n int) model.SubjectCount {
	return model.SubjectCount{SubjectID: subjectID, Count: n}
}

// startHub starts a test HTTP server with the hub as its handler.
// The hub's Run loop is started with a cancellable context.
func startHub(t *testing.T, fn wsHub.SnapshotFunc) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(fn, testLogger())
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one text message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) wsHub.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m wsHub.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ComputesSnapshotWhenNonePublished(t *testing.T) {
	fn := func(ctx context.Context) (*model.RankingSnapshot, error) {
		return snapshotOf(count("team-a", 2)), nil
	}
	wsURL, _, _ := startHub(t, fn)

	conn := dial(t, wsURL)
	m := readMessage(t, conn)

	if m.Event != wsHub.EventName {
		t.Errorf("event: got %q, want %q", m.Event, wsHub.EventName)
	}
	if m.Data == nil || len(m.Data.TotalCommits) != 1 || m.Data.TotalCommits[0].SubjectID != "team-a" {
		t.Errorf("data: got %+v, want one total for team-a", m.Data)
	}
}

func TestHub_LateObserver_ReceivesLastPublishedSnapshot(t *testing.T) {
	// snapshotFn must not be consulted once something has been published.
	fn := func(ctx context.Context) (*model.RankingSnapshot, error) {
		return nil, errors.New("should not be called")
	}
	wsURL, hub, _ := startHub(t, fn)

	hub.Publish(snapshotOf(count("team-a", 10)))

	conn := dial(t, wsURL)
	m := readMessage(t, conn)

	if m.Data == nil || len(m.Data.TotalCommits) != 1 {
		t.Fatalf("data: got %+v, want one total", m.Data)
	}
	if got := m.Data.TotalCommits[0].Count; got != 10 {
		t.Errorf("count: got %d, want 10 (late observer must see all ingested commits)", got)
	}
}

func TestHub_PublishReachesAllClients(t *testing.T) {
	wsURL, hub, _ := startHub(t, nil)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
	}
	// Let the hub register everyone before publishing.
	waitFor(t, func() bool { return hub.Count() == 3 })

	hub.Publish(snapshotOf(count("team-b", 7)))

	for i, conn := range conns {
		m := readMessage(t, conn)
		if m.Event != wsHub.EventName {
			t.Errorf("client %d: event: got %q, want %q", i, m.Event, wsHub.EventName)
		}
		if m.Data == nil || len(m.Data.TotalCommits) != 1 || m.Data.TotalCommits[0].SubjectID != "team-b" {
			t.Errorf("client %d: data: got %+v", i, m.Data)
		}
	}
}

func TestHub_SnapshotReturnsLastPublished(t *testing.T) {
	hub := wsHub.New(nil, testLogger())

	if hub.Snapshot() != nil {
		t.Error("Snapshot before any publish: want nil")
	}

	snap := snapshotOf(count("team-a", 1))
	hub.Publish(snap)

	if got := hub.Snapshot(); got != snap {
		t.Errorf("Snapshot: got %+v, want the published snapshot", got)
	}
}

func TestHub_CountTracksConnectsAndDisconnects(t *testing.T) {
	wsURL, hub, _ := startHub(t, nil)

	conn := dial(t, wsURL)
	waitFor(t, func() bool { return hub.Count() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.Count() == 0 })
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, nil)

	dial(t, wsURL)
	waitFor(t, func() bool { return hub.Count() == 1 })

	cancel() // signal shutdown

	waitFor(t, func() bool { return hub.Count() == 0 })
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(nil, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	// Plain HTTP GET without WebSocket upgrade headers → 400
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
