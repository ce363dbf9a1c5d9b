// SPDX-License-Identifier: MIT

package panel

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sylvester1001/zat/internal/backend"
	"github.com/sylvester1001/zat/internal/cache"
	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/journal"
	"github.com/sylvester1001/zat/internal/protocol"
	"github.com/sylvester1001/zat/internal/store"
)

type fakeLogs struct {
	mu    sync.Mutex
	lines []protocol.LogMessage
	subs  []func(protocol.LogMessage)
}

func (f *fakeLogs) Recent(n int) []protocol.LogMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 || n > len(f.lines) {
		n = len(f.lines)
	}
	return append([]protocol.LogMessage(nil), f.lines[len(f.lines)-n:]...)
}

func (f *fakeLogs) Subscribe(fn func(protocol.LogMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeLogs) emit(line protocol.LogMessage) {
	f.mu.Lock()
	f.lines = append(f.lines, line)
	subs := append([]func(protocol.LogMessage){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(line)
	}
}

type fixture struct {
	mock    *backend.MockServer
	store   *store.Store
	journal *journal.Journal
	logs    *fakeLogs
	server  *Server
	ts      *httptest.Server
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	mock := backend.NewMockServer()
	t.Cleanup(mock.Close)

	client := backend.New(mock.URL)
	st := store.New(client)
	t.Cleanup(st.Close)

	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	c := cache.NewMemoryCache(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	cfg := Config{CacheTTL: time.Minute, RateLimit: 0}
	for _, fn := range mutate {
		fn(&cfg)
	}
	logs := &fakeLogs{}
	srv, err := New(cfg, Deps{Backend: client, Store: st, Logs: logs, Journal: j, Cache: c})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{mock: mock, store: st, journal: j, logs: logs, server: srv, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, nil)
	require.NoError(t, err)
	res, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func TestNewRequiresBackendAndStore(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	_, err = New(Config{}, Deps{Backend: backend.New("")})
	assert.Error(t, err)
}

func TestConnectUpdatesStoreAndJournal(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/api/connect")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[backend.ConnectResponse](t, res)
	assert.True(t, body.Success)

	snap := f.store.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, "emulator-5554", snap.Device)
	assert.Equal(t, "1920x1080", snap.Resolution)

	res = f.do(t, http.MethodGet, "/api/state")
	state := decode[store.AppState](t, res)
	assert.True(t, state.Connected)

	entries, err := f.journal.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "connect", entries[0].Action)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "emulator-5554", entries[0].Message)
}

func TestTaskEngineAndGame(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/api/task-engine/start")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "task_name=farming", f.mock.LastQuery("/task-engine/start"))
	assert.True(t, f.store.Snapshot().TaskEngineRunning)

	f.do(t, http.MethodPost, "/api/task-engine/stop")
	assert.False(t, f.store.Snapshot().TaskEngineRunning)

	res = f.do(t, http.MethodPost, "/api/game/start?wait_ready=true&timeout=30")
	require.Equal(t, http.StatusOK, res.StatusCode)
	game := decode[backend.StartGameResponse](t, res)
	assert.True(t, game.Entered)
	assert.Equal(t, "timeout=30&wait_ready=true", f.mock.LastQuery("/start-game"))
	assert.True(t, f.store.Snapshot().GameRunning)

	f.do(t, http.MethodPost, "/api/game/stop")
	assert.False(t, f.store.Snapshot().GameRunning)

	f.do(t, http.MethodPost, "/api/game/start")
	assert.Equal(t, "timeout=60&wait_ready=false", f.mock.LastQuery("/start-game"))
}

func TestGameStartRejectsBadParams(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/game/start?wait_ready=maybe").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/game/start?timeout=0").StatusCode)
	assert.Zero(t, f.mock.Hits("/start-game"))
}

func TestDungeonListingIsCached(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/api/dungeons")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "MISS", res.Header.Get("X-Cache"))
	first := decode[[]backend.Dungeon](t, res)
	require.Len(t, first, 4)

	res = f.do(t, http.MethodGet, "/api/dungeons")
	assert.Equal(t, "HIT", res.Header.Get("X-Cache"))
	second := decode[[]backend.Dungeon](t, res)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.mock.Hits("/dungeons"))

	res = f.do(t, http.MethodGet, "/api/scenes")
	scenes := decode[[]backend.Scene](t, res)
	require.Len(t, scenes, 2)
	assert.Equal(t, "home", scenes[1].BackTo)
}

func TestListingNotCachedWithoutTTL(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.CacheTTL = 0 })
	f.do(t, http.MethodGet, "/api/dungeons")
	f.do(t, http.MethodGet, "/api/dungeons")
	assert.Equal(t, 2, f.mock.Hits("/dungeons"))
}

func TestSetCacheTTLAppliesToNextMiss(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.CacheTTL = 0 })
	f.do(t, http.MethodGet, "/api/scenes")

	f.server.SetCacheTTL(time.Minute)
	assert.Equal(t, "MISS", f.do(t, http.MethodGet, "/api/scenes").Header.Get("X-Cache"))
	assert.Equal(t, "HIT", f.do(t, http.MethodGet, "/api/scenes").Header.Get("X-Cache"))
	assert.Equal(t, 2, f.mock.Hits("/scenes"))
}

func TestCatalogRoutes(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/api/catalog")
	dungeons := decode[[]catalog.Dungeon](t, res)
	assert.Len(t, dungeons, len(catalog.Dungeons()))

	res = f.do(t, http.MethodGet, "/api/catalog/mizumoto_shrine/difficulties")
	diffs := decode[[]catalog.Difficulty](t, res)
	require.Len(t, diffs, 3)
	assert.Equal(t, catalog.Nightmare, diffs[2].ID)

	res = f.do(t, http.MethodGet, "/api/catalog/nope/difficulties")
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))
}

func TestNavigateAndRunDungeon(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/dungeons/navigate").StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/dungeons/navigate?dungeon_id=world_tree&difficulty=extreme").StatusCode)

	res := f.do(t, http.MethodPost, "/api/dungeons/navigate?dungeon_id=world_tree")
	nav := decode[backend.NavigateResponse](t, res)
	assert.True(t, nav.Success)
	assert.Equal(t, "difficulty=normal&dungeon_id=world_tree", f.mock.LastQuery("/navigate-to-dungeon"))

	res = f.do(t, http.MethodPost, "/api/dungeons/navigate?dungeon_id=atlantis&difficulty=hard")
	nav = decode[backend.NavigateResponse](t, res)
	assert.False(t, nav.Success)
	assert.Equal(t, "导航失败", nav.Message)

	res = f.do(t, http.MethodPost, "/api/dungeons/run?dungeon_id=world_tree&difficulty=hard&count=-1")
	run := decode[backend.RunDungeonResponse](t, res)
	assert.True(t, run.Loop())
	assert.Equal(t, 3, run.Total)

	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/dungeons/run?dungeon_id=world_tree&count=0").StatusCode)

	entries, err := f.journal.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "run_dungeon", entries[0].Action)
	assert.Equal(t, "2/3 completed", entries[0].Message)
	assert.Equal(t, "-1", entries[0].Params["count"])
	assert.False(t, entries[1].Success)
	assert.Equal(t, "atlantis", entries[1].Params["dungeon_id"])
}

func TestStopDungeonClearsRunning(t *testing.T) {
	f := newFixture(t)
	f.store.SetDungeonRunning(true)

	res := f.do(t, http.MethodPost, "/api/dungeons/stop")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, f.store.Snapshot().DungeonRunning)

	res = f.do(t, http.MethodGet, "/api/dungeons/history")
	records := decode[[]backend.DungeonRecord](t, res)
	assert.Len(t, records, 2)
}

func TestScenes(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/scenes/navigate").StatusCode)

	res := f.do(t, http.MethodPost, "/api/scenes/navigate?scene_id=dungeon_list")
	nav := decode[backend.SceneNavigateResponse](t, res)
	assert.True(t, nav.Success)

	res = f.do(t, http.MethodGet, "/api/scenes/current")
	cur := decode[backend.CurrentScene](t, res)
	assert.Equal(t, "dungeon_list", cur.SceneID)
}

func TestScreenshot(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/api/screenshot?gray=true")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))
	img, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xE0, 'g'}, img)

	f.mock.SetFailure("/debug/screenshot", http.StatusBadRequest, "device not connected")
	res = f.do(t, http.MethodGet, "/api/screenshot")
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	body := decode[errorBody](t, res)
	assert.Equal(t, codeBackendRejected, body.Error)
	assert.Equal(t, "device not connected", body.Detail)

	res = f.do(t, http.MethodGet, "/api/screenshot-url")
	u := decode[map[string]string](t, res)
	assert.True(t, strings.HasPrefix(u["url"], f.mock.URL+"/debug/screenshot?gray=false&t="))
}

func TestBackendDownIsBadGateway(t *testing.T) {
	f := newFixture(t)
	f.mock.Close()

	res := f.do(t, http.MethodPost, "/api/connect")
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	body := decode[errorBody](t, res)
	assert.Equal(t, codeBackendUnavailable, body.Error)
	assert.NotEmpty(t, body.RequestID)
	assert.False(t, f.store.Snapshot().Connected)

	res = f.do(t, http.MethodGet, "/api/dungeons")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	entries, err := f.journal.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.NotEmpty(t, entries[0].Error)
}

func TestLogsAndJournalLimits(t *testing.T) {
	f := newFixture(t)
	for _, msg := range []string{"a", "b", "c"} {
		f.logs.emit(protocol.LogMessage{Level: "INFO", Message: msg})
	}

	res := f.do(t, http.MethodGet, "/api/logs?limit=2")
	lines := decode[[]protocol.LogMessage](t, res)
	require.Len(t, lines, 2)
	assert.Equal(t, "b", lines[0].Message)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/logs?limit=x").StatusCode)

	f.do(t, http.MethodPost, "/api/game/stop")
	f.do(t, http.MethodPost, "/api/task-engine/stop")
	res = f.do(t, http.MethodGet, "/api/journal?limit=1")
	entries := decode[[]journal.Entry](t, res)
	require.Len(t, entries, 1)
	assert.Equal(t, "task_engine_stop", entries[0].Action)
}

func TestOptionalDepsAbsent(t *testing.T) {
	mock := backend.NewMockServer()
	defer mock.Close()
	client := backend.New(mock.URL)
	st := store.New(client)
	defer st.Close()

	srv, err := New(Config{}, Deps{Backend: client, Store: st})
	require.NoError(t, err)
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/api/logs", "/api/journal"} {
		res, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		raw, _ := io.ReadAll(res.Body)
		_ = res.Body.Close()
		assert.JSONEq(t, "[]", string(raw), path)
	}

	res, err := ts.Client().Post(ts.URL+"/api/connect", "", nil)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, st.Snapshot().Connected)
}

func TestRequestIDAndHealth(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/state", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-42")
	res, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, "req-42", res.Header.Get(HeaderRequestID))

	res = f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get(HeaderRequestID))

	res = f.do(t, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = f.do(t, http.MethodGet, "/metrics")
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "zat_http_requests_in_flight")
}

func TestActionRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RateLimit = 2 })

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/game/stop").StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/game/stop").StatusCode)
	res := f.do(t, http.MethodPost, "/api/game/stop")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "60", res.Header.Get("Retry-After"))

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/state").StatusCode)
}

func TestRecovererReturnsJSON(t *testing.T) {
	h := RequestID(Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal_error", body["error"])
	assert.Equal(t, rec.Header().Get(HeaderRequestID), body["requestId"])
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	require.Equal(t, EventState, ev.Type)
	var st store.AppState
	require.NoError(t, json.Unmarshal(ev.Data, &st))
	assert.False(t, st.Connected)
	assert.Equal(t, 1, f.server.Hub().Clients())

	f.store.SetGameRunning(true)
	ev = readEvent(t, conn)
	require.Equal(t, EventState, ev.Type)
	require.NoError(t, json.Unmarshal(ev.Data, &st))
	assert.True(t, st.GameRunning)

	f.logs.emit(protocol.LogMessage{Level: "WARNING", Logger: "nav", Message: "retrying"})
	ev = readEvent(t, conn)
	require.Equal(t, EventLog, ev.Type)
	var line protocol.LogMessage
	require.NoError(t, json.Unmarshal(ev.Data, &line))
	assert.Equal(t, "retrying", line.Message)

	f.store.StartStateWebSocket()
	require.Eventually(t, func() bool { return f.mock.StreamClients(protocol.EndpointState) == 1 },
		3*time.Second, 10*time.Millisecond)
	f.mock.PushJSON(protocol.EndpointState, map[string]string{
		"type": "navigation_failure", "target": "dungeon_list", "reason": "timeout", "message": "导航失败",
	})
	ev = readEvent(t, conn)
	require.Equal(t, EventNavigationFailure, ev.Type)
	var nf protocol.NavigationFailure
	require.NoError(t, json.Unmarshal(ev.Data, &nf))
	assert.Equal(t, "dungeon_list", nf.Target)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := NewHub()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, func() []Event { return []Event{{Type: "hello"}} })
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "hello", readEvent(t, conn).Type)

	hub.Broadcast(Event{Type: "tick", Data: 1})
	assert.Equal(t, "tick", readEvent(t, conn).Type)

	hub.Close()
	assert.Zero(t, hub.Clients())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// A closed hub refuses new clients.
	conn2, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err == nil {
		require.NoError(t, conn2.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, _, err = conn2.ReadMessage()
		assert.Error(t, err)
		_ = conn2.Close()
	}
}

func TestHubDeliversChangesRacingTheGreeting(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var changed sync.WaitGroup
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, func() []Event {
			// A change lands while the greeting snapshot is being taken.
			changed.Add(1)
			go func() {
				defer changed.Done()
				hub.Broadcast(Event{Type: "changed"})
			}()
			return []Event{{Type: "hello"}}
		})
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "hello", readEvent(t, conn).Type)
	assert.Equal(t, "changed", readEvent(t, conn).Type)
	changed.Wait()
}

func TestServeListenerShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ShutdownTimeout = time.Second })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.ServeListener(ctx, ln) }()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, f.server.ServeListener(context.Background(), ln2), ErrAlreadyStarted)
}
