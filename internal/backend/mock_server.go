// SPDX-License-Identifier: MIT

package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// MockServer provides a configurable backend mock for tests. It serves the
// REST endpoints and the /ws/state and /ws/log push streams.
type MockServer struct {
	*httptest.Server

	mu       sync.RWMutex
	status   Status
	resolve  *Resolution
	dungeons []Dungeon
	history  []DungeonRecord
	scenes   []Scene
	current  CurrentScene
	failures map[string]mockFailure
	hits     map[string]int
	queries  map[string][]string

	wsMu     sync.Mutex
	conns    map[*websocket.Conn]string
	received [][]byte
}

type mockFailure struct {
	status int
	body   string
}

var mockUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewMockServer creates a new backend mock server with default data.
func NewMockServer() *MockServer {
	m := &MockServer{
		failures: make(map[string]mockFailure),
		hits:     make(map[string]int),
		queries:  make(map[string][]string),
		conns:    make(map[*websocket.Conn]string),
	}
	m.SetDefaultData()

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", m.wrap(m.handleConnect))
	mux.HandleFunc("/status", m.wrap(m.handleStatus))
	mux.HandleFunc("/task-engine/start", m.wrap(m.handleTaskStart))
	mux.HandleFunc("/task-engine/stop", m.wrap(m.handleTaskStop))
	mux.HandleFunc("/start-game", m.wrap(m.handleStartGame))
	mux.HandleFunc("/stop-game", m.wrap(m.handleStopGame))
	mux.HandleFunc("/debug/screenshot", m.wrap(m.handleScreenshot))
	mux.HandleFunc("/dungeons", m.wrap(m.handleDungeons))
	mux.HandleFunc("/navigate-to-dungeon", m.wrap(m.handleNavigateDungeon))
	mux.HandleFunc("/run-dungeon", m.wrap(m.handleRunDungeon))
	mux.HandleFunc("/stop-dungeon", m.wrap(m.handleStopDungeon))
	mux.HandleFunc("/dungeon-history", m.wrap(m.handleHistory))
	mux.HandleFunc("/scenes", m.wrap(m.handleScenes))
	mux.HandleFunc("/current-scene", m.wrap(m.handleCurrentScene))
	mux.HandleFunc("/navigate-to", m.wrap(m.handleNavigateTo))
	mux.HandleFunc("/ws/state", m.handleStream("/ws/state"))
	mux.HandleFunc("/ws/log", m.handleStream("/ws/log"))

	m.Server = httptest.NewServer(mux)
	return m
}

// SetDefaultData resets the mock to a disconnected backend with the stock catalog.
func (m *MockServer) SetDefaultData() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = Status{DungeonState: "idle"}
	m.resolve = &Resolution{Width: 1920, Height: 1080}
	m.dungeons = []Dungeon{
		{ID: "world_tree", Name: "世界之树", Difficulties: []string{"normal", "hard"}},
		{ID: "mount_mechagod", Name: "机神山", Difficulties: []string{"normal", "hard"}},
		{ID: "sea_palace", Name: "海之宫遗迹", Difficulties: []string{"normal", "hard"}},
		{ID: "mizumoto_shrine", Name: "源水大社", Difficulties: []string{"normal", "hard", "nightmare"}},
	}
	m.history = []DungeonRecord{
		{ID: 1, Name: "世界之树", Difficulty: "普通", Rank: "S", Time: "10:02", Status: "completed"},
		{ID: 2, Name: "机神山", Difficulty: "困难", Time: "10:15", Status: "failed"},
	}
	m.scenes = []Scene{
		{ID: "home", Name: "主界面", Transitions: []string{"dungeon_list"}},
		{ID: "dungeon_list", Name: "副本列表", Transitions: []string{"dungeon:world_tree"}, BackTo: "home"},
	}
	m.current = CurrentScene{SceneID: "home", SceneName: "主界面"}
}

// SetStatus replaces the status the mock reports.
func (m *MockServer) SetStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// SetDungeons replaces the dungeon list.
func (m *MockServer) SetDungeons(d []Dungeon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dungeons = d
}

// SetResolution sets the resolution reported by /connect; nil omits it.
func (m *MockServer) SetResolution(r *Resolution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolve = r
}

// SetFailure makes path answer with status and a {"detail": ...} body.
// A non-JSON raw body is sent as is when detail starts with "raw:".
func (m *MockServer) SetFailure(path string, status int, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = mockFailure{status: status, body: detail}
}

// ClearFailure removes a failure injected with SetFailure.
func (m *MockServer) ClearFailure(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, path)
}

// Hits returns how many requests reached path.
func (m *MockServer) Hits(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits[path]
}

// LastQuery returns the raw query of the most recent request to path.
func (m *MockServer) LastQuery(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := m.queries[path]
	if len(q) == 0 {
		return ""
	}
	return q[len(q)-1]
}

func (m *MockServer) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		m.queries[r.URL.Path] = append(m.queries[r.URL.Path], r.URL.RawQuery)
		f, failing := m.failures[r.URL.Path]
		m.mu.Unlock()

		if failing {
			if len(f.body) > 4 && f.body[:4] == "raw:" {
				w.WriteHeader(f.status)
				_, _ = w.Write([]byte(f.body[4:]))
				return
			}
			writeJSON(w, f.status, map[string]string{"detail": f.body})
			return
		}
		h(w, r)
	}
}

func (m *MockServer) handleConnect(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	m.status.Connected = true
	m.status.Device = "emulator-5554"
	m.status.CaptureRunning = true
	resolve := m.resolve
	m.mu.Unlock()

	resp := map[string]any{"success": true, "device": "emulator-5554"}
	if resolve != nil {
		resp["resolution"] = resolve
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *MockServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	s := m.status
	m.mu.RUnlock()
	writeJSON(w, http.StatusOK, s)
}

func (m *MockServer) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.status.TaskRunning = true
	m.status.CurrentState = r.URL.Query().Get("task_name")
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": r.URL.Query().Get("task_name")})
}

func (m *MockServer) handleTaskStop(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	m.status.TaskRunning = false
	m.status.CurrentState = ""
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (m *MockServer) handleStartGame(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.status.GameRunning = true
	m.mu.Unlock()
	entered := r.URL.Query().Get("wait_ready") == "true"
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"package": "com.example.game",
		"entered": entered,
		"message": "started",
	})
}

func (m *MockServer) handleStopGame(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	m.status.GameRunning = false
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "stopped"})
}

func (m *MockServer) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/jpeg")
	body := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	if r.URL.Query().Get("gray") == "true" {
		body = append(body, 'g')
	}
	_, _ = w.Write(body)
}

func (m *MockServer) handleDungeons(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	d := m.dungeons
	m.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"dungeons": d})
}

func (m *MockServer) handleNavigateDungeon(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("dungeon_id")
	m.mu.RLock()
	known := false
	for _, d := range m.dungeons {
		if d.ID == id {
			known = true
			break
		}
	}
	m.mu.RUnlock()
	if !known {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "导航失败"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"dungeon":    id,
		"difficulty": r.URL.Query().Get("difficulty"),
	})
}

func (m *MockServer) handleRunDungeon(w http.ResponseWriter, r *http.Request) {
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count == 1 {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "rank": "S", "message": "done"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": 3, "completed": 2, "failed": 1,
		"ranks": []any{"S", nil, "A"}, "success_rate": 2.0 / 3.0,
	})
}

func (m *MockServer) handleStopDungeon(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "已停止"})
}

func (m *MockServer) handleHistory(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	h := m.history
	m.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"records": h})
}

func (m *MockServer) handleScenes(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	s := m.scenes
	m.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"scenes": s})
}

func (m *MockServer) handleCurrentScene(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	c := m.current
	m.mu.RUnlock()
	writeJSON(w, http.StatusOK, c)
}

func (m *MockServer) handleNavigateTo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("scene_id")
	m.mu.Lock()
	m.current = CurrentScene{SceneID: id}
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scene": id})
}

func (m *MockServer) handleStream(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[endpoint]++
		m.mu.Unlock()

		conn, err := mockUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.wsMu.Lock()
		m.conns[conn] = endpoint
		m.wsMu.Unlock()

		go func() {
			defer func() {
				m.wsMu.Lock()
				delete(m.conns, conn)
				m.wsMu.Unlock()
				_ = conn.Close()
			}()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				m.wsMu.Lock()
				m.received = append(m.received, data)
				m.wsMu.Unlock()
			}
		}()
	}
}

// StreamClients returns the number of open push connections on endpoint.
func (m *MockServer) StreamClients(endpoint string) int {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	n := 0
	for _, ep := range m.conns {
		if ep == endpoint {
			n++
		}
	}
	return n
}

// Push sends a raw frame to every client of endpoint.
func (m *MockServer) Push(endpoint string, frame []byte) {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	for conn, ep := range m.conns {
		if ep != endpoint {
			continue
		}
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
}

// PushJSON marshals v and sends it to every client of endpoint.
func (m *MockServer) PushJSON(endpoint string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.Push(endpoint, data)
}

// DropStreams closes every open push connection.
func (m *MockServer) DropStreams() {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	for conn := range m.conns {
		_ = conn.Close()
	}
}

// Received returns the frames clients sent over push streams.
func (m *MockServer) Received() [][]byte {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	out := make([][]byte, len(m.received))
	copy(out, m.received)
	return out
}

// Close drops push connections before shutting the HTTP server down.
func (m *MockServer) Close() {
	m.DropStreams()
	m.Server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
