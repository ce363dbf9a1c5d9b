// SPDX-License-Identifier: MIT

package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sylvester1001/zat/internal/backend"
	"github.com/sylvester1001/zat/internal/cache"
	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/journal"
	"github.com/sylvester1001/zat/internal/metrics"
	"github.com/sylvester1001/zat/internal/protocol"
)

// Cache keys for backend listings.
const (
	CacheKeyDungeons = "dungeons"
	CacheKeyScenes   = "scenes"
)

const (
	defaultLogLimit     = 100
	defaultGameTimeout  = 60
	headerCache         = "X-Cache"
	defaultDungeonCount = 1
)

func (s *Server) recorder() journal.Recorder {
	if s.deps.Journal == nil {
		return nil
	}
	return s.deps.Journal
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Store.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, func() []Event {
		return []Event{{Type: EventState, Data: s.deps.Store.Snapshot()}}
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var resp backend.ConnectResponse
	err := journal.Track(r.Context(), s.recorder(), "connect", nil, func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = s.deps.Backend.Connect(ctx); err != nil {
			return journal.Outcome{}, err
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Device, string(resp.Detail))}, nil
	})
	if err != nil {
		writeBackendError(w, r, "connect", err)
		return
	}
	if resp.Success {
		s.deps.Store.SetConnected(resp.Device, resp.ResolutionString())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("task_name"))
	var resp backend.ActionResponse
	err := journal.Track(r.Context(), s.recorder(), "task_engine_start", params("task_name", name), func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = s.deps.Backend.StartTaskEngine(ctx, name); err != nil {
			return journal.Outcome{}, err
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, string(resp.Detail))}, nil
	})
	if err != nil {
		writeBackendError(w, r, "task_engine_start", err)
		return
	}
	if resp.Success {
		s.deps.Store.SetTaskEngineRunning(true)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	s.simpleAction(w, r, "task_engine_stop", s.deps.Backend.StopTaskEngine, func() {
		s.deps.Store.SetTaskEngineRunning(false)
	})
}

func (s *Server) handleGameStart(w http.ResponseWriter, r *http.Request) {
	waitReady, err := boolParam(r, "wait_ready", false)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	timeout, err := intParam(r, "timeout", defaultGameTimeout)
	if err != nil || timeout <= 0 {
		writeBadRequest(w, r, "timeout must be a positive number of seconds")
		return
	}

	var resp backend.StartGameResponse
	p := params("wait_ready", strconv.FormatBool(waitReady), "timeout", strconv.Itoa(timeout))
	err = journal.Track(r.Context(), s.recorder(), "start_game", p, func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = s.deps.Backend.StartGame(ctx, waitReady, timeout); err != nil {
			return journal.Outcome{}, err
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, string(resp.Detail))}, nil
	})
	if err != nil {
		writeBackendError(w, r, "start_game", err)
		return
	}
	if resp.Success {
		s.deps.Store.SetGameRunning(true)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGameStop(w http.ResponseWriter, r *http.Request) {
	s.simpleAction(w, r, "stop_game", s.deps.Backend.StopGame, func() {
		s.deps.Store.SetGameRunning(false)
	})
}

func (s *Server) handleStopDungeon(w http.ResponseWriter, r *http.Request) {
	s.simpleAction(w, r, "stop_dungeon", s.deps.Backend.StopDungeon, func() {
		s.deps.Store.SetDungeonRunning(false)
	})
}

// simpleAction runs a parameterless backend action and applies onSuccess
// when the backend reports success.
func (s *Server) simpleAction(w http.ResponseWriter, r *http.Request, op string, call func(context.Context) (backend.ActionResponse, error), onSuccess func()) {
	var resp backend.ActionResponse
	err := journal.Track(r.Context(), s.recorder(), op, nil, func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = call(ctx); err != nil {
			return journal.Outcome{}, err
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, string(resp.Detail))}, nil
	})
	if err != nil {
		writeBackendError(w, r, op, err)
		return
	}
	if resp.Success && onSuccess != nil {
		onSuccess()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, catalog.Dungeons())
}

func (s *Server) handleDifficulties(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalog.DifficultiesFor(chi.URLParam(r, "id")))
}

func (s *Server) handleDungeons(w http.ResponseWriter, r *http.Request) {
	s.cachedListing(w, r, CacheKeyDungeons, func(ctx context.Context) (any, error) {
		return s.deps.Backend.Dungeons(ctx)
	})
}

func (s *Server) handleScenes(w http.ResponseWriter, r *http.Request) {
	s.cachedListing(w, r, CacheKeyScenes, func(ctx context.Context) (any, error) {
		return s.deps.Backend.Scenes(ctx)
	})
}

// cachedListing serves a backend listing through the catalog cache. The
// X-Cache header reports HIT or MISS.
func (s *Server) cachedListing(w http.ResponseWriter, r *http.Request, key string, load func(context.Context) (any, error)) {
	payload, hit, err := cache.Fetch(r.Context(), s.deps.Cache, key, time.Duration(s.ttl.Load()), func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		metrics.IncCacheLookup(key, "error")
		writeBackendError(w, r, key, err)
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	metrics.IncCacheLookup(key, result)

	w.Header().Set(headerCache, strings.ToUpper(result))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleNavigateDungeon(w http.ResponseWriter, r *http.Request) {
	id, difficulty, ok := dungeonParams(w, r)
	if !ok {
		return
	}

	var resp backend.NavigateResponse
	p := params("dungeon_id", id, "difficulty", difficulty)
	err := journal.Track(r.Context(), s.recorder(), "navigate_to_dungeon", p, func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = s.deps.Backend.NavigateToDungeon(ctx, id, difficulty); err != nil {
			return journal.Outcome{}, err
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, string(resp.Detail))}, nil
	})
	if err != nil {
		writeBackendError(w, r, "navigate_to_dungeon", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunDungeon(w http.ResponseWriter, r *http.Request) {
	id, difficulty, ok := dungeonParams(w, r)
	if !ok {
		return
	}
	count, err := intParam(r, "count", defaultDungeonCount)
	if err != nil || count == 0 || count < -1 {
		writeBadRequest(w, r, "count must be a positive number or -1 to loop")
		return
	}

	var resp backend.RunDungeonResponse
	p := params("dungeon_id", id, "difficulty", difficulty, "count", strconv.Itoa(count))
	err = journal.Track(r.Context(), s.recorder(), "run_dungeon", p, func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = s.deps.Backend.RunDungeon(ctx, id, difficulty, count); err != nil {
			return journal.Outcome{}, err
		}
		if resp.Loop() {
			return journal.Outcome{
				Success: resp.Completed > 0,
				Message: fmt.Sprintf("%d/%d completed", resp.Completed, resp.Total),
			}, nil
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Rank, resp.Message, string(resp.Detail))}, nil
	})
	if err != nil {
		writeBackendError(w, r, "run_dungeon", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDungeonHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Backend.DungeonHistory(r.Context())
	if err != nil {
		writeBackendError(w, r, "dungeon_history", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCurrentScene(w http.ResponseWriter, r *http.Request) {
	scene, err := s.deps.Backend.CurrentScene(r.Context())
	if err != nil {
		writeBackendError(w, r, "current_scene", err)
		return
	}
	writeJSON(w, http.StatusOK, scene)
}

func (s *Server) handleNavigateScene(w http.ResponseWriter, r *http.Request) {
	sceneID := strings.TrimSpace(r.URL.Query().Get("scene_id"))
	if sceneID == "" {
		writeBadRequest(w, r, "scene_id is required")
		return
	}

	var resp backend.SceneNavigateResponse
	err := journal.Track(r.Context(), s.recorder(), "navigate_to", params("scene_id", sceneID), func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = s.deps.Backend.NavigateTo(ctx, sceneID); err != nil {
			return journal.Outcome{}, err
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, string(resp.Detail))}, nil
	})
	if err != nil {
		writeBackendError(w, r, "navigate_to", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	gray, err := boolParam(r, "gray", false)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	img, err := s.deps.Backend.Screenshot(r.Context(), gray)
	if err != nil {
		writeBackendError(w, r, "screenshot", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (s *Server) handleScreenshotURL(w http.ResponseWriter, r *http.Request) {
	gray, err := boolParam(r, "gray", false)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.deps.Backend.ScreenshotURL(gray)})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLogLimit)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	lines := []protocol.LogMessage{}
	if s.deps.Logs != nil {
		lines = append(lines, s.deps.Logs.Recent(limit)...)
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", journal.DefaultListLimit)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	if s.deps.Journal == nil {
		writeJSON(w, http.StatusOK, []journal.Entry{})
		return
	}
	entries, err := s.deps.Journal.List(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: codeInternal, Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// dungeonParams reads dungeon_id and difficulty, writing a 400 on bad input.
func dungeonParams(w http.ResponseWriter, r *http.Request) (id, difficulty string, ok bool) {
	q := r.URL.Query()
	id = strings.TrimSpace(q.Get("dungeon_id"))
	if id == "" {
		writeBadRequest(w, r, "dungeon_id is required")
		return "", "", false
	}
	difficulty = strings.TrimSpace(q.Get("difficulty"))
	if difficulty == "" {
		difficulty = string(catalog.Normal)
	}
	if _, known := catalog.Difficulty(catalog.DifficultyID(difficulty)); !known {
		writeBadRequest(w, r, fmt.Sprintf("unknown difficulty %q", difficulty))
		return "", "", false
	}
	return id, difficulty, true
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// params builds a journal parameter map from key/value pairs, skipping empty values.
func params(kv ...string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			m[kv[i]] = kv[i+1]
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
