// SPDX-License-Identifier: MIT

package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Detail holds the "detail" field of a backend error body. The backend sends a
// string for its own errors and a list of objects for parameter validation
// errors; both are kept as text.
type Detail string

func (d *Detail) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Detail(s)
		return nil
	}
	*d = Detail(b)
	return nil
}

// Resolution is the device screen size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ConnectResponse is returned by POST /connect.
type ConnectResponse struct {
	Success    bool        `json:"success"`
	Device     string      `json:"device"`
	Resolution *Resolution `json:"resolution"`
	Detail     Detail      `json:"detail"`
}

// ResolutionString renders the resolution or "" when the backend omitted it.
func (r ConnectResponse) ResolutionString() string {
	if r.Resolution == nil {
		return ""
	}
	return r.Resolution.String()
}

// Status is returned by GET /status.
type Status struct {
	Connected      bool    `json:"connected"`
	Device         string  `json:"device"`
	TaskRunning    bool    `json:"task_running"`
	GameRunning    bool    `json:"game_running"`
	CurrentState   string  `json:"current_state"`
	DungeonState   string  `json:"dungeon_state"`
	DungeonRunning bool    `json:"dungeon_running"`
	CaptureRunning bool    `json:"capture_running"`
	CaptureFPS     float64 `json:"capture_fps"`
	Detail         Detail  `json:"detail"`
}

// ActionResponse is the common {success} reply.
type ActionResponse struct {
	Success bool   `json:"success"`
	Task    string `json:"task,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  Detail `json:"detail,omitempty"`
}

// StartGameResponse is returned by POST /start-game.
type StartGameResponse struct {
	Success bool   `json:"success"`
	Package string `json:"package,omitempty"`
	Entered bool   `json:"entered,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  Detail `json:"detail,omitempty"`
}

// Dungeon is one entry of GET /dungeons.
type Dungeon struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Difficulties []string `json:"difficulties"`
}

// NavigateResponse is returned by POST /navigate-to-dungeon.
type NavigateResponse struct {
	Success    bool   `json:"success"`
	Dungeon    string `json:"dungeon,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Message    string `json:"message,omitempty"`
	Detail     Detail `json:"detail,omitempty"`
}

// RunDungeonResponse is returned by POST /run-dungeon. A single run fills
// Success/Rank/Message; a loop (count != 1) fills the aggregate fields.
type RunDungeonResponse struct {
	Success     bool     `json:"success"`
	Rank        string   `json:"rank,omitempty"`
	Message     string   `json:"message,omitempty"`
	Total       int      `json:"total,omitempty"`
	Completed   int      `json:"completed,omitempty"`
	Failed      int      `json:"failed,omitempty"`
	Ranks       []string `json:"ranks,omitempty"`
	SuccessRate float64  `json:"success_rate,omitempty"`
	Detail      Detail   `json:"detail,omitempty"`
}

// Loop reports whether the response describes a multi-run loop.
func (r RunDungeonResponse) Loop() bool {
	return r.Total > 0
}

// DungeonRecord is one entry of GET /dungeon-history, oldest first.
type DungeonRecord struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Difficulty string `json:"difficulty"`
	Rank       string `json:"rank"`
	Time       string `json:"time"`
	Status     string `json:"status"`
}

// Scene is one node of the backend's navigation graph.
type Scene struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Transitions []string `json:"transitions"`
	BackTo      string   `json:"back_to"`
}

// CurrentScene is returned by GET /current-scene.
type CurrentScene struct {
	SceneID   string `json:"scene_id"`
	SceneName string `json:"scene_name"`
	Detected  bool   `json:"detected"`
	Detail    Detail `json:"detail,omitempty"`
}

// Known reports whether the backend identified a scene.
func (c CurrentScene) Known() bool {
	return strings.TrimSpace(c.SceneID) != ""
}

// SceneNavigateResponse is returned by POST /navigate-to.
type SceneNavigateResponse struct {
	Success bool   `json:"success"`
	Scene   string `json:"scene,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  Detail `json:"detail,omitempty"`
}
