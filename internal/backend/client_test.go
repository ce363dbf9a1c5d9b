// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xglog "github.com/sylvester1001/zat/internal/log"
)

func TestConnect(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	c := New(mock.URL)
	res, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "emulator-5554", res.Device)
	assert.Equal(t, "1920x1080", res.ResolutionString())
	assert.Equal(t, 1, mock.Hits("/connect"))
}

func TestConnectWithoutResolution(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	mock.SetResolution(nil)

	res, err := New(mock.URL).Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.Resolution)
	assert.Empty(t, res.ResolutionString())
}

func TestConnectErrorBodyIsNotAnError(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	mock.SetFailure("/connect", http.StatusInternalServerError, "no device found")

	res, err := New(mock.URL).Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, Detail("no device found"), res.Detail)
}

func TestStatus(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	mock.SetStatus(Status{
		Connected:    true,
		Device:       "emulator-5554",
		TaskRunning:  true,
		CurrentState: "farming",
		DungeonState: "battling",
		CaptureFPS:   29.5,
	})

	st, err := New(mock.URL).Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.True(t, st.TaskRunning)
	assert.Equal(t, "farming", st.CurrentState)
	assert.Equal(t, "battling", st.DungeonState)
	assert.InDelta(t, 29.5, st.CaptureFPS, 0.001)
}

func TestStatusValidationDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":[{"loc":["query","x"],"msg":"field required"}]}`))
	}))
	defer srv.Close()

	st, err := New(srv.URL).Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(st.Detail), "field required")
}

func TestStatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Status(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransport(err))

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "status", be.Op)
}

func TestStatusTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL).Status(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransport(err))
}

func TestNonJSONBody(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	mock.SetFailure("/status", http.StatusBadGateway, "raw:<html>bad gateway</html>")

	_, err := New(mock.URL).Status(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.False(t, IsTransport(err))

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusBadGateway, be.Status)
	assert.Contains(t, be.Body, "bad gateway")
}

func TestTaskEngine(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := New(mock.URL)
	ctx := context.Background()

	res, err := c.StartTaskEngine(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "farming", res.Task)
	assert.Equal(t, "task_name=farming", mock.LastQuery("/task-engine/start"))

	_, err = c.StartTaskEngine(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, "task_name=daily", mock.LastQuery("/task-engine/start"))

	stop, err := c.StopTaskEngine(ctx)
	require.NoError(t, err)
	assert.True(t, stop.Success)
}

func TestStartAndStopGame(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := New(mock.URL)
	ctx := context.Background()

	res, err := c.StartGame(ctx, true, 60)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Entered)
	assert.Equal(t, "timeout=60&wait_ready=true", mock.LastQuery("/start-game"))

	stop, err := c.StopGame(ctx)
	require.NoError(t, err)
	assert.True(t, stop.Success)
}

func TestScreenshotURL(t *testing.T) {
	fixed := time.UnixMilli(1700000000123)
	c := New("http://127.0.0.1:8000/", WithClock(func() time.Time { return fixed }))

	assert.Equal(t, "http://127.0.0.1:8000/debug/screenshot?gray=false&t=1700000000123", c.ScreenshotURL(false))
	assert.Equal(t, "http://127.0.0.1:8000/debug/screenshot?gray=true&t=1700000000123", c.ScreenshotURL(true))
}

func TestScreenshotURLChangesOverTime(t *testing.T) {
	now := time.UnixMilli(1000)
	c := New("", WithClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}))
	assert.NotEqual(t, c.ScreenshotURL(false), c.ScreenshotURL(false))
}

func TestScreenshot(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := New(mock.URL)

	img, err := c.Screenshot(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xE0}, img)

	gray, err := c.Screenshot(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, gray, 5)

	mock.SetFailure("/debug/screenshot", http.StatusServiceUnavailable, "device not connected")
	_, err = c.Screenshot(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendStatus)

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "device not connected", be.Body)
}

func TestDungeons(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	list, err := New(mock.URL).Dungeons(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "mizumoto_shrine", list[3].ID)
	assert.Equal(t, []string{"normal", "hard", "nightmare"}, list[3].Difficulties)

	mock.SetDungeons(nil)
	list, err = New(mock.URL).Dungeons(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestNavigateToDungeon(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := New(mock.URL)

	res, err := c.NavigateToDungeon(context.Background(), "world_tree", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "normal", res.Difficulty)
	assert.Equal(t, "difficulty=normal&dungeon_id=world_tree", mock.LastQuery("/navigate-to-dungeon"))

	res, err = c.NavigateToDungeon(context.Background(), "nowhere", "hard")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "导航失败", res.Message)
}

func TestRunDungeon(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := New(mock.URL)

	single, err := c.RunDungeon(context.Background(), "world_tree", "hard", 0)
	require.NoError(t, err)
	assert.False(t, single.Loop())
	assert.True(t, single.Success)
	assert.Equal(t, "S", single.Rank)
	assert.Equal(t, "count=1&difficulty=hard&dungeon_id=world_tree", mock.LastQuery("/run-dungeon"))

	loop, err := c.RunDungeon(context.Background(), "world_tree", "", 3)
	require.NoError(t, err)
	assert.True(t, loop.Loop())
	assert.Equal(t, 2, loop.Completed)
	assert.Equal(t, 1, loop.Failed)
	assert.Equal(t, []string{"S", "", "A"}, loop.Ranks)

	stop, err := c.StopDungeon(context.Background())
	require.NoError(t, err)
	assert.True(t, stop.Success)
}

func TestDungeonHistory(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	records, err := New(mock.URL).DungeonHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "completed", records[0].Status)
	assert.Empty(t, records[1].Rank)
}

func TestScenes(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := New(mock.URL)
	ctx := context.Background()

	scenes, err := c.Scenes(ctx)
	require.NoError(t, err)
	require.Len(t, scenes, 2)
	assert.Equal(t, "home", scenes[1].BackTo)

	cur, err := c.CurrentScene(ctx)
	require.NoError(t, err)
	assert.True(t, cur.Known())
	assert.Equal(t, "home", cur.SceneID)

	nav, err := c.NavigateTo(ctx, "dungeon_list")
	require.NoError(t, err)
	assert.True(t, nav.Success)

	cur, err = c.CurrentScene(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dungeon_list", cur.SceneID)
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8000", "ws://127.0.0.1:8000/ws/state"},
		{"https://zat.local/", "wss://zat.local/ws/state"},
		{"http://host:9000/api", "ws://host:9000/api/ws/state"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.base).StreamURL("/ws/state"))
		})
	}
}

func TestDefaultBaseURL(t *testing.T) {
	assert.Equal(t, DefaultBaseURL, New("  ").BaseURL())
	assert.Equal(t, "backend(http://127.0.0.1:8000)", New("").String())
}

func TestRequestIDPropagation(t *testing.T) {
	got := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(requestIDHeader)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"connected":false}`))
	}))
	defer srv.Close()
	c := New(srv.URL)

	ctx := xglog.ContextWithRequestID(context.Background(), "req-42")
	_, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "req-42", <-got)

	_, err = c.Status(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, <-got)
}

func TestWithTimeoutIndependentOfOptionOrder(t *testing.T) {
	custom := &http.Client{}

	before := New("", WithTimeout(2*time.Second), WithHTTPClient(custom))
	after := New("", WithHTTPClient(custom), WithTimeout(3*time.Second))

	assert.Equal(t, 2*time.Second, before.http.Timeout)
	assert.Equal(t, 3*time.Second, after.http.Timeout)
	assert.Zero(t, custom.Timeout, "caller's client must not be modified")

	assert.Zero(t, New("").http.Timeout)
}

func TestWithTimeoutBoundsSlowBackend(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, WithHTTPClient(&http.Client{}), WithTimeout(50*time.Millisecond))
	_, err := c.Status(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}
