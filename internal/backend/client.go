// SPDX-License-Identifier: MIT

// Package backend is the REST client for the automation backend.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/metrics"
)

// DefaultBaseURL is the backend's fixed development origin.
const DefaultBaseURL = "http://127.0.0.1:8000"

const (
	maxBodyBytes     = 32 << 20
	maxErrorBodyText = 512
	requestIDHeader  = "X-Request-ID"
)

// Client issues one HTTP request per operation. There is no retry policy;
// callers decide what to do with failures.
type Client struct {
	base   string
	http   *http.Client
	now    func() time.Time
	logger zerolog.Logger

	timeout    time.Duration
	hasTimeout bool
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets a client-side timeout. Zero keeps requests unbounded.
// It applies to whichever HTTP client ends up in use, without modifying
// one passed through WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		c.hasTimeout = true
	}
}

// WithClock overrides the time source used for screenshot cache busting.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a client for the backend at base (DefaultBaseURL when empty).
func New(base string, opts ...Option) *Client {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:    time.Now,
		logger: xglog.WithComponent("backend"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hasTimeout {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}
	return c
}

// BaseURL returns the backend origin.
func (c *Client) BaseURL() string {
	return c.base
}

// StreamURL maps an endpoint path onto the backend's WebSocket origin.
func (c *Client) StreamURL(path string) string {
	u, err := url.Parse(c.base)
	if err != nil {
		return "ws://127.0.0.1:8000" + path
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String()
}

// Connect asks the backend to discover and attach a device.
func (c *Client) Connect(ctx context.Context) (ConnectResponse, error) {
	var out ConnectResponse
	err := c.doJSON(ctx, "connect", http.MethodPost, "/connect", nil, &out)
	return out, err
}

// Status returns the backend's live view of device and engines. A
// well-formed error body is decoded, not returned as an error.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.doJSON(ctx, "status", http.MethodGet, "/status", nil, &out)
	return out, err
}

// StartTaskEngine starts the named automation task ("farming" when empty).
func (c *Client) StartTaskEngine(ctx context.Context, name string) (ActionResponse, error) {
	if strings.TrimSpace(name) == "" {
		name = "farming"
	}
	var out ActionResponse
	q := url.Values{"task_name": {name}}
	err := c.doJSON(ctx, "task_engine_start", http.MethodPost, "/task-engine/start", q, &out)
	return out, err
}

// StopTaskEngine stops the automation task.
func (c *Client) StopTaskEngine(ctx context.Context) (ActionResponse, error) {
	var out ActionResponse
	err := c.doJSON(ctx, "task_engine_stop", http.MethodPost, "/task-engine/stop", nil, &out)
	return out, err
}

// StartGame launches the game; with waitReady the backend also waits up to
// timeoutSeconds for the title screen and enters the game.
func (c *Client) StartGame(ctx context.Context, waitReady bool, timeoutSeconds int) (StartGameResponse, error) {
	var out StartGameResponse
	q := url.Values{
		"wait_ready": {strconv.FormatBool(waitReady)},
		"timeout":    {strconv.Itoa(timeoutSeconds)},
	}
	err := c.doJSON(ctx, "start_game", http.MethodPost, "/start-game", q, &out)
	return out, err
}

// StopGame force-stops the game.
func (c *Client) StopGame(ctx context.Context) (ActionResponse, error) {
	var out ActionResponse
	err := c.doJSON(ctx, "stop_game", http.MethodPost, "/stop-game", nil, &out)
	return out, err
}

// ScreenshotURL returns a cache-busted screenshot locator. It performs no I/O.
func (c *Client) ScreenshotURL(gray bool) string {
	q := url.Values{
		"gray": {strconv.FormatBool(gray)},
		"t":    {strconv.FormatInt(c.now().UnixMilli(), 10)},
	}
	return c.base + "/debug/screenshot?" + q.Encode()
}

// Screenshot fetches the current screen as JPEG bytes.
func (c *Client) Screenshot(ctx context.Context, gray bool) ([]byte, error) {
	const op = "screenshot"
	start := time.Now()

	res, err := c.send(ctx, op, http.MethodGet, c.ScreenshotURL(gray))
	if err != nil {
		metrics.ObserveBackendRequest(op, "transport_error", time.Since(start))
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveBackendRequest(op, "transport_error", time.Since(start))
		return nil, &Error{Sentinel: ErrUnavailable, Op: op, Status: res.StatusCode, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		metrics.ObserveBackendRequest(op, "http_error", time.Since(start))
		return nil, &Error{Sentinel: ErrBackendStatus, Op: op, Status: res.StatusCode, Body: errorText(body)}
	}
	metrics.ObserveBackendRequest(op, "success", time.Since(start))
	return body, nil
}

// Dungeons lists the dungeons the backend can navigate to. The backend's
// identifiers are authoritative for navigation.
func (c *Client) Dungeons(ctx context.Context) ([]Dungeon, error) {
	var out struct {
		Dungeons []Dungeon `json:"dungeons"`
	}
	if err := c.doJSON(ctx, "dungeons", http.MethodGet, "/dungeons", nil, &out); err != nil {
		return nil, err
	}
	if out.Dungeons == nil {
		return []Dungeon{}, nil
	}
	return out.Dungeons, nil
}

// NavigateToDungeon walks the game UI to the given dungeon without starting it.
func (c *Client) NavigateToDungeon(ctx context.Context, id, difficulty string) (NavigateResponse, error) {
	if difficulty == "" {
		difficulty = "normal"
	}
	var out NavigateResponse
	q := url.Values{"dungeon_id": {id}, "difficulty": {difficulty}}
	err := c.doJSON(ctx, "navigate_to_dungeon", http.MethodPost, "/navigate-to-dungeon", q, &out)
	return out, err
}

// RunDungeon runs a dungeon count times; -1 loops until StopDungeon.
func (c *Client) RunDungeon(ctx context.Context, id, difficulty string, count int) (RunDungeonResponse, error) {
	if difficulty == "" {
		difficulty = "normal"
	}
	if count == 0 {
		count = 1
	}
	var out RunDungeonResponse
	q := url.Values{
		"dungeon_id": {id},
		"difficulty": {difficulty},
		"count":      {strconv.Itoa(count)},
	}
	err := c.doJSON(ctx, "run_dungeon", http.MethodPost, "/run-dungeon", q, &out)
	return out, err
}

// StopDungeon asks the dungeon runner to stop after the current step.
func (c *Client) StopDungeon(ctx context.Context) (ActionResponse, error) {
	var out ActionResponse
	err := c.doJSON(ctx, "stop_dungeon", http.MethodPost, "/stop-dungeon", nil, &out)
	return out, err
}

// DungeonHistory returns recent dungeon runs, oldest first.
func (c *Client) DungeonHistory(ctx context.Context) ([]DungeonRecord, error) {
	var out struct {
		Records []DungeonRecord `json:"records"`
	}
	if err := c.doJSON(ctx, "dungeon_history", http.MethodGet, "/dungeon-history", nil, &out); err != nil {
		return nil, err
	}
	if out.Records == nil {
		return []DungeonRecord{}, nil
	}
	return out.Records, nil
}

// Scenes lists the navigation graph.
func (c *Client) Scenes(ctx context.Context) ([]Scene, error) {
	var out struct {
		Scenes []Scene `json:"scenes"`
	}
	if err := c.doJSON(ctx, "scenes", http.MethodGet, "/scenes", nil, &out); err != nil {
		return nil, err
	}
	if out.Scenes == nil {
		return []Scene{}, nil
	}
	return out.Scenes, nil
}

// CurrentScene returns the scene the navigator believes it is on.
func (c *Client) CurrentScene(ctx context.Context) (CurrentScene, error) {
	var out CurrentScene
	err := c.doJSON(ctx, "current_scene", http.MethodGet, "/current-scene", nil, &out)
	return out, err
}

// NavigateTo walks the game UI to a scene of the navigation graph.
func (c *Client) NavigateTo(ctx context.Context, sceneID string) (SceneNavigateResponse, error) {
	var out SceneNavigateResponse
	q := url.Values{"scene_id": {sceneID}}
	err := c.doJSON(ctx, "navigate_to", http.MethodPost, "/navigate-to", q, &out)
	return out, err
}

// doJSON performs one request and decodes the JSON body into out whatever
// the status code; only transport failures and undecodable bodies are errors.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, out any) error {
	start := time.Now()
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	res, err := c.send(ctx, op, method, target)
	if err != nil {
		metrics.ObserveBackendRequest(op, "transport_error", time.Since(start))
		return err
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveBackendRequest(op, "transport_error", time.Since(start))
		return &Error{Sentinel: ErrUnavailable, Op: op, Status: res.StatusCode, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		metrics.ObserveBackendRequest(op, "bad_response", time.Since(start))
		return &Error{Sentinel: ErrBadResponse, Op: op, Status: res.StatusCode, Body: errorText(body), Err: err}
	}

	result := "success"
	if res.StatusCode < 200 || res.StatusCode > 299 {
		result = "http_error"
		c.logger.Debug().
			Str(xglog.FieldEvent, "backend.http_error").
			Str(xglog.FieldOperation, op).
			Int("status", res.StatusCode).
			Msg("backend answered with an error body")
	}
	metrics.ObserveBackendRequest(op, result, time.Since(start))
	return nil
}

func (c *Client) send(ctx context.Context, op, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, &Error{Sentinel: ErrUnavailable, Op: op, Err: err}
	}
	rid := xglog.RequestIDFromContext(ctx)
	if rid == "" {
		rid = uuid.NewString()
	}
	req.Header.Set(requestIDHeader, rid)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		sentinel := ErrUnavailable
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			sentinel = ErrTimeout
		}
		c.logger.Debug().
			Err(err).
			Str(xglog.FieldEvent, "backend.transport_error").
			Str(xglog.FieldOperation, op).
			Str(xglog.FieldRequestID, rid).
			Msg("backend request failed")
		return nil, &Error{Sentinel: sentinel, Op: op, Err: err}
	}
	return res, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// errorText extracts a short human-readable message from an error body.
func errorText(body []byte) string {
	var p struct {
		Detail Detail `json:"detail"`
	}
	if err := json.Unmarshal(body, &p); err == nil && p.Detail != "" {
		return string(p.Detail)
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodyText {
		s = s[:maxErrorBodyText] + "…"
	}
	return s
}

// String implements fmt.Stringer for log fields.
func (c *Client) String() string {
	return fmt.Sprintf("backend(%s)", c.base)
}
