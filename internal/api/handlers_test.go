package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/renderfarm-mini/internal/asset"
	"github.com/shehryarbajwa/renderfarm-mini/internal/blob"
	"github.com/shehryarbajwa/renderfarm-mini/internal/job"
	"github.com/shehryarbajwa/renderfarm-mini/internal/pool"
	"github.com/shehryarbajwa/renderfarm-mini/internal/ratelimit"
	"github.com/shehryarbajwa/renderfarm-mini/internal/session"
	"github.com/shehryarbajwa/renderfarm-mini/internal/store"
	"github.com/shehryarbajwa/renderfarm-mini/internal/worker"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

type fakeChannel struct {
	worker.Channel
	gate chan struct{}
}

func (c *fakeChannel) RenderScene(context.Context, json.RawMessage, int, int, string, bool, map[string]any) error {
	if c.gate != nil {
		<-c.gate
	}
	return nil
}

func (c *fakeChannel) ConvertFile(context.Context, string, string, string, map[string]any) error {
	return nil
}

type fakeAcquirer struct {
	ch worker.Channel
}

func (a *fakeAcquirer) Get(context.Context, *models.Session) (worker.Channel, error) {
	return a.ch, nil
}

type apiTestHelper struct {
	Server  *httptest.Server
	Store   *store.Memory
	Channel *fakeChannel
	Opts    Options
}

type apiTestConfig struct {
	deps  Deps
	gated bool
}

type apiTestOption func(*apiTestConfig)

func withLimiter(l *ratelimit.Limiter) apiTestOption {
	return func(c *apiTestConfig) { c.deps.Limiter = l }
}

func withRejectBusyWorker() apiTestOption {
	return func(c *apiTestConfig) { c.deps.Options.RejectBusyWorker = true }
}

// withGatedRender blocks renders until the test closes Channel.gate.
func withGatedRender() apiTestOption {
	return func(c *apiTestConfig) { c.gated = true }
}

func newAPITestHelper(t *testing.T, numWorkers int, opts ...apiTestOption) *apiTestHelper {
	ctx := context.Background()
	clk := clock.New()
	st := store.NewMemory(clk)

	require.NoError(t, st.UpsertAPIKey(ctx, &models.APIKey{APIKey: "key-1"}))
	require.NoError(t, st.UpsertWorkspace(ctx, &models.Workspace{Guid: "ws-1", APIKey: "key-1", Workgroup: "default"}))
	for i := 0; i < numWorkers; i++ {
		require.NoError(t, st.UpsertWorker(ctx, &models.Worker{
			Guid:      "worker-" + string(rune('a'+i)),
			IP:        "127.0.0.1",
			Port:      29000 + i,
			Workgroup: "default",
		}))
	}

	sessions := session.NewManager(session.Deps{
		Store:          st,
		Clock:          clk,
		TTLMinutes:     3,
		APIKeyCheck:    true,
		WorkspaceCheck: true,
	})

	cfg := apiTestConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ch := &fakeChannel{}
	if cfg.gated {
		ch.gate = make(chan struct{})
	}
	engine := job.NewEngine(job.Deps{
		Store:         st,
		Workers:       &fakeAcquirer{ch: ch},
		Clock:         clk,
		PublicURL:     "https://farm.example.com",
		MajorVersion:  1,
		WorkerTempDir: `C:\Temp\`,
	})

	blobs, err := blob.NewFS(t.TempDir(), clk)
	require.NoError(t, err)
	caches := pool.New(pool.Deps[*asset.SessionCache]{Strategy: asset.CacheStrategy{}, Name: "asset-cache"})
	assets := asset.NewService(asset.Deps{
		Blobs:        blobs,
		Caches:       caches,
		PublicURL:    "https://farm.example.com",
		MajorVersion: 1,
	})

	deps := cfg.deps
	deps.Sessions = sessions
	deps.Store = st
	deps.Jobs = engine
	deps.Assets = assets
	deps.Clock = clk
	deps.Options.Workgroup = "default"
	deps.Options.MajorVersion = 1
	deps.Options.PublicURL = "https://farm.example.com"
	deps.Options.RenderOutputDir = t.TempDir()
	deps.Options.ConvertOutputDir = t.TempDir()

	srv := httptest.NewServer(NewHandler(deps).HTTPHandler())
	t.Cleanup(func() {
		srv.Close()
		if ch.gate != nil {
			select {
			case <-ch.gate:
			default:
				close(ch.gate)
			}
		}
		engine.Close()
		caches.Close()
	})
	return &apiTestHelper{Server: srv, Store: st, Channel: ch, Opts: deps.Options}
}

type testEnvelope struct {
	OK      bool            `json:"ok"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func (h *apiTestHelper) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, testEnvelope) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.Server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env testEnvelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp, env
}

func (h *apiTestHelper) createSession(t *testing.T) *models.Session {
	resp, env := h.do(t, http.MethodPost, "/v1/session", map[string]any{
		"api_key":        "key-1",
		"workspace_guid": "ws-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Message)

	var s models.Session
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return &s
}

func (h *apiTestHelper) createRenderJob(t *testing.T, sessionGuid string) *models.Job {
	resp, env := h.do(t, http.MethodPost, "/v1/job", map[string]any{
		"session_guid":  sessionGuid,
		"camera_json":   map[string]any{"fov": 45},
		"render_width":  640,
		"render_height": 480,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Message)

	var j models.Job
	require.NoError(t, json.Unmarshal(env.Data, &j))
	return &j
}

func (h *apiTestHelper) waitJobState(t *testing.T, guid string, state models.JobState) {
	require.Eventually(t, func() bool {
		j, err := h.Store.GetJob(context.Background(), guid)
		return err == nil && j.State == state
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSessionLifecycle(t *testing.T) {
	h := newAPITestHelper(t, 1)

	s := h.createSession(t)
	require.Equal(t, "worker-a", s.WorkerGuid)
	require.Equal(t, models.SessionOpen, s.State)

	resp, env := h.do(t, http.MethodGet, "/v1/session/"+s.Guid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Session
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.NotNil(t, got.WorkerRef)
	require.Equal(t, "worker-a", got.WorkerRef.Guid)

	resp, env = h.do(t, http.MethodDelete, "/v1/session/"+s.Guid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, models.SessionClosed, got.State)

	resp, env = h.do(t, http.MethodGet, "/v1/session/"+s.Guid, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.False(t, env.OK)

	// The worker is free again.
	h.createSession(t)
}

func TestCreateSessionErrors(t *testing.T) {
	h := newAPITestHelper(t, 1)

	resp, env := h.do(t, http.MethodPost, "/v1/session", map[string]any{"workspace_guid": "ws-1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, env.Message, "api_key")

	h.createSession(t)
	resp, env = h.do(t, http.MethodPost, "/v1/session", map[string]any{
		"api_key":        "key-1",
		"workspace_guid": "ws-1",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, env.Message, "no available workers")
}

func TestFailSession(t *testing.T) {
	h := newAPITestHelper(t, 1)
	s := h.createSession(t)

	resp, env := h.do(t, http.MethodPost, "/v1/session/"+s.Guid+"/fail", map[string]any{"reason": "worker crashed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Session
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, models.SessionFailed, got.State)
	require.Equal(t, "worker crashed", got.FailReason)

	resp, _ = h.do(t, http.MethodPost, "/v1/session/"+s.Guid+"/fail", map[string]any{"reason": "again"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListWorkers(t *testing.T) {
	h := newAPITestHelper(t, 2)

	resp, env := h.do(t, http.MethodGet, "/v1/worker", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "workers", env.Type)
	var workers []models.Worker
	require.NoError(t, json.Unmarshal(env.Data, &workers))
	require.Len(t, workers, 2)
}

func TestRenderJobCompletesAndPollHidesCamera(t *testing.T) {
	h := newAPITestHelper(t, 1)
	s := h.createSession(t)

	j := h.createRenderJob(t, s.Guid)
	require.Equal(t, models.JobPending, j.State)
	require.Equal(t, "worker-a", j.WorkerGuid)
	h.waitJobState(t, j.Guid, models.JobCompleted)

	resp, env := h.do(t, http.MethodGet, "/v1/job/"+j.Guid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Job
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, models.JobCompleted, got.State)
	require.Equal(t, []string{"https://farm.example.com/v1/renderoutput/" + j.Guid + ".png"}, got.URLs)
	require.NotNil(t, got.Render)
	require.Empty(t, got.Render.CameraJSON)
	require.Equal(t, 640, got.Render.RenderWidth)
}

func TestCreateJobValidation(t *testing.T) {
	h := newAPITestHelper(t, 1)
	s := h.createSession(t)

	resp, env := h.do(t, http.MethodPost, "/v1/job", map[string]any{"session_guid": s.Guid, "render_width": 1, "render_height": 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "missing camera_json", env.Message)

	resp, _ = h.do(t, http.MethodPost, "/v1/job/convert", map[string]any{"session_guid": s.Guid})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/job/convert", map[string]any{"session_guid": "nope", "input_url": "https://x/y.obj"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConvertJob(t *testing.T) {
	h := newAPITestHelper(t, 1)
	s := h.createSession(t)

	resp, env := h.do(t, http.MethodPost, "/v1/job/convert", map[string]any{
		"session_guid": s.Guid,
		"input_url":    "https://cdn.example.com/model.obj",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var j models.Job
	require.NoError(t, json.Unmarshal(env.Data, &j))
	h.waitJobState(t, j.Guid, models.JobCompleted)

	got, err := h.Store.GetJob(context.Background(), j.Guid)
	require.NoError(t, err)
	require.Equal(t, []string{"https://farm.example.com/v1/convertoutput/" + j.Guid + ".fbx"}, got.URLs)
}

func TestBusyWorkerGuards(t *testing.T) {
	h := newAPITestHelper(t, 1, withRejectBusyWorker(), withGatedRender())
	s := h.createSession(t)

	j := h.createRenderJob(t, s.Guid)
	h.waitJobState(t, j.Guid, models.JobRendering)

	resp, env := h.do(t, http.MethodPost, "/v1/job", map[string]any{
		"session_guid":  s.Guid,
		"camera_json":   map[string]any{"fov": 45},
		"render_width":  640,
		"render_height": 480,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "session busy", env.Message)

	resp, env = h.do(t, http.MethodPost, "/v1/three/geometry", map[string]any{
		"session_guid":    s.Guid,
		"uuid":            "geom-1",
		"compressed_json": base64.StdEncoding.EncodeToString([]byte("mesh")),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "changes forbidden, session is being rendered", env.Message)

	close(h.Channel.gate)
	h.waitJobState(t, j.Guid, models.JobCompleted)

	resp, _ = h.do(t, http.MethodPost, "/v1/three/geometry", map[string]any{
		"session_guid":    s.Guid,
		"uuid":            "geom-1",
		"compressed_json": base64.StdEncoding.EncodeToString([]byte("mesh")),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	h := newAPITestHelper(t, 1, withGatedRender())
	s := h.createSession(t)

	j := h.createRenderJob(t, s.Guid)
	h.waitJobState(t, j.Guid, models.JobRendering)

	resp, _ := h.do(t, http.MethodPut, "/v1/job/"+j.Guid, map[string]any{"state": "completed"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, env := h.do(t, http.MethodPut, "/v1/job/"+j.Guid, map[string]any{"state": "canceled"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Job
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, models.JobCanceled, got.State)

	resp, env = h.do(t, http.MethodGet, "/v1/job", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `[]`, string(env.Data))
}

func TestAssetCacheFlow(t *testing.T) {
	h := newAPITestHelper(t, 2)
	s1 := h.createSession(t)
	s2 := h.createSession(t)

	resp, env := h.do(t, http.MethodGet, "/v1/three/geometry/cache/abc123", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "geometry cache not found", env.Message)

	resp, env = h.do(t, http.MethodPost, "/v1/three/geometry", map[string]any{
		"session_guid":    s1.Guid,
		"uuid":            "geom-1",
		"compressed_json": base64.StdEncoding.EncodeToString([]byte("mesh-bytes")),
		"store_cache":     "abc123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "url", env.Type)
	require.JSONEq(t, `["https://farm.example.com/v1/three/geometry/cache/abc123/file"]`, string(env.Data))

	resp, env = h.do(t, http.MethodPost, "/v1/three/geometry", map[string]any{
		"session_guid": s2.Guid,
		"uuid":         "geom-2",
		"use_cache":    "abc123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.JSONEq(t, `["https://farm.example.com/v1/three/geometry/cache/abc123/file"]`, string(env.Data))

	resp, env = h.do(t, http.MethodGet, "/v1/three/geometry/cache/abc123", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.OK)

	raw, status := h.getRaw(t, "/v1/three/geometry/cache/abc123/file")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "mesh-bytes", raw)

	resp, _ = h.do(t, http.MethodPut, "/v1/three/geometry/geom-1", map[string]any{
		"session_guid": s2.Guid,
		"json":         map[string]any{"uuid": "geom-1", "v": 2},
		"reupload":     true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, status = h.getRaw(t, "/v1/three/geometry/geom-1/file")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"uuid":"geom-1","v":2}`, raw)

	resp, _ = h.do(t, http.MethodPost, "/v1/three/mesh", map[string]any{"session_guid": s1.Guid, "uuid": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func (h *apiTestHelper) getRaw(t *testing.T, path string) (string, int) {
	resp, err := http.Get(h.Server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw), resp.StatusCode
}

func TestTasksAreNotImplemented(t *testing.T) {
	h := newAPITestHelper(t, 0)

	resp, env := h.do(t, http.MethodGet, "/v1/task", nil)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	require.False(t, env.OK)

	resp, _ = h.do(t, http.MethodPost, "/v1/task", map[string]any{"api_key": "key-1"})
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	h := newAPITestHelper(t, 0, withLimiter(ratelimit.NewLimiter(100, 2, nil)))

	for i := 0; i < 2; i++ {
		resp, _ := h.do(t, http.MethodGet, "/v1/worker", nil, "X-Api-Key", "key-1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
	}
	resp, env := h.do(t, http.MethodGet, "/v1/worker", nil, "X-Api-Key", "key-1")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	require.Contains(t, env.Message, "rate limit exceeded")

	resp, _ = h.do(t, http.MethodGet, "/v1/worker", nil, "X-Api-Key", "key-2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOutputUploadAndServe(t *testing.T) {
	h := newAPITestHelper(t, 0)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "job-1.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(h.Server.URL+"/v1/renderoutput", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	stored, err := os.ReadFile(filepath.Join(h.Opts.RenderOutputDir, "job-1.png"))
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(stored))

	raw, status := h.getRaw(t, "/v1/renderoutput/job-1.png")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "png-bytes", raw)

	_, status = h.getRaw(t, "/v1/convertoutput/missing.fbx")
	require.Equal(t, http.StatusNotFound, status)
}

func TestPreflightAndUnknownRoute(t *testing.T) {
	h := newAPITestHelper(t, 0)

	resp, _ := h.do(t, http.MethodOptions, "/v1/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, env := h.do(t, http.MethodGet, "/v1/nothing-here", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "route not found", env.Message)
}
