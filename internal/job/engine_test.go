package job

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/internal/events"
	"github.com/shehryarbajwa/renderfarm-mini/internal/store"
	"github.com/shehryarbajwa/renderfarm-mini/internal/worker"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type renderCall struct {
	outputPath string
	width      int
	height     int
}

type convertCall struct {
	inputURL   string
	inputPath  string
	outputPath string
}

// fakeChannel implements only the job operations; anything else panics.
type fakeChannel struct {
	worker.Channel

	mu       sync.Mutex
	renders  []renderCall
	converts []convertCall
	err      error
	gate     chan struct{}
}

func (c *fakeChannel) RenderScene(ctx context.Context, _ json.RawMessage, w, h int, out string, _ bool, _ map[string]any) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renders = append(c.renders, renderCall{outputPath: out, width: w, height: h})
	return c.err
}

func (c *fakeChannel) ConvertFile(ctx context.Context, inputURL, inputPath, outputPath string, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.converts = append(c.converts, convertCall{inputURL: inputURL, inputPath: inputPath, outputPath: outputPath})
	return c.err
}

func (c *fakeChannel) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.renders) + len(c.converts)
}

type fakeAcquirer struct {
	ch  worker.Channel
	err error

	mu   sync.Mutex
	gets int
}

func (a *fakeAcquirer) Get(_ context.Context, _ *models.Session) (worker.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gets++
	if a.err != nil {
		return nil, a.err
	}
	return a.ch, nil
}

type engineTestHelper struct {
	Engine   *Engine
	Store    *store.Memory
	Channel  *fakeChannel
	Acquirer *fakeAcquirer
	Events   *events.Recorder[events.JobEvent]
	Session  *models.Session
}

func newEngineTestHelper(t *testing.T) *engineTestHelper {
	clk := clock.NewMock()
	st := store.NewMemory(clk)
	ch := &fakeChannel{}
	acq := &fakeAcquirer{ch: ch}
	rec := &events.Recorder[events.JobEvent]{}

	e := NewEngine(Deps{
		Store:         st,
		Workers:       acq,
		Events:        rec,
		Clock:         clk,
		PublicURL:     "https://farm.example.com",
		MajorVersion:  1,
		WorkerTempDir: `C:\Temp\`,
	})
	t.Cleanup(e.Close)

	return &engineTestHelper{
		Engine:   e,
		Store:    st,
		Channel:  ch,
		Acquirer: acq,
		Events:   rec,
		Session: &models.Session{
			Guid:       "session-1",
			APIKey:     "key-1",
			WorkerGuid: "worker-a",
			State:      models.SessionOpen,
		},
	}
}

func (h *engineTestHelper) createJob(t *testing.T, job *models.Job) *models.Job {
	job.APIKey = "key-1"
	job.WorkerGuid = h.Session.WorkerGuid
	job.SessionGuid = h.Session.Guid
	job.State = models.JobPending
	require.NoError(t, h.Store.CreateJob(context.Background(), job))
	return job
}

func (h *engineTestHelper) waitState(t *testing.T, guid string, state models.JobState) *models.Job {
	var last *models.Job
	require.Eventually(t, func() bool {
		j, err := h.Store.GetJob(context.Background(), guid)
		require.NoError(t, err)
		last = j
		return j.State == state
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func (h *engineTestHelper) eventTypes() []events.JobEventType {
	var types []events.JobEventType
	for _, ev := range h.Events.Events() {
		types = append(types, ev.Type)
	}
	return types
}

func renderJob(guid string) *models.Job {
	return &models.Job{
		Guid: guid,
		Render: &models.RenderParams{
			CameraJSON:   json.RawMessage(`{"position":[0,0,10]}`),
			RenderWidth:  640,
			RenderHeight: 480,
		},
	}
}

func TestRenderJobCompletes(t *testing.T) {
	h := newEngineTestHelper(t)
	job := h.createJob(t, renderJob("job-1"))

	h.Engine.Start(h.Session, job)
	done := h.waitState(t, "job-1", models.JobCompleted)
	h.Engine.Close()

	require.Equal(t, []string{"https://farm.example.com/v1/renderoutput/job-1.png"}, done.URLs)
	require.Empty(t, done.Error)
	require.Equal(t, []renderCall{{outputPath: `C:\Temp\job-1.png`, width: 640, height: 480}}, h.Channel.renders)
	require.Equal(t, []events.JobEventType{events.JobAdded, events.JobUpdated, events.JobCompleted}, h.eventTypes())
	require.Equal(t, models.JobRendering, h.Events.Events()[1].Job.State)
	require.False(t, h.Engine.InFlight("job-1"))
}

func TestConvertJobCompletes(t *testing.T) {
	h := newEngineTestHelper(t)
	job := h.createJob(t, &models.Job{
		Guid:    "job-2",
		Convert: &models.ConvertParams{InputURL: "https://cdn.example.com/files/model.obj?sig=abc"},
	})

	h.Engine.Start(h.Session, job)
	done := h.waitState(t, "job-2", models.JobCompleted)
	h.Engine.Close()

	require.Equal(t, []string{"https://farm.example.com/v1/convertoutput/job-2.fbx"}, done.URLs)
	require.Equal(t, []convertCall{{
		inputURL:   "https://cdn.example.com/files/model.obj?sig=abc",
		inputPath:  `C:\Temp\job-2.obj`,
		outputPath: `C:\Temp\job-2.fbx`,
	}}, h.Channel.converts)
	require.Equal(t, models.JobProcessing, h.Events.Events()[1].Job.State)
}

func TestUnknownVariantFailsWithoutRemoteCall(t *testing.T) {
	h := newEngineTestHelper(t)
	job := h.createJob(t, &models.Job{
		Guid:   "job-3",
		Render: &models.RenderParams{CameraJSON: json.RawMessage(`null`)},
	})

	h.Engine.Start(h.Session, job)
	failed := h.waitState(t, "job-3", models.JobFailed)
	h.Engine.Close()

	require.Contains(t, failed.Error, "camera json or input url")
	require.Zero(t, h.Acquirer.gets)
	require.Zero(t, h.Channel.calls())
	require.Equal(t, []events.JobEventType{events.JobFailed}, h.eventTypes())
}

func TestPoolConstructionFailureFailsJob(t *testing.T) {
	h := newEngineTestHelper(t)
	h.Acquirer.err = derror.PoolConstruction(errors.New("connection refused"), "connect to worker")
	job := h.createJob(t, renderJob("job-4"))

	h.Engine.Start(h.Session, job)
	failed := h.waitState(t, "job-4", models.JobFailed)
	h.Engine.Close()

	require.Contains(t, failed.Error, "failed to connect to worker")
	require.Zero(t, h.Channel.calls())
	require.Equal(t, []events.JobEventType{events.JobFailed}, h.eventTypes())
}

func TestRemoteFailureMessageIsKept(t *testing.T) {
	h := newEngineTestHelper(t)
	h.Channel.err = errors.New("renderScene: out of memory")
	job := h.createJob(t, renderJob("job-5"))

	h.Engine.Start(h.Session, job)
	failed := h.waitState(t, "job-5", models.JobFailed)
	h.Engine.Close()

	require.Equal(t, "renderScene: out of memory", failed.Error)
	require.Empty(t, failed.URLs)
	require.Equal(t, []events.JobEventType{events.JobAdded, events.JobUpdated, events.JobFailed}, h.eventTypes())
}

func TestCancelDropsLateResult(t *testing.T) {
	h := newEngineTestHelper(t)
	h.Channel.gate = make(chan struct{})
	job := h.createJob(t, renderJob("job-6"))

	h.Engine.Start(h.Session, job)
	h.waitState(t, "job-6", models.JobRendering)
	require.True(t, h.Engine.InFlight("job-6"))
	require.True(t, h.Engine.WorkerBusy("worker-a"))
	require.False(t, h.Engine.WorkerBusy("worker-b"))

	canceled, err := h.Engine.Cancel(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.JobCanceled, canceled.State)
	require.False(t, h.Engine.InFlight("job-6"))

	close(h.Channel.gate)
	h.Engine.Close()

	got, err := h.Store.GetJob(context.Background(), "job-6")
	require.NoError(t, err)
	require.Equal(t, models.JobCanceled, got.State)
	require.Empty(t, got.URLs)
	require.Equal(t, []events.JobEventType{events.JobAdded, events.JobUpdated, events.JobCanceled}, h.eventTypes())
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	h := newEngineTestHelper(t)
	job := h.createJob(t, renderJob("job-7"))

	h.Engine.Start(h.Session, job)
	h.waitState(t, "job-7", models.JobCompleted)
	h.Engine.Close()

	_, err := h.Engine.Cancel(context.Background(), job)
	require.True(t, derror.IsConflict(err))
}
