// Package job dispatches render and convert jobs to the worker bound to a session.
package job

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/renderfarm-mini/internal/events"
	"github.com/shehryarbajwa/renderfarm-mini/internal/pool"
	"github.com/shehryarbajwa/renderfarm-mini/internal/store"
	"github.com/shehryarbajwa/renderfarm-mini/internal/worker"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Deps holds everything an Engine is built from.
type Deps struct {
	Store   store.JobStore
	Workers pool.Acquirer[worker.Channel]
	Events  events.Publisher[events.JobEvent]
	Logger  *zap.Logger
	Clock   clock.Clock

	// PublicURL and MajorVersion form the base of produced artifact urls.
	PublicURL    string
	MajorVersion int
	// WorkerTempDir is the worker-local directory outputs are written to.
	WorkerTempDir string
	// JobTimeout bounds a single remote operation; zero means no bound.
	JobTimeout time.Duration
}

// Engine runs each started job in its own goroutine. It does not retry and
// does not limit the number of in-flight jobs per worker.
type Engine struct {
	deps Deps

	mu       sync.Mutex
	inflight map[string]*models.Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Events == nil {
		deps.Events = &events.Recorder[events.JobEvent]{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:     deps,
		inflight: make(map[string]*models.Job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the job and dispatches it asynchronously. The outcome is
// persisted and published; the caller observes it by polling the store.
func (e *Engine) Start(session *models.Session, job *models.Job) {
	e.mu.Lock()
	e.inflight[job.Guid] = job
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.run(e.ctx, session, job); err != nil {
			e.fail(job, err)
		}
	}()
}

// Cancel drops the job from the in-flight set and persists it as canceled.
// A remote operation already running on the worker is not interrupted.
func (e *Engine) Cancel(ctx context.Context, job *models.Job) (*models.Job, error) {
	e.forget(job.Guid)

	state := models.JobCanceled
	now := e.deps.Clock.Now()
	canceled, err := e.deps.Store.UpdateJob(ctx, job.Guid,
		[]models.JobState{models.JobPending, models.JobRendering, models.JobProcessing},
		store.JobUpdate{State: &state, UpdatedAt: &now})
	if err != nil {
		return nil, err
	}

	e.deps.Logger.Info("job canceled", zap.String("job-guid", job.Guid))
	e.deps.Events.Publish(events.JobEvent{Type: events.JobCanceled, Job: canceled})
	return canceled, nil
}

// InFlight reports whether the job was started and has not finished yet.
func (e *Engine) InFlight(jobGuid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[jobGuid]
	return ok
}

// WorkerBusy reports whether any in-flight job targets the worker.
func (e *Engine) WorkerBusy(workerGuid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, j := range e.inflight {
		if j.WorkerGuid == workerGuid {
			return true
		}
	}
	return false
}

// Close aborts dispatches that have not reached the worker yet and waits for
// every job goroutine to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, session *models.Session, job *models.Job) error {
	logger := e.deps.Logger.With(zap.String("job-guid", job.Guid), zap.String("session-guid", session.Guid))

	kind := job.Kind()
	if kind == models.JobKindUnknown {
		return errors.New("job must have either camera json or input url")
	}

	ch, err := e.deps.Workers.Get(ctx, session)
	if err != nil {
		return err
	}
	e.deps.Events.Publish(events.JobEvent{Type: events.JobAdded, Job: job.Clone()})

	running := models.JobRendering
	if kind == models.JobKindConvert {
		running = models.JobProcessing
	}
	updated, err := e.transition(ctx, job, []models.JobState{models.JobPending}, running)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	e.deps.Events.Publish(events.JobEvent{Type: events.JobUpdated, Job: updated})
	logger.Info("job dispatched", zap.String("kind", string(kind)))

	opCtx := ctx
	if e.deps.JobTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, e.deps.JobTimeout)
		defer cancel()
	}

	var artifact string
	switch kind {
	case models.JobKindRender:
		artifact, err = e.render(opCtx, ch, job)
	case models.JobKindConvert:
		artifact, err = e.convert(opCtx, ch, job)
	}
	if err != nil {
		return err
	}

	completed, err := e.complete(ctx, job, running, []string{artifact})
	if err != nil {
		return err
	}
	if completed != nil {
		logger.Info("job completed", zap.Strings("urls", completed.URLs))
		e.deps.Events.Publish(events.JobEvent{Type: events.JobCompleted, Job: completed})
	}
	return nil
}

func (e *Engine) render(ctx context.Context, ch worker.Channel, job *models.Job) (string, error) {
	filename := RenderFilename(job)
	r := job.Render
	if err := ch.RenderScene(ctx, r.CameraJSON, r.RenderWidth, r.RenderHeight,
		e.deps.WorkerTempDir+filename, r.Alpha, r.RenderSettings); err != nil {
		return "", err
	}
	return e.publicURL("renderoutput", filename), nil
}

func (e *Engine) convert(ctx context.Context, ch worker.Channel, job *models.Job) (string, error) {
	ext, err := inputExt(job.Convert.InputURL)
	if err != nil {
		return "", err
	}
	filename := ConvertFilename(job)
	if err := ch.ConvertFile(ctx, job.Convert.InputURL,
		e.deps.WorkerTempDir+job.Guid+ext,
		e.deps.WorkerTempDir+filename,
		job.Convert.Settings); err != nil {
		return "", err
	}
	return e.publicURL("convertoutput", filename), nil
}

// transition moves the job between non-terminal states. It returns nil when
// the job left the expected states meanwhile, e.g. it was canceled.
func (e *Engine) transition(ctx context.Context, job *models.Job, from []models.JobState, to models.JobState) (*models.Job, error) {
	now := e.deps.Clock.Now()
	updated, err := e.deps.Store.UpdateJob(ctx, job.Guid, from, store.JobUpdate{State: &to, UpdatedAt: &now})
	if err != nil {
		if e.canceledMeanwhile(job) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "set job state %s", to)
	}
	return updated, nil
}

func (e *Engine) complete(ctx context.Context, job *models.Job, from models.JobState, urls []string) (*models.Job, error) {
	e.forget(job.Guid)

	state := models.JobCompleted
	now := e.deps.Clock.Now()
	completed, err := e.deps.Store.UpdateJob(ctx, job.Guid, []models.JobState{from},
		store.JobUpdate{State: &state, URLs: urls, UpdatedAt: &now})
	if err != nil {
		if e.canceledMeanwhile(job) {
			e.deps.Logger.Info("job finished after cancel, result dropped", zap.String("job-guid", job.Guid))
			return nil, nil
		}
		return nil, errors.Wrap(err, "complete job")
	}
	return completed, nil
}

func (e *Engine) fail(job *models.Job, cause error) {
	e.forget(job.Guid)

	// The engine context may be gone already; persisting the failure must not depend on it.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := cause.Error()
	state := models.JobFailed
	now := e.deps.Clock.Now()
	failed, err := e.deps.Store.UpdateJob(ctx, job.Guid,
		[]models.JobState{models.JobPending, models.JobRendering, models.JobProcessing},
		store.JobUpdate{State: &state, Error: &msg, UpdatedAt: &now})
	if err != nil {
		e.deps.Logger.Warn("failed to persist job failure",
			zap.String("job-guid", job.Guid),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}

	e.deps.Logger.Warn("job failed", zap.String("job-guid", job.Guid), zap.Error(cause))
	e.deps.Events.Publish(events.JobEvent{Type: events.JobFailed, Job: failed})
}

func (e *Engine) forget(jobGuid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, jobGuid)
}

func (e *Engine) canceledMeanwhile(job *models.Job) bool {
	current, err := e.deps.Store.GetJob(context.Background(), job.Guid)
	return err == nil && current.State == models.JobCanceled
}

func (e *Engine) publicURL(route, filename string) string {
	return fmt.Sprintf("%s/v%d/%s/%s", e.deps.PublicURL, e.deps.MajorVersion, route, filename)
}

// RenderFilename is the output name of a render job.
func RenderFilename(job *models.Job) string {
	return job.Guid + ".png"
}

// ConvertFilename is the output name of a convert job.
func ConvertFilename(job *models.Job) string {
	return job.Guid + ".fbx"
}

func inputExt(inputURL string) (string, error) {
	u, err := url.Parse(inputURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse input url %q", inputURL)
	}
	return path.Ext(path.Base(u.Path)), nil
}
