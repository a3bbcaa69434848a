package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/internal/events"
	"github.com/shehryarbajwa/renderfarm-mini/internal/store"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Store is the part of the persistent store the manager needs
type Store interface {
	store.AccountStore
	store.SessionStore
	store.WorkerStore
}

// Deps holds everything a Manager is built from
type Deps struct {
	Store  Store
	Events events.Publisher[events.SessionEvent]
	Logger *zap.Logger
	Clock  clock.Clock

	// TTLMinutes is recorded on new sessions.
	TTLMinutes int
	// APIKeyCheck and WorkspaceCheck toggle the lookups done by Create.
	APIKeyCheck    bool
	WorkspaceCheck bool
	// DeferWorkerRelease leaves freeing the worker of a finished session to
	// whoever tears down its worker channel.
	DeferWorkerRelease bool
}

// GetOptions controls how Get resolves a session
type GetOptions struct {
	AllowClosed bool
	Touch       bool
	ResolveRefs bool
}

// Manager owns session state transitions and expiry
type Manager struct {
	deps Deps

	// sweepMu serializes expiry sweeps.
	sweepMu sync.Mutex
}

// NewManager creates a new session manager
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Events == nil {
		deps.Events = &events.Recorder[events.SessionEvent]{}
	}
	return &Manager{deps: deps}
}

// Create opens a new session and binds it to an available worker of the workgroup
func (m *Manager) Create(ctx context.Context, apiKey, workgroup, workspaceGuid, sceneFilename string, debug bool) (*models.Session, error) {
	if apiKey == "" {
		return nil, derror.Validation("api_key is required")
	}
	if workspaceGuid == "" {
		return nil, derror.Validation("workspace_guid is required")
	}

	if m.deps.APIKeyCheck {
		if _, err := m.deps.Store.GetAPIKey(ctx, apiKey); err != nil {
			if derror.IsNotFound(err) {
				return nil, derror.Validation("api key %s rejected", apiKey)
			}
			return nil, errors.Wrap(err, "lookup api key")
		}
	}
	if m.deps.WorkspaceCheck {
		ws, err := m.deps.Store.GetWorkspace(ctx, workspaceGuid)
		if err != nil {
			if derror.IsNotFound(err) {
				return nil, derror.Validation("workspace %s rejected", workspaceGuid)
			}
			return nil, errors.Wrap(err, "lookup workspace")
		}
		if ws.APIKey != apiKey {
			return nil, derror.Validation("workspace %s does not belong to api key", workspaceGuid)
		}
	}

	sessionGuid := uuid.New().String()
	worker, err := m.deps.Store.ClaimWorker(ctx, workgroup, sessionGuid)
	if err != nil {
		return nil, err
	}

	now := m.deps.Clock.Now()
	session := &models.Session{
		Guid:          sessionGuid,
		APIKey:        apiKey,
		WorkspaceGuid: workspaceGuid,
		WorkerGuid:    worker.Guid,
		SceneFilename: sceneFilename,
		TTLMinutes:    m.deps.TTLMinutes,
		FirstSeen:     now,
		LastSeen:      now,
		Debug:         debug,
		State:         models.SessionOpen,
	}
	if err := m.deps.Store.CreateSession(ctx, session); err != nil {
		m.releaseWorker(ctx, session)
		return nil, errors.Wrap(err, "create session")
	}

	m.deps.Logger.Info("session created",
		zap.String("session-guid", session.Guid),
		zap.String("worker-guid", worker.Guid),
		zap.String("workgroup", workgroup))
	m.deps.Events.Publish(events.SessionEvent{Type: events.SessionCreated, Session: session.Clone()})
	return session, nil
}

// Get retrieves a session. Sessions that are no longer open are reported as
// not found unless AllowClosed is set.
func (m *Manager) Get(ctx context.Context, guid string, opts GetOptions) (*models.Session, error) {
	session, err := m.deps.Store.GetSession(ctx, guid)
	if err != nil {
		return nil, err
	}
	if !session.Open() && !opts.AllowClosed {
		return nil, derror.NotFound("session %s is %s", guid, session.State)
	}

	if opts.Touch && session.Open() {
		now := m.deps.Clock.Now()
		touched, err := m.deps.Store.UpdateSession(ctx, guid,
			[]models.SessionState{models.SessionOpen},
			store.SessionUpdate{LastSeen: &now})
		switch {
		case err == nil:
			session = touched
		case derror.IsConflict(err):
			// A terminal transition won the race.
			if session, err = m.deps.Store.GetSession(ctx, guid); err != nil {
				return nil, err
			}
			if !opts.AllowClosed {
				return nil, derror.NotFound("session %s is %s", guid, session.State)
			}
		default:
			return nil, errors.Wrap(err, "touch session")
		}
	}

	if opts.ResolveRefs {
		m.resolveRefs(ctx, session)
	}
	return session, nil
}

// Touch extends the session's lastSeen so it survives the next expiry sweep
func (m *Manager) Touch(ctx context.Context, guid string) (*models.Session, error) {
	return m.Get(ctx, guid, GetOptions{Touch: true})
}

// Close transitions an open session to closed. Closing a closed session is a no-op.
func (m *Manager) Close(ctx context.Context, guid string) (*models.Session, error) {
	now := m.deps.Clock.Now()
	state := models.SessionClosed
	session, err := m.deps.Store.UpdateSession(ctx, guid,
		[]models.SessionState{models.SessionOpen},
		store.SessionUpdate{State: &state, ClosedAt: &now})
	if derror.IsConflict(err) {
		current, getErr := m.deps.Store.GetSession(ctx, guid)
		if getErr != nil {
			return nil, getErr
		}
		if current.State == models.SessionClosed {
			return current, nil
		}
		return nil, derror.Forbidden("session %s is %s", guid, current.State)
	}
	if err != nil {
		return nil, err
	}

	m.finish(ctx, session, events.SessionClosed)
	return session, nil
}

// Fail transitions an open session to failed and records the reason
func (m *Manager) Fail(ctx context.Context, guid, reason string) (*models.Session, error) {
	now := m.deps.Clock.Now()
	state := models.SessionFailed
	session, err := m.deps.Store.UpdateSession(ctx, guid,
		[]models.SessionState{models.SessionOpen},
		store.SessionUpdate{State: &state, ClosedAt: &now, FailReason: &reason})
	if derror.IsConflict(err) {
		return nil, derror.Forbidden("session %s is no longer open", guid)
	}
	if err != nil {
		return nil, err
	}

	m.finish(ctx, session, events.SessionFailed)
	return session, nil
}

// ExpireSweep expires every open session not seen for timeoutMinutes and
// returns the sessions it transitioned. Sweeps never overlap.
func (m *Manager) ExpireSweep(ctx context.Context, timeoutMinutes int) ([]*models.Session, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	now := m.deps.Clock.Now()
	idle, err := m.deps.Store.ListSessions(ctx, store.SessionFilter{
		States:         []models.SessionState{models.SessionOpen},
		LastSeenBefore: now.Add(-time.Duration(timeoutMinutes) * time.Minute),
	})
	if err != nil {
		return nil, errors.Wrap(err, "list idle sessions")
	}

	state := models.SessionExpired
	var expired []*models.Session
	for _, candidate := range idle {
		session, err := m.deps.Store.UpdateSession(ctx, candidate.Guid,
			[]models.SessionState{models.SessionOpen},
			store.SessionUpdate{State: &state, ClosedAt: &now})
		if derror.IsConflict(err) {
			continue
		}
		if err != nil {
			return expired, errors.Wrapf(err, "expire session %s", candidate.Guid)
		}
		m.finish(ctx, session, events.SessionExpired)
		expired = append(expired, session)
	}
	return expired, nil
}

// Run sweeps expired sessions every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration, timeoutMinutes int) error {
	ticker := m.deps.Clock.Ticker(interval)
	defer ticker.Stop()

	m.deps.Logger.Info("session watchdog started",
		zap.Duration("interval", interval),
		zap.Int("timeout-minutes", timeoutMinutes))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := m.ExpireSweep(ctx, timeoutMinutes)
			if err != nil {
				m.deps.Logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if len(expired) > 0 {
				m.deps.Logger.Info("sessions expired", zap.Int("count", len(expired)))
			}
		}
	}
}

func (m *Manager) finish(ctx context.Context, session *models.Session, evType events.SessionEventType) {
	if !m.deps.DeferWorkerRelease {
		m.releaseWorker(ctx, session)
	}
	m.deps.Logger.Info("session finished",
		zap.String("session-guid", session.Guid),
		zap.String("state", string(session.State)))
	m.deps.Events.Publish(events.SessionEvent{Type: evType, Session: session.Clone()})
}

func (m *Manager) releaseWorker(ctx context.Context, session *models.Session) {
	if session.WorkerGuid == "" {
		return
	}
	if err := m.deps.Store.ReleaseWorker(ctx, session.WorkerGuid, session.Guid); err != nil {
		m.deps.Logger.Warn("failed to release worker",
			zap.String("session-guid", session.Guid),
			zap.String("worker-guid", session.WorkerGuid),
			zap.Error(err))
	}
}

// resolveRefs attaches worker and workspace snapshots. Missing references are not errors.
func (m *Manager) resolveRefs(ctx context.Context, session *models.Session) {
	if session.WorkerGuid != "" {
		if worker, err := m.deps.Store.GetWorker(ctx, session.WorkerGuid); err == nil {
			session.WorkerRef = worker
		}
	}
	if ws, err := m.deps.Store.GetWorkspace(ctx, session.WorkspaceGuid); err == nil {
		session.WorkspaceRef = ws
	}
}
