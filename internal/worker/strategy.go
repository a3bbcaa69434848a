package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/renderfarm-mini/internal/pool"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Resolver looks up the references a handshake needs when the session
// snapshot does not carry them.
type Resolver interface {
	GetWorker(ctx context.Context, guid string) (*models.Worker, error)
	GetWorkspace(ctx context.Context, guid string) (*models.Workspace, error)
}

// PoolStrategy connects a Channel to the session's worker and prepares its scene.
type PoolStrategy struct {
	// Dial returns a fresh, unconnected channel.
	Dial     func() Channel
	Resolver Resolver
	// TempDir is the worker-local directory scene dumps are written to.
	TempDir string
}

var (
	_ pool.Strategy[Channel]      = (*PoolStrategy)(nil)
	_ pool.HealthChecker[Channel] = (*PoolStrategy)(nil)
)

func (s *PoolStrategy) New(_ context.Context, _ *models.Session) (Channel, error) {
	return s.Dial(), nil
}

func (s *PoolStrategy) SetupSteps(session *models.Session) []pool.Step[Channel] {
	var workspace *models.Workspace

	steps := []pool.Step[Channel]{
		{
			Name: "connect to worker",
			Run: func(ctx context.Context, ch Channel) error {
				w, err := s.worker(ctx, session)
				if err != nil {
					return err
				}
				return ch.Connect(ctx, w.IP, w.Port, w.Endpoint)
			},
		},
		{
			Name: "update session guid on worker",
			Run: func(ctx context.Context, ch Channel) error {
				return ch.SetSession(ctx, session.Guid)
			},
		},
		{
			Name: "set workspace on worker",
			Run: func(ctx context.Context, ch Channel) error {
				ws, err := s.workspace(ctx, session)
				if err != nil {
					return err
				}
				workspace = ws
				return ch.SetWorkspace(ctx, ws)
			},
		},
	}

	if session.SceneFilename != "" {
		steps = append(steps, pool.Step[Channel]{
			Name: "open scene",
			Run: func(ctx context.Context, ch Channel) error {
				return ch.OpenScene(ctx, session.SceneFilename, workspace)
			},
		})
	} else {
		steps = append(steps, pool.Step[Channel]{
			Name: "reset scene",
			Run: func(ctx context.Context, ch Channel) error {
				return ch.ResetScene(ctx)
			},
		})
	}
	return steps
}

func (s *PoolStrategy) TeardownSteps(session *models.Session) []pool.Step[Channel] {
	dumpName := DumpFilename(session)

	var steps []pool.Step[Channel]
	if session.Debug {
		steps = append(steps, pool.Step[Channel]{
			Name: "save scene",
			Run: func(ctx context.Context, ch Channel) error {
				ws, err := s.workspace(ctx, session)
				if err != nil {
					return err
				}
				return ch.SaveScene(ctx, dumpName, ws)
			},
		})
	}
	return append(steps,
		pool.Step[Channel]{
			Name: "dump scene",
			Run: func(ctx context.Context, ch Channel) error {
				return ch.DumpScene(ctx, s.TempDir+dumpName)
			},
		},
		pool.Step[Channel]{
			Name: "exit app",
			Run: func(ctx context.Context, ch Channel) error {
				return ch.ExitApp(ctx)
			},
		},
		pool.Step[Channel]{
			Name: "disconnect",
			Run: func(_ context.Context, ch Channel) error {
				return ch.Disconnect()
			},
		},
	)
}

func (s *PoolStrategy) Discard(ch Channel) {
	_ = ch.Disconnect()
}

// Healthy reports false once a channel has lost its connection, so the pool
// reconnects and repeats the handshake on the next use.
func (s *PoolStrategy) Healthy(ch Channel) bool {
	if c, ok := ch.(interface{ Connected() bool }); ok {
		return c.Connected()
	}
	return true
}

// Releaser frees a worker bound to a session.
type Releaser interface {
	ReleaseWorker(ctx context.Context, workerGuid, sessionGuid string) error
}

// ReleaseAfterTeardown returns a pool eviction hook that frees the session's
// worker once its channel has been torn down.
func ReleaseAfterTeardown(r Releaser, logger *zap.Logger) func(*models.Session) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(session *models.Session) {
		if session.WorkerGuid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.ReleaseWorker(ctx, session.WorkerGuid, session.Guid); err != nil {
			logger.Warn("failed to release worker",
				zap.String("session-guid", session.Guid),
				zap.String("worker-guid", session.WorkerGuid),
				zap.Error(err))
			return
		}
		logger.Info("worker released",
			zap.String("session-guid", session.Guid),
			zap.String("worker-guid", session.WorkerGuid))
	}
}

// DumpFilename names the scene file saved when a session ends.
func DumpFilename(session *models.Session) string {
	return fmt.Sprintf("dump_apiKey=%s_sessionGuid=%s.max", session.APIKey, session.Guid)
}

func (s *PoolStrategy) worker(ctx context.Context, session *models.Session) (*models.Worker, error) {
	if session.WorkerRef != nil {
		return session.WorkerRef, nil
	}
	if session.WorkerGuid == "" {
		return nil, errors.Errorf("session %s has no worker", session.Guid)
	}
	return s.Resolver.GetWorker(ctx, session.WorkerGuid)
}

func (s *PoolStrategy) workspace(ctx context.Context, session *models.Session) (*models.Workspace, error) {
	if session.WorkspaceRef != nil {
		return session.WorkspaceRef, nil
	}
	return s.Resolver.GetWorkspace(ctx, session.WorkspaceGuid)
}
