// Package store defines the persistent store collaborator and an in-memory
// implementation of it.
package store

import (
	"context"
	"time"

	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// SessionUpdate is a partial update: only non-nil fields are set.
type SessionUpdate struct {
	State      *models.SessionState
	LastSeen   *time.Time
	WorkerGuid *string
	FailReason *string
	ClosedAt   *time.Time
}

// SessionFilter selects sessions for ListSessions. Zero fields match everything.
type SessionFilter struct {
	States         []models.SessionState
	LastSeenBefore time.Time
}

// JobUpdate is a partial update: only non-nil fields are set.
type JobUpdate struct {
	State     *models.JobState
	URLs      []string
	Error     *string
	UpdatedAt *time.Time
}

type AccountStore interface {
	GetAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error)
	UpsertAPIKey(ctx context.Context, key *models.APIKey) error
	GetWorkspace(ctx context.Context, guid string) (*models.Workspace, error)
	UpsertWorkspace(ctx context.Context, ws *models.Workspace) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, guid string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	// UpdateSession applies set only if the session is currently in one of
	// the expect states (any state when expect is empty).
	UpdateSession(ctx context.Context, guid string, expect []models.SessionState, set SessionUpdate) (*models.Session, error)
}

type WorkerStore interface {
	GetWorker(ctx context.Context, guid string) (*models.Worker, error)
	UpsertWorker(ctx context.Context, worker *models.Worker) error
	ListWorkers(ctx context.Context, workgroup string) ([]*models.Worker, error)
	// ClaimWorker binds an available worker of the workgroup to the session.
	ClaimWorker(ctx context.Context, workgroup, sessionGuid string) (*models.Worker, error)
	// ReleaseWorker unbinds the worker if it is still bound to the session.
	ReleaseWorker(ctx context.Context, workerGuid, sessionGuid string) error
}

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, guid string) (*models.Job, error)
	// ListActiveJobs returns non-terminal jobs whose worker belongs to the workgroup.
	ListActiveJobs(ctx context.Context, workgroup string) ([]*models.Job, error)
	// UpdateJob applies set only if the job is currently in one of the expect
	// states (any state when expect is empty).
	UpdateJob(ctx context.Context, guid string, expect []models.JobState, set JobUpdate) (*models.Job, error)
}

// Store is the whole persistent store surface.
type Store interface {
	AccountStore
	SessionStore
	WorkerStore
	JobStore
}
