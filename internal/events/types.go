package events

import "github.com/shehryarbajwa/renderfarm-mini/pkg/models"

type SessionEventType string

const (
	SessionCreated SessionEventType = "session:created"
	SessionUpdated SessionEventType = "session:updated"
	SessionClosed  SessionEventType = "session:closed"
	SessionExpired SessionEventType = "session:expired"
	SessionFailed  SessionEventType = "session:failed"
)

// Terminal reports whether the event announces that the session left Open.
func (t SessionEventType) Terminal() bool {
	return t == SessionClosed || t == SessionExpired || t == SessionFailed
}

// SessionEvent carries a snapshot of the session after the transition.
type SessionEvent struct {
	Type    SessionEventType
	Session *models.Session
}

type JobEventType string

const (
	JobAdded     JobEventType = "job:added"
	JobUpdated   JobEventType = "job:updated"
	JobCompleted JobEventType = "job:completed"
	JobFailed    JobEventType = "job:failed"
	JobCanceled  JobEventType = "job:canceled"
)

// JobEvent carries a snapshot of the job after the transition.
type JobEvent struct {
	Type JobEventType
	Job  *models.Job
}
