package models

import "time"

// SessionState represents the lifecycle state of a client session
type SessionState string

const (
	SessionOpen    SessionState = "open"
	SessionClosed  SessionState = "closed"
	SessionExpired SessionState = "expired"
	SessionFailed  SessionState = "failed"
)

// Terminal reports whether no further transition may leave the state
func (s SessionState) Terminal() bool {
	return s == SessionClosed || s == SessionExpired || s == SessionFailed
}

// Session binds a client to exactly one worker for a limited time
type Session struct {
	Guid          string       `json:"guid"`
	APIKey        string       `json:"apiKey"`
	WorkspaceGuid string       `json:"workspaceGuid"`
	WorkerGuid    string       `json:"workerGuid,omitempty"`
	SceneFilename string       `json:"sceneFilename,omitempty"`
	TTLMinutes    int          `json:"ttl"`
	FirstSeen     time.Time    `json:"firstSeen"`
	LastSeen      time.Time    `json:"lastSeen"`
	Debug         bool         `json:"debug,omitempty"`
	State         SessionState `json:"state"`
	FailReason    string       `json:"failReason,omitempty"`
	ClosedAt      *time.Time   `json:"closedAt,omitempty"`

	// Populated only when references are resolved; never persisted.
	WorkerRef    *Worker    `json:"workerRef,omitempty"`
	WorkspaceRef *Workspace `json:"workspaceRef,omitempty"`
}

// Open reports whether the session still accepts work
func (s *Session) Open() bool {
	return s.State == SessionOpen
}

// Clone returns a deep copy without resolved references
func (s *Session) Clone() *Session {
	c := *s
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	c.WorkerRef = nil
	c.WorkspaceRef = nil
	return &c
}

// CreateSessionRequest is the payload for opening a new session
type CreateSessionRequest struct {
	APIKey        string `json:"api_key"`
	WorkspaceGuid string `json:"workspace_guid"`
	SceneFilename string `json:"scene_filename,omitempty"`
	Debug         bool   `json:"debug,omitempty"`
}
