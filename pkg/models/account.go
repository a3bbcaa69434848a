package models

import "time"

// APIKey identifies a client account
type APIKey struct {
	APIKey    string    `json:"apiKey"`
	UserGuid  string    `json:"userGuid,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Workspace describes the worker-side folders a session operates in
type Workspace struct {
	Guid      string    `json:"guid"`
	APIKey    string    `json:"apiKey"`
	Workgroup string    `json:"workgroup"`
	HomeDir   string    `json:"homeDir"`
	Name      string    `json:"name"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (w *Workspace) Clone() *Workspace {
	c := *w
	return &c
}
