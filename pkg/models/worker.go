package models

import "time"

// Worker is a remote render/convert host reachable over a control channel
type Worker struct {
	Guid        string    `json:"guid"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Workgroup   string    `json:"workgroup"`
	CPUUsage    float64   `json:"cpuUsage"`
	RAMUsage    float64   `json:"ramUsage"`
	TotalRAM    float64   `json:"totalRam"`
	SessionGuid string    `json:"sessionGuid,omitempty"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Available reports whether no session is bound to the worker
func (w *Worker) Available() bool {
	return w.SessionGuid == ""
}

func (w *Worker) Clone() *Worker {
	c := *w
	return &c
}
