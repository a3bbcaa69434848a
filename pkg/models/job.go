package models

import (
	"encoding/json"
	"time"
)

// JobState represents the dispatch state of a job
type JobState string

const (
	JobPending    JobState = "pending"
	JobRendering  JobState = "rendering"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCanceled   JobState = "canceled"
)

// Terminal reports whether the job is retained only for audit and polling
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// JobKind names the variant carried by a job
type JobKind string

const (
	JobKindUnknown JobKind = ""
	JobKindRender  JobKind = "render"
	JobKindConvert JobKind = "convert"
)

// RenderParams is the payload of a render job
type RenderParams struct {
	CameraJSON     json.RawMessage `json:"cameraJson,omitempty"`
	RenderWidth    int             `json:"renderWidth"`
	RenderHeight   int             `json:"renderHeight"`
	Alpha          bool            `json:"alpha"`
	RenderSettings map[string]any  `json:"renderSettings,omitempty"`
}

// ConvertParams is the payload of a convert job
type ConvertParams struct {
	InputURL string         `json:"inputUrl"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Job is one render or convert request dispatched against a session's worker.
// Exactly one of Render and Convert is expected to be set.
type Job struct {
	Guid        string         `json:"guid"`
	APIKey      string         `json:"apiKey"`
	WorkerGuid  string         `json:"workerGuid"`
	SessionGuid string         `json:"sessionGuid,omitempty"`
	Render      *RenderParams  `json:"render,omitempty"`
	Convert     *ConvertParams `json:"convert,omitempty"`
	State       JobState       `json:"state"`
	URLs        []string       `json:"urls"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Kind resolves the job variant from the data it carries. Camera data takes
// precedence over an input url.
func (j *Job) Kind() JobKind {
	if j.Render != nil && len(j.Render.CameraJSON) > 0 && string(j.Render.CameraJSON) != "null" {
		return JobKindRender
	}
	if j.Convert != nil && j.Convert.InputURL != "" {
		return JobKindConvert
	}
	return JobKindUnknown
}

func (j *Job) Clone() *Job {
	c := *j
	if j.Render != nil {
		r := *j.Render
		r.CameraJSON = append(json.RawMessage(nil), j.Render.CameraJSON...)
		c.Render = &r
	}
	if j.Convert != nil {
		cv := *j.Convert
		c.Convert = &cv
	}
	c.URLs = append([]string(nil), j.URLs...)
	return &c
}

// CreateRenderJobRequest is the payload for POST /v1/job
type CreateRenderJobRequest struct {
	SessionGuid    string          `json:"session_guid"`
	CameraJSON     json.RawMessage `json:"camera_json"`
	RenderWidth    int             `json:"render_width"`
	RenderHeight   int             `json:"render_height"`
	Alpha          bool            `json:"alpha"`
	RenderSettings map[string]any  `json:"render_settings,omitempty"`
}

// CreateConvertJobRequest is the payload for POST /v1/job/convert
type CreateConvertJobRequest struct {
	SessionGuid string         `json:"session_guid"`
	InputURL    string         `json:"input_url"`
	Settings    map[string]any `json:"settings,omitempty"`
}
