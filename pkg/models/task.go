package models

// Task is a queued unit of work preceding job creation
type Task struct {
	Guid   string `json:"guid"`
	APIKey string `json:"apiKey"`
}
