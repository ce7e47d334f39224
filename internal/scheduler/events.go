package scheduler

import (
	"time"

	"upkeep/internal/eventbus"
)

// Event types published on the bus. Finished and skipped events carry a job.Result.
const (
	EventJobStarted     = "job.started"
	EventJobFinished    = "job.finished"
	EventJobSkipped     = "job.skipped"
	EventRetryScheduled = "job.retry_scheduled"
)

type StartedEvent struct {
	JobID       string    `json:"job_id"`
	ExecutionID string    `json:"execution_id"`
	Attempt     int       `json:"attempt"`
	Manual      bool      `json:"manual"`
	At          time.Time `json:"at"`
}

type RetryEvent struct {
	JobID   string    `json:"job_id"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Cause   string    `json:"cause,omitempty"`
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
