package notifier

import (
	"context"
	"time"

	"upkeep/internal/job"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int
	// MinInterval and Burst shape the send token bucket.
	MinInterval time.Duration
	Burst       int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// States selects which terminal results alert. Empty means failed only.
	States []job.State
}

// Notification is one outgoing alert.
type Notification struct {
	// Key groups identical alerts for dedup; empty disables dedup.
	Key      string
	Text     string
	Priority int
}

// Sender delivers rendered alert text to one destination.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

type HistoryItem struct {
	At   time.Time
	Text string
}

// Event types the notifier publishes on the bus.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)

// NotificationEvent is the Data of notifier bus events.
type NotificationEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
