package event

import "time"

// Lifecycle event types published by the discovery coordinator and the
// submission watchers.
const (
	TypeWatcherStarted     = "watcher_started"
	TypeDiscoveryDuplicate = "discovery_duplicate"
	TypeDirectoryCreated   = "directory_created"
	TypeEvaluated          = "evaluated"
	TypeDispatched         = "dispatched"
	TypeDispatchFailed     = "dispatch_failed"
	TypeWatcherTerminated  = "watcher_terminated"
)

// WatcherEvent describes one step in a submission directory's life.
type WatcherEvent struct {
	EventType  string    `json:"type"`
	Path       string    `json:"path"`
	State      string    `json:"state,omitempty"`
	Complete   bool      `json:"complete,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewWatcherEvent(eventType, path string) WatcherEvent {
	return WatcherEvent{
		EventType:  eventType,
		Path:       path,
		OccurredAt: time.Now().UTC(),
	}
}

func (e WatcherEvent) Type() string {
	return e.EventType
}

func (e WatcherEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// Publisher is the subset of *Bus used by producers.
type Publisher[T any] interface {
	Publish(T)
}
