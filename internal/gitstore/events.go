package gitstore

import "github.com/dshills/reposync/internal/bufstore"

// EventKind classifies store notifications.
type EventKind int

const (
	// EventRepositoryAdded fires when reconciliation discovers a new
	// work directory.
	EventRepositoryAdded EventKind = iota

	// EventRepositoryUpdated fires when a repository's snapshot changed.
	EventRepositoryUpdated

	// EventRepositoryRemoved fires when a work directory disappears.
	EventRepositoryRemoved

	// EventActiveRepositoryChanged fires when the in-focus repository
	// changes, including to none.
	EventActiveRepositoryChanged

	// EventIndexWriteError fires when an optimistic hunk-staging index
	// write fails and has been rolled back.
	EventIndexWriteError

	// EventJobsChanged fires when a repository's running-job status
	// changes; read RunningJobs for the current set.
	EventJobsChanged
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventRepositoryAdded:
		return "repository-added"
	case EventRepositoryUpdated:
		return "repository-updated"
	case EventRepositoryRemoved:
		return "repository-removed"
	case EventActiveRepositoryChanged:
		return "active-repository-changed"
	case EventIndexWriteError:
		return "index-write-error"
	case EventJobsChanged:
		return "jobs-changed"
	default:
		return "unknown"
	}
}

// Event is a store notification.
type Event struct {
	Kind         EventKind
	RepositoryID RepositoryID
	BufferID     bufstore.BufferID
	Err          error
}

// EventPublisher receives store notifications. Publish must not block.
type EventPublisher interface {
	Publish(Event)
}

// EventPublisherFunc adapts a function to the EventPublisher interface.
type EventPublisherFunc func(Event)

// Publish implements EventPublisher.
func (f EventPublisherFunc) Publish(ev Event) { f(ev) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
