package tabs

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every error reporting a missing tab.
var ErrNotFound = errors.New("tab not found")

// NotFoundError reports a tab handle that no longer exists. The text mirrors
// what the browser reports so pages see familiar messages.
type NotFoundError struct {
	ID ID
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("No tab with id: %s.", e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// EventKind classifies a tab lifecycle event.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventMoved
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventMoved:
		return "moved"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// StatusComplete is the Status reported once a tab finished loading.
const StatusComplete = "complete"

// Event is a tab lifecycle notification. Tab is populated for created and
// updated events; removed events only carry TabID.
type Event struct {
	Kind   EventKind
	TabID  ID
	Tab    Tab
	Status string
}

// Query selects tabs. A zero WindowID selects every window; a nil URLs
// matcher selects every URL.
type Query struct {
	WindowID WindowID
	URLs     *Matcher
}

// CreateOptions describes a new tab. Index < 0 appends after the last tab of
// the target window.
type CreateOptions struct {
	URL    string
	Active bool
	Index  int
	Pinned bool
}

// Directory is the host's window and tab management capability. Only the
// background agent holds one.
type Directory interface {
	// CurrentWindow returns the focused window.
	CurrentWindow(ctx context.Context) (WindowID, error)
	// Query returns matching tabs ordered by window, then tab index.
	Query(ctx context.Context, q Query) ([]Tab, error)
	Get(ctx context.Context, id ID) (Tab, error)
	Create(ctx context.Context, opts CreateOptions) (Tab, error)
	Remove(ctx context.Context, ids ...ID) error
	Move(ctx context.Context, id ID, index int) error
	Activate(ctx context.Context, id ID) error
	FocusWindow(ctx context.Context, id WindowID) error
	// Subscribe registers fn for lifecycle events and returns an unsubscribe
	// function. fn must not block.
	Subscribe(fn func(Event)) func()
}
