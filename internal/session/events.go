package session

import "github.com/MegaGrindStone/roadmap-chat/internal/models"

// EventKind tells which part of the View changed.
type EventKind string

const (
	EventTranscript EventKind = "transcript"
	EventStreaming  EventKind = "streaming"
	EventPartial    EventKind = "partial"
	EventGate       EventKind = "gate"
	EventScroll     EventKind = "scroll"
	EventPanel      EventKind = "panel"
	EventInput      EventKind = "input"
)

// Event is delivered to observers after every state change.
type Event struct {
	Kind EventKind
	View View
}

// Observer receives controller events. Observers are called one at a time, in the order the changes
// happened, and must not call mutating Controller methods synchronously.
type Observer func(Event)

// View is a snapshot of everything a presentation layer needs to draw the panel.
type View struct {
	// Messages is the display composition: the introduction, the transcript, then the in-progress
	// assistant message while streaming.
	Messages []models.Message
	Status   Status
	Input    string

	ShowJumpToLatest bool
	// ShowActions tells whether the clear / jump action bar is visible.
	ShowActions bool

	Panel PanelState
	Gate  GateOverlay
}

type observerEntry struct {
	id uint64
	fn Observer
}
