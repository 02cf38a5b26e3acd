package models

import "time"

// Message represents an individual entry of the chat transcript. It keeps the raw text the participant
// produced alongside the markup derived from it, so presentation layers never need to render again.
type Message struct {
	ID             string
	Role           Role
	Content        string
	RenderedMarkup string
	Timestamp      time.Time

	// IsIntroduction marks the static greeting shown above the transcript. It is never part of the
	// transcript itself.
	IsIntroduction bool
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user, or submitted on their behalf.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the assistant.
	RoleAssistant Role = "assistant"
)

// RoadmapContext is the session context sent along with every chat request.
type RoadmapContext struct {
	RoadmapSlug string
}
