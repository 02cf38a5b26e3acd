package session

import (
	"context"
	"iter"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
)

// StreamingClient performs the chat request. It accepts the full transcript and the roadmap context,
// returning an iterator that yields assistant text chunks as they arrive, or an error that ends the
// stream. Cancelling ctx stops further chunks.
type StreamingClient interface {
	Chat(ctx context.Context, transcript []models.Message, roadmap models.RoadmapContext) iter.Seq2[string, error]
}

// Auth reports whether the user is logged in and can ask them to do so.
type Auth interface {
	IsAuthenticated() bool
	PromptLogin()
}

// Quota provides the AI usage of the current user. Refresh is called after every completed answer and
// returns the refetched usage.
type Quota interface {
	FetchUsage(ctx context.Context) (models.Usage, error)
	Refresh(ctx context.Context) (models.Usage, error)
}

// Billing provides the subscription status of the current user.
type Billing interface {
	FetchStatus(ctx context.Context) (models.BillingStatus, error)
}

// Renderer converts raw message text into markup. Implementations must be pure.
type Renderer interface {
	ToMarkup(raw string) string
}

// LayoutStore provides the viewport class of the device and persists the panel open flag.
type LayoutStore interface {
	ViewportClass() models.ViewportClass
	PersistedOpenFlag(ctx context.Context) (open bool, found bool, err error)
	SetPersistedOpenFlag(ctx context.Context, open bool) error
}

// Notifier surfaces user-visible error notifications.
type Notifier interface {
	Error(message string)
}

// ScrollBehavior controls how the viewport moves to the bottom.
type ScrollBehavior string

const (
	ScrollSmooth  ScrollBehavior = "smooth"
	ScrollInstant ScrollBehavior = "instant"
)

// Scroller executes scroll commands against the transcript viewport.
type Scroller interface {
	ScrollToBottom(behavior ScrollBehavior)
}
