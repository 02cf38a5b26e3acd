package session

import (
	"context"
	"log/slog"
)

// PanelState is the visibility of the chat panel.
type PanelState string

const (
	PanelOpen      PanelState = "open"
	PanelCollapsed PanelState = "collapsed"
)

// Panel is the open/collapsed state machine of the chat panel. The initial state is read from the
// LayoutStore once, and every transition on a non-compact viewport is written back. On compact viewports
// the state is session-local.
type Panel struct {
	store   LayoutStore
	compact bool
	state   PanelState

	logger *slog.Logger
}

// NewPanel loads the initial panel state. A failing store is logged and treated as nothing persisted.
func NewPanel(ctx context.Context, store LayoutStore, logger *slog.Logger) *Panel {
	p := &Panel{
		store:   store,
		compact: store.ViewportClass().IsCompact(),
		state:   PanelOpen,
		logger:  logger,
	}
	if p.compact {
		p.state = PanelCollapsed
		return p
	}

	open, found, err := store.PersistedOpenFlag(ctx)
	if err != nil {
		logger.Warn("Failed to load persisted panel state", slog.String(errLoggerKey, err.Error()))
		return p
	}
	if found && !open {
		p.state = PanelCollapsed
	}
	return p
}

// State returns the current panel state.
func (p *Panel) State() PanelState {
	return p.state
}

// Compact reports whether the panel was mounted on a compact viewport.
func (p *Panel) Compact() bool {
	return p.compact
}

// Open shows the panel.
func (p *Panel) Open(ctx context.Context) {
	p.transition(ctx, PanelOpen)
}

// Collapse hides the panel.
func (p *Panel) Collapse(ctx context.Context) {
	p.transition(ctx, PanelCollapsed)
}

func (p *Panel) transition(ctx context.Context, to PanelState) {
	p.state = to
	if p.compact {
		return
	}
	if err := p.store.SetPersistedOpenFlag(ctx, to == PanelOpen); err != nil {
		p.logger.Error("Failed to persist panel state",
			slog.String("state", string(to)),
			slog.String(errLoggerKey, err.Error()))
	}
}
