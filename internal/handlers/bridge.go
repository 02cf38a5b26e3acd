package handlers

import (
	"bytes"
	"log/slog"

	"github.com/MegaGrindStone/roadmap-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

// bridge plays the browser-facing collaborators of a controller: login prompts, error toasts and
// scroll commands become events on the topic of the browser session.
type bridge struct {
	auth       Authenticator
	topic      string
	upgradeURL string

	srv *sse.Server

	logger *slog.Logger
}

// SSE event types for real-time updates.
const (
	messagesSSEType = "messages"
	statusSSEType   = "status"
	actionsSSEType  = "actions"
	gateSSEType     = "gate"
	panelSSEType    = "panel"
	inputSSEType    = "input"
	scrollSSEType   = "scroll"
	toastSSEType    = "toast"
	loginSSEType    = "login"
	upgradeSSEType  = "upgrade"
)

func (b bridge) IsAuthenticated() bool {
	return b.auth.IsAuthenticated()
}

func (b bridge) PromptLogin() {
	b.publish(loginSSEType, "login")
}

func (b bridge) Error(message string) {
	b.publish(toastSSEType, message)
}

func (b bridge) ScrollToBottom(behavior session.ScrollBehavior) {
	b.publish(scrollSSEType, string(behavior))
}

func (b bridge) upgrade() {
	b.publish(upgradeSSEType, b.upgradeURL)
}

func (b bridge) publish(typ, data string) {
	msg := sse.Message{Type: sse.Type(typ)}
	// Data is required for the browser to dispatch the event.
	if data == "" {
		data = " "
	}
	msg.AppendData(data)

	if err := b.srv.Publish(&msg, b.topic); err != nil {
		b.logger.Error("Failed to publish event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
	}
}

// observer renders the parts of the view touched by an event and pushes them to the browser.
func (m Main) observer(b bridge) session.Observer {
	return func(e session.Event) {
		switch e.Kind {
		case session.EventTranscript, session.EventPartial:
			m.publishTemplate(b, messagesSSEType, "messages", e.View)
			m.publishTemplate(b, actionsSSEType, "actions", e.View)
		case session.EventStreaming:
			b.publish(statusSSEType, string(e.View.Status))
			m.publishTemplate(b, messagesSSEType, "messages", e.View)
		case session.EventScroll:
			m.publishTemplate(b, actionsSSEType, "actions", e.View)
		case session.EventGate:
			m.publishTemplate(b, gateSSEType, "gate", e.View.Gate)
		case session.EventPanel:
			b.publish(panelSSEType, string(e.View.Panel))
		case session.EventInput:
			b.publish(inputSSEType, e.View.Input)
		}
	}
}

func (m Main) publishTemplate(b bridge, typ, name string, data any) {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name, data); err != nil {
		m.logger.Error("Failed to execute template",
			slog.String("template", name),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	b.publish(typ, buf.String())
}
