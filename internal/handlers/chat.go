package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/MegaGrindStone/roadmap-chat/internal/session"
	"github.com/google/uuid"
)

// HandleChats submits the "message" form field as a user message. The answer is streamed to the
// browser through the SSE topic of the session, the response carries the messages as they are right
// after the submission.
//
// A denied submission responds with 401 when the visitor must log in and 429 when the daily limit is
// reached. Empty messages and submissions while a stream is in flight are ignored.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	m.respondSubmit(w, s, s.ctrl.Submit(r.Context(), r.FormValue("message")))
}

// HandleSend is the send button of the panel: it stores the "message" form field as the input and then
// either stops the in-flight stream or submits the input.
func (m Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	s.ctrl.SetInput(r.FormValue("message"))
	m.respondSubmit(w, s, s.ctrl.SendOrStop(r.Context()))
}

// HandleExplain asks the assistant to explain the roadmap topic in the "topic" form field.
func (m Main) HandleExplain(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	m.respondSubmit(w, s, s.ctrl.ExplainTopic(r.Context(), r.FormValue("topic")))
}

// HandleCancel stops the in-flight stream, discarding its partial answer.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	if !s.ctrl.Cancel() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m.renderMessages(w, s)
}

// HandleClear empties the transcript.
func (m Main) HandleClear(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	s.ctrl.Clear()
	m.renderMessages(w, s)
}

// HandleScroll reports the scroll position of the message list.
func (m Main) HandleScroll(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	var pos session.ScrollPosition
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"scrollTop", &pos.ScrollTop},
		{"viewportHeight", &pos.ViewportHeight},
		{"contentHeight", &pos.ContentHeight},
	} {
		v, err := strconv.ParseFloat(r.FormValue(f.name), 64)
		if err != nil {
			m.logger.Error("Invalid scroll position",
				slog.String("field", f.name),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Invalid "+f.name, http.StatusBadRequest)
			return
		}
		*f.dst = v
	}

	s.ctrl.OnScroll(pos)
	w.WriteHeader(http.StatusNoContent)
}

// HandleJump scrolls the message list to the latest message.
func (m Main) HandleJump(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	s.ctrl.JumpToLatest()
	w.WriteHeader(http.StatusNoContent)
}

// HandlePanel opens or collapses the chat panel, following the "action" form field.
func (m Main) HandlePanel(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	switch r.FormValue("action") {
	case "open":
		s.ctrl.OpenPanel(r.Context())
	case "collapse":
		s.ctrl.CollapsePanel(r.Context())
	default:
		http.Error(w, "Action must be open or collapse", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogin is the login action of the overlay.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	s.ctrl.PromptLogin()
	w.WriteHeader(http.StatusNoContent)
}

// HandleUpgrade is the upgrade action of the quota overlay.
func (m Main) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	s, ok := m.postSession(w, r)
	if !ok {
		return
	}

	s.ctrl.Upgrade()
	w.WriteHeader(http.StatusNoContent)
}

// postSession checks the method and resolves the browser session of an action request. A session that
// is gone, after a restart for example, is rebuilt with the default viewport.
func (m Main) postSession(w http.ResponseWriter, r *http.Request) (*browserSession, bool) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	c, err := r.Cookie(sessionCookie)
	if err != nil || uuid.Validate(c.Value) != nil {
		http.Error(w, "Session is required", http.StatusBadRequest)
		return nil, false
	}

	s, err := m.session(r.Context(), c.Value, models.ViewportLarge)
	if err != nil {
		m.logger.Error("Failed to get session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return s, true
}

func (m Main) respondSubmit(w http.ResponseWriter, s *browserSession, outcome session.SubmitOutcome) {
	w.Header().Set("X-Submit-Outcome", outcome.String())

	switch outcome {
	case session.DeniedLogin:
		w.WriteHeader(http.StatusUnauthorized)
	case session.DeniedQuota:
		w.WriteHeader(http.StatusTooManyRequests)
	default:
		m.renderMessages(w, s)
	}
}

func (m Main) renderMessages(w http.ResponseWriter, s *browserSession) {
	if err := m.templates.ExecuteTemplate(w, "messages", s.ctrl.View()); err != nil {
		m.logger.Error("Failed to execute messages template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
