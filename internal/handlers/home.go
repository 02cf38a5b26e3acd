package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/MegaGrindStone/roadmap-chat/internal/session"
	"github.com/google/uuid"
)

type homePageData struct {
	View session.View

	RoadmapSlug string
	LoginURL    string
	UpgradeURL  string
}

// HandleHome renders the chat panel of the browser session, starting a new session when the request
// carries no session cookie. The "viewport" query parameter sets the viewport class of a new session;
// without it a boot page measures the viewport and reloads with the parameter set.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The viewport class is measured by the browser, so a page without it only boots the measurement.
	query := r.URL.Query()
	if !query.Has("viewport") {
		if err := m.templates.ExecuteTemplate(w, "boot.html", nil); err != nil {
			m.logger.Error("Failed to execute boot template", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	id := ""
	if c, err := r.Cookie(sessionCookie); err == nil {
		id = c.Value
	}
	if uuid.Validate(id) != nil {
		id = uuid.New().String()
	}
	// Every visit renews the cookie, so the persisted layout follows a returning browser.
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	viewport := models.ParseViewportClass(query.Get("viewport"))
	s, err := m.session(r.Context(), id, viewport)
	if err != nil {
		m.logger.Error("Failed to get session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	// The overlay is evaluated against fresh state before the first paint.
	s.ctrl.Gate(r.Context())

	data := homePageData{
		View:        s.ctrl.View(),
		RoadmapSlug: m.cfg.Roadmap.RoadmapSlug,
		LoginURL:    m.cfg.LoginURL,
		UpgradeURL:  m.cfg.UpgradeURL,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
