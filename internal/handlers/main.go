package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	roadmapchat "github.com/MegaGrindStone/roadmap-chat"
	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/MegaGrindStone/roadmap-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Authenticator reports whether the visitor is logged in. Prompting for login is a browser concern, so
// it is handled here and not by the authenticator.
type Authenticator interface {
	IsAuthenticated() bool
}

// LayoutFactory returns the layout store of a browser session.
type LayoutFactory func(clientID string, viewport models.ViewportClass) session.LayoutStore

// Config holds the collaborators shared by every browser session.
type Config struct {
	Client   session.StreamingClient
	Auth     Authenticator
	Quota    session.Quota
	Billing  session.Billing
	Renderer session.Renderer
	Layouts  LayoutFactory

	Roadmap models.RoadmapContext

	LoginURL   string
	UpgradeURL string

	// SessionIdleTimeout is how long a browser session may go without a request before it is evicted.
	// Zero means defaultSessionIdleTimeout.
	SessionIdleTimeout time.Duration
}

// Main serves the chat panel. Every browser session, identified by a cookie, owns one
// session.Controller whose changes are pushed to the browser as server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	cfg      Config
	sessions *sessions

	logger *slog.Logger
}

type sessions struct {
	mu    sync.Mutex
	byID  map[string]*browserSession
	close bool
	stop  chan struct{}
}

type browserSession struct {
	id          string
	ctrl        *session.Controller
	unsubscribe func()
	lastSeen    time.Time
}

const (
	sessionCookie = "roadmapchat_session"
	// The cookie also keys the persisted panel layout, so it must outlive the browser session.
	sessionCookieMaxAge = 365 * 24 * time.Hour

	defaultSessionIdleTimeout = 30 * time.Minute

	errLoggerKey = "err"
)

var errShuttingDown = errors.New("server is shutting down")

// NewMain creates a new Main instance. It parses the templates from the embedded filesystem and
// configures the SSE server so that every client subscribes to the topic of its browser session.
func NewMain(cfg Config, logger *slog.Logger) (Main, error) {
	switch {
	case cfg.Client == nil:
		return Main{}, errors.New("streaming client is required")
	case cfg.Auth == nil:
		return Main{}, errors.New("authenticator is required")
	case cfg.Quota == nil:
		return Main{}, errors.New("quota is required")
	case cfg.Billing == nil:
		return Main{}, errors.New("billing is required")
	case cfg.Renderer == nil:
		return Main{}, errors.New("renderer is required")
	case cfg.Layouts == nil:
		return Main{}, errors.New("layout factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = defaultSessionIdleTimeout
	}

	tmpl, err := template.New("").Funcs(template.FuncMap{
		// Markup comes from the renderer, which escapes raw HTML.
		"markup": func(s string) template.HTML { return template.HTML(s) }, //nolint:gosec
	}).ParseFS(
		roadmapchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				c, err := s.Req.Cookie(sessionCookie)
				if err == nil && c.Value != "" {
					topics = append(topics, sessionTopic(c.Value))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		cfg:       cfg,
		sessions: &sessions{
			byID: make(map[string]*browserSession),
			stop: make(chan struct{}),
		},
		logger: logger.With(slog.String("module", "main")),
	}

	go m.evictIdleSessions()

	return m, nil
}

func sessionTopic(id string) string {
	return fmt.Sprintf("session-%s", id)
}

// HandleSSE serves the event stream of the browser session.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown cancels every in-flight stream, then gracefully terminates the SSE server. It broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	for _, s := range m.sessions.drain() {
		s.unsubscribe()
		s.ctrl.Close()
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// session returns the browser session with the given id, creating it on first use.
func (m Main) session(ctx context.Context, id string, viewport models.ViewportClass) (*browserSession, error) {
	m.sessions.mu.Lock()
	defer m.sessions.mu.Unlock()

	if m.sessions.close {
		return nil, errShuttingDown
	}
	if s, ok := m.sessions.byID[id]; ok {
		s.lastSeen = time.Now()
		return s, nil
	}

	b := bridge{
		auth:       m.cfg.Auth,
		topic:      sessionTopic(id),
		upgradeURL: m.cfg.UpgradeURL,
		srv:        m.sseSrv,
		logger:     m.logger.With(slog.String("session", id)),
	}
	ctrl, err := session.NewController(ctx, session.Dependencies{
		Client:    m.cfg.Client,
		Auth:      b,
		Quota:     m.cfg.Quota,
		Billing:   m.cfg.Billing,
		Renderer:  m.cfg.Renderer,
		Layout:    m.cfg.Layouts(id, viewport),
		Notifier:  b,
		Scroller:  b,
		Roadmap:   m.cfg.Roadmap,
		OnUpgrade: b.upgrade,
	}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	s := &browserSession{
		id:          id,
		ctrl:        ctrl,
		unsubscribe: ctrl.Subscribe(m.observer(b)),
		lastSeen:    time.Now(),
	}
	m.sessions.byID[id] = s

	m.logger.Debug("Browser session created",
		slog.String("session", id),
		slog.String("viewport", string(viewport)))

	return s, nil
}

// ActiveSessions returns the number of browser sessions held in memory.
func (m Main) ActiveSessions() int {
	m.sessions.mu.Lock()
	defer m.sessions.mu.Unlock()
	return len(m.sessions.byID)
}

// evictIdleSessions closes the sessions that saw no request for the idle timeout, until Shutdown.
func (m Main) evictIdleSessions() {
	ticker := time.NewTicker(m.cfg.SessionIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.sessions.stop:
			return
		case now := <-ticker.C:
			evicted := m.sessions.evict(now, m.cfg.SessionIdleTimeout)
			for _, s := range evicted {
				s.unsubscribe()
				s.ctrl.Close()
			}
			if len(evicted) > 0 {
				m.logger.Debug("Evicted idle sessions", slog.Int("count", len(evicted)))
			}
		}
	}
}

// evict removes the sessions idle for longer than idle. Sessions with a stream in flight are kept.
func (s *sessions) evict(now time.Time, idle time.Duration) []*browserSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*browserSession
	for id, b := range s.byID {
		if now.Sub(b.lastSeen) < idle || b.ctrl.Status() == session.StatusStreaming {
			continue
		}
		res = append(res, b)
		delete(s.byID, id)
	}
	return res
}

func (s *sessions) drain() []*browserSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.close {
		close(s.stop)
	}
	s.close = true
	res := make([]*browserSession, 0, len(s.byID))
	for _, b := range s.byID {
		res = append(res, b)
	}
	clear(s.byID)
	return res
}
