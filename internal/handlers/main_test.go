package handlers_test

import (
	"context"
	"errors"
	"html"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/roadmap-chat/internal/handlers"
	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/MegaGrindStone/roadmap-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

type mockLLM struct {
	responses []string
	err       error
}

type mockAuth struct {
	authenticated bool
}

type mockQuota struct {
	usage models.Usage
}

type mockBilling struct {
	status models.BillingStatus
}

type mockRenderer struct{}

type mockLayout struct {
	mu       sync.Mutex
	viewport models.ViewportClass
	open     *bool
}

// mockLayouts keeps one layout per client id, shared by every Main built with it.
type mockLayouts struct {
	mu   sync.Mutex
	byID map[string]*mockLayout
}

func newMain(t *testing.T, cfg handlers.Config) handlers.Main {
	t.Helper()

	if cfg.Client == nil {
		cfg.Client = mockLLM{responses: []string{"AI ", "response"}}
	}
	if cfg.Auth == nil {
		cfg.Auth = mockAuth{authenticated: true}
	}
	if cfg.Quota == nil {
		cfg.Quota = mockQuota{usage: models.Usage{Used: 0, Limit: 10}}
	}
	if cfg.Billing == nil {
		cfg.Billing = mockBilling{status: models.BillingStatusNone}
	}
	cfg.Renderer = mockRenderer{}
	if cfg.Layouts == nil {
		cfg.Layouts = func(_ string, viewport models.ViewportClass) session.LayoutStore {
			return &mockLayout{viewport: viewport}
		}
	}

	m, err := handlers.NewMain(cfg, nil)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return m
}

// startSession loads the panel page and returns the session cookie it sets.
func startSession(t *testing.T, m handlers.Main) *http.Cookie {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/?viewport=lg", nil)
	w := httptest.NewRecorder()
	m.HandleHome(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == "roadmapchat_session" {
			return c
		}
	}
	t.Fatal("HandleHome() did not set the session cookie")
	return nil
}

func postForm(handler http.HandlerFunc, cookie *http.Cookie, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestNewMain(t *testing.T) {
	valid := handlers.Config{
		Client:   mockLLM{},
		Auth:     mockAuth{},
		Quota:    mockQuota{},
		Billing:  mockBilling{},
		Renderer: mockRenderer{},
		Layouts: func(string, models.ViewportClass) session.LayoutStore {
			return &mockLayout{}
		},
	}

	tests := []struct {
		name    string
		mutate  func(*handlers.Config)
		wantErr bool
	}{
		{name: "Valid", mutate: func(*handlers.Config) {}},
		{name: "Missing client", mutate: func(c *handlers.Config) { c.Client = nil }, wantErr: true},
		{name: "Missing auth", mutate: func(c *handlers.Config) { c.Auth = nil }, wantErr: true},
		{name: "Missing layouts", mutate: func(c *handlers.Config) { c.Layouts = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			main, err := handlers.NewMain(cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMain() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if main.Shutdown(context.Background()) != nil {
				t.Error("Shutdown() should not return error")
			}
		})
	}
}

func TestHandleHome(t *testing.T) {
	tests := []struct {
		name       string
		cfg        handlers.Config
		method     string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Introduction",
			method:     http.MethodGet,
			url:        "/?viewport=lg",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Hello, how can I help you today?", `class="panel panel-open"`},
		},
		{
			name:       "Logged out",
			cfg:        handlers.Config{Auth: mockAuth{authenticated: false}},
			method:     http.MethodGet,
			url:        "/?viewport=lg",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Please login to continue", "Login / Register"},
		},
		{
			name:       "Limit reached",
			cfg:        handlers.Config{Quota: mockQuota{usage: models.Usage{Used: 5, Limit: 5}}},
			method:     http.MethodGet,
			url:        "/?viewport=lg",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Limit reached for today", "Upgrade for more"},
		},
		{
			name:       "Compact viewport",
			method:     http.MethodGet,
			url:        "/?viewport=sm",
			wantStatus: http.StatusOK,
			wantBody:   []string{`class="panel panel-collapsed"`},
		},
		{
			name:       "Viewport measurement",
			method:     http.MethodGet,
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"params.set('viewport', viewport)"},
		},
		{
			name:       "Invalid method",
			method:     http.MethodPost,
			url:        "/",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Unknown path",
			method:     http.MethodGet,
			url:        "/unknown",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.cfg)

			req := httptest.NewRequest(tt.method, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleHomeKeepsSession(t *testing.T) {
	main := newMain(t, handlers.Config{})
	cookie := startSession(t, main)

	req := httptest.NewRequest(http.MethodGet, "/?viewport=lg", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	main.HandleHome(w, req)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != cookie.Value {
		t.Errorf("HandleHome() set cookies %v, want the existing session %v renewed", cookies, cookie.Value)
	}
	if got := main.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions() = %v, want 1", got)
	}
}

func TestHandleHomeBootsWithoutSession(t *testing.T) {
	main := newMain(t, handlers.Config{})

	for range 100 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		main.HandleHome(w, req)

		if len(w.Result().Cookies()) != 0 {
			t.Fatalf("HandleHome() without viewport set cookies %v", w.Result().Cookies())
		}
	}
	if got := main.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions() = %v after viewport measurement pages, want 0", got)
	}
}

func TestSessionCookieKeepsLayout(t *testing.T) {
	layouts := newMockLayouts()
	cfg := handlers.Config{Layouts: layouts.layout}

	main := newMain(t, cfg)
	cookie := startSession(t, main)

	if minAge := int((300 * 24 * time.Hour).Seconds()); cookie.MaxAge < minAge {
		t.Errorf("session cookie MaxAge = %v, want at least %v", cookie.MaxAge, minAge)
	}

	w := postForm(main.HandlePanel, cookie, url.Values{"action": {"collapse"}})
	if w.Code != http.StatusNoContent {
		t.Fatalf("HandlePanel() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	// A fresh server builds a new controller for the returning browser.
	restarted := newMain(t, cfg)
	req := httptest.NewRequest(http.MethodGet, "/?viewport=lg", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	restarted.HandleHome(w, req)

	if !strings.Contains(w.Body.String(), `class="panel panel-collapsed"`) {
		t.Errorf("HandleHome() body = %v, want the collapsed panel restored", w.Body.String())
	}
}

func TestIdleSessionEviction(t *testing.T) {
	main := newMain(t, handlers.Config{SessionIdleTimeout: 20 * time.Millisecond})
	cookie := startSession(t, main)

	deadline := time.Now().Add(2 * time.Second)
	for main.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveSessions() = %v, want the idle session evicted", main.ActiveSessions())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The browser keeps its cookie, and its next action rebuilds the session.
	w := postForm(main.HandleJump, cookie, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleJump() status = %v, want %v", w.Code, http.StatusNoContent)
	}
}

func TestHandleChats(t *testing.T) {
	tests := []struct {
		name        string
		cfg         handlers.Config
		method      string
		noSession   bool
		message     string
		wantStatus  int
		wantOutcome string
		wantBody    string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing session",
			method:     http.MethodPost,
			noSession:  true,
			message:    "Hello",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "Empty message",
			method:      http.MethodPost,
			wantStatus:  http.StatusOK,
			wantOutcome: "ignored_empty",
		},
		{
			name:        "Submitted",
			method:      http.MethodPost,
			message:     "Hello",
			wantStatus:  http.StatusOK,
			wantOutcome: "submitted",
			wantBody:    "<p>Hello</p>",
		},
		{
			name:        "Logged out",
			cfg:         handlers.Config{Auth: mockAuth{authenticated: false}},
			method:      http.MethodPost,
			message:     "Hello",
			wantStatus:  http.StatusUnauthorized,
			wantOutcome: "denied_login",
		},
		{
			name:        "Limit reached",
			cfg:         handlers.Config{Quota: mockQuota{usage: models.Usage{Used: 3, Limit: 3}}},
			method:      http.MethodPost,
			message:     "Hello",
			wantStatus:  http.StatusTooManyRequests,
			wantOutcome: "denied_quota",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.cfg)
			cookie := startSession(t, main)
			if tt.noSession {
				cookie = nil
			}

			form := strings.NewReader(url.Values{"message": {tt.message}}.Encode())
			req := httptest.NewRequest(tt.method, "/chats", form)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if cookie != nil {
				req.AddCookie(cookie)
			}
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("X-Submit-Outcome"); tt.wantOutcome != "" && got != tt.wantOutcome {
				t.Errorf("HandleChats() outcome = %v, want %v", got, tt.wantOutcome)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleChats() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleExplain(t *testing.T) {
	main := newMain(t, handlers.Config{})
	cookie := startSession(t, main)

	w := postForm(main.HandleExplain, cookie, url.Values{})
	if w.Code != http.StatusOK {
		t.Errorf("HandleExplain() without topic status = %v, want %v", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Submit-Outcome"); got != "ignored_empty" {
		t.Errorf("HandleExplain() without topic outcome = %v, want ignored_empty", got)
	}

	w = postForm(main.HandleExplain, cookie, url.Values{"topic": {"DNS"}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleExplain() status = %v, want %v", w.Code, http.StatusOK)
	}
	want := html.EscapeString(`Explain what is "DNS" topic in detail.`)
	if !strings.Contains(w.Body.String(), want) {
		t.Errorf("HandleExplain() body = %v, want to contain %v", w.Body.String(), want)
	}
}

func TestHandleActions(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(handlers.Main) http.HandlerFunc
		form       url.Values
		wantStatus int
	}{
		{
			name:       "Scroll",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandleScroll },
			form:       url.Values{"scrollTop": {"100"}, "viewportHeight": {"400"}, "contentHeight": {"900"}},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Scroll with invalid position",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandleScroll },
			form:       url.Values{"scrollTop": {"top"}, "viewportHeight": {"400"}, "contentHeight": {"900"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Jump",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandleJump },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Open panel",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandlePanel },
			form:       url.Values{"action": {"open"}},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Collapse panel",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandlePanel },
			form:       url.Values{"action": {"collapse"}},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Unknown panel action",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandlePanel },
			form:       url.Values{"action": {"toggle"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Cancel without stream",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandleCancel },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Clear",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandleClear },
			wantStatus: http.StatusOK,
		},
		{
			name:       "Login",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandleLogin },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Upgrade",
			handler:    func(m handlers.Main) http.HandlerFunc { return m.HandleUpgrade },
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, handlers.Config{})
			cookie := startSession(t, main)

			w := postForm(tt.handler(main), cookie, tt.form)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v, body %v", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestPanelPersistence(t *testing.T) {
	layout := &mockLayout{viewport: models.ViewportLarge}
	main := newMain(t, handlers.Config{
		Layouts: func(string, models.ViewportClass) session.LayoutStore { return layout },
	})
	cookie := startSession(t, main)

	w := postForm(main.HandlePanel, cookie, url.Values{"action": {"collapse"}})
	if w.Code != http.StatusNoContent {
		t.Fatalf("HandlePanel() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	open, found, _ := layout.PersistedOpenFlag(context.Background())
	if !found || open {
		t.Errorf("persisted open flag = %v (found %v), want false", open, found)
	}
}

func TestHandleSSE(t *testing.T) {
	main := newMain(t, handlers.Config{})

	mux := http.NewServeMux()
	mux.HandleFunc("/", main.HandleHome)
	mux.HandleFunc("/chats", main.HandleChats)
	mux.HandleFunc("/jump", main.HandleJump)
	mux.HandleFunc("/sse", main.HandleSSE)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cookie := startSession(t, main)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.AddCookie(cookie)

	// The response headers only arrive with the first published event, so the stream is opened and
	// read off the test goroutine.
	events := make(chan sse.Event, 64)
	go func() {
		defer close(events)

		resp, err := srv.Client().Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	post := func(path string, form url.Values) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(form.Encode()))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(cookie)
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
	}

	// Jump until the subscription is live, every jump publishes a scroll event.
	deadline := time.After(5 * time.Second)
	subscribed := false
	for !subscribed {
		post("/jump", nil)
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed")
			}
			subscribed = ev.Type == "scroll" && ev.Data == "smooth"
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for the subscription")
		}
	}

	post("/chats", url.Values{"message": {"Hello"}})

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed")
			}
			if ev.Type == "messages" && strings.Contains(ev.Data, "<p>AI response</p>") {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the streamed answer")
		}
	}
}

func (m mockLLM) Chat(_ context.Context, _ []models.Message, _ models.RoadmapContext) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (m mockAuth) IsAuthenticated() bool {
	return m.authenticated
}

func (m mockQuota) FetchUsage(context.Context) (models.Usage, error) {
	return m.usage, nil
}

func (m mockQuota) Refresh(context.Context) (models.Usage, error) {
	return m.usage, nil
}

func (m mockBilling) FetchStatus(context.Context) (models.BillingStatus, error) {
	if m.status == "" {
		return "", errors.New("no billing")
	}
	return m.status, nil
}

func (mockRenderer) ToMarkup(raw string) string {
	return "<p>" + html.EscapeString(raw) + "</p>"
}

func newMockLayouts() *mockLayouts {
	return &mockLayouts{byID: make(map[string]*mockLayout)}
}

func (m *mockLayouts) layout(clientID string, viewport models.ViewportClass) session.LayoutStore {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.byID[clientID]
	if !ok {
		l = &mockLayout{}
		m.byID[clientID] = l
	}
	l.mu.Lock()
	l.viewport = viewport
	l.mu.Unlock()
	return l
}

func (m *mockLayout) ViewportClass() models.ViewportClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewport
}

func (m *mockLayout) PersistedOpenFlag(context.Context) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open == nil {
		return false, false, nil
	}
	return *m.open, true, nil
}

func (m *mockLayout) SetPersistedOpenFlag(_ context.Context, open bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open = &open
	return nil
}
