package session_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/MegaGrindStone/roadmap-chat/internal/session"
)

type mockStream struct {
	chunks chan string
	errs   chan error
}

type mockClient struct {
	mu          sync.Mutex
	transcripts [][]models.Message
	roadmaps    []models.RoadmapContext
	streams     []*mockStream

	// onChat runs synchronously inside Chat, before the iterator is returned.
	onChat func()
}

type mockAuth struct {
	mu            sync.Mutex
	authenticated bool
	prompts       int
}

type mockQuota struct {
	mu        sync.Mutex
	usage     models.Usage
	err       error
	fetches   int
	refreshes int
}

type mockBilling struct {
	status models.BillingStatus
	err    error
}

type mockRenderer struct{}

type mockLayout struct {
	mu       sync.Mutex
	viewport models.ViewportClass
	open     *bool
	err      error
	writes   []bool
}

type mockNotifier struct {
	mu     sync.Mutex
	errors []string
}

type mockScroller struct {
	mu       sync.Mutex
	commands []session.ScrollBehavior
}

func (m *mockClient) Chat(
	ctx context.Context,
	transcript []models.Message,
	roadmap models.RoadmapContext,
) iter.Seq2[string, error] {
	s := &mockStream{chunks: make(chan string), errs: make(chan error)}

	m.mu.Lock()
	m.transcripts = append(m.transcripts, transcript)
	m.roadmaps = append(m.roadmaps, roadmap)
	m.streams = append(m.streams, s)
	m.mu.Unlock()

	if m.onChat != nil {
		m.onChat()
	}

	return func(yield func(string, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-s.chunks:
				if !ok {
					return
				}
				if !yield(chunk, nil) {
					return
				}
			case err := <-s.errs:
				yield("", err)
				return
			}
		}
	}
}

func (m *mockClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *mockClient) stream(i int) *mockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

func (m *mockAuth) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

func (m *mockAuth) PromptLogin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts++
}

func (m *mockAuth) promptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts
}

func (m *mockQuota) FetchUsage(context.Context) (models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.err != nil {
		return models.Usage{}, m.err
	}
	return m.usage, nil
}

func (m *mockQuota) Refresh(context.Context) (models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	if m.err != nil {
		return models.Usage{}, m.err
	}
	return m.usage, nil
}

func (m *mockQuota) setUsage(u models.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = u
}

func (m *mockQuota) refreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

func (m mockBilling) FetchStatus(context.Context) (models.BillingStatus, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.status, nil
}

func (mockRenderer) ToMarkup(raw string) string {
	return "<p>" + raw + "</p>"
}

func (m *mockLayout) ViewportClass() models.ViewportClass {
	return m.viewport
}

func (m *mockLayout) PersistedOpenFlag(context.Context) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, false, m.err
	}
	if m.open == nil {
		return false, false, nil
	}
	return *m.open, true, nil
}

func (m *mockLayout) SetPersistedOpenFlag(_ context.Context, open bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes = append(m.writes, open)
	m.open = &open
	return nil
}

func (m *mockNotifier) Error(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, message)
}

func (m *mockNotifier) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errors...)
}

func (m *mockScroller) ScrollToBottom(behavior session.ScrollBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, behavior)
}

func (m *mockScroller) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

type harness struct {
	ctrl     *session.Controller
	client   *mockClient
	auth     *mockAuth
	quota    *mockQuota
	layout   *mockLayout
	notifier *mockNotifier
	scroller *mockScroller
	events   chan session.Event
	upgrades int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		client:   &mockClient{},
		auth:     &mockAuth{authenticated: true},
		quota:    &mockQuota{usage: models.Usage{Used: 1, Limit: 10}},
		layout:   &mockLayout{viewport: models.ViewportLarge},
		notifier: &mockNotifier{},
		scroller: &mockScroller{},
		events:   make(chan session.Event, 256),
	}

	ctrl, err := session.NewController(context.Background(), session.Dependencies{
		Client:    h.client,
		Auth:      h.auth,
		Quota:     h.quota,
		Billing:   mockBilling{status: models.BillingStatusNone},
		Renderer:  mockRenderer{},
		Layout:    h.layout,
		Notifier:  h.notifier,
		Scroller:  h.scroller,
		Roadmap:   models.RoadmapContext{RoadmapSlug: "backend"},
		OnUpgrade: func() { h.upgrades++ },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	ctrl.Subscribe(func(ev session.Event) {
		h.events <- ev
	})

	h.ctrl = ctrl
	t.Cleanup(ctrl.Close)
	return h
}

// waitFor drains events until one of the given kind arrives.
func (h *harness) waitFor(t *testing.T, kind session.EventKind) session.Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
			return session.Event{}
		}
	}
}

// drain discards pending events.
func (h *harness) drain() {
	for {
		select {
		case <-h.events:
		default:
			return
		}
	}
}

var errTransport = errors.New("connection reset by peer")
