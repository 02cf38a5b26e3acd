package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/google/uuid"
)

// Status is the streaming status of the session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
)

// SubmitOutcome tells what happened to a submission. Denials and ignored submissions are normal
// outcomes, not errors.
type SubmitOutcome int

const (
	Submitted SubmitOutcome = iota
	IgnoredEmpty
	IgnoredStreaming
	DeniedLogin
	DeniedQuota
	Stopped
)

func (o SubmitOutcome) String() string {
	switch o {
	case Submitted:
		return "submitted"
	case IgnoredEmpty:
		return "ignored_empty"
	case IgnoredStreaming:
		return "ignored_streaming"
	case DeniedLogin:
		return "denied_login"
	case DeniedQuota:
		return "denied_quota"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	introductionText   = "Hello, how can I help you today?"
	thinkingText       = "Thinking..."
	explainTopicPrompt = "Explain what is \"%s\" topic in detail."
)

// Dependencies are the collaborators of a Controller. Every field except OnUpgrade is required.
type Dependencies struct {
	Client   StreamingClient
	Auth     Auth
	Quota    Quota
	Billing  Billing
	Renderer Renderer
	Layout   LayoutStore
	Notifier Notifier
	Scroller Scroller

	Roadmap models.RoadmapContext

	// OnUpgrade is invoked by the upgrade action of the quota overlay.
	OnUpgrade func()
}

// Controller is the chat session state machine. It owns the transcript, serializes streams so at most
// one is in flight, consults the gate before every submission and drives auto-follow scrolling.
//
// All methods are safe for concurrent use. State changes are published to observers registered with
// Subscribe.
type Controller struct {
	deps   Dependencies
	logger *slog.Logger

	mu         sync.Mutex
	transcript []models.Message
	stream     streamState
	input      string
	gate       GateOverlay
	scroll     *ScrollTracker
	panel      *Panel
	observers  []observerEntry
	nextObsID  uint64

	// emitMu keeps observer delivery in the order the state changed.
	emitMu sync.Mutex
	wg     sync.WaitGroup
}

type streamState struct {
	status        Status
	partial       string
	partialMarkup string
	// generation identifies the live stream; events of older streams are dropped.
	generation uint64
	cancel     context.CancelFunc
}

// NewController creates a Controller with an empty transcript. The panel state is loaded from the
// layout store here, once.
func NewController(ctx context.Context, deps Dependencies, logger *slog.Logger) (*Controller, error) {
	switch {
	case deps.Client == nil:
		return nil, errors.New("streaming client is required")
	case deps.Auth == nil:
		return nil, errors.New("auth is required")
	case deps.Quota == nil:
		return nil, errors.New("quota is required")
	case deps.Billing == nil:
		return nil, errors.New("billing is required")
	case deps.Renderer == nil:
		return nil, errors.New("renderer is required")
	case deps.Layout == nil:
		return nil, errors.New("layout store is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	case deps.Scroller == nil:
		return nil, errors.New("scroller is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "session"))

	return &Controller{
		deps:   deps,
		logger: logger,
		stream: streamState{status: StatusIdle},
		scroll: NewScrollTracker(),
		panel:  NewPanel(ctx, deps.Layout, logger),
	}, nil
}

// Submit sends text as a new user message. The gate is evaluated against freshly fetched state first;
// a denied submission prompts for login or publishes the quota overlay and changes nothing else. While a
// stream is in flight the submission is ignored.
//
// When accepted, the user message is appended and published to observers before the Streaming Client
// is invoked.
func (c *Controller) Submit(ctx context.Context, text string) SubmitOutcome {
	if strings.TrimSpace(text) == "" {
		return IgnoredEmpty
	}

	overlay := Overlay(c.snapshot(ctx))

	c.mu.Lock()
	var kinds []EventKind
	if c.gate != overlay {
		c.gate = overlay
		kinds = append(kinds, EventGate)
	}

	switch overlay.Decision {
	case DeniedUnauthenticated:
		c.unlockAndEmit(kinds...)
		c.logger.Debug("Submission denied", slog.String("decision", overlay.Decision.String()))
		c.deps.Auth.PromptLogin()
		return DeniedLogin
	case DeniedQuotaExceeded:
		c.unlockAndEmit(kinds...)
		c.logger.Debug("Submission denied", slog.String("decision", overlay.Decision.String()))
		return DeniedQuota
	}

	if c.stream.status == StatusStreaming {
		c.unlockAndEmit(kinds...)
		return IgnoredStreaming
	}

	c.transcript = append(c.transcript, models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleUser,
		Content:        text,
		RenderedMarkup: c.deps.Renderer.ToMarkup(text),
		Timestamp:      time.Now(),
	})
	transcript := slices.Clone(c.transcript)

	// The stream outlives the caller's request, so only the values of ctx are inherited.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.stream = streamState{
		status:     StatusStreaming,
		generation: c.stream.generation + 1,
		cancel:     cancel,
	}
	gen := c.stream.generation
	c.input = ""
	follow := c.scroll.ShouldFollow()
	c.wg.Add(1)
	c.unlockAndEmit(append(kinds, EventTranscript, EventStreaming, EventInput)...)

	c.logger.Info("Message submitted",
		slog.Int("transcriptLen", len(transcript)),
		slog.String("roadmap", c.deps.Roadmap.RoadmapSlug))

	if follow {
		c.deps.Scroller.ScrollToBottom(ScrollSmooth)
	}

	seq := c.deps.Client.Chat(streamCtx, transcript, c.deps.Roadmap)
	go c.consume(streamCtx, gen, seq)

	return Submitted
}

// SubmitInput submits the current input buffer.
func (c *Controller) SubmitInput(ctx context.Context) SubmitOutcome {
	c.mu.Lock()
	text := c.input
	c.mu.Unlock()

	return c.Submit(ctx, text)
}

// HandleExternalPrompt submits a prompt triggered outside the input, with the same rules as Submit.
func (c *Controller) HandleExternalPrompt(ctx context.Context, prompt string) SubmitOutcome {
	return c.Submit(ctx, prompt)
}

// ExplainTopic asks the assistant to explain a roadmap topic. A blank title is ignored like an empty
// message.
func (c *Controller) ExplainTopic(ctx context.Context, title string) SubmitOutcome {
	if strings.TrimSpace(title) == "" {
		return IgnoredEmpty
	}
	return c.HandleExternalPrompt(ctx, fmt.Sprintf(explainTopicPrompt, title))
}

// SendOrStop is the send button: it asks for login when logged out, stops the stream when one is in
// flight, and submits the input buffer otherwise.
func (c *Controller) SendOrStop(ctx context.Context) SubmitOutcome {
	if !c.deps.Auth.IsAuthenticated() {
		c.deps.Auth.PromptLogin()
		return DeniedLogin
	}
	if c.Cancel() {
		return Stopped
	}
	return c.SubmitInput(ctx)
}

// SetInput replaces the input buffer.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	if c.input == text {
		c.mu.Unlock()
		return
	}
	c.input = text
	c.unlockAndEmit(EventInput)
}

// OnStreamToken replaces the partial assistant text of the live stream. It never touches the
// transcript and is a no-op while idle.
func (c *Controller) OnStreamToken(partial string) {
	c.streamToken(c.currentGeneration(), partial)
}

// OnStreamComplete appends the final assistant message, returns to idle and refreshes the quota.
func (c *Controller) OnStreamComplete(final models.Message) {
	c.streamComplete(c.currentGeneration(), final)
}

// OnStreamError returns to idle and forwards the error to the Notifier. The transcript is left as is.
func (c *Controller) OnStreamError(err error) {
	c.streamError(c.currentGeneration(), err)
}

// Cancel stops the in-flight stream and discards its partial text. It returns false when nothing was
// streaming.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	if c.stream.status != StatusStreaming {
		c.mu.Unlock()
		return false
	}
	cancel := c.stream.cancel
	c.stream = streamState{status: StatusIdle, generation: c.stream.generation}
	c.unlockAndEmit(EventStreaming)

	if cancel != nil {
		cancel()
	}
	c.logger.Info("Stream cancelled")
	return true
}

// Clear empties the transcript. A stream in flight keeps running and its answer is appended to the
// emptied transcript when it completes.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.transcript = nil
	kinds := []EventKind{EventTranscript}
	if c.scroll.Reset() {
		kinds = append(kinds, EventScroll)
	}
	c.unlockAndEmit(kinds...)
}

// OnScroll records a scroll event of the transcript viewport.
func (c *Controller) OnScroll(pos ScrollPosition) {
	c.mu.Lock()
	if c.scroll.Observe(pos, len(c.transcript)) {
		c.unlockAndEmit(EventScroll)
		return
	}
	c.mu.Unlock()
}

// JumpToLatest scrolls to the bottom regardless of the tracked position.
func (c *Controller) JumpToLatest() {
	c.deps.Scroller.ScrollToBottom(ScrollSmooth)
}

// PromptLogin is the login action of the overlay.
func (c *Controller) PromptLogin() {
	c.deps.Auth.PromptLogin()
}

// Upgrade is the upgrade action of the quota overlay.
func (c *Controller) Upgrade() {
	if c.deps.OnUpgrade != nil {
		c.deps.OnUpgrade()
	}
}

// Gate re-evaluates the gate from fresh collaborator state and publishes the overlay if it changed.
func (c *Controller) Gate(ctx context.Context) GateOverlay {
	overlay := Overlay(c.snapshot(ctx))
	c.setGate(overlay)
	return overlay
}

// OpenPanel shows the chat panel.
func (c *Controller) OpenPanel(ctx context.Context) {
	c.mu.Lock()
	c.panel.Open(ctx)
	c.unlockAndEmit(EventPanel)
}

// CollapsePanel hides the chat panel.
func (c *Controller) CollapsePanel(ctx context.Context) {
	c.mu.Lock()
	c.panel.Collapse(ctx)
	c.unlockAndEmit(EventPanel)
}

// Transcript returns a copy of the transcript.
func (c *Controller) Transcript() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcript)
}

// Status returns the streaming status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.status
}

// Display returns the display composition of the panel.
func (c *Controller) Display() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayLocked()
}

// View returns a snapshot of the presentation state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Subscribe registers an observer and returns the function that removes it.
func (c *Controller) Subscribe(fn Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextObsID++
	id := c.nextObsID
	c.observers = append(c.observers, observerEntry{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.observers = slices.DeleteFunc(c.observers, func(e observerEntry) bool { return e.id == id })
	}
}

// Wait blocks until the goroutine consuming the current stream, if any, has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels the in-flight stream and waits for it to wind down.
func (c *Controller) Close() {
	c.Cancel()
	c.Wait()
}

func (c *Controller) consume(ctx context.Context, gen uint64, seq iter.Seq2[string, error]) {
	defer c.wg.Done()

	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			c.streamError(gen, err)
			return
		}
		sb.WriteString(chunk)
		if !c.streamToken(gen, sb.String()) {
			// Returning stops the iterator, which cancels the underlying request.
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	c.streamComplete(gen, models.Message{
		Role:    models.RoleAssistant,
		Content: sb.String(),
	})
}

func (c *Controller) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.generation
}

func (c *Controller) liveLocked(gen uint64) bool {
	return c.stream.status == StatusStreaming && c.stream.generation == gen
}

func (c *Controller) streamToken(gen uint64, partial string) bool {
	c.mu.Lock()
	if !c.liveLocked(gen) {
		c.mu.Unlock()
		return false
	}
	c.stream.partial = partial
	c.stream.partialMarkup = c.deps.Renderer.ToMarkup(partial)
	follow := c.scroll.ShouldFollow()
	c.unlockAndEmit(EventPartial)

	if follow {
		c.deps.Scroller.ScrollToBottom(ScrollSmooth)
	}
	return true
}

func (c *Controller) streamComplete(gen uint64, final models.Message) {
	c.mu.Lock()
	if !c.liveLocked(gen) {
		c.mu.Unlock()
		return
	}
	if final.ID == "" {
		final.ID = uuid.New().String()
	}
	if final.Role == "" {
		final.Role = models.RoleAssistant
	}
	if final.Timestamp.IsZero() {
		final.Timestamp = time.Now()
	}
	if final.RenderedMarkup == "" {
		final.RenderedMarkup = c.deps.Renderer.ToMarkup(final.Content)
	}
	c.transcript = append(c.transcript, final)
	cancel := c.stream.cancel
	c.stream = streamState{status: StatusIdle, generation: gen}
	follow := c.scroll.ShouldFollow()
	c.unlockAndEmit(EventTranscript, EventStreaming)

	if cancel != nil {
		cancel()
	}
	if follow {
		c.deps.Scroller.ScrollToBottom(ScrollSmooth)
	}

	c.refreshQuota()
}

func (c *Controller) streamError(gen uint64, err error) {
	c.mu.Lock()
	if !c.liveLocked(gen) {
		c.mu.Unlock()
		return
	}
	cancel := c.stream.cancel
	c.stream = streamState{status: StatusIdle, generation: gen}
	c.unlockAndEmit(EventStreaming)

	if cancel != nil {
		cancel()
	}

	err = wrapTransport(err)
	c.logger.Error("Stream failed", slog.String(errLoggerKey, notificationMessage(err)))
	c.deps.Notifier.Error(notificationMessage(err))
}

// refreshQuota refetches usage after an answer and republishes the overlay, since the answer may have
// used up the quota.
func (c *Controller) refreshQuota() {
	ctx := context.Background()

	usage, err := c.deps.Quota.Refresh(ctx)
	if err != nil {
		c.logger.Warn("Failed to refresh usage", slog.String(errLoggerKey, err.Error()))
		return
	}

	c.setGate(Overlay(GateSnapshot{
		Authenticated: c.deps.Auth.IsAuthenticated(),
		Usage:         usage,
		Billing:       c.fetchBilling(ctx),
	}))
}

func (c *Controller) setGate(overlay GateOverlay) {
	c.mu.Lock()
	if c.gate == overlay {
		c.mu.Unlock()
		return
	}
	c.gate = overlay
	c.unlockAndEmit(EventGate)
}

// snapshot reads the gate state. Quota and billing are only fetched for authenticated users; a failed
// fetch reads as zero usage, which the gate treats as exhausted.
func (c *Controller) snapshot(ctx context.Context) GateSnapshot {
	s := GateSnapshot{Authenticated: c.deps.Auth.IsAuthenticated()}
	if !s.Authenticated {
		return s
	}

	usage, err := c.deps.Quota.FetchUsage(ctx)
	if err != nil {
		c.logger.Warn("Failed to fetch usage", slog.String(errLoggerKey, err.Error()))
		usage = models.Usage{}
	}
	s.Usage = usage
	s.Billing = c.fetchBilling(ctx)

	return s
}

func (c *Controller) fetchBilling(ctx context.Context) models.BillingStatus {
	status, err := c.deps.Billing.FetchStatus(ctx)
	if err != nil {
		c.logger.Warn("Failed to fetch billing status", slog.String(errLoggerKey, err.Error()))
		return models.BillingStatusNone
	}
	return status
}

func (c *Controller) displayLocked() []models.Message {
	msgs := make([]models.Message, 0, len(c.transcript)+2)
	msgs = append(msgs, models.Message{
		Role:           models.RoleAssistant,
		Content:        introductionText,
		RenderedMarkup: introductionText,
		IsIntroduction: true,
	})
	msgs = append(msgs, c.transcript...)

	if c.stream.status != StatusStreaming {
		return msgs
	}
	if c.stream.partial == "" {
		return append(msgs, models.Message{
			Role:           models.RoleAssistant,
			Content:        thinkingText,
			RenderedMarkup: thinkingText,
		})
	}
	return append(msgs, models.Message{
		Role:           models.RoleAssistant,
		Content:        c.stream.partial,
		RenderedMarkup: c.stream.partialMarkup,
	})
}

func (c *Controller) viewLocked() View {
	return View{
		Messages:         c.displayLocked(),
		Status:           c.stream.status,
		Input:            c.input,
		ShowJumpToLatest: c.scroll.ShowJumpToLatest(),
		ShowActions:      len(c.transcript) > 0 || c.scroll.ShowJumpToLatest(),
		Panel:            c.panel.State(),
		Gate:             c.gate,
	}
}

// unlockAndEmit releases c.mu and delivers one event per kind to the observers. It must be called with
// c.mu held. emitMu is taken before c.mu is released so deliveries keep the order of the changes.
func (c *Controller) unlockAndEmit(kinds ...EventKind) {
	if len(kinds) == 0 || len(c.observers) == 0 {
		c.mu.Unlock()
		return
	}
	view := c.viewLocked()
	observers := slices.Clone(c.observers)

	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()

	for _, kind := range kinds {
		ev := Event{Kind: kind, View: view}
		for _, o := range observers {
			o.fn(ev)
		}
	}
}
