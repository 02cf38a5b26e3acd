package session

// bottomThresholdPx is how close to the bottom the viewport must be to count as following.
const bottomThresholdPx = 50

// ScrollPosition is a measurement of the transcript viewport.
type ScrollPosition struct {
	ScrollTop      float64
	ViewportHeight float64
	ContentHeight  float64
}

// AtBottom reports whether the viewport is within the threshold of the end of the content.
func (p ScrollPosition) AtBottom() bool {
	return p.ScrollTop+p.ViewportHeight >= p.ContentHeight-bottomThresholdPx
}

// ScrollTracker decides whether new content should pull the viewport down, or whether the reader is
// looking at history and should instead be offered a jump to the latest message.
//
// It is not safe for concurrent use; the Controller serializes access.
type ScrollTracker struct {
	atBottom         bool
	showJumpToLatest bool
}

// NewScrollTracker returns a tracker that follows until the first scroll event says otherwise.
func NewScrollTracker() *ScrollTracker {
	return &ScrollTracker{atBottom: true}
}

// Observe records a scroll event. It returns true when ShowJumpToLatest changed.
func (t *ScrollTracker) Observe(pos ScrollPosition, transcriptLen int) bool {
	t.atBottom = pos.AtBottom()
	show := !t.atBottom && transcriptLen > 0
	changed := show != t.showJumpToLatest
	t.showJumpToLatest = show
	return changed
}

// ShouldFollow reports whether the last observed position was at the bottom.
func (t *ScrollTracker) ShouldFollow() bool {
	return t.atBottom
}

// ShowJumpToLatest reports whether the jump to latest affordance should be visible.
func (t *ScrollTracker) ShowJumpToLatest() bool {
	return t.showJumpToLatest
}

// Reset hides the jump affordance, used when the transcript is emptied.
func (t *ScrollTracker) Reset() bool {
	changed := t.showJumpToLatest
	t.showJumpToLatest = false
	return changed
}
