package dispatch

import (
	"log/slog"
	"sync"

	"github.com/c360/framestream/message"
)

// Token is the set of positions a broker commit resolves. Completed
// positions were fully processed (or dropped as malformed); Failed positions
// belong to failed batches.
type Token struct {
	Completed []message.Position
	Failed    []message.Position
}

// Empty reports whether the token resolves nothing
func (t Token) Empty() bool {
	return len(t.Completed) == 0 && len(t.Failed) == 0
}

// Coordinator decides when consumed progress may be committed: only after
// something resolved since the last commit and while no submitted window is
// outstanding.
type Coordinator struct {
	mu          sync.Mutex
	outstanding map[string]string // window id -> key
	pending     Token
	logger      *slog.Logger
	metrics     *Metrics
}

// NewCoordinator creates a coordinator. m may be nil.
func NewCoordinator(logger *slog.Logger, m *Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		outstanding: make(map[string]string),
		logger:      logger.With("component", "coordinator"),
		metrics:     m,
	}
}

// OnSubmitted records w as outstanding
func (c *Coordinator) OnSubmitted(w *Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding[w.ID] = w.Key
	c.metrics.setOutstanding(len(c.outstanding))
}

// OnCompleted resolves the completion's window. Completions of windows that
// are not outstanding, such as abandoned ones, are ignored and reported false.
func (c *Coordinator) OnCompleted(done Completion) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.outstanding[done.WindowID]; !ok {
		c.logger.Warn("completion for unknown window ignored", "key", done.Key, "window_id", done.WindowID)
		return false
	}
	delete(c.outstanding, done.WindowID)
	c.metrics.setOutstanding(len(c.outstanding))

	if done.Err != nil {
		c.pending.Failed = append(c.pending.Failed, done.Positions...)
	} else {
		c.pending.Completed = append(c.pending.Completed, done.Positions...)
	}
	return true
}

// OnDropped resolves a record that was dropped without processing
func (c *Coordinator) OnDropped(pos message.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.Completed = append(c.pending.Completed, pos)
	c.metrics.recordDropped()
}

// Abandon gives up on an outstanding window. Its positions are never
// committed by this process.
func (c *Coordinator) Abandon(windowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.outstanding[windowID]
	if !ok {
		return false
	}
	delete(c.outstanding, windowID)
	c.metrics.setOutstanding(len(c.outstanding))
	c.metrics.recordAbandoned()
	c.logger.Error("abandoning in-flight batch", "key", key, "window_id", windowID)
	return true
}

// OutstandingWindows returns the ids of the outstanding windows
func (c *Coordinator) OutstandingWindows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.outstanding))
	for id := range c.outstanding {
		ids = append(ids, id)
	}
	return ids
}

// Tick returns the pending token when a commit is safe
func (c *Coordinator) Tick() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.outstanding) > 0 || c.pending.Empty() {
		return Token{}, false
	}
	return Token{
		Completed: append([]message.Position(nil), c.pending.Completed...),
		Failed:    append([]message.Position(nil), c.pending.Failed...),
	}, true
}

// Committed clears the positions of t, which the broker has accepted
func (c *Coordinator) Committed(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending.Completed = trimPrefix(c.pending.Completed, len(t.Completed))
	c.pending.Failed = trimPrefix(c.pending.Failed, len(t.Failed))
	c.metrics.recordCommit(true)
}

// CommitFailed records a rejected commit. The pending token is kept for the
// next quiescent point.
func (c *Coordinator) CommitFailed() {
	c.metrics.recordCommit(false)
}

// Outstanding is the number of submitted windows not yet resolved
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

// trimPrefix drops the first n positions. Positions are only ever appended,
// so the first n are exactly the ones a token taken earlier carried.
func trimPrefix(positions []message.Position, n int) []message.Position {
	if n >= len(positions) {
		return nil
	}
	return append([]message.Position(nil), positions[n:]...)
}
