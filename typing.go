package chatcore

import (
	"strings"
	"sync"
)

// TypingCoordinator turns local text edits into typing broadcasts. It only
// publishes on transitions, so a burst of keystrokes produces one "typing"
// signal and clearing the field produces one "stopped" signal.
//
// publish is called with the coordinator's lock held, which keeps signals in
// order; it must not call back into the coordinator.
type TypingCoordinator struct {
	mu        sync.Mutex
	composing bool
	publish   func(active bool)
}

// NewTypingCoordinator creates a coordinator that reports through publish.
func NewTypingCoordinator(publish func(active bool)) *TypingCoordinator {
	return &TypingCoordinator{publish: publish}
}

// OnLocalTextChanged records the current draft. Whitespace-only text counts as empty.
func (t *TypingCoordinator) OnLocalTextChanged(text string) {
	t.set(strings.TrimSpace(text) != "")
}

// MessageSent clears the typing state after a send.
func (t *TypingCoordinator) MessageSent() {
	t.set(false)
}

// Stop clears the typing state when the conversation closes.
func (t *TypingCoordinator) Stop() {
	t.set(false)
}

// Composing reports whether a "typing" signal is currently in effect.
func (t *TypingCoordinator) Composing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.composing
}

func (t *TypingCoordinator) set(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.composing == active {
		return
	}
	t.composing = active
	if t.publish != nil {
		t.publish(active)
	}
}
