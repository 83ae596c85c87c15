package chatcore

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when the controller was closed before or during an operation.
	ErrClosed = errors.New("chatcore: conversation closed")
	// ErrNotReady is returned for intents issued before the conversation is Ready.
	ErrNotReady = errors.New("chatcore: conversation not ready")
	// ErrNotOwner is returned when editing or deleting another participant's message.
	ErrNotOwner = errors.New("chatcore: message belongs to another participant")
	// ErrNotFound is returned when a message id is not known locally.
	ErrNotFound = errors.New("chatcore: not found")
	// ErrMessageDeleted is returned when modifying a tombstone.
	ErrMessageDeleted = errors.New("chatcore: message was deleted")
	// ErrConversationExists signals a uniqueness conflict while creating a conversation.
	ErrConversationExists = errors.New("chatcore: conversation already exists")
	// ErrNotSubscribed is returned when publishing to a channel that is not joined.
	ErrNotSubscribed = errors.New("chatcore: not subscribed")
	// ErrSuperseded is returned when an in-flight send was abandoned by entering edit mode.
	ErrSuperseded = errors.New("chatcore: operation superseded")
)

// ValidationError reports a local input rejection. No network call was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ResolutionError reports a failure to resolve a conversation, its history
// or an attachment URL.
type ResolutionError struct {
	Op  string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TransportError reports a failed send, edit, delete or upload. For sends the
// optimistic entry stays in the store marked as failed.
type TransportError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *TransportError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s %s failed: %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PresenceError reports a failed typing broadcast. It is logged, never surfaced.
type PresenceError struct {
	ConversationID string
	Err            error
}

func (e *PresenceError) Error() string {
	return fmt.Sprintf("typing status for %s: %v", e.ConversationID, e.Err)
}

func (e *PresenceError) Unwrap() error { return e.Err }
