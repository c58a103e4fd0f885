package chat

import (
	"errors"
	"fmt"
)

// Kind classifies a chat failure. Connect, Subscribe and Fetch are fatal to a
// session; the rest are local to a single operation.
type Kind int

const (
	KindConnect Kind = iota + 1
	KindSubscribe
	KindFetch
	KindUpload
	KindCompose
	KindSend
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindSubscribe:
		return "subscribe"
	case KindFetch:
		return "fetch"
	case KindUpload:
		return "upload"
	case KindCompose:
		return "compose"
	case KindSend:
		return "send"
	case KindDecode:
		return "decode"
	}
	return "unknown"
}

var (
	// ErrEmptyMessage is returned by Compose when there is neither text nor a file.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotConnected is returned when publishing without an open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrNotReady is returned when a session is asked to send before it reached Ready.
	ErrNotReady = errors.New("session is not ready")
	// ErrSessionClosed is returned for operations on a session that was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrRoomMismatch is returned when a message is offered to the wrong room.
	ErrRoomMismatch = errors.New("message belongs to another room")
	// ErrAttachmentTooLarge is returned when a file cannot be sent inline and no uploader exists.
	ErrAttachmentTooLarge = errors.New("attachment too large for inline transport")

	errUnnamedAttachment = errors.New("attachment has no name")
	errEmptyAttachment   = errors.New("attachment is empty")
)

// Error carries the kind of failure plus the operation and room it happened in.
type Error struct {
	Kind   Kind
	Op     string
	RoomID int64
	Err    error
}

func newError(kind Kind, op string, roomID int64, err error) *Error {
	return &Error{Kind: kind, Op: op, RoomID: roomID, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RoomID != 0 {
		msg = fmt.Sprintf("%s (room %d)", msg, e.RoomID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the failure moves a session to Failed.
func (e *Error) IsFatal() bool {
	switch e.Kind {
	case KindConnect, KindSubscribe, KindFetch:
		return true
	}
	return false
}

// KindOf extracts the Kind of err, or 0 when err is not a chat error.
func KindOf(err error) Kind {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Kind
	}
	return 0
}

// IsKind reports whether err is a chat error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
