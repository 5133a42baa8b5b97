// Copyright 2025-2026 Mukhammad-develop

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MessageKind discriminates the payload variant of a relayed message.
type MessageKind string

// Message payload kinds.
const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
	KindSticker  MessageKind = "sticker"
)

// Media is the opaque non-text payload of a message. The relay engine
// never interprets it; it is carried through to delivery unchanged.
type Media struct {
	Ref      string `json:"ref"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one message on a remote feed, modeled as a tagged variant:
// Kind selects the payload, Text holds the body for text messages and the
// caption for media messages, and Media is present for non-text kinds.
type Message struct {
	ID        int64       `json:"id"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Media     *Media      `json:"media,omitempty"`
	GroupID   int64       `json:"group_id,omitempty"`
	ReplyTo   int64       `json:"reply_to,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HasMedia reports whether the message carries a non-text payload.
func (m *Message) HasMedia() bool {
	return m.Media != nil
}

// ListOptions control a ListMessages call. Results are always returned in
// ascending message-id order.
type ListOptions struct {
	// MinID is an exclusive lower bound: only messages with a larger id
	// are returned.
	MinID int64
	// Limit caps the number of returned messages.
	Limit int
	// Last selects the newest Limit messages instead of the oldest ones
	// above MinID. Used by last-N backfill.
	Last bool
}

// EventType tags a live transport event.
type EventType string

// Live event types.
const (
	EventNewMessage EventType = "new_message"
	EventDeleted    EventType = "deleted"
)

// Event is one live update from the transport subscription: either a new
// message on a source feed or a batch of deleted message ids.
type Event struct {
	Type       EventType
	FeedID     int64
	Message    *Message
	DeletedIDs []int64
}

// Transport is the abstract capability set the relay engine consumes.
// Implementations own session authentication and the remote wire
// protocol; the engine only sees these five operations and the typed
// error taxonomy below. Every call may block and must honor ctx.
type Transport interface {
	// Connect authenticates the session. An ErrAuth failure is fatal to
	// the worker; an ErrSessionLocked failure tells the supervisor to
	// back off longer before restarting.
	Connect(ctx context.Context) error
	Close() error

	// ListMessages returns messages of one feed per opts, oldest first.
	ListMessages(ctx context.Context, feedID int64, opts ListOptions) ([]*Message, error)
	// SendMessage delivers one message to a target feed and returns the
	// id it was assigned there.
	SendMessage(ctx context.Context, feedID int64, msg *Message) (int64, error)
	// SendAlbum delivers a media group as one atomic logical unit and
	// returns the assigned ids. The first returned id anchors the
	// deletion mapping for the whole group.
	SendAlbum(ctx context.Context, feedID int64, msgs []*Message) ([]int64, error)
	// DeleteMessage removes a previously delivered message from a feed.
	DeleteMessage(ctx context.Context, feedID int64, messageID int64) error
	// SubscribeEvents returns a live event stream, or
	// ErrEventsUnsupported when the transport only supports polling.
	// The channel closes when ctx is done or the stream breaks; the
	// worker falls back to polling either way.
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
}

// Sentinel errors of the transport taxonomy. Implementations wrap these
// (or return RateLimitError) so the engine can classify failures with
// errors.Is / errors.As.
var (
	// ErrAuth means the session is invalid or expired. Fatal to the
	// worker; surfaced to the supervisor for restart with backoff.
	ErrAuth = errors.New("transport: authentication failed")
	// ErrSessionLocked means another process holds the account session.
	// The supervisor applies a long cooldown before restarting.
	ErrSessionLocked = errors.New("transport: session is locked by another instance")
	// ErrWriteForbidden means the account may not post to the target.
	// The pair is skipped, not retried, until an operator intervenes.
	ErrWriteForbidden = errors.New("transport: no write access to target feed")
	// ErrDeleteForbidden means the account may not delete on the target.
	// The deletion mapping is retained for a future permission grant.
	ErrDeleteForbidden = errors.New("transport: no delete access on target feed")
	// ErrCopyForbidden means the source forbids copying its content
	// entirely. Fatal to the pair.
	ErrCopyForbidden = errors.New("transport: source feed forbids copying")
	// ErrNotFound means the referenced message or mapping target is
	// already gone. Benign.
	ErrNotFound = errors.New("transport: message not found")
	// ErrEventsUnsupported is returned by SubscribeEvents on poll-only
	// transports.
	ErrEventsUnsupported = errors.New("transport: live events not supported")
)

// RateLimitError is returned when the remote service mandates a wait
// before further calls. The worker pauses wholesale for RetryAfter plus
// the configured extra delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("transport: rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimit extracts a RateLimitError from an error chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// IsSessionLockError reports whether a worker failure indicates a session
// lock conflict, which warrants a materially longer restart cooldown.
func IsSessionLockError(err error) bool {
	return errors.Is(err, ErrSessionLocked)
}

// isFatalToWorker reports whether an error must stop the worker rather
// than be retried in place.
func isFatalToWorker(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrSessionLocked)
}
