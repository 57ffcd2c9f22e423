package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when a locator does not resolve to a stored payload.
	ErrNotFound = errors.New("blob: payload not found")
	// ErrPayloadTooLarge is returned by Put when the payload exceeds the transport cap.
	ErrPayloadTooLarge = errors.New("blob: payload exceeds transport cap")
	// ErrInvalidOffset is returned by GetStream for offsets outside the payload.
	ErrInvalidOffset = errors.New("blob: invalid offset")
)

// Locator identifies one stored payload. It is a tagged union keyed by Provider:
// directory-like stores fill Key, message stores fill Channel and MessageID.
// Callers outside a transport only store and replay it.
type Locator struct {
	Provider  string `json:"provider" cbor:"provider"`
	Key       string `json:"key,omitempty" cbor:"key,omitempty"`
	Channel   string `json:"channel,omitempty" cbor:"channel,omitempty"`
	MessageID int64  `json:"message_id,omitempty" cbor:"message_id,omitempty"`
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool {
	return l == Locator{}
}

func (l Locator) String() string {
	if l.IsZero() {
		return "<none>"
	}
	if l.Key != "" {
		return l.Provider + ":" + l.Key
	}
	return l.Provider + ":" + l.Channel + "/" + strconv.FormatInt(l.MessageID, 10)
}

// Transport stores bounded payloads and streams them back from any offset.
type Transport interface {
	// Put stores exactly size bytes read from r. It is all-or-nothing.
	Put(ctx context.Context, r io.Reader, size int64) (Locator, error)
	// GetStream returns the payload bytes from offset to the payload end.
	GetStream(ctx context.Context, loc Locator, offset int64) (io.ReadCloser, error)
}

// PayloadInfo describes a stored payload for maintenance tools.
type PayloadInfo struct {
	Locator   Locator
	Size      int64
	CreatedAt time.Time
}

// Inventory is implemented by transports that can enumerate and remove payloads.
type Inventory interface {
	List(ctx context.Context) ([]PayloadInfo, error)
	Stat(ctx context.Context, loc Locator) (PayloadInfo, error)
	Delete(ctx context.Context, loc Locator) error
}

// TransportError wraps any failure reported by a transport.
type TransportError struct {
	Op      string
	Locator Locator
	Err     error
}

func (e *TransportError) Error() string {
	if e.Locator.IsZero() {
		return fmt.Sprintf("blob: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blob: %s %s: %v", e.Op, e.Locator, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *TransportError unless it already is one.
func Wrap(op string, loc Locator, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Locator: loc, Err: err}
}
