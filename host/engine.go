// Package host provides the automation facade over a 3270 protocol engine:
// screen reads, field fills, AID keys, cursor moves and waits.
package host

import (
	"context"
	"time"

	"pkt.systems/tngate/screen3270"
)

// Key names a terminal action forwarded to the protocol engine.
type Key string

const (
	KeyEnter      Key = "Enter"
	KeyClear      Key = "Clear"
	KeyAttn       Key = "Attn"
	KeyHome       Key = "Home"
	KeyFieldEnd   Key = "FieldEnd"
	KeyTab        Key = "Tab"
	KeyBackTab    Key = "BackTab"
	KeyBackspace  Key = "BackSpace"
	KeyDelete     Key = "Delete"
	KeyEraseEOF   Key = "EraseEOF"
	KeyEraseInput Key = "EraseInput"
	KeyUp         Key = "Up"
	KeyDown       Key = "Down"
	KeyLeft       Key = "Left"
	KeyRight      Key = "Right"
)

// Engine is the 3270 protocol engine consumed by the gateway. Implementations
// must serialize concurrent calls internally. Snapshot returns a copy that
// remains valid after further engine activity.
type Engine interface {
	Connect(ctx context.Context, host string, port int, secure bool) error
	Close() error

	// ConnectionLost reports whether the host connection has dropped.
	ConnectionLost() bool
	// Updated reports whether the screen changed since ClearUpdated.
	Updated() bool
	ClearUpdated()
	// KeyboardLocked reports whether the host is still processing input.
	KeyboardLocked() bool

	Snapshot() screen3270.Snapshot

	// Wait blocks until the screen changes or the timeout elapses, returning
	// whether a change occurred. A lost connection is reported as an error.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)

	Key(k Key) error
	PF(n int) error
	PA(n int) error
	Type(text string) error
	MoveCursor(row, col int) error
	MoveCursorToAddress(addr int) error
}
