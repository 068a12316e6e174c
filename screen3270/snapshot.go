// Package screen3270 models the 3270 screen buffer: plane snapshots, field
// derivation, lookups, and display decoding.
package screen3270

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Snapshot is a read-only copy of the terminal buffer planes taken from the
// protocol engine. All planes are Rows*Cols bytes; addressing is linear and
// wraps modulo the buffer size.
type Snapshot struct {
	Rows int
	Cols int
	// Content holds EBCDIC display characters.
	Content []byte
	// FieldAttr holds field attribute bytes; zero means not an attribute cell.
	FieldAttr []byte
	// FG, BG and Highlight hold extended color and highlight codes.
	FG        []byte
	BG        []byte
	Highlight []byte
	// Cursor is the linear cursor address.
	Cursor int
}

// Size returns the linear buffer size.
func (s Snapshot) Size() int { return s.Rows * s.Cols }

// CursorRow returns the cursor row, 0-indexed.
func (s Snapshot) CursorRow() int { return s.Cursor / s.Cols }

// CursorCol returns the cursor column, 0-indexed.
func (s Snapshot) CursorCol() int { return s.Cursor % s.Cols }

// Field attribute bit masks.
const (
	faProtected   = 0x20
	faIntensified = 0x08
	faHiddenMask  = 0x0C
)

// DecodeByte converts one EBCDIC (code page 037) content byte to a display
// rune. Nulls, EBCDIC blanks and non-printable bytes all render as a space.
func DecodeByte(b byte) rune {
	if b == 0x00 || b == 0x40 {
		return ' '
	}
	r := charmap.CodePage037.DecodeByte(b)
	if r == utf8.RuneError || !unicode.IsPrint(r) {
		return ' '
	}
	return r
}

// Text decodes the full buffer into a linear string of Size() runes.
func (s Snapshot) Text() string {
	var b strings.Builder
	b.Grow(s.Size())
	for _, c := range s.Content {
		b.WriteRune(DecodeByte(c))
	}
	return b.String()
}

// TextAt decodes length characters starting at (row, col), wrapping at the
// end of the buffer.
func (s Snapshot) TextAt(row, col, length int) string {
	size := s.Size()
	if size == 0 || length <= 0 {
		return ""
	}
	addr := (row*s.Cols + col) % size
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteRune(DecodeByte(s.Content[addr]))
		addr = (addr + 1) % size
	}
	return b.String()
}

// RowText decodes one complete row.
func (s Snapshot) RowText(row int) string {
	return s.TextAt(row, 0, s.Cols)
}
