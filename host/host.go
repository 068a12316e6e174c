package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tngate/schema"
	"pkt.systems/tngate/screen3270"
)

const (
	textPollInterval     = 500 * time.Millisecond
	keyboardPollInterval = 100 * time.Millisecond
)

// Host is the automation facade used by ASTs and the session manager. All
// screen reads go through the engine's snapshot so reads are consistent even
// while the host keeps updating.
type Host struct {
	eng Engine
	log pslog.Logger
}

// New wraps an engine. A nil logger falls back to the ambient logger.
func New(eng Engine, log pslog.Logger) *Host {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Host{eng: eng, log: log}
}

// Engine exposes the wrapped engine for session plumbing.
func (h *Host) Engine() Engine { return h.eng }

// Snapshot returns the current buffer snapshot.
func (h *Host) Snapshot() screen3270.Snapshot { return h.eng.Snapshot() }

// Screen returns the full screen as a linear decoded string.
func (h *Host) Screen() string { return h.eng.Snapshot().Text() }

// CursorPosition returns the 0-indexed cursor row and column.
func (h *Host) CursorPosition() (row, col int) {
	s := h.eng.Snapshot()
	return s.CursorRow(), s.CursorCol()
}

// KeyboardLocked reports whether the host is still processing input.
func (h *Host) KeyboardLocked() bool { return h.eng.KeyboardLocked() }

// FormattedScreen returns the screen one row per line, right-trimmed, each
// row prefixed with its 1-indexed number when showRowNumbers is set.
func (h *Host) FormattedScreen(showRowNumbers bool) string {
	s := h.eng.Snapshot()
	lines := make([]string, 0, s.Rows)
	for row := 0; row < s.Rows; row++ {
		line := strings.TrimRight(s.RowText(row), " ")
		if showRowNumbers {
			line = fmt.Sprintf("%02d %s", row+1, line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// ShowScreen logs the current screen for diagnostics and returns it.
// Password-like values are masked and rows holding only a row number are
// dropped.
func (h *Host) ShowScreen(title string) string {
	content := screen3270.MaskSecrets(h.FormattedScreen(true))
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isRowNumberOnly(line) {
			continue
		}
		kept = append(kept, line)
	}
	content = strings.Join(kept, "\n")
	if title == "" {
		title = "SCREEN"
	}
	h.log.Info("screen", "title", title, "content", "\n"+content)
	return content
}

func isRowNumberOnly(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) == 0 || len(trimmed) > 2 {
		return false
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] < '0' || trimmed[i] > '9' {
			return false
		}
	}
	return true
}

// TextAt reads length characters starting at (row, col).
func (h *Host) TextAt(row, col, length int) string {
	return h.eng.Snapshot().TextAt(row, col, length)
}

// RowText reads one complete row.
func (h *Host) RowText(row int) string {
	return h.eng.Snapshot().RowText(row)
}

// FindText locates text on screen from startRow down. Coordinates are
// 0-indexed; ok is false when the text is absent.
func (h *Host) FindText(text string, startRow int) (row, col, addr int, ok bool) {
	return screen3270.FindText(h.eng.Snapshot(), text, startRow)
}

// Contains reports whether the screen holds the text, folding case unless
// caseSensitive is set.
func (h *Host) Contains(text string, caseSensitive bool) bool {
	screen := h.Screen()
	if !caseSensitive {
		return strings.Contains(strings.ToLower(screen), strings.ToLower(text))
	}
	return strings.Contains(screen, text)
}

// Fields returns all fields derived from the current screen.
func (h *Host) Fields() []screen3270.Field {
	return screen3270.Fields(h.eng.Snapshot())
}

// UnprotectedFields returns input fields only.
func (h *Host) UnprotectedFields() []screen3270.Field {
	return filterFields(h.Fields(), false)
}

// ProtectedFields returns display-only fields.
func (h *Host) ProtectedFields() []screen3270.Field {
	return filterFields(h.Fields(), true)
}

func filterFields(fields []screen3270.Field, protected bool) []screen3270.Field {
	var out []screen3270.Field
	for _, f := range fields {
		if f.Protected == protected {
			out = append(out, f)
		}
	}
	return out
}

// FindFieldByLabel locates the unprotected field following a label. ok is
// false when the label is missing or no input field qualifies.
func (h *Host) FindFieldByLabel(label string, caseSensitive bool) (screen3270.Field, bool) {
	s := h.eng.Snapshot()
	return screen3270.FindFieldByLabel(s, screen3270.Fields(s), label, caseSensitive)
}

// FieldValueByLabel returns the trimmed value of the field right of the
// label on the same row, or an empty string.
func (h *Host) FieldValueByLabel(label string, caseSensitive bool) string {
	s := h.eng.Snapshot()
	return screen3270.ValueByLabel(s, screen3270.Fields(s), label, caseSensitive)
}

// FieldAtCursor returns the field containing the cursor.
func (h *Host) FieldAtCursor() (screen3270.Field, bool) {
	s := h.eng.Snapshot()
	return screen3270.FieldAt(screen3270.Fields(s), s.Cursor)
}

// MoveCursor moves the cursor to a 0-indexed position.
func (h *Host) MoveCursor(row, col int) error { return h.eng.MoveCursor(row, col) }

// MoveCursorToAddress moves the cursor to a linear buffer address.
func (h *Host) MoveCursorToAddress(addr int) error { return h.eng.MoveCursorToAddress(addr) }

// Home moves the cursor to the first unprotected field.
func (h *Host) Home() error { return h.eng.Key(KeyHome) }

// Tab moves the cursor to the next unprotected field.
func (h *Host) Tab() error { return h.eng.Key(KeyTab) }

// BackTab moves the cursor to the previous unprotected field.
func (h *Host) BackTab() error { return h.eng.Key(KeyBackTab) }

// FillFieldAtCursor clears the field under the cursor (unless clearFirst is
// false) and types value.
func (h *Host) FillFieldAtCursor(value string, clearFirst bool) error {
	if clearFirst {
		if err := h.eng.Key(KeyEraseEOF); err != nil {
			return err
		}
	}
	return h.eng.Type(value)
}

// FillFieldByLabel finds the input field following label and fills it.
// Returns false without error when the label does not resolve to a field.
func (h *Host) FillFieldByLabel(label, value string, caseSensitive bool) (bool, error) {
	field, ok := h.FindFieldByLabel(label, caseSensitive)
	if !ok {
		h.log.Warn("field not found by label", "label", label)
		return false, nil
	}
	h.log.Debug("filling field found by label", "label", label, "row", field.Row, "col", field.Col)
	if err := h.eng.MoveCursorToAddress(field.Start); err != nil {
		return false, err
	}
	if err := h.eng.Key(KeyEraseEOF); err != nil {
		return false, err
	}
	if err := h.eng.Type(value); err != nil {
		return false, err
	}
	return true, nil
}

// FillFieldAt moves the cursor to a position and fills the field there.
func (h *Host) FillFieldAt(row, col int, value string, clearFirst bool) error {
	if err := h.eng.MoveCursor(row, col); err != nil {
		return err
	}
	return h.FillFieldAtCursor(value, clearFirst)
}

// Type enters text at the current cursor position.
func (h *Host) Type(text string) error { return h.eng.Type(text) }

// Key forwards a named key action to the engine.
func (h *Host) Key(k Key) error { return h.eng.Key(k) }

// ClearField erases from the cursor to the end of the current field.
func (h *Host) ClearField() error { return h.eng.Key(KeyEraseEOF) }

// ClearAllFields erases every unprotected field on the screen.
func (h *Host) ClearAllFields() error { return h.eng.Key(KeyEraseInput) }

// Backspace deletes the character before the cursor.
func (h *Host) Backspace() error { return h.eng.Key(KeyBackspace) }

// Delete deletes the character at the cursor.
func (h *Host) Delete() error { return h.eng.Key(KeyDelete) }

// Enter sends the ENTER key.
func (h *Host) Enter() error { return h.eng.Key(KeyEnter) }

// EnterWith types text at the cursor and sends ENTER.
func (h *Host) EnterWith(text string) error {
	if text != "" {
		if err := h.eng.Type(text); err != nil {
			return err
		}
	}
	return h.eng.Key(KeyEnter)
}

// Clear sends the CLEAR key.
func (h *Host) Clear() error { return h.eng.Key(KeyClear) }

// Attn sends the ATTN key.
func (h *Host) Attn() error { return h.eng.Key(KeyAttn) }

// PF sends a program function key. n must be 1 through 24.
func (h *Host) PF(n int) error {
	if n < 1 || n > 24 {
		return fmt.Errorf("%w: PF key must be 1-24, got %d", schema.ErrKeyOutOfRange, n)
	}
	return h.eng.PF(n)
}

// PA sends a program attention key. n must be 1 through 3.
func (h *Host) PA(n int) error {
	if n < 1 || n > 3 {
		return fmt.Errorf("%w: PA key must be 1-3, got %d", schema.ErrKeyOutOfRange, n)
	}
	return h.eng.PA(n)
}

// Wait blocks until the screen updates or the timeout elapses. Returns true
// when an update arrived.
func (h *Host) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return h.eng.Wait(ctx, timeout)
}

// WaitForText polls until text appears on screen or the timeout elapses.
func (h *Host) WaitForText(ctx context.Context, text string, timeout time.Duration, caseSensitive bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.Contains(text, caseSensitive) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(textPollInterval):
		}
	}
	return false
}

// WaitForKeyboard polls until the keyboard unlocks or the timeout elapses.
func (h *Host) WaitForKeyboard(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !h.eng.KeyboardLocked() {
			return true
		}
		if _, err := h.eng.Wait(ctx, keyboardPollInterval); err != nil {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}
