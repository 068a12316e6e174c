// Package ansi renders a 3270 buffer snapshot into an ANSI escape stream for
// terminal display.
package ansi

import (
	"fmt"
	"strings"

	"pkt.systems/tngate/screen3270"
)

// colorMap translates 3270 extended color bytes to ANSI color indexes.
var colorMap = map[byte]int{
	0x00: 0, // default
	0xF0: 0, // neutral/black
	0xF1: 4, // blue
	0xF2: 1, // red
	0xF3: 5, // pink/magenta
	0xF4: 2, // green
	0xF5: 6, // turquoise/cyan
	0xF6: 3, // yellow
	0xF7: 7, // neutral/white
}

// Extended highlighting codes.
const (
	highlightBlink      = 0xF1
	highlightReverse    = 0xF2
	highlightUnderscore = 0xF4
)

// Frame is the result of rendering one buffer snapshot.
type Frame struct {
	// Stream is the full ANSI escape stream: clear and home, attribute-tagged
	// content, attribute reset, cursor placement.
	Stream    string
	Fields    []screen3270.Field
	CursorRow int
	CursorCol int
	Rows      int
	Cols      int
}

// Render converts a snapshot into a frame. It is side-effect free: rendering
// the same snapshot twice yields byte-identical output. Attribute sequences
// are emitted only when foreground, background or highlight change between
// consecutive cells. Field attribute cells render as a blank.
func Render(s screen3270.Snapshot) Frame {
	var out strings.Builder
	out.WriteString("\x1b[2J")
	out.WriteString("\x1b[H")

	currentFG := 7
	currentBG := 0
	currentHL := byte(0)

	// Field state carries forward until the next attribute cell. Unprotected
	// normal text defaults to green.
	fieldFG := byte(0xF4)

	for row := 0; row < s.Rows; row++ {
		if row > 0 {
			out.WriteString("\r\n")
		}
		for col := 0; col < s.Cols; col++ {
			addr := row*s.Cols + col
			fa := s.FieldAttr[addr]
			fg := s.FG[addr]
			bg := s.BG[addr]
			hl := s.Highlight[addr]

			var ch rune
			if fa != 0 {
				fieldFG = defaultFieldColor(fa)
				ch = ' '
			} else {
				ch = screen3270.DecodeByte(s.Content[addr])
			}

			cellFG := lookupColor(fg, 7)
			if fg == 0 {
				cellFG = lookupColor(fieldFG, 2)
			}
			cellBG := 0
			if bg != 0 {
				cellBG = lookupColor(bg, 0)
			}

			if cellFG != currentFG || cellBG != currentBG || hl != currentHL {
				out.WriteString(attrSequence(cellFG, cellBG, hl))
				currentFG = cellFG
				currentBG = cellBG
				currentHL = hl
			}
			out.WriteRune(ch)
		}
	}

	out.WriteString("\x1b[0m")
	cursorRow := s.CursorRow()
	cursorCol := s.CursorCol()
	fmt.Fprintf(&out, "\x1b[%d;%dH", cursorRow+1, cursorCol+1)

	return Frame{
		Stream:    out.String(),
		Fields:    screen3270.Fields(s),
		CursorRow: cursorRow,
		CursorCol: cursorCol,
		Rows:      s.Rows,
		Cols:      s.Cols,
	}
}

func defaultFieldColor(fa byte) byte {
	protected := fa&0x20 != 0
	intensified := fa&0x08 != 0
	switch {
	case intensified:
		return 0xF7 // white
	case protected:
		return 0xF1 // blue
	default:
		return 0xF4 // green
	}
}

func lookupColor(code byte, fallback int) int {
	if c, ok := colorMap[code]; ok {
		return c
	}
	return fallback
}

func attrSequence(fg, bg int, hl byte) string {
	parts := []string{"0", fmt.Sprintf("%d", 30+fg)}
	if bg > 0 {
		parts = append(parts, fmt.Sprintf("%d", 40+bg))
	}
	switch hl {
	case highlightBlink:
		parts = append(parts, "5")
	case highlightReverse:
		parts = append(parts, "7")
	case highlightUnderscore:
		parts = append(parts, "4")
	}
	return "\x1b[" + strings.Join(parts, ";") + "m"
}
