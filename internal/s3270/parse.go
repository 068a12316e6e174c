package s3270

import (
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/tngate/screen3270"
)

// status is the decoded s3270 prompt line: twelve space-separated fields
// describing keyboard, connection, geometry and cursor.
type status struct {
	valid     bool
	keyboard  byte
	formatted bool
	connected bool
	rows      int
	cols      int
	cursorRow int
	cursorCol int
}

func parseStatus(line string) (status, error) {
	fields := strings.Fields(line)
	if len(fields) < 12 {
		return status{}, fmt.Errorf("status line has %d fields", len(fields))
	}
	st := status{valid: true}
	if len(fields[0]) > 0 {
		st.keyboard = fields[0][0]
	}
	st.formatted = fields[1] == "F"
	st.connected = strings.HasPrefix(fields[3], "C(")
	ints := make([]int, 4)
	for i, idx := range []int{6, 7, 8, 9} {
		n, err := strconv.Atoi(fields[idx])
		if err != nil {
			return status{}, fmt.Errorf("status field %d: %w", idx, err)
		}
		ints[i] = n
	}
	st.rows, st.cols, st.cursorRow, st.cursorCol = ints[0], ints[1], ints[2], ints[3]
	return st, nil
}

// parseReadBuffer decodes ReadBuffer(Ebcdic) output into buffer planes. Each
// line is one row of tokens: SF(...) starts a field and occupies one cell,
// SA(...) changes character attributes without occupying a cell, GE(xx) and
// plain hex pairs are content bytes.
func parseReadBuffer(lines []string, rows, cols int) screen3270.Snapshot {
	size := rows * cols
	snap := screen3270.Snapshot{
		Rows:      rows,
		Cols:      cols,
		Content:   make([]byte, size),
		FieldAttr: make([]byte, size),
		FG:        make([]byte, size),
		BG:        make([]byte, size),
		Highlight: make([]byte, size),
	}
	addr := 0
	var curFG, curBG, curHL byte
	put := func(b byte) {
		if addr < size {
			snap.Content[addr] = b
			snap.FG[addr] = curFG
			snap.BG[addr] = curBG
			snap.Highlight[addr] = curHL
		}
		addr++
	}
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			switch {
			case strings.HasPrefix(tok, "SF(") && strings.HasSuffix(tok, ")"):
				fa, fg, bg, hl := parseAttrs(tok[3 : len(tok)-1])
				if addr < size {
					snap.FieldAttr[addr] = fa
					snap.FG[addr] = fg
					snap.BG[addr] = bg
					snap.Highlight[addr] = hl
				}
				curFG, curBG, curHL = 0, 0, 0
				addr++
			case strings.HasPrefix(tok, "SA(") && strings.HasSuffix(tok, ")"):
				_, fg, bg, hl := parseAttrs(tok[3 : len(tok)-1])
				curFG, curBG, curHL = fg, bg, hl
			case strings.HasPrefix(tok, "GE(") && strings.HasSuffix(tok, ")"):
				if b, err := strconv.ParseUint(tok[3:len(tok)-1], 16, 8); err == nil {
					put(byte(b))
				}
			default:
				if b, err := strconv.ParseUint(tok, 16, 8); err == nil {
					put(byte(b))
				}
			}
		}
	}
	return snap
}

// Extended attribute type codes used in SF() and SA() tokens.
const (
	attrField      = 0xC0
	attrHighlight  = 0x41
	attrForeground = 0x42
	attrBackground = 0x45
)

func parseAttrs(body string) (fa, fg, bg, hl byte) {
	for _, pair := range strings.Split(body, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, err := strconv.ParseUint(kv[0], 16, 8)
		if err != nil {
			continue
		}
		val, err := strconv.ParseUint(kv[1], 16, 8)
		if err != nil {
			continue
		}
		switch byte(key) {
		case attrField:
			fa = byte(val)
		case attrHighlight:
			hl = byte(val)
		case attrForeground:
			fg = byte(val)
		case attrBackground:
			bg = byte(val)
		}
	}
	return fa, fg, bg, hl
}
