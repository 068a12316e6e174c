package screen3270

import "strings"

// Field is one derived screen field. Start is the first content cell (one
// past the attribute byte) and End is exclusive, wrapping modulo the buffer
// size. Fields partition the buffer: the last field's End equals the first
// attribute position.
type Field struct {
	Start       int
	End         int
	Row         int
	Col         int
	Length      int
	Protected   bool
	Intensified bool
	Hidden      bool
	Value       string
}

// Contains reports whether the linear address falls inside the field,
// accounting for wrap past the last buffer cell.
func (f Field) Contains(addr int) bool {
	if f.End > f.Start {
		return f.Start <= addr && addr < f.End
	}
	return addr >= f.Start || addr < f.End
}

// Fields derives the ordered field list from a single forward scan of the
// attribute plane. Returns nil for an unformatted buffer.
func Fields(s Snapshot) []Field {
	size := s.Size()
	type attrPos struct {
		addr int
		fa   byte
	}
	var starts []attrPos
	for addr := 0; addr < size; addr++ {
		if fa := s.FieldAttr[addr]; fa != 0 {
			starts = append(starts, attrPos{addr, fa})
		}
	}
	if len(starts) == 0 {
		return nil
	}

	fields := make([]Field, 0, len(starts))
	for i, ap := range starts {
		start := (ap.addr + 1) % size
		var end int
		if i+1 < len(starts) {
			end = starts[i+1].addr
		} else {
			end = starts[0].addr
		}
		length := end - start
		if length <= 0 {
			length = size - start + end
		}

		var b strings.Builder
		b.Grow(length)
		addr := start
		for n := 0; n < length; n++ {
			b.WriteRune(DecodeByte(s.Content[addr]))
			addr = (addr + 1) % size
		}

		fields = append(fields, Field{
			Start:       start,
			End:         end,
			Row:         start / s.Cols,
			Col:         start % s.Cols,
			Length:      length,
			Protected:   ap.fa&faProtected != 0,
			Intensified: ap.fa&faIntensified != 0,
			Hidden:      ap.fa&faHiddenMask == faHiddenMask,
			Value:       strings.TrimRight(b.String(), " "),
		})
	}
	return fields
}

// FieldAt returns the field whose [Start, End) range contains the address.
func FieldAt(fields []Field, addr int) (Field, bool) {
	for _, f := range fields {
		if f.Contains(addr) {
			return f, true
		}
	}
	return Field{}, false
}

// FindText locates text on the screen starting from startRow. Returns the
// 0-indexed row, column and linear address, or ok=false.
func FindText(s Snapshot, text string, startRow int) (row, col, addr int, ok bool) {
	screen := s.Text()
	for r := startRow; r < s.Rows; r++ {
		line := screen[r*s.Cols : (r+1)*s.Cols]
		if c := strings.Index(line, text); c >= 0 {
			return r, c, r*s.Cols + c, true
		}
	}
	return 0, 0, 0, false
}

// FindFieldByLabel locates label text anywhere on the screen, then selects
// the unprotected field judged closest following it. Fields strictly above
// the label are excluded; same-row fields at or right of the label's end are
// ranked by column distance; fields on rows below rank by
// 1000*rowDistance+|columnDifference| so nearer rows always win. Returns
// ok=false when the label is missing or no unprotected field qualifies.
func FindFieldByLabel(s Snapshot, fields []Field, label string, caseSensitive bool) (Field, bool) {
	screen := s.Text()
	search := label
	if !caseSensitive {
		search = strings.ToUpper(search)
		screen = strings.ToUpper(screen)
	}
	pos := strings.Index(screen, search)
	if pos < 0 {
		return Field{}, false
	}
	labelRow := pos / s.Cols
	labelCol := pos % s.Cols
	labelEnd := labelCol + len(search)

	var best Field
	bestDist := -1
	for _, f := range fields {
		if f.Protected {
			continue
		}
		if f.Row < labelRow {
			continue
		}
		var dist int
		if f.Row == labelRow {
			if f.Col < labelEnd {
				continue
			}
			dist = f.Col - labelEnd
		} else {
			colDiff := f.Col - labelCol
			if colDiff < 0 {
				colDiff = -colDiff
			}
			dist = (f.Row-labelRow)*1000 + colDiff
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			best = f
		}
	}
	if bestDist < 0 {
		return Field{}, false
	}
	return best, true
}

// ValueByLabel returns the value of the field closest to the right of the
// label on the same row, searching all fields including protected ones.
// Returns an empty string when nothing matches.
func ValueByLabel(s Snapshot, fields []Field, label string, caseSensitive bool) string {
	screen := s.Text()
	search := label
	if !caseSensitive {
		search = strings.ToUpper(search)
		screen = strings.ToUpper(screen)
	}
	pos := strings.Index(screen, search)
	if pos < 0 {
		return ""
	}
	labelRow := pos / s.Cols
	labelEnd := pos%s.Cols + len(search)

	var best *Field
	bestDist := -1
	for i := range fields {
		f := &fields[i]
		if f.Row != labelRow || f.Col < labelEnd {
			continue
		}
		dist := f.Col - labelEnd
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			best = f
		}
	}
	if best == nil {
		return ""
	}
	return best.Value
}
