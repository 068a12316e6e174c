package screen3270

import (
	"strings"
	"testing"
)

func ebcdic(r rune) byte {
	switch {
	case r >= 'a' && r <= 'i':
		return 0x81 + byte(r-'a')
	case r >= 'j' && r <= 'r':
		return 0x91 + byte(r-'j')
	case r >= 's' && r <= 'z':
		return 0xA2 + byte(r-'s')
	case r >= 'A' && r <= 'I':
		return 0xC1 + byte(r-'A')
	case r >= 'J' && r <= 'R':
		return 0xD1 + byte(r-'J')
	case r >= 'S' && r <= 'Z':
		return 0xE2 + byte(r-'S')
	case r >= '0' && r <= '9':
		return 0xF0 + byte(r-'0')
	case r == '.':
		return 0x4B
	case r == ':':
		return 0x7A
	default:
		return 0x40
	}
}

func testSnapshot(rows, cols int) Snapshot {
	size := rows * cols
	return Snapshot{
		Rows:      rows,
		Cols:      cols,
		Content:   make([]byte, size),
		FieldAttr: make([]byte, size),
		FG:        make([]byte, size),
		BG:        make([]byte, size),
		Highlight: make([]byte, size),
	}
}

func putText(s Snapshot, row, col int, text string) {
	addr := row*s.Cols + col
	for _, r := range text {
		s.Content[addr%s.Size()] = ebcdic(r)
		addr++
	}
}

func TestDecodeByte(t *testing.T) {
	cases := []struct {
		in   byte
		want rune
	}{
		{0x00, ' '},
		{0x40, ' '},
		{0xC1, 'A'},
		{0x81, 'a'},
		{0xF9, '9'},
		{0x4B, '.'},
		{0x0C, ' '}, // control byte
	}
	for _, tc := range cases {
		if got := DecodeByte(tc.in); got != tc.want {
			t.Fatalf("DecodeByte(0x%02X) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTextAndCursor(t *testing.T) {
	s := testSnapshot(4, 10)
	putText(s, 1, 2, "READY")
	s.Cursor = 1*10 + 7

	if s.CursorRow() != 1 || s.CursorCol() != 7 {
		t.Fatalf("cursor = %d,%d", s.CursorRow(), s.CursorCol())
	}
	if got := s.RowText(1); got != "  READY   " {
		t.Fatalf("row = %q", got)
	}
	if !strings.Contains(s.Text(), "READY") {
		t.Fatalf("text = %q", s.Text())
	}
}

func TestTextAtWraps(t *testing.T) {
	s := testSnapshot(2, 5)
	putText(s, 1, 3, "AB") // last cell plus wrap into 0,0
	if got := s.TextAt(1, 3, 3); got != "AB " {
		t.Fatalf("wrapped text = %q", got)
	}
}

func TestFieldsDerivation(t *testing.T) {
	s := testSnapshot(2, 10)
	// Protected label field at (0,0), unprotected input at (0,6).
	s.FieldAttr[0] = faProtected
	putText(s, 0, 1, "NAME:")
	s.FieldAttr[6] = 0x01
	putText(s, 0, 7, "BOB")

	fields := Fields(s)
	if len(fields) != 2 {
		t.Fatalf("fields = %d", len(fields))
	}
	label := fields[0]
	if !label.Protected || label.Start != 1 || label.Value != "NAME:" {
		t.Fatalf("label = %+v", label)
	}
	input := fields[1]
	if input.Protected || input.Row != 0 || input.Col != 7 || input.Value != "BOB" {
		t.Fatalf("input = %+v", input)
	}
	// Last field wraps around to the first attribute.
	if input.End != 0 {
		t.Fatalf("end = %d", input.End)
	}
	if !input.Contains(19) || !input.Contains(7) || input.Contains(0) {
		t.Fatal("wrap containment broken")
	}
}

func TestFieldsUnformattedBuffer(t *testing.T) {
	s := testSnapshot(2, 10)
	if Fields(s) != nil {
		t.Fatal("expected nil fields for unformatted buffer")
	}
}

func TestFieldHiddenAndIntensified(t *testing.T) {
	s := testSnapshot(1, 10)
	s.FieldAttr[0] = faProtected | faIntensified
	s.FieldAttr[5] = faHiddenMask

	fields := Fields(s)
	if len(fields) != 2 {
		t.Fatalf("fields = %d", len(fields))
	}
	if !fields[0].Intensified || fields[0].Hidden {
		t.Fatalf("first = %+v", fields[0])
	}
	if !fields[1].Hidden {
		t.Fatalf("second = %+v", fields[1])
	}
}

func TestFindText(t *testing.T) {
	s := testSnapshot(4, 20)
	putText(s, 2, 5, "SIGN ON")
	row, col, addr, ok := FindText(s, "SIGN ON", 0)
	if !ok || row != 2 || col != 5 || addr != 2*20+5 {
		t.Fatalf("got %d,%d,%d,%v", row, col, addr, ok)
	}
	if _, _, _, ok := FindText(s, "SIGN ON", 3); ok {
		t.Fatal("found text before startRow")
	}
}

func TestFindFieldByLabelPrefersSameRow(t *testing.T) {
	s := testSnapshot(4, 40)
	putText(s, 1, 0, "USERID:")
	s.FieldAttr[1*40+9] = 0x01 // same row, right of label
	s.FieldAttr[2*40+0] = 0x01 // next row
	s.FieldAttr[0*40+0] = faProtected

	fields := Fields(s)
	f, ok := FindFieldByLabel(s, fields, "userid:", false)
	if !ok {
		t.Fatal("label not matched")
	}
	if f.Row != 1 || f.Col != 10 {
		t.Fatalf("field = %+v", f)
	}
}

func TestFindFieldByLabelSkipsProtected(t *testing.T) {
	s := testSnapshot(2, 20)
	putText(s, 0, 0, "KEY:")
	s.FieldAttr[5] = faProtected
	fields := Fields(s)
	if _, ok := FindFieldByLabel(s, fields, "KEY:", true); ok {
		t.Fatal("protected field selected")
	}
}

func TestValueByLabel(t *testing.T) {
	s := testSnapshot(1, 40)
	putText(s, 0, 0, "STATUS:")
	s.FieldAttr[8] = faProtected
	putText(s, 0, 9, "ACTIVE")
	// Terminate the value field; with a single attribute the lone field
	// would wrap the whole buffer.
	s.FieldAttr[16] = faProtected
	fields := Fields(s)
	if got := ValueByLabel(s, fields, "status:", false); got != "ACTIVE" {
		t.Fatalf("value = %q", got)
	}
	if got := ValueByLabel(s, fields, "MISSING:", false); got != "" {
		t.Fatalf("value = %q", got)
	}
}

func TestMaskSecrets(t *testing.T) {
	in := "Password...  HUNTER2  Passcode....  123456"
	out := MaskSecrets(in)
	if strings.Contains(out, "HUNTER2") || strings.Contains(out, "123456") {
		t.Fatalf("out = %q", out)
	}
	if !strings.Contains(out, "Password...  ******") {
		t.Fatalf("out = %q", out)
	}
}
