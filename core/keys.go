package core

import (
	"sort"

	"pkt.systems/tngate/host"
)

// keyBinding maps one terminal escape sequence to an action on the host.
type keyBinding struct {
	seq   string
	name  string
	apply func(h *host.Host) error
}

func pf(n int) func(*host.Host) error {
	return func(h *host.Host) error { return h.PF(n) }
}

func pa(n int) func(*host.Host) error {
	return func(h *host.Host) error { return h.PA(n) }
}

func key(k host.Key) func(*host.Host) error {
	return func(h *host.Host) error { return h.Key(k) }
}

// keyBindings is ordered longest sequence first so that prefix-sharing
// sequences resolve to the longest match.
var keyBindings = func() []keyBinding {
	b := []keyBinding{
		{"\x1bOP", "pf1", pf(1)},
		{"\x1bOQ", "pf2", pf(2)},
		{"\x1bOR", "pf3", pf(3)},
		{"\x1bOS", "pf4", pf(4)},
		{"\x1b[15~", "pf5", pf(5)},
		{"\x1b[17~", "pf6", pf(6)},
		{"\x1b[18~", "pf7", pf(7)},
		{"\x1b[19~", "pf8", pf(8)},
		{"\x1b[20~", "pf9", pf(9)},
		{"\x1b[21~", "pf10", pf(10)},
		{"\x1b[23~", "pf11", pf(11)},
		{"\x1b[24~", "pf12", pf(12)},
		{"\x1b[1;2P", "pf13", pf(13)},
		{"\x1b[1;2Q", "pf14", pf(14)},
		{"\x1b[1;2R", "pf15", pf(15)},
		{"\x1b[1;2S", "pf16", pf(16)},
		{"\x1b[15;2~", "pf17", pf(17)},
		{"\x1b[17;2~", "pf18", pf(18)},
		{"\x1b[18;2~", "pf19", pf(19)},
		{"\x1b[19;2~", "pf20", pf(20)},
		{"\x1b[20;2~", "pf21", pf(21)},
		{"\x1b[21;2~", "pf22", pf(22)},
		{"\x1b[23;2~", "pf23", pf(23)},
		{"\x1b[24;2~", "pf24", pf(24)},
		{"\x1b[1;5P", "pa1", pa(1)},
		{"\x1b[1;5Q", "pa2", pa(2)},
		{"\x1b[1;5R", "pa3", pa(3)},
		{"\x1b[A", "up", key(host.KeyUp)},
		{"\x1b[B", "down", key(host.KeyDown)},
		{"\x1b[C", "right", key(host.KeyRight)},
		{"\x1b[D", "left", key(host.KeyLeft)},
		{"\x1b[H", "home", key(host.KeyHome)},
		{"\x1b[1~", "home", key(host.KeyHome)},
		{"\x1b[F", "end", key(host.KeyFieldEnd)},
		{"\x1b[4~", "end", key(host.KeyFieldEnd)},
		{"\x1b[Z", "backtab", key(host.KeyBackTab)},
		{"\x1b[3~", "delete", key(host.KeyDelete)},
		{"\x1b[2~", "clear", key(host.KeyClear)},
		{"\x1b\x1b", "clear", key(host.KeyClear)},
		{"\r", "enter", func(h *host.Host) error { return h.Enter() }},
		{"\n", "enter", func(h *host.Host) error { return h.Enter() }},
		{"\t", "tab", key(host.KeyTab)},
		{"\x7f", "backspace", key(host.KeyBackspace)},
		{"\x08", "backspace", key(host.KeyBackspace)},
		{"\x03", "attn", func(h *host.Host) error { return h.Attn() }},
	}
	sort.SliceStable(b, func(i, j int) bool { return len(b[i].seq) > len(b[j].seq) })
	return b
}()

// matchKey returns the binding whose sequence prefixes data, preferring the
// longest sequence, plus the number of bytes consumed.
func matchKey(data string) (keyBinding, int, bool) {
	for _, b := range keyBindings {
		if len(data) >= len(b.seq) && data[:len(b.seq)] == b.seq {
			return b, len(b.seq), true
		}
	}
	return keyBinding{}, 0, false
}
