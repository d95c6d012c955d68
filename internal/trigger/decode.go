package trigger

import (
	"unicode/utf16"
	"unicode/utf8"
)

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16leBOM = []byte{0xFF, 0xFE}
)

// decodeBody strips a leading BOM (UTF-8 or UTF-16 LE, decoding UTF-16 LE
// to UTF-8 in the process) and then removes NUL and C0 control bytes
// other than tab, newline, and carriage return (spec §4.8 step 4, §6).
func decodeBody(raw []byte) string {
	switch {
	case hasPrefix(raw, utf8BOM):
		raw = raw[len(utf8BOM):]
	case hasPrefix(raw, utf16leBOM):
		raw = decodeUTF16LE(raw[len(utf16leBOM):])
	}
	return stripControlBytes(raw)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if b[i] != p {
			return false
		}
	}
	return true
}

func decodeUTF16LE(raw []byte) []byte {
	if len(raw)%2 != 0 {
		raw = raw[:len(raw)-1]
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	runes := utf16.Decode(units)
	out := make([]byte, 0, len(runes)*3)
	var buf [utf8.UTFMax]byte
	for _, r := range runes {
		n := utf8.EncodeRune(buf[:], r)
		out = append(out, buf[:n]...)
	}
	return out
}

func stripControlBytes(raw []byte) string {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == 0x00 {
			continue
		}
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			continue
		}
		out = append(out, b)
	}
	return string(out)
}
