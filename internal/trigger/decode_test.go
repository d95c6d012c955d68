package trigger

import "testing"

func TestDecodeBody_StripsUTF8BOM(t *testing.T) {
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...)
	got := decodeBody(raw)
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestDecodeBody_DecodesUTF16LE(t *testing.T) {
	// "hi" in UTF-16 LE with BOM.
	raw := []byte{0xFF, 0xFE, 'h', 0x00, 'i', 0x00}
	got := decodeBody(raw)
	if got != "hi" {
		t.Errorf("got %q, want %q", got, "hi")
	}
}

func TestDecodeBody_StripsNULAndC0ControlBytesExceptTabNewlineCR(t *testing.T) {
	raw := []byte("a\x00b\x01c\td\ne\rf")
	got := decodeBody(raw)
	want := "abc\td\ne\rf"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDecodeBody_PlainASCIIUnaffected(t *testing.T) {
	got := decodeBody([]byte("plain text"))
	if got != "plain text" {
		t.Errorf("got %q, want %q", got, "plain text")
	}
}
