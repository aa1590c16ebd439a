package vt_test

import (
	"testing"

	"github.com/zsprackett/quotawatch/internal/vt"
)

func TestRenderPlainText(t *testing.T) {
	got := vt.Render([]byte("hello\nworld"))
	if got != "hello\nworld" {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderStripsSGR(t *testing.T) {
	got := vt.Render([]byte("\x1b[1;32mgreen\x1b[0m text"))
	if got != "green text" {
		t.Errorf("Render = %q, want %q", got, "green text")
	}
}

func TestRenderCarriageReturnOverwrites(t *testing.T) {
	got := vt.Render([]byte("loading...\rdone      "))
	if got != "done" {
		t.Errorf("Render = %q, want %q", got, "done")
	}
}

func TestRenderCursorRepaint(t *testing.T) {
	// Draw two lines, move home, overwrite the first.
	raw := []byte("old status\nsecond\x1b[H\x1b[Knew status")
	got := vt.Render(raw)
	if got != "new status\nsecond" {
		t.Errorf("Render = %q, want %q", got, "new status\nsecond")
	}
}

func TestRenderEraseDisplay(t *testing.T) {
	got := vt.Render([]byte("stale frame\x1b[2J\x1b[Hfresh"))
	if got != "fresh" {
		t.Errorf("Render = %q, want %q", got, "fresh")
	}
}

func TestRenderCursorMovement(t *testing.T) {
	// CUD then CUF positions text on a later line and column.
	got := vt.Render([]byte("a\x1b[B\x1b[2Db"))
	if got != "a\n b" {
		t.Errorf("Render = %q, want %q", got, "a\n b")
	}
}

func TestRenderOSCIgnored(t *testing.T) {
	got := vt.Render([]byte("\x1b]0;window title\x07visible"))
	if got != "visible" {
		t.Errorf("Render = %q, want %q", got, "visible")
	}
}

func TestRenderTruncatedEscapeNoPanic(t *testing.T) {
	for _, raw := range []string{"text\x1b", "text\x1b[", "text\x1b[12;", "\x1b]0;unterminated"} {
		_ = vt.Render([]byte(raw))
	}
}

func TestRenderBackspace(t *testing.T) {
	got := vt.Render([]byte("abx\bc"))
	if got != "abc" {
		t.Errorf("Render = %q, want %q", got, "abc")
	}
}

func TestRenderPrivateModeSequences(t *testing.T) {
	got := vt.Render([]byte("\x1b[?25lhidden cursor\x1b[?25h"))
	if got != "hidden cursor" {
		t.Errorf("Render = %q, want %q", got, "hidden cursor")
	}
}
