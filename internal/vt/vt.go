// Package vt reconstructs the final visible text of a terminal session from
// raw output containing ANSI escape sequences. Interactive CLIs repaint
// regions in place; naive stripping interleaves stale and fresh frames, so a
// small screen model replays cursor movement and erasure instead.
package vt

import (
	"strings"
)

// screen is an unbounded grid of runes addressed by row and column. Rows
// grow on demand; there is no scrollback and no wrapping, matching how the
// probed CLIs address an already-sized terminal.
type screen struct {
	lines [][]rune
	row   int
	col   int
}

// Render replays raw through the screen model and returns the visible text
// with trailing blank space trimmed. Malformed or truncated escape sequences
// are skipped; surrounding printable bytes pass through.
func Render(raw []byte) string {
	s := &screen{}
	data := []rune(string(raw))
	for i := 0; i < len(data); i++ {
		r := data[i]
		switch r {
		case 0x1b:
			i += s.consumeEscape(data[i:]) - 1
		case '\r':
			s.col = 0
		case '\n':
			s.row++
			s.col = 0
		case '\b':
			if s.col > 0 {
				s.col--
			}
		case '\t':
			s.col = (s.col/8 + 1) * 8
		default:
			if r >= 0x20 || r == 0 {
				if r != 0 {
					s.put(r)
				}
			}
		}
	}
	return s.text()
}

// consumeEscape interprets the escape sequence at the start of data and
// returns how many runes it spans (at least 1).
func (s *screen) consumeEscape(data []rune) int {
	if len(data) < 2 {
		return 1
	}
	switch data[1] {
	case '[':
		return s.consumeCSI(data)
	case ']':
		return consumeOSC(data)
	default:
		// Two-rune sequences such as ESC 7 / ESC =. Ignored.
		return 2
	}
}

func (s *screen) consumeCSI(data []rune) int {
	// ESC [ params final. Parameters are digits and ';'.
	i := 2
	params := []int{}
	cur, has := 0, false
	for i < len(data) {
		r := data[i]
		switch {
		case r >= '0' && r <= '9':
			cur = cur*10 + int(r-'0')
			has = true
			i++
		case r == ';':
			params = append(params, cur)
			cur, has = 0, false
			i++
		case r == '?' || r == '>' || r == '<' || r == '=' || r == ' ':
			// Private markers, e.g. ESC [ ? 25 l. Parameters still parse.
			i++
		default:
			if has {
				params = append(params, cur)
			}
			s.applyCSI(r, params)
			return i + 1
		}
	}
	// Truncated sequence at end of input.
	return len(data)
}

func (s *screen) applyCSI(final rune, params []int) {
	arg := func(i, def int) int {
		if i < len(params) && params[i] > 0 {
			return params[i]
		}
		return def
	}
	switch final {
	case 'H', 'f': // cursor position, 1-based
		s.row = arg(0, 1) - 1
		s.col = arg(1, 1) - 1
	case 'A':
		s.row -= arg(0, 1)
		if s.row < 0 {
			s.row = 0
		}
	case 'B':
		s.row += arg(0, 1)
	case 'C':
		s.col += arg(0, 1)
	case 'D':
		s.col -= arg(0, 1)
		if s.col < 0 {
			s.col = 0
		}
	case 'G':
		s.col = arg(0, 1) - 1
	case 'J':
		s.eraseDisplay(arg(0, 0))
	case 'K':
		s.eraseLine(arg(0, 0))
	case 'm', 'h', 'l', 'n', 'r', 't', 's', 'u':
		// Styling, modes, reports. No effect on visible text.
	}
}

// consumeOSC skips an operating system command, terminated by BEL or ST.
func consumeOSC(data []rune) int {
	for i := 2; i < len(data); i++ {
		if data[i] == 0x07 {
			return i + 1
		}
		if data[i] == 0x1b && i+1 < len(data) && data[i+1] == '\\' {
			return i + 2
		}
	}
	return len(data)
}

func (s *screen) put(r rune) {
	for len(s.lines) <= s.row {
		s.lines = append(s.lines, nil)
	}
	line := s.lines[s.row]
	for len(line) <= s.col {
		line = append(line, ' ')
	}
	line[s.col] = r
	s.lines[s.row] = line
	s.col++
}

func (s *screen) eraseLine(mode int) {
	if s.row >= len(s.lines) {
		return
	}
	line := s.lines[s.row]
	switch mode {
	case 0: // cursor to end
		if s.col < len(line) {
			s.lines[s.row] = line[:s.col]
		}
	case 1: // start to cursor
		for i := 0; i < len(line) && i <= s.col; i++ {
			line[i] = ' '
		}
	case 2:
		s.lines[s.row] = nil
	}
}

func (s *screen) eraseDisplay(mode int) {
	switch mode {
	case 0: // cursor to end of screen
		s.eraseLine(0)
		if s.row+1 < len(s.lines) {
			s.lines = s.lines[:s.row+1]
		}
	case 1: // start of screen to cursor
		for i := 0; i < s.row && i < len(s.lines); i++ {
			s.lines[i] = nil
		}
		s.eraseLine(1)
	case 2, 3:
		s.lines = nil
	}
}

func (s *screen) text() string {
	var b strings.Builder
	last := len(s.lines) - 1
	for last >= 0 && len(strings.TrimSpace(string(s.lines[last]))) == 0 {
		last--
	}
	for i := 0; i <= last; i++ {
		b.WriteString(strings.TrimRight(string(s.lines[i]), " "))
		if i < last {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
