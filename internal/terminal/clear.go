// Package terminal provides prompt helpers: reading secrets and clearing the lines
// they were typed on.
package terminal

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ClearPreviousLines clears a prompt and the user's input from stdout. textLength is
// the number of characters printed (prompt + input); the line wrapping is derived from
// the current terminal width, 80 when unknown.
func ClearPreviousLines(textLength int) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	clearLines(os.Stdout, linesUsed(textLength, width))
}

// linesUsed returns the lines occupied by textLength characters plus the empty line
// the cursor sits on after Enter.
func linesUsed(textLength, width int) int {
	if width <= 0 {
		width = 80
	}
	n := (textLength + width - 1) / width
	return max(n, 1) + 1
}

func clearLines(w io.Writer, n int) {
	for i := range n {
		fmt.Fprint(w, "\r\x1b[2K")
		if i < n-1 {
			fmt.Fprint(w, "\x1b[1A")
		}
	}
}
