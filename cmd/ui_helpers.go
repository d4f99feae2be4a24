package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"atomicgo.dev/cursor"
	"github.com/pterm/pterm"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// startInlineSpinner starts a simple inline spinner animation on a single line.
// It displays rotating animation frames followed by the provided text, updating
// the same line in the terminal. The spinner runs in a separate goroutine and
// can be stopped by calling the returned function, which clears the line.
func startInlineSpinner(w io.Writer, text string, frames []string, interval time.Duration) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				line := fmt.Sprintf("%s %s", frames[i%len(frames)], text)
				fmt.Fprintf(w, "\r%*s\r", len(line), "")
				return
			case <-ticker.C:
				fmt.Fprintf(w, "\r%s %s", frames[i%len(frames)], text)
				i++
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// statusLine is a spinner whose text can change while it runs. It renders into a pterm
// area that is removed when stopped, and falls back to the inline spinner when no
// area can be started.
type statusLine struct {
	mu   sync.Mutex
	text string

	area     *pterm.AreaPrinter
	stopArea chan struct{}
	wg       sync.WaitGroup
	inline   func()
	stopped  bool
}

func startStatusLine(text string) *statusLine {
	s := &statusLine{text: text}
	cursor.Hide()
	area, err := pterm.DefaultArea.WithRemoveWhenDone(true).Start()
	if err != nil {
		cursor.Show()
		s.inline = startInlineSpinner(os.Stdout, text, spinnerFrames, 120*time.Millisecond)
		return s
	}
	s.area = area
	s.stopArea = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		i := 0
		for {
			select {
			case <-t.C:
				s.mu.Lock()
				line := fmt.Sprintf("%s %s", spinnerFrames[i%len(spinnerFrames)], s.text)
				s.mu.Unlock()
				area.Update(line)
				i++
			case <-s.stopArea:
				return
			}
		}
	}()
	return s
}

// Set replaces the spinner text. The inline fallback keeps its initial text.
func (s *statusLine) Set(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
}

// Stop removes the spinner. It is safe to call more than once.
func (s *statusLine) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.inline != nil {
		s.inline()
		return
	}
	close(s.stopArea)
	s.wg.Wait()
	_ = s.area.Stop()
	cursor.Show()
}
