package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Display periodically renders the current stage to a terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDisplay creates a new progress display writing to stdout
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      os.Stdout,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and prints the final line of the current stage
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprint(d.out, "\r"+Render(d.tracker.Current()))
		case <-d.stopCh:
			fmt.Fprintln(d.out, "\r"+Render(d.tracker.Current()))
			return
		}
	}
}

// Render formats a status on a single line
func Render(s Status) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] ", s.Stage)
	if s.Total > 0 {
		fmt.Fprintf(&b, "%s %d/%d (%.1f%%)", progressBar(s.Percent(), 30), s.Processed, s.Total, s.Percent())
	} else {
		fmt.Fprintf(&b, "%d processed", s.Processed)
	}
	fmt.Fprintf(&b, " ok=%d failed=%d timeout=%d", s.Succeeded, s.Failed, s.TimedOut)
	if s.Bytes > 0 {
		fmt.Fprintf(&b, " %s", humanize.Bytes(uint64(s.Bytes)))
	}
	fmt.Fprintf(&b, " %s", s.Elapsed().Round(time.Second))

	return b.String()
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// IsTerminalSupported checks whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
