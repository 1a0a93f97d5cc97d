package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethoslink/rolesync/internal/jobs"
)

// Renderer redraws a single progress line for a running job.
type Renderer struct {
	status   func() jobs.Status
	output   io.Writer
	width    int
	interval time.Duration
	mu       sync.Mutex
	drawn    bool
}

// NewRenderer creates a Renderer that polls status and writes to stdout.
func NewRenderer(status func() jobs.Status, width int) *Renderer {
	return &Renderer{
		status:   status,
		output:   os.Stdout,
		width:    width,
		interval: 250 * time.Millisecond,
	}
}

// WithOutput replaces the output destination.
func (r *Renderer) WithOutput(w io.Writer) *Renderer {
	r.output = w
	return r
}

// Render redraws the line until ctx is done.
func (r *Renderer) Render(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.draw()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop clears the progress line from the screen.
func (r *Renderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drawn {
		_, _ = fmt.Fprint(r.output, "\033[1A\033[K")
		r.drawn = false
	}
}

func (r *Renderer) draw() {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Clear the previous line using ANSI escape codes
	if r.drawn {
		_, _ = fmt.Fprint(r.output, "\033[1A\033[K")
	}

	_, _ = fmt.Fprintln(r.output, Line(r.status(), r.width))
	r.drawn = true
}

// Line formats a status as a bar with counters.
func Line(status jobs.Status, width int) string {
	filled := 0
	percent := 0.0

	if status.TotalCount > 0 {
		done := min(status.LastIndex, status.TotalCount)
		percent = float64(done) / float64(status.TotalCount) * 100
		filled = done * width / status.TotalCount
	}

	state := "idle"

	switch {
	case status.IsRunning && status.ShouldStop:
		state = "stopping"
	case status.IsRunning:
		state = "running"
	case status.Completed:
		state = "done"
	case status.LastError != "":
		state = "failed"
	}

	return fmt.Sprintf("%-16s [%s%s] %5.1f%% %d/%d changed=%d failed=%d %s",
		status.Kind,
		strings.Repeat("=", filled),
		strings.Repeat(" ", width-filled),
		percent,
		status.LastIndex,
		status.TotalCount,
		status.Changed,
		status.Failed,
		state,
	)
}
