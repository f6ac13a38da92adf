package peer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// ProgressRenderer draws a TransferTracker as a single refreshing line.
type ProgressRenderer struct {
	tracker     *TransferTracker
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(tracker *TransferTracker, out io.Writer, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40,
	}
}

func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

// Start runs the render loop until Stop; call it in its own goroutine.
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// StopAndWait stops the loop and prints the final line.
func (pr *ProgressRenderer) StopAndWait() {
	close(pr.stopChan)
	<-pr.doneChan
	if err := pr.tracker.Err(); err != nil {
		pr.RenderError(err)
		return
	}
	pr.RenderFinal()
}

func (pr *ProgressRenderer) percent() float64 {
	done, total, _, _ := pr.tracker.Progress()
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

func (pr *ProgressRenderer) Render() {
	done, total, speed, resent := pr.tracker.Progress()
	pct := pr.percent()

	filled := int(float64(pr.width) * pct / 100)
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)
	speedStr := formatBytes(speed)
	etaStr := formatETA(pr.tracker.ETA())

	var line string
	if pr.useColors {
		line = fmt.Sprintf("\r%s[%s]%s [%s] %s%.1f%%%s (%d/%d chunks) | %s/s | ETA: %s",
			Cyan, pr.tracker.Name, Reset,
			Green+bar+Reset,
			Yellow, pct, Reset, done, total,
			Blue+speedStr+Reset, etaStr,
		)
	} else {
		line = fmt.Sprintf("\r[%s] [%s] %.1f%% (%d/%d chunks) | %s/s | ETA: %s",
			pr.tracker.Name, bar, pct, done, total, speedStr, etaStr,
		)
	}
	if resent > 0 {
		if pr.useColors {
			line += Yellow + fmt.Sprintf(" | %d resent", resent) + Reset
		} else {
			line += fmt.Sprintf(" | %d resent", resent)
		}
	}
	fmt.Fprint(pr.out, line)
}

func (pr *ProgressRenderer) RenderFinal() {
	_, total, _, _ := pr.tracker.Progress()
	fmt.Fprint(pr.out, "\r\033[K")

	size := formatBytes(float64(pr.tracker.Bytes()))
	elapsed := formatDuration(pr.tracker.Elapsed())
	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %s100%%%s (%d chunks, %s) | Completed in %s\n",
			Cyan, pr.tracker.Name, Reset,
			Green+strings.Repeat("█", pr.width)+Reset,
			Green, Reset, total, size, elapsed,
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [%s] 100%% (%d chunks, %s) | Completed in %s\n",
		pr.tracker.Name, strings.Repeat("█", pr.width), total, size, elapsed,
	)
}

func (pr *ProgressRenderer) RenderError(err error) {
	fmt.Fprint(pr.out, "\r\033[K")

	done, total, _, _ := pr.tracker.Progress()
	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %.1f%% | %s%sTransfer failed%s: %d/%d chunks: %v\n",
			Cyan, pr.tracker.Name, Reset,
			Red+"✗"+Reset,
			pr.percent(),
			Red, Bold, Reset, done, total, err,
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [✗] %.1f%% | Transfer failed: %d/%d chunks: %v\n",
		pr.tracker.Name, pr.percent(), done, total, err,
	)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	}
	return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
}

// IsTerminalSupported reports whether f is a terminal that can take the
// carriage-return redraws and colors.
func IsTerminalSupported(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
