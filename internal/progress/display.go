package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Display handles the progress display
type Display struct {
	tracker   *Tracker
	interval  time.Duration
	out       io.Writer
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	lastLines int
}

// NewDisplay creates a new progress display writing to stderr
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      os.Stderr,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the progress display and waits for the final summary
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}

// displayLoop runs the display update loop
func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

// updateDisplay redraws the progress block in place
func (d *Display) updateDisplay() {
	lines := d.generateDisplay(d.tracker.GetStatus())

	d.clearLines()
	fmt.Fprint(d.out, strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

// finalDisplay shows the final progress
func (d *Display) finalDisplay() {
	d.clearLines()
	lines := d.generateFinalDisplay(d.tracker.GetStatus())
	fmt.Fprintln(d.out, strings.Join(lines, "\n"))
	d.lastLines = 0
}

// clearLines moves the cursor to the start of the previous block and erases it
func (d *Display) clearLines() {
	if d.lastLines == 0 {
		return
	}
	fmt.Fprintf(d.out, "\r\033[%dA\033[J", d.lastLines-1)
}

// generateDisplay generates the progress display lines
func (d *Display) generateDisplay(status Status) []string {
	lines := make([]string, 0, 12)

	lines = append(lines, "Migration progress")
	lines = append(lines, strings.Repeat("=", 51))

	percent := d.tracker.GetBillingProgressPercent()
	lines = append(lines, fmt.Sprintf("Step: %s   batches: %d", status.Step, status.Batches))
	lines = append(lines, fmt.Sprintf("Billing: %s/%s (%.1f%%)",
		FormatMinutes(status.BillingMinutes), FormatMinutes(status.TotalBilling), percent))
	lines = append(lines, "    "+d.generateProgressBar(percent, 40))

	lines = append(lines, fmt.Sprintf("Records: %d processed, %d written, %d already present, %d skipped",
		status.ProcessedRecords, status.WrittenRecords, status.DuplicateRecords, status.SkippedRecords))
	lines = append(lines, fmt.Sprintf("Rate: %s current, %s average",
		FormatRate(status.CurrentRate), FormatRate(status.AverageRate)))
	lines = append(lines, fmt.Sprintf("Elapsed: %s   remaining: %s",
		FormatDuration(time.Since(status.StartTime)), FormatDuration(status.ETA)))

	return lines
}

// generateFinalDisplay generates the final completion display
func (d *Display) generateFinalDisplay(status Status) []string {
	return []string{
		"Batches finished",
		strings.Repeat("=", 51),
		fmt.Sprintf("Records: %d processed, %d written, %d skipped",
			status.ProcessedRecords, status.WrittenRecords, status.SkippedRecords),
		fmt.Sprintf("Billing: %s", FormatMinutes(status.BillingMinutes)),
		fmt.Sprintf("Elapsed: %s", FormatDuration(time.Since(status.StartTime))),
	}
}

// generateProgressBar generates a visual progress bar
func (d *Display) generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported reports whether stderr is an interactive terminal
func IsTerminalSupported() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
