// Package progress tracks batch progress of a migration run and renders it on a terminal
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current migration status
type Status struct {
	Step             string        // step currently processed
	TotalBilling     int64         // billing minutes found in the legacy files
	ProcessedRecords int64         // stream positions consumed
	WrittenRecords   int64         // records newly persisted
	DuplicateRecords int64         // records already present from an earlier attempt
	SkippedRecords   int64         // malformed records skipped by policy
	BillingMinutes   int64         // billing minutes persisted so far
	Batches          int64         // committed batches
	StartTime        time.Time     // start of tracking
	LastUpdateTime   time.Time     // last batch
	CurrentRate      float64       // records/second over the last few seconds
	AverageRate      float64       // records/second since start
	ETA              time.Duration // estimated from billing progress
}

// Tracker tracks migration progress
type Tracker struct {
	mu         sync.RWMutex
	status     Status
	samples    []sample
	maxSamples int
	now        func() time.Time
}

type sample struct {
	timestamp time.Time
	records   int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			StartTime:      start,
			LastUpdateTime: start,
		},
		samples:    make([]sample, 0, 60),
		maxSamples: 60,
		now:        now,
	}
}

// SetTotalBilling sets the billing total the run is expected to reach
func (t *Tracker) SetTotalBilling(minutes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalBilling = minutes
}

// SetStep records the step being processed
func (t *Tracker) SetStep(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Step = step
}

// Restore seeds the tracker from a checkpoint when a run resumes
func (t *Tracker) Restore(processed, billing int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.ProcessedRecords = processed
	t.status.BillingMinutes = billing
}

// AddBatch records one committed batch. billing is the store-wide billing
// total after the commit.
func (t *Tracker) AddBatch(written, duplicates, skipped int, billing int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	consumed := int64(written + duplicates + skipped)
	t.status.Batches++
	t.status.WrittenRecords += int64(written)
	t.status.DuplicateRecords += int64(duplicates)
	t.status.SkippedRecords += int64(skipped)
	t.status.ProcessedRecords += consumed
	t.status.BillingMinutes = billing
	t.updateRate(consumed)
}

// updateRate updates the rate calculation (must be called with lock held)
func (t *Tracker) updateRate(records int64) {
	now := t.now()

	t.samples = append(t.samples, sample{timestamp: now, records: records})
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[1:]
	}

	t.calculateCurrentRate(now)
	t.calculateAverageRate(now)
	t.calculateETA(now)

	t.status.LastUpdateTime = now
}

// calculateCurrentRate uses the samples of the last five seconds
func (t *Tracker) calculateCurrentRate(now time.Time) {
	if len(t.samples) < 2 {
		t.status.CurrentRate = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recent int64
	var first *sample

	for i := len(t.samples) - 1; i >= 0; i-- {
		s := &t.samples[i]
		if s.timestamp.Before(cutoff) {
			break
		}
		recent += s.records
		first = s
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentRate = float64(recent) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageRate(now time.Time) {
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageRate = float64(t.status.ProcessedRecords) / elapsed.Seconds()
	}
}

// calculateETA extrapolates from the share of billing minutes already persisted
func (t *Tracker) calculateETA(now time.Time) {
	done := t.status.BillingMinutes
	if t.status.TotalBilling == 0 || done == 0 || done >= t.status.TotalBilling {
		t.status.ETA = 0
		return
	}

	elapsed := now.Sub(t.status.StartTime)
	remaining := float64(t.status.TotalBilling-done) / float64(done)
	t.status.ETA = time.Duration(remaining * float64(elapsed)).Round(time.Second)
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetBillingProgressPercent returns persisted billing minutes as a share of the expected total
func (t *Tracker) GetBillingProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalBilling == 0 {
		return 0
	}

	return float64(t.status.BillingMinutes) / float64(t.status.TotalBilling) * 100
}

// FormatRate formats a record rate in human readable format
func FormatRate(perSecond float64) string {
	if perSecond < 1000 {
		return fmt.Sprintf("%.1f rec/s", perSecond)
	}
	return fmt.Sprintf("%.1fk rec/s", perSecond/1000)
}

// FormatMinutes formats a number of minutes as hours and minutes
func FormatMinutes(minutes int64) string {
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh%02dm", minutes/60, minutes%60)
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	} else {
		return fmt.Sprintf("%ds", seconds)
	}
}
