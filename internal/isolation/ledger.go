// Package isolation attributes sessions to per-user ledgers and protects their identity fields
package isolation

import (
	"sort"

	"ledgermigrate/internal/record"
)

// Entry is one session inside a ledger. Seq is the session's position in the
// sessions stream and makes re-applying a batch idempotent.
type Entry struct {
	Seq             int64         `json:"seq"`
	Date            string        `json:"date"`
	StartTime       string        `json:"start_time"`
	EndTime         string        `json:"end_time"`
	DurationMinutes int64         `json:"duration_minutes"`
	BillingMinutes  int64         `json:"billing_minutes"`
	TaskRef         string        `json:"task_ref,omitempty"`
	Source          record.Source `json:"source"`
}

// Ledger aggregates the sessions of exactly one user
type Ledger struct {
	UserID         string  `json:"user_id"`
	Sessions       []Entry `json:"sessions"`
	TotalMinutes   int64   `json:"total_minutes"`
	BillingMinutes int64   `json:"billing_minutes"`

	seqs map[int64]struct{}
}

// NewLedger creates an empty ledger for userID
func NewLedger(userID string) *Ledger {
	return &Ledger{UserID: userID, seqs: make(map[int64]struct{})}
}

// Add appends an entry unless its sequence is already present
func (l *Ledger) Add(e Entry) bool {
	if l.seqs == nil {
		l.reindex()
	}
	if _, ok := l.seqs[e.Seq]; ok {
		return false
	}
	l.seqs[e.Seq] = struct{}{}
	l.Sessions = append(l.Sessions, e)
	l.TotalMinutes += e.DurationMinutes
	l.BillingMinutes += e.BillingMinutes
	return true
}

// Recompute rebuilds the totals from the entries and reports whether they changed
func (l *Ledger) Recompute() bool {
	var total, billing int64
	for _, e := range l.Sessions {
		total += e.DurationMinutes
		billing += e.BillingMinutes
	}
	changed := total != l.TotalMinutes || billing != l.BillingMinutes
	l.TotalMinutes, l.BillingMinutes = total, billing
	return changed
}

// Sort orders entries by stream sequence
func (l *Ledger) Sort() {
	sort.Slice(l.Sessions, func(i, j int) bool { return l.Sessions[i].Seq < l.Sessions[j].Seq })
}

func (l *Ledger) reindex() {
	l.seqs = make(map[int64]struct{}, len(l.Sessions))
	for _, e := range l.Sessions {
		l.seqs[e.Seq] = struct{}{}
	}
}

// Sequenced is a session with its position in the sessions stream
type Sequenced struct {
	Seq     int64
	Session *record.Session
	Source  record.Source
}

// EntryFrom converts a sequenced session into a ledger entry
func EntryFrom(s Sequenced) Entry {
	return Entry{
		Seq:             s.Seq,
		Date:            s.Session.Date,
		StartTime:       s.Session.StartTime,
		EndTime:         s.Session.EndTime,
		DurationMinutes: s.Session.DurationMinutes,
		BillingMinutes:  s.Session.BillingMinutes,
		TaskRef:         s.Session.TaskRef,
		Source:          s.Source,
	}
}

// Clone returns a deep copy of the ledger
func (l *Ledger) Clone() *Ledger {
	out := NewLedger(l.UserID)
	out.Sessions = append(make([]Entry, 0, len(l.Sessions)), l.Sessions...)
	out.TotalMinutes = l.TotalMinutes
	out.BillingMinutes = l.BillingMinutes
	out.reindex()
	return out
}
