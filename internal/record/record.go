// Package record defines the typed records produced from legacy tracking files
package record

import (
	"fmt"
)

// Step is a phase of the migration, processed in order
type Step string

const (
	StepSessions   Step = "sessions"
	StepTasks      Step = "tasks"
	StepMilestones Step = "milestones"
)

// Steps lists every step in processing order
var Steps = []Step{StepSessions, StepTasks, StepMilestones}

// Index returns the position of s in Steps, or -1
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// ParseStep converts a string into a Step
func ParseStep(s string) (Step, error) {
	step := Step(s)
	if step.Index() < 0 {
		return "", fmt.Errorf("unknown step %q", s)
	}
	return step, nil
}

// Kind tags which variant a Record holds
type Kind int

const (
	KindSession Kind = iota + 1
	KindTask
	KindMilestone
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindTask:
		return "task"
	case KindMilestone:
		return "milestone"
	default:
		return "unknown"
	}
}

// Source locates a record in the legacy files
type Source struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Session is one tracked work session
type Session struct {
	User            string `json:"user"`
	Date            string `json:"date"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int64  `json:"duration_minutes"`
	BillingMinutes  int64  `json:"billing_minutes"`
	TaskRef         string `json:"task_ref,omitempty"`
}

// Microtask is a checklist item inside a task
type Microtask struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// Task is a tracked unit of work
type Task struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Status     string      `json:"status"`
	Microtasks []Microtask `json:"microtasks,omitempty"`
}

// Milestone groups tasks under a due date
type Milestone struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	DueDate  string   `json:"due_date,omitempty"`
	TaskRefs []string `json:"task_refs,omitempty"`
}

// Record is an immutable tagged union of Session, Task and Milestone
type Record struct {
	Kind      Kind
	Source    Source
	Session   *Session
	Task      *Task
	Milestone *Milestone
}

// NewSession wraps a session
func NewSession(s Session, src Source) Record {
	return Record{Kind: KindSession, Source: src, Session: &s}
}

// NewTask wraps a task
func NewTask(t Task, src Source) Record {
	return Record{Kind: KindTask, Source: src, Task: &t}
}

// NewMilestone wraps a milestone
func NewMilestone(m Milestone, src Source) Record {
	return Record{Kind: KindMilestone, Source: src, Milestone: &m}
}

// Step returns the step that owns this record's kind
func (r Record) Step() Step {
	switch r.Kind {
	case KindTask:
		return StepTasks
	case KindMilestone:
		return StepMilestones
	default:
		return StepSessions
	}
}

// BillingMinutes returns the billable minutes carried by the record
func (r Record) BillingMinutes() int64 {
	if r.Kind == KindSession && r.Session != nil {
		return r.Session.BillingMinutes
	}
	return 0
}
