package parser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/record"
)

// Legacy file names inside the source directory
const (
	SessionsFile   = "sessions.log"
	TasksFile      = "tasks.md"
	MilestonesFile = "milestones.md"

	// FormatFlatFile identifies the legacy flat-file layout
	FormatFlatFile = "flatfile/v1"

	maxLineBytes = 1 << 20
)

var (
	taskLine      = regexp.MustCompile(`^- \[(.)\] ([A-Za-z0-9][A-Za-z0-9._-]*): (.+)$`)
	microtaskLine = regexp.MustCompile(`^\s+- \[(.)\] (.+)$`)
	milestoneHead = regexp.MustCompile(`^## ([A-Za-z0-9][A-Za-z0-9._-]*): (.+?)(?: \(due (\d{4}-\d{2}-\d{2})\))?$`)
	milestoneTask = regexp.MustCompile(`^- ([A-Za-z0-9][A-Za-z0-9._-]*)\s*$`)
)

var taskStatuses = map[string]string{
	" ": "todo",
	"x": "done",
	"X": "done",
	"~": "in_progress",
	"-": "cancelled",
}

// FlatFile reads the legacy layout:
//
//	sessions.log   SESSION date=2024-01-15 user=alice start=09:00 end=10:00 duration=60 billing=45 task=T-1
//	tasks.md       - [x] T-1: Title, followed by indented "  - [ ] microtask" lines
//	milestones.md  ## M-1: Title (due 2024-03-01), followed by "- T-1" lines
type FlatFile struct {
	dir string
}

// NewFlatFile creates a parser over the given source directory
func NewFlatFile(dir string) *FlatFile {
	return &FlatFile{dir: dir}
}

// Format returns the originating format name
func (p *FlatFile) Format() string {
	return FormatFlatFile
}

// Sources returns the absolute paths of all legacy files
func (p *FlatFile) Sources() []string {
	return []string{
		filepath.Join(p.dir, SessionsFile),
		filepath.Join(p.dir, TasksFile),
		filepath.Join(p.dir, MilestonesFile),
	}
}

// Check verifies the sessions log is present; tasks and milestones are optional
func (p *FlatFile) Check() error {
	path := filepath.Join(p.dir, SessionsFile)
	f, err := os.Open(path)
	if err != nil {
		return errs.New(errs.KindPrerequisite, fmt.Sprintf("legacy sessions file %s is not readable", path), err)
	}
	return f.Close()
}

// Open returns the stream for one step. Missing optional files yield empty streams.
func (p *FlatFile) Open(ctx context.Context, step record.Step) (Stream, error) {
	var name string
	switch step {
	case record.StepSessions:
		name = SessionsFile
	case record.StepTasks:
		name = TasksFile
	case record.StepMilestones:
		name = MilestonesFile
	default:
		return nil, fmt.Errorf("unknown step %q", step)
	}

	lines, err := openLines(ctx, filepath.Join(p.dir, name))
	if err != nil {
		if os.IsNotExist(err) && step != record.StepSessions {
			return emptyStream{}, nil
		}
		return nil, errs.New(errs.KindIO, fmt.Sprintf("failed to open %s", name), err)
	}

	switch step {
	case record.StepSessions:
		return &sessionStream{lines: lines}, nil
	case record.StepTasks:
		return &taskStream{lines: lines}, nil
	default:
		return &milestoneStream{lines: lines}, nil
	}
}

type emptyStream struct{}

func (emptyStream) Next() (record.Record, error) { return record.Record{}, io.EOF }
func (emptyStream) Close() error                 { return nil }

// lineReader yields trimmed-right lines with their 1-based number
type lineReader struct {
	ctx     context.Context
	f       *os.File
	scanner *bufio.Scanner
	name    string
	line    int

	pushed   bool
	lastText string
}

func openLines(ctx context.Context, path string) (*lineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &lineReader{ctx: ctx, f: f, scanner: scanner, name: filepath.Base(path)}, nil
}

func (r *lineReader) next() (string, error) {
	if err := r.ctx.Err(); err != nil {
		return "", err
	}
	if r.pushed {
		r.pushed = false
		return r.lastText, nil
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	r.line++
	r.lastText = strings.TrimRight(r.scanner.Text(), " \t\r")
	return r.lastText, nil
}

// unread pushes the last line back so the next call returns it again
func (r *lineReader) unread() {
	r.pushed = true
}

func (r *lineReader) source() record.Source {
	return record.Source{File: r.name, Line: r.line}
}

func (r *lineReader) fail(reason, text string) *ParseError {
	return &ParseError{File: r.name, Line: r.line, Reason: reason, Text: text}
}

func (r *lineReader) Close() error {
	return r.f.Close()
}

func skippable(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || strings.HasPrefix(t, "#")
}

type sessionStream struct {
	lines *lineReader
}

func (s *sessionStream) Close() error { return s.lines.Close() }

func (s *sessionStream) Next() (record.Record, error) {
	for {
		text, err := s.lines.next()
		if err != nil {
			return record.Record{}, err
		}
		if skippable(text) {
			continue
		}

		session, reason := parseSession(text)
		if reason != "" {
			return record.Record{}, s.lines.fail(reason, text)
		}
		return record.NewSession(session, s.lines.source()), nil
	}
}

func parseSession(text string) (record.Session, string) {
	fields, err := splitFields(strings.TrimSpace(text))
	if err != nil {
		return record.Session{}, err.Error()
	}
	if len(fields) == 0 || fields[0] != "SESSION" {
		return record.Session{}, "expected SESSION entry"
	}

	kv := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return record.Session{}, fmt.Sprintf("field %q is not key=value", f)
		}
		if _, dup := kv[key]; dup {
			return record.Session{}, fmt.Sprintf("duplicate field %q", key)
		}
		kv[key] = value
	}

	s := record.Session{
		User:      kv["user"],
		Date:      kv["date"],
		StartTime: kv["start"],
		EndTime:   kv["end"],
		TaskRef:   kv["task"],
	}
	if s.User == "" {
		return s, "missing user"
	}
	if _, err := time.Parse("2006-01-02", s.Date); err != nil {
		return s, fmt.Sprintf("invalid date %q", s.Date)
	}
	start, err := time.Parse("15:04", s.StartTime)
	if err != nil {
		return s, fmt.Sprintf("invalid start time %q", s.StartTime)
	}
	end, err := time.Parse("15:04", s.EndTime)
	if err != nil {
		return s, fmt.Sprintf("invalid end time %q", s.EndTime)
	}

	if raw, ok := kv["duration"]; ok {
		d, err := parseMinutes(raw)
		if err != nil {
			return s, fmt.Sprintf("invalid duration %q", raw)
		}
		s.DurationMinutes = d
	} else {
		elapsed := end.Sub(start)
		if elapsed < 0 {
			elapsed += 24 * time.Hour
		}
		s.DurationMinutes = int64(elapsed / time.Minute)
	}

	raw, ok := kv["billing"]
	if !ok {
		return s, "missing billing"
	}
	b, err := parseMinutes(raw)
	if err != nil {
		return s, fmt.Sprintf("invalid billing %q", raw)
	}
	s.BillingMinutes = b

	return s, ""
}

func parseMinutes(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative minutes")
	}
	return n, nil
}

// splitFields splits on whitespace, honoring double-quoted values
func splitFields(text string) ([]string, error) {
	var (
		fields  []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range text {
		switch {
		case r == '"':
			quoted = !quoted
		case (r == ' ' || r == '\t') && !quoted:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote")
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields, nil
}

type taskStream struct {
	lines *lineReader
}

func (s *taskStream) Close() error { return s.lines.Close() }

func (s *taskStream) Next() (record.Record, error) {
	for {
		text, err := s.lines.next()
		if err != nil {
			return record.Record{}, err
		}
		if skippable(text) {
			continue
		}

		if microtaskLine.MatchString(text) {
			return record.Record{}, s.lines.fail("microtask outside of a task", text)
		}
		if !strings.HasPrefix(text, "- [") {
			continue // free-form notes between tasks
		}

		m := taskLine.FindStringSubmatch(text)
		if m == nil {
			return record.Record{}, s.lines.fail("task entry must be '- [ ] ID: Title'", text)
		}
		status, ok := taskStatuses[m[1]]
		if !ok {
			return record.Record{}, s.lines.fail(fmt.Sprintf("unknown task status %q", m[1]), text)
		}

		src := s.lines.source()
		task := record.Task{ID: m[2], Title: strings.TrimSpace(m[3]), Status: status}

		for {
			text, err := s.lines.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return record.Record{}, err
			}
			mm := microtaskLine.FindStringSubmatch(text)
			if mm == nil {
				s.lines.unread()
				break
			}
			task.Microtasks = append(task.Microtasks, record.Microtask{
				Title: strings.TrimSpace(mm[2]),
				Done:  mm[1] == "x" || mm[1] == "X",
			})
		}

		return record.NewTask(task, src), nil
	}
}

type milestoneStream struct {
	lines *lineReader
}

func (s *milestoneStream) Close() error { return s.lines.Close() }

func (s *milestoneStream) Next() (record.Record, error) {
	for {
		text, err := s.lines.next()
		if err != nil {
			return record.Record{}, err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		if milestoneTask.MatchString(text) {
			return record.Record{}, s.lines.fail("task reference outside of a milestone", text)
		}
		if !strings.HasPrefix(text, "## ") {
			continue // titles and prose
		}

		m := milestoneHead.FindStringSubmatch(text)
		if m == nil {
			return record.Record{}, s.lines.fail("milestone heading must be '## ID: Title (due YYYY-MM-DD)'", text)
		}
		if m[3] != "" {
			if _, err := time.Parse("2006-01-02", m[3]); err != nil {
				return record.Record{}, s.lines.fail(fmt.Sprintf("invalid due date %q", m[3]), text)
			}
		}

		src := s.lines.source()
		ms := record.Milestone{ID: m[1], Title: strings.TrimSpace(m[2]), DueDate: m[3]}

		for {
			text, err := s.lines.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return record.Record{}, err
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			mm := milestoneTask.FindStringSubmatch(text)
			if mm == nil {
				s.lines.unread()
				break
			}
			ms.TaskRefs = append(ms.TaskRefs, mm[1])
		}

		return record.NewMilestone(ms, src), nil
	}
}
