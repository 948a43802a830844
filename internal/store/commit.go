package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/isolation"
	"ledgermigrate/internal/lock"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/worker"

	"go.uber.org/zap"
)

// Batch is the structured output of one batch of records
type Batch struct {
	RunID string
	Step  record.Step
	// Offset is the stream position of the first record in the batch
	Offset int64
	// Consumed counts every stream position the batch covers, skipped records included
	Consumed   int64
	Sessions   []isolation.Sequenced
	Tasks      []record.Task
	Milestones []record.Milestone
}

// CommitResult describes what a commit changed
type CommitResult struct {
	Written    int
	Duplicates int
	// BillingMinutes were newly added by this commit
	BillingMinutes int64
	// CumulativeMinutes is the store-wide billing total after the commit
	CumulativeMinutes int64
	Files             int
}

type journal struct {
	RunID string      `json:"run_id"`
	Step  record.Step `json:"step"`
	Files []string    `json:"files"`
}

type document struct {
	rel   string
	value interface{}
}

// Commit persists a batch atomically: every changed document is written
// beside its live file, a journal records the set, then all are renamed into
// place. A crash before the journal exists leaves the previous state; a crash
// after it is rolled forward by the next Open.
func (s *Store) Commit(ctx context.Context, h *lock.Handle, b Batch) (*CommitResult, error) {
	if s.opts.ReadOnly {
		return nil, errs.New(errs.KindPrerequisite, "store is opened read-only", nil)
	}
	if err := h.Verify(); err != nil {
		return nil, err
	}
	if err := s.checkIsolation(); err != nil {
		return nil, err
	}

	res := &CommitResult{}
	fail := func(msg string, err error) (*CommitResult, error) {
		return nil, errs.At(errs.KindBatchWrite, string(b.Step), b.Offset, msg, err)
	}

	partial, err := s.iso.Partition(b.Sessions)
	if err != nil {
		return fail("failed to partition sessions", err)
	}

	changed := make(map[string]*isolation.Ledger)
	for id, p := range partial {
		l, err := s.working(id)
		if err != nil {
			return fail(fmt.Sprintf("failed to open ledger %s", id), err)
		}
		added := 0
		for _, e := range p.Sessions {
			if l.Add(e) {
				added++
				res.BillingMinutes += e.BillingMinutes
			} else {
				res.Duplicates++
			}
		}
		if added > 0 {
			changed[id] = l
			res.Written += added
		}
	}

	tasks, tasksChanged, written, dups := upsertTasks(s.tasks, b.Tasks)
	res.Written += written
	res.Duplicates += dups

	milestones, milestonesChanged, written, dups := upsertMilestones(s.milestones, b.Milestones)
	res.Written += written
	res.Duplicates += dups

	envelopes := make(map[string]*isolation.Envelope, len(s.envelopes)+len(changed))
	for id, env := range s.envelopes {
		envelopes[id] = env
	}
	for id, l := range changed {
		env, err := s.iso.Seal(l)
		if err != nil {
			return fail(fmt.Sprintf("failed to seal ledger %s", id), err)
		}
		envelopes[id] = env
	}

	now := s.now().UTC()
	manifest := &Manifest{
		Anonymized: s.iso.Anonymized(),
		Encrypted:  s.iso.Encrypted(),
		Watermarks: make(map[record.Step]int64, len(record.Steps)),
		Ledgers:    make(map[string]string, len(envelopes)),
	}
	for step, w := range s.manifest.Watermarks {
		manifest.Watermarks[step] = w
	}
	if end := b.Offset + b.Consumed; end > manifest.Watermarks[b.Step] {
		manifest.Watermarks[b.Step] = end
	}
	meta := s.metadata(b.RunID, now)
	for id, env := range envelopes {
		manifest.Ledgers[id] = ledgerFile(id)
		meta.Counts.Users++
		meta.Counts.Sessions += env.SessionCount
		meta.BillingMinutes += env.BillingMinutes
		meta.TotalMinutes += env.TotalMinutes
	}
	meta.Counts.Tasks = len(tasks)
	meta.Counts.Milestones = len(milestones)
	manifest.Metadata = meta
	res.CumulativeMinutes = meta.BillingMinutes

	var docs []document
	for id := range changed {
		env := envelopes[id]
		m := s.metadata(b.RunID, now)
		m.Counts = Counts{Users: 1, Sessions: env.SessionCount}
		m.BillingMinutes = env.BillingMinutes
		m.TotalMinutes = env.TotalMinutes
		docs = append(docs, document{
			rel:   filepath.Join(usersDir, manifest.Ledgers[id]),
			value: &LedgerDocument{Metadata: m, Ledger: env},
		})
	}
	if tasksChanged || !s.exists(tasksFile) {
		m := s.metadata(b.RunID, now)
		m.Counts = Counts{Tasks: len(tasks)}
		docs = append(docs, document{rel: tasksFile, value: &TaskDocument{Metadata: m, Tasks: nonNilTasks(tasks)}})
	}
	if milestonesChanged || !s.exists(milestonesFile) {
		m := s.metadata(b.RunID, now)
		m.Counts = Counts{Milestones: len(milestones)}
		docs = append(docs, document{rel: milestonesFile, value: &MilestoneDocument{Metadata: m, Milestones: nonNilMilestones(milestones)}})
	}
	docs = append(docs, document{rel: manifestFile, value: manifest})
	res.Files = len(docs)

	if err := s.write(ctx, b, docs); err != nil {
		return nil, err
	}

	s.manifest = manifest
	s.envelopes = envelopes
	for id, l := range changed {
		s.ledgers[id] = l
	}
	s.tasks = tasks
	s.milestones = milestones

	s.logger.Debug("Batch committed",
		zap.String("step", string(b.Step)),
		zap.Int64("offset", b.Offset),
		zap.Int("written", res.Written),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("files", res.Files),
	)
	return res, nil
}

func (s *Store) write(ctx context.Context, b Batch, docs []document) error {
	fail := func(msg string, err error) error {
		return errs.At(errs.KindBatchWrite, string(b.Step), b.Offset, msg, err)
	}

	if err := os.MkdirAll(filepath.Join(s.dir, usersDir), 0o700); err != nil {
		return fail("failed to create store directory", err)
	}

	rels := make([]string, 0, len(docs))
	tasks := make([]worker.Task, 0, len(docs))
	for _, d := range docs {
		d := d
		rels = append(rels, d.rel)
		tasks = append(tasks, worker.Task{
			Name: d.rel,
			Run: func(context.Context) error {
				return writePending(filepath.Join(s.dir, d.rel), d.value)
			},
		})
	}

	if err := s.pool.Run(ctx, tasks); err != nil {
		s.discard(rels)
		return fail("failed to write batch documents", err)
	}
	if err := s.crashAt("pending"); err != nil {
		return fail("failed to write batch documents", err)
	}
	if err := ctx.Err(); err != nil {
		s.discard(rels)
		return err
	}

	if err := s.writeJournal(journal{RunID: b.RunID, Step: b.Step, Files: rels}); err != nil {
		s.discard(rels)
		return fail("failed to write commit journal", err)
	}
	if err := s.crashAt("journal"); err != nil {
		return fail("failed to apply commit journal", err)
	}

	if err := s.apply(rels); err != nil {
		return fail("failed to apply commit journal", err)
	}
	return nil
}

// apply renames pending documents into place and removes the journal
func (s *Store) apply(rels []string) error {
	for _, rel := range rels {
		live := filepath.Join(s.dir, rel)
		if err := os.Rename(live+pendingSuffix, live); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := syncDir(filepath.Join(s.dir, usersDir)); err != nil {
		return err
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, journalFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return syncDir(s.dir)
}

// recover finishes a journaled commit and discards orphaned pending documents
func (s *Store) recover() error {
	var j journal
	found, err := readJSON(filepath.Join(s.dir, journalFile), &j)
	if err != nil {
		return err
	}
	if found {
		if s.opts.ReadOnly {
			return errs.New(errs.KindPrerequisite, "store has an interrupted commit, run resume first", nil)
		}
		if err := s.apply(j.Files); err != nil {
			return errs.New(errs.KindIO, "failed to roll forward interrupted commit", err)
		}
		s.logger.Warn("Rolled forward interrupted commit",
			zap.String("run_id", j.RunID),
			zap.String("step", string(j.Step)),
			zap.Int("files", len(j.Files)),
		)
	}
	if s.opts.ReadOnly {
		return nil
	}

	os.Remove(filepath.Join(s.dir, journalFile+".tmp"))
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, pendingSuffix) {
			return nil
		}
		s.logger.Info("Discarding uncommitted document", zap.String("path", path))
		return os.Remove(path)
	})
}

// Reset removes every stored document
func (s *Store) Reset(h *lock.Handle) error {
	if s.opts.ReadOnly {
		return errs.New(errs.KindPrerequisite, "store is opened read-only", nil)
	}
	if err := h.Verify(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return errs.New(errs.KindIO, "failed to reset store", err)
	}
	s.clear()
	return nil
}

func (s *Store) checkIsolation() error {
	if len(s.envelopes) == 0 {
		return nil
	}
	if s.manifest.Anonymized != s.iso.Anonymized() || s.manifest.Encrypted != s.iso.Encrypted() {
		return errs.New(errs.KindConfig, fmt.Sprintf(
			"store was written with anonymize=%t encrypt=%t, current settings differ",
			s.manifest.Anonymized, s.manifest.Encrypted), nil)
	}
	return nil
}

// working returns a mutable copy of a ledger, or a new one
func (s *Store) working(id string) (*isolation.Ledger, error) {
	if _, ok := s.envelopes[id]; !ok {
		return isolation.NewLedger(id), nil
	}
	return s.Ledger(id)
}

func (s *Store) metadata(runID string, now time.Time) Metadata {
	return Metadata{
		MigrationVersion: MigrationVersion,
		MigratedAt:       now.UTC(),
		SourceFormat:     s.opts.SourceFormat,
		RunID:            runID,
	}
}

func (s *Store) crashAt(stage string) error {
	if s.crash == nil {
		return nil
	}
	return s.crash(stage)
}

func (s *Store) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(s.dir, rel))
	return err == nil
}

func (s *Store) discard(rels []string) {
	for _, rel := range rels {
		os.Remove(filepath.Join(s.dir, rel) + pendingSuffix)
	}
}

func (s *Store) writeJournal(j journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, journalFile+".tmp")
	if err := writeSynced(tmp, data); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, journalFile)); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func writePending(live string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(live), err)
	}
	return writeSynced(live+pendingSuffix, data)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return f.Sync()
}

func upsertTasks(current, incoming []record.Task) ([]record.Task, bool, int, int) {
	out := append([]record.Task(nil), current...)
	index := make(map[string]int, len(out))
	for i, t := range out {
		index[t.ID] = i
	}
	written, dups := 0, 0
	for _, t := range incoming {
		if i, ok := index[t.ID]; ok {
			if reflect.DeepEqual(out[i], t) {
				dups++
				continue
			}
			out[i] = t
		} else {
			index[t.ID] = len(out)
			out = append(out, t)
		}
		written++
	}
	return out, written > 0, written, dups
}

func upsertMilestones(current, incoming []record.Milestone) ([]record.Milestone, bool, int, int) {
	out := append([]record.Milestone(nil), current...)
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}
	written, dups := 0, 0
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok {
			if reflect.DeepEqual(out[i], m) {
				dups++
				continue
			}
			out[i] = m
		} else {
			index[m.ID] = len(out)
			out = append(out, m)
		}
		written++
	}
	return out, written > 0, written, dups
}

func nonNilTasks(t []record.Task) []record.Task {
	if t == nil {
		return []record.Task{}
	}
	return t
}

func nonNilMilestones(m []record.Milestone) []record.Milestone {
	if m == nil {
		return []record.Milestone{}
	}
	return m
}
