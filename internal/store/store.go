// Package store persists migrated ledgers, tasks and milestones as JSON documents
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/isolation"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/worker"

	"go.uber.org/zap"
)

// MigrationVersion is written into every document's metadata block
const MigrationVersion = "1.0.0"

const (
	manifestFile   = "manifest.json"
	tasksFile      = "tasks.json"
	milestonesFile = "milestones.json"
	usersDir       = "users"
	journalFile    = "journal.json"
	pendingSuffix  = ".pending"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Counts are aggregate record counts
type Counts struct {
	Users      int `json:"users"`
	Sessions   int `json:"sessions"`
	Tasks      int `json:"tasks"`
	Milestones int `json:"milestones"`
}

// Metadata is the block carried by every store document
type Metadata struct {
	MigrationVersion string    `json:"migration_version"`
	MigratedAt       time.Time `json:"migrated_at"`
	SourceFormat     string    `json:"source_format"`
	RunID            string    `json:"run_id"`
	Counts           Counts    `json:"counts"`
	BillingMinutes   int64     `json:"billing_minutes"`
	TotalMinutes     int64     `json:"total_minutes"`
}

// Manifest indexes the store
type Manifest struct {
	Metadata   Metadata              `json:"metadata"`
	Anonymized bool                  `json:"anonymized"`
	Encrypted  bool                  `json:"encrypted"`
	Watermarks map[record.Step]int64 `json:"watermarks"`
	Ledgers    map[string]string     `json:"ledgers"`
}

// LedgerDocument is the on-disk form of one user's ledger
type LedgerDocument struct {
	Metadata Metadata            `json:"metadata"`
	Ledger   *isolation.Envelope `json:"ledger"`
}

// TaskDocument is the on-disk task collection
type TaskDocument struct {
	Metadata Metadata      `json:"metadata"`
	Tasks    []record.Task `json:"tasks"`
}

// MilestoneDocument is the on-disk milestone collection
type MilestoneDocument struct {
	Metadata   Metadata           `json:"metadata"`
	Milestones []record.Milestone `json:"milestones"`
}

// LedgerSummary exposes the clear-form totals of a stored ledger
type LedgerSummary struct {
	UserID         string `json:"user_id" yaml:"user_id"`
	Sessions       int    `json:"sessions" yaml:"sessions"`
	TotalMinutes   int64  `json:"total_minutes" yaml:"total_minutes"`
	BillingMinutes int64  `json:"billing_minutes" yaml:"billing_minutes"`
}

// Options configure a store
type Options struct {
	// SourceFormat names the legacy format recorded in metadata
	SourceFormat string
	// ReadOnly refuses journal recovery and every write
	ReadOnly bool
}

// Store holds the current committed state in memory and on disk
type Store struct {
	dir      string
	iso      *isolation.Isolator
	pool     *worker.Pool
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
	manifest *Manifest
	crash    func(stage string) error

	envelopes  map[string]*isolation.Envelope
	ledgers    map[string]*isolation.Ledger
	tasks      []record.Task
	milestones []record.Milestone
}

// Open loads the store at dir. A missing directory is an empty store and is
// not created until the first commit. Unless opts.ReadOnly is set, an
// interrupted commit is rolled forward or discarded first.
func Open(dir string, iso *isolation.Isolator, pool *worker.Pool, opts Options, logger *zap.Logger) (*Store, error) {
	s := &Store{
		dir:    dir,
		iso:    iso,
		pool:   pool,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
	s.clear()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return s, nil
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) clear() {
	s.manifest = &Manifest{
		Watermarks: make(map[record.Step]int64),
		Ledgers:    make(map[string]string),
	}
	s.envelopes = make(map[string]*isolation.Envelope)
	s.ledgers = make(map[string]*isolation.Ledger)
	s.tasks = nil
	s.milestones = nil
}

func (s *Store) load() error {
	var m Manifest
	found, err := readJSON(filepath.Join(s.dir, manifestFile), &m)
	if err != nil || !found {
		return err
	}
	if m.Watermarks == nil {
		m.Watermarks = make(map[record.Step]int64)
	}
	if m.Ledgers == nil {
		m.Ledgers = make(map[string]string)
	}
	s.manifest = &m

	for id, name := range m.Ledgers {
		var doc LedgerDocument
		found, err := readJSON(filepath.Join(s.dir, usersDir, name), &doc)
		if err != nil {
			return err
		}
		if !found || doc.Ledger == nil {
			return errs.New(errs.KindIO, fmt.Sprintf("ledger %s listed in manifest but missing", id), nil)
		}
		s.envelopes[id] = doc.Ledger
	}

	var tasks TaskDocument
	if _, err := readJSON(filepath.Join(s.dir, tasksFile), &tasks); err != nil {
		return err
	}
	s.tasks = tasks.Tasks

	var milestones MilestoneDocument
	if _, err := readJSON(filepath.Join(s.dir, milestonesFile), &milestones); err != nil {
		return err
	}
	s.milestones = milestones.Milestones

	s.logger.Debug("Store loaded",
		zap.String("dir", s.dir),
		zap.Int("ledgers", len(s.envelopes)),
		zap.Int("tasks", len(s.tasks)),
		zap.Int("milestones", len(s.milestones)),
	)
	return nil
}

// Dir returns the store root
func (s *Store) Dir() string {
	return s.dir
}

// Exists reports whether a manifest has been committed
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, manifestFile))
	return err == nil
}

// Metadata returns the store-wide metadata block
func (s *Store) Metadata() Metadata {
	return s.manifest.Metadata
}

// Watermark returns the number of stream positions of step already committed
func (s *Store) Watermark(step record.Step) int64 {
	return s.manifest.Watermarks[step]
}

// Ledgers returns clear-form totals of every stored ledger ordered by user
func (s *Store) Ledgers() []LedgerSummary {
	out := make([]LedgerSummary, 0, len(s.envelopes))
	for id, env := range s.envelopes {
		out = append(out, LedgerSummary{
			UserID:         id,
			Sessions:       env.SessionCount,
			TotalMinutes:   env.TotalMinutes,
			BillingMinutes: env.BillingMinutes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Ledger returns the full ledger of one user, decrypting it when needed
func (s *Store) Ledger(id string) (*isolation.Ledger, error) {
	if l, ok := s.ledgers[id]; ok {
		return l.Clone(), nil
	}
	env, ok := s.envelopes[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("ledger %s", id), nil)
	}
	l, err := s.iso.Open(env)
	if err != nil {
		return nil, err
	}
	s.ledgers[id] = l
	return l.Clone(), nil
}

// Tasks returns the stored tasks in first-seen order
func (s *Store) Tasks() []record.Task {
	return append([]record.Task(nil), s.tasks...)
}

// Milestones returns the stored milestones in first-seen order
func (s *Store) Milestones() []record.Milestone {
	return append([]record.Milestone(nil), s.milestones...)
}

// BillingMinutes returns the sum of billing minutes over all ledgers
func (s *Store) BillingMinutes() int64 {
	var total int64
	for _, env := range s.envelopes {
		total += env.BillingMinutes
	}
	return total
}

// ledgerFile maps a ledger identity to a file name inside users/
func ledgerFile(id string) string {
	safe := unsafeName.ReplaceAllString(id, "_")
	if safe == id && id != "" && id[0] != '.' {
		return id + ".json"
	}
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%s-%s.json", safe, hex.EncodeToString(sum[:4]))
}

func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.New(errs.KindIO, fmt.Sprintf("failed to read %s", filepath.Base(path)), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errs.New(errs.KindIO, fmt.Sprintf("failed to decode %s", filepath.Base(path)), err)
	}
	return true, nil
}
