package app

import (
	"fmt"
	"os"
	"path/filepath"

	"ledgermigrate/internal/errs"
)

// preflight detects prerequisite failures before anything is mutated
func (e *Engine) preflight(mutating bool) error {
	if err := e.parser.Check(); err != nil {
		return err
	}
	if !mutating {
		return nil
	}

	dir := existingAncestor(e.cfg.StateDir)

	// a backup copy and the structured store both need room next to the sources
	required := e.cfg.Migration.MinFreeBytes
	for _, src := range e.parser.Sources() {
		if info, err := os.Stat(src); err == nil {
			required += 2 * uint64(info.Size())
		}
	}

	free, err := e.freeSpace(dir)
	if err != nil {
		return errs.New(errs.KindPrerequisite, fmt.Sprintf("failed to determine free space of %s", dir), err)
	}
	if free < required {
		return errs.New(errs.KindPrerequisite,
			fmt.Sprintf("insufficient disk space in %s: %d bytes free, %d required", dir, free, required), nil)
	}

	probe, err := os.CreateTemp(dir, ".ledgermigrate-probe-*")
	if err != nil {
		return errs.New(errs.KindPrerequisite, fmt.Sprintf("%s is not writable", dir), err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return nil
}

// existingAncestor returns path or its closest existing parent
func existingAncestor(path string) string {
	path = filepath.Clean(path)
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
