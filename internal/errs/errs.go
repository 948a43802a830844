// Package errs provides the error taxonomy shared by the migration components
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a migration error
type Kind int

const (
	// KindUnknown is an unclassified error
	KindUnknown Kind = iota
	// KindPrerequisite is detected before any mutation (disk space, permissions, missing sources)
	KindPrerequisite
	// KindConcurrency is a lock conflict with another run
	KindConcurrency
	// KindParse is a malformed legacy record
	KindParse
	// KindBatchWrite is a failure while persisting a batch
	KindBatchWrite
	// KindValidation is a billing accuracy failure
	KindValidation
	// KindRestoreIntegrity is a restored file that does not match its pre-image
	KindRestoreIntegrity
	// KindConfig is an invalid configuration
	KindConfig
	// KindIO is a generic filesystem failure
	KindIO
	// KindNotFound is a missing backup, checkpoint or document
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindPrerequisite:     "prerequisite",
	KindConcurrency:      "concurrency",
	KindParse:            "parse",
	KindBatchWrite:       "batch_write",
	KindValidation:       "validation",
	KindRestoreIntegrity: "restore_integrity",
	KindConfig:           "config",
	KindIO:               "io",
	KindNotFound:         "not_found",
}

// String returns the snake_case name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Error carries a Kind and the position in the record stream where it occurred
type Error struct {
	Kind    Kind
	Message string
	Step    string
	Offset  int64
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	msg := e.Message
	if e.Step != "" {
		msg = fmt.Sprintf("%s (step=%s offset=%d)", msg, e.Step, e.Offset)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new classified error
func New(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// At creates a classified error bound to a stream position
func At(kind Kind, step string, offset int64, message string, err error) error {
	return &Error{Kind: kind, Message: message, Step: step, Offset: offset, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified with kind
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Position returns the step and offset recorded in the chain, if any
func Position(err error) (step string, offset int64, ok bool) {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Step != "" {
				return e.Step, e.Offset, true
			}
			err = e.Err
			continue
		}
		break
	}
	return "", 0, false
}
