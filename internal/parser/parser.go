// Package parser turns legacy tracking files into typed record streams
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ledgermigrate/internal/record"
)

// ErrMalformedRecord is wrapped by every ParseError
var ErrMalformedRecord = errors.New("malformed legacy record")

// Parser produces deterministic record streams from a legacy snapshot.
// Re-opening the same files yields identical records in identical order.
type Parser interface {
	// Format names the originating legacy format
	Format() string
	// Sources lists every legacy file the parser reads
	Sources() []string
	// Check verifies that the legacy inputs are present and readable
	Check() error
	// Open returns the record stream of one step
	Open(ctx context.Context, step record.Step) (Stream, error)
	// OriginalBillingTotal sums billing minutes straight from the legacy
	// text, independently of the record stream
	OriginalBillingTotal(ctx context.Context) (int64, error)
}

// Stream yields records until io.EOF. After a *ParseError the stream stays
// usable and Next continues with the following record.
type Stream interface {
	Next() (record.Record, error)
	Close() error
}

// ParseError describes a malformed line
type ParseError struct {
	File   string
	Line   int
	Reason string
	Text   string
}

// Error returns the error message
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Reason)
}

// Unwrap returns ErrMalformedRecord
func (e *ParseError) Unwrap() error {
	return ErrMalformedRecord
}

// Collect drains a stream. Parse errors are returned alongside the records
// that did parse; any other error stops collection.
func Collect(s Stream) ([]record.Record, []*ParseError, error) {
	var (
		records []record.Record
		bad     []*ParseError
	)
	for {
		rec, err := s.Next()
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				bad = append(bad, perr)
				continue
			}
			if errors.Is(err, io.EOF) {
				return records, bad, nil
			}
			return records, bad, err
		}
		records = append(records, rec)
	}
}
