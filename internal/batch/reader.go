package batch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/parser"
	"ledgermigrate/internal/record"
)

// Reader cuts a record stream into chunks of a fixed number of positions
type Reader struct {
	stream     parser.Stream
	step       record.Step
	size       int
	skipErrors bool
	pos        int64
}

// NewReader creates a reader over stream. With skipErrors unset the first
// malformed record fails the read.
func NewReader(stream parser.Stream, step record.Step, size int, skipErrors bool) *Reader {
	if size < 1 {
		size = DefaultSize
	}
	return &Reader{stream: stream, step: step, size: size, skipErrors: skipErrors}
}

// Position returns the number of stream positions consumed so far
func (r *Reader) Position() int64 {
	return r.pos
}

// Skip advances past n positions that an earlier attempt already committed
func (r *Reader) Skip(ctx context.Context, n int64) error {
	for r.pos < n {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			return errs.At(errs.KindPrerequisite, string(r.step), r.pos,
				fmt.Sprintf("stream ended before checkpoint offset %d; legacy files changed since the checkpoint", n), nil)
		}
		var perr *parser.ParseError
		if err != nil && !errors.As(err, &perr) {
			return r.readError(err)
		}
		r.pos++
	}
	return nil
}

// Next returns the next chunk, or io.EOF when the stream is exhausted
func (r *Reader) Next() (*Chunk, error) {
	c := &Chunk{Step: r.step, Offset: r.pos}

	for c.Consumed < int64(r.size) {
		rec, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *parser.ParseError
			if !errors.As(err, &perr) {
				return nil, r.readError(err)
			}
			if !r.skipErrors {
				return nil, errs.At(errs.KindParse, string(r.step), r.pos, perr.Error(), perr)
			}
			c.Skipped = append(c.Skipped, perr)
		} else {
			c.Items = append(c.Items, Item{Seq: r.pos, Record: rec})
		}
		r.pos++
		c.Consumed++
	}

	if c.Consumed == 0 {
		return nil, io.EOF
	}
	return c, nil
}

// Close closes the underlying stream
func (r *Reader) Close() error {
	return r.stream.Close()
}

func (r *Reader) readError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.At(errs.KindIO, string(r.step), r.pos, "failed to read legacy records", err)
}
