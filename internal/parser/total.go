package parser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"ledgermigrate/internal/errs"
)

var (
	// billingField matches the billing value of a SESSION line without tokenizing it
	billingField = regexp.MustCompile(`^\s*SESSION\b.*\sbilling=(\d+)(?:\s|$)`)
	// quotedBilling unwraps a quoted billing value so it still matches billingField
	quotedBilling = regexp.MustCompile(`(\sbilling=)"(\d+)"`)
	quotedSpan    = regexp.MustCompile(`"[^"]*"`)
)

// unquote blanks every double-quoted value so text inside it is never read
// as a field
func unquote(line string) string {
	line = quotedBilling.ReplaceAllString(line, "${1}${2}")
	return quotedSpan.ReplaceAllStringFunc(line, func(span string) string {
		return strings.Repeat(" ", len(span))
	})
}

// OriginalBillingTotal sums billing minutes by scanning the raw sessions log.
// It shares no code with the session tokenizer so a tokenizer bug shows up as
// a validation mismatch instead of cancelling out.
func (p *FlatFile) OriginalBillingTotal(ctx context.Context) (int64, error) {
	path := filepath.Join(p.dir, SessionsFile)
	f, err := os.Open(path)
	if err != nil {
		return 0, errs.New(errs.KindPrerequisite, "failed to open sessions log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var total int64
	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		m := billingField.FindStringSubmatch(unquote(scanner.Text()))
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, errs.New(errs.KindParse, fmt.Sprintf("%s:%d: billing value out of range", SessionsFile, line), err)
		}
		total += n
	}
	if err := scanner.Err(); err != nil {
		return 0, errs.New(errs.KindIO, "failed to scan sessions log", err)
	}
	return total, nil
}
