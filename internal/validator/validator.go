// Package validator proves that no billable minutes were lost in migration
package validator

import (
	"errors"
	"fmt"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/store"
)

var (
	// ErrAccuracyShortfall is returned when migrated billing is below the original
	ErrAccuracyShortfall = errors.New("migrated billing minutes below original total")
	// ErrBillingOvercount is returned when migrated billing exceeds the original
	ErrBillingOvercount = errors.New("migrated billing minutes exceed original total")
)

// Result compares the original billing total with the migrated ledgers
type Result struct {
	OriginalBillingTotal int64                 `json:"original_billing_total" yaml:"original_billing_total"`
	MigratedBillingTotal int64                 `json:"migrated_billing_total" yaml:"migrated_billing_total"`
	AccuracyPercent      float64               `json:"accuracy_percent" yaml:"accuracy_percent"`
	Passed               bool                  `json:"passed" yaml:"passed"`
	Exact                bool                  `json:"exact" yaml:"exact"`
	Ledgers              []store.LedgerSummary `json:"ledgers,omitempty" yaml:"ledgers,omitempty"`
}

// Validate sums the ledgers and compares them with the original total.
// Accuracy is 100% when the original total is zero.
func Validate(originalTotal int64, ledgers []store.LedgerSummary) *Result {
	var migrated int64
	for _, l := range ledgers {
		migrated += l.BillingMinutes
	}

	accuracy := 100.0
	if originalTotal != 0 {
		accuracy = float64(migrated) / float64(originalTotal) * 100
	}

	return &Result{
		OriginalBillingTotal: originalTotal,
		MigratedBillingTotal: migrated,
		AccuracyPercent:      accuracy,
		Passed:               migrated >= originalTotal,
		Exact:                migrated == originalTotal,
		Ledgers:              ledgers,
	}
}

// Err returns nil only for an exact match. A shortfall fails the run; so does
// an overcount, since it means some minutes were attributed twice.
func (r *Result) Err() error {
	switch {
	case !r.Passed:
		return errs.New(errs.KindValidation, fmt.Sprintf(
			"billing accuracy %.4f%%: expected %d minutes, migrated %d",
			r.AccuracyPercent, r.OriginalBillingTotal, r.MigratedBillingTotal), ErrAccuracyShortfall)
	case !r.Exact:
		return errs.New(errs.KindValidation, fmt.Sprintf(
			"billing overcount: expected %d minutes, migrated %d",
			r.OriginalBillingTotal, r.MigratedBillingTotal), ErrBillingOvercount)
	default:
		return nil
	}
}
