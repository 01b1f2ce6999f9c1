package models

import (
	"strings"

	"github.com/mcclellann/loanledger/pkg/apperrors"
)

type Cadence string

const (
	CadenceMonthly   Cadence = "MONTHLY"
	CadenceQuarterly Cadence = "QUARTERLY"
	CadenceAnnually  Cadence = "ANNUALLY"
)

// CadenceSpec describes how a cadence maps onto a loan term.
// PeriodDays is a fixed approximation of the period length, not calendar accurate.
type CadenceSpec struct {
	PeriodDays      int
	MonthsPerPeriod int
	Label           string
}

var cadences = map[Cadence]CadenceSpec{
	CadenceMonthly:   {PeriodDays: 30, MonthsPerPeriod: 1, Label: "Month"},
	CadenceQuarterly: {PeriodDays: 90, MonthsPerPeriod: 3, Label: "Quarter"},
	CadenceAnnually:  {PeriodDays: 365, MonthsPerPeriod: 12, Label: "Year"},
}

// Spec returns the lookup entry for c.
func (c Cadence) Spec() (CadenceSpec, bool) {
	s, ok := cadences[c]
	return s, ok
}

// Periods returns the number of installments for a term. Terms that do not
// divide evenly are truncated.
func (c Cadence) Periods(durationMonths int) int {
	s, ok := cadences[c]
	if !ok || durationMonths <= 0 {
		return 0
	}
	return durationMonths / s.MonthsPerPeriod
}

// ParseCadence accepts a cadence case-insensitively; empty means monthly.
func ParseCadence(s string) (Cadence, error) {
	c := Cadence(strings.ToUpper(strings.TrimSpace(s)))
	if c == "" {
		return CadenceMonthly, nil
	}
	if _, ok := cadences[c]; !ok {
		return "", apperrors.Validation("unsupported payment schedule %q", s)
	}
	return c, nil
}
