package score

import (
	"fmt"
	"time"
)

type FilterSource string

const (
	FilterSourceTable     FilterSource = "TABLE"
	FilterSourceDashboard FilterSource = "DASHBOARD"
)

// TimeOption is a preset lookback range picked in the table or dashboard.
type TimeOption struct {
	FilterSource FilterSource `json:"filterSource"`
	Option       string       `json:"option"`
}

const allTimeOption = "All time"

var tableRangeMinutes = map[string]int{
	"30 min":   30,
	"1 hour":   60,
	"6 hours":  360,
	"24 hours": 1440,
	"3 days":   4320,
	"7 days":   10080,
	"14 days":  20160,
	"1 month":  43200,
	"3 months": 129600,
}

var dashboardRangeMinutes = map[string]int{
	"5 min":    5,
	"30 min":   30,
	"1 hour":   60,
	"3 hours":  180,
	"24 hours": 1440,
	"7 days":   10080,
	"1 month":  43200,
	"3 months": 129600,
	"1 year":   525600,
}

// Cutoff returns now minus the option's range. ok is false when there is no
// cutoff: a nil option or TABLE "All time".
func (o *TimeOption) Cutoff(now time.Time) (cutoff time.Time, ok bool, err error) {
	if o == nil {
		return time.Time{}, false, nil
	}
	var minutes int
	switch o.FilterSource {
	case FilterSourceTable:
		if o.Option == allTimeOption {
			return time.Time{}, false, nil
		}
		m, found := tableRangeMinutes[o.Option]
		if !found {
			return time.Time{}, false, fmt.Errorf("%w: unknown table time option %q", ErrInvalidInput, o.Option)
		}
		minutes = m
	case FilterSourceDashboard:
		m, found := dashboardRangeMinutes[o.Option]
		if !found {
			return time.Time{}, false, fmt.Errorf("%w: unknown dashboard time option %q", ErrInvalidInput, o.Option)
		}
		minutes = m
	default:
		return time.Time{}, false, fmt.Errorf("%w: unknown filter source %q", ErrInvalidInput, o.FilterSource)
	}
	return now.UTC().Add(-time.Duration(minutes) * time.Minute), true, nil
}
