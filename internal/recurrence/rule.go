// Package recurrence parses the minimal FREQ/INTERVAL rule grammar and grows a
// recurrence chain one lesson at a time.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Frequency int

const (
	FrequencyUnspecified Frequency = iota
	Daily
	Weekly
	Monthly
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	default:
		return "UNSPECIFIED"
	}
}

func parseFrequency(s string) (Frequency, bool) {
	switch strings.ToUpper(s) {
	case "DAILY":
		return Daily, true
	case "WEEKLY":
		return Weekly, true
	case "MONTHLY":
		return Monthly, true
	}
	return FrequencyUnspecified, false
}

// ErrInvalidRule is returned for anything outside FREQ={DAILY|WEEKLY|MONTHLY};INTERVAL=<n>.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// maxInterval bounds INTERVAL so AddDate arithmetic never runs away.
const maxInterval = 1000

// Rule is a parsed recurrence rule. The zero value is invalid.
type Rule struct {
	Frequency Frequency
	Interval  int
}

func (r Rule) Valid() bool {
	return r.Frequency != FrequencyUnspecified && r.Interval >= 1 && r.Interval <= maxInterval
}

// String is the storage form, always with an explicit INTERVAL.
func (r Rule) String() string {
	if !r.Valid() {
		return ""
	}
	return fmt.Sprintf("FREQ=%s;INTERVAL=%d", r.Frequency, r.Interval)
}

// ParseRule accepts keys and values in any case, surrounding whitespace and
// an optional trailing ';'. Unknown or repeated keys are rejected.
func ParseRule(raw string) (Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Rule{}, ErrInvalidRule
	}
	r := Rule{Interval: 1}
	seen := map[string]bool{}
	for _, part := range strings.Split(strings.TrimSuffix(raw, ";"), ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, part)
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if seen[k] {
			return Rule{}, fmt.Errorf("%w: duplicate %s", ErrInvalidRule, k)
		}
		seen[k] = true
		switch k {
		case "FREQ":
			f, ok := parseFrequency(v)
			if !ok {
				return Rule{}, fmt.Errorf("%w: frequency %q", ErrInvalidRule, v)
			}
			r.Frequency = f
		case "INTERVAL":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxInterval {
				return Rule{}, fmt.Errorf("%w: interval %q", ErrInvalidRule, v)
			}
			r.Interval = n
		default:
			return Rule{}, fmt.Errorf("%w: unknown key %s", ErrInvalidRule, k)
		}
	}
	if r.Frequency == FrequencyUnspecified {
		return Rule{}, fmt.Errorf("%w: FREQ is required", ErrInvalidRule)
	}
	return r, nil
}

// Next returns the occurrence after ref, computed on ref's wall clock so the
// local time of day survives DST changes. Monthly rules clamp to the last day
// of the target month.
func (r Rule) Next(ref time.Time) time.Time {
	switch r.Frequency {
	case Daily:
		return ref.AddDate(0, 0, r.Interval)
	case Weekly:
		return ref.AddDate(0, 0, 7*r.Interval)
	case Monthly:
		return addMonthsClamped(ref, r.Interval)
	}
	return time.Time{}
}

func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

// NextOccurrence parses raw and returns the occurrence after ref. ok is false
// for malformed rules, which terminates a chain.
func NextOccurrence(ref time.Time, raw string) (next time.Time, ok bool) {
	r, err := ParseRule(raw)
	if err != nil {
		return time.Time{}, false
	}
	return r.Next(ref), true
}

func (r Rule) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrInvalidRule
	}
	return []byte(r.String()), nil
}

func (r *Rule) UnmarshalText(b []byte) error {
	parsed, err := ParseRule(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
