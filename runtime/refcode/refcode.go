// Package refcode implements date-scoped monotonic reference codes. A code
// identifies one thread of work and renders as CTX-YYYY-MMDD-NNN where NNN is
// the daily sequence (three digits up to 999, four digits from 1000 to 9999).
// Codes are comparable values and travel between components as text; the
// Generator hands them out and delegates persistence to a SequenceStore.
package refcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Prefix starts every reference code in textual form.
	Prefix = "CTX"

	// MaxSequence is the highest sequence number a single UTC day can carry.
	MaxSequence = 9999
)

// ErrInvalidFormat reports a string that does not parse as a reference code.
var ErrInvalidFormat = errors.New("invalid reference code format")

type (
	// Date identifies a UTC calendar day. The zero value is "no date".
	Date struct {
		Year  int
		Month time.Month
		Day   int
	}

	// Code is an opaque reference code. Codes are comparable; use the zero
	// value to mean "no code".
	Code struct {
		date Date
		seq  int
	}
)

// DateOf returns the UTC calendar day of t.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d == Date{}
}

// String renders the date the way codes embed it: YYYY-MMDD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d%02d", d.Year, d.Month, d.Day)
}

// New builds a code from a day and a sequence number. The sequence must be in
// 1..MaxSequence.
func New(date Date, seq int) (Code, error) {
	if date.IsZero() {
		return Code{}, fmt.Errorf("%w: zero date", ErrInvalidFormat)
	}
	if seq < 1 || seq > MaxSequence {
		return Code{}, fmt.Errorf("%w: sequence %d out of range 1..%d", ErrInvalidFormat, seq, MaxSequence)
	}
	return Code{date: date, seq: seq}, nil
}

// Parse decodes the textual form. Both sequence widths are accepted: three
// digits for 1..999 and four digits for 1000..9999.
func Parse(s string) (Code, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 || parts[0] != Prefix {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	if len(parts[1]) != 4 || len(parts[2]) != 4 {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	month, err := strconv.Atoi(parts[2][:2])
	if err != nil || month < 1 || month > 12 {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	day, err := strconv.Atoi(parts[2][2:])
	if err != nil || day < 1 || day > 31 {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	seqStr := parts[3]
	if len(seqStr) != 3 && len(seqStr) != 4 {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq < 1 {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	// The four-digit width is reserved for 1000..9999; zero-padded sequences
	// below 1000 are not a canonical form.
	if len(seqStr) == 4 && seq < 1000 {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	if seq > MaxSequence {
		return Code{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return Code{date: Date{Year: year, Month: time.Month(month), Day: day}, seq: seq}, nil
}

// IsZero reports whether c is the zero code.
func (c Code) IsZero() bool {
	return c == Code{}
}

// Date returns the UTC day the code was issued on.
func (c Code) Date() Date {
	return c.date
}

// Sequence returns the daily sequence number.
func (c Code) Sequence() int {
	return c.seq
}

// String renders the canonical textual form. The zero code renders empty.
func (c Code) String() string {
	if c.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s-%s-%03d", Prefix, c.date, c.seq)
}

// MarshalText implements encoding.TextMarshaler so codes serialize as their
// textual form, including as JSON object keys.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text decodes to
// the zero code.
func (c *Code) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = Code{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
