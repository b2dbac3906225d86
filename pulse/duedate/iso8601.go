package duedate

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/pulsejob/errors"
)

// Period is an ISO-8601 duration such as P1Y2M, P3W or PT1H30M.
// Years and months are calendar units; everything else is fixed length in UTC.
type Period struct {
	Years   int
	Months  int
	Weeks   int
	Days    int
	Hours   int
	Minutes int
	Seconds int
	Nanos   int
}

var periodPattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:[.,](\d{1,9}))?S)?)?$`)

// maxYears bounds the calendar part of a period to the range ParseInstant
// can express.
const maxYears = 9999

// ParsePeriod parses an ISO-8601 duration. Negative and empty durations
// ("P", "PT") are rejected, as are periods whose fixed part does not fit in
// a time.Duration.
func ParsePeriod(expr string) (Period, error) {
	s := strings.ToUpper(strings.TrimSpace(expr))
	m := periodPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return Period{}, errors.Newf("malformed ISO-8601 duration %q", expr)
	}

	fields := make([]int, 7)
	for i := 0; i < 7; i++ {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Period{}, errors.Wrapf(err, "duration component in %q", expr)
		}
		fields[i] = n
	}

	var nanos int
	if frac := m[8]; frac != "" {
		frac += strings.Repeat("0", 9-len(frac))
		nanos, _ = strconv.Atoi(frac)
	}

	p := Period{
		Years:   fields[0],
		Months:  fields[1],
		Weeks:   fields[2],
		Days:    fields[3],
		Hours:   fields[4],
		Minutes: fields[5],
		Seconds: fields[6],
		Nanos:   nanos,
	}
	if p.Years > maxYears || p.Months > 12*maxYears {
		return Period{}, errors.Newf("ISO-8601 duration %q exceeds %d years", expr, maxYears)
	}
	if _, ok := p.fixedLength(); !ok {
		return Period{}, errors.Newf("ISO-8601 duration %q overflows the representable range", expr)
	}
	return p, nil
}

// IsZero reports whether every component is zero.
func (p Period) IsZero() bool {
	return p == Period{}
}

// IsFixed reports whether the period has a constant length (no years or months).
func (p Period) IsFixed() bool {
	return p.Years == 0 && p.Months == 0
}

// Fixed returns the constant length of a period without calendar units.
// Periods that overflow time.Duration are never returned by ParsePeriod;
// for hand-built ones Fixed saturates at math.MaxInt64.
func (p Period) Fixed() time.Duration {
	d, ok := p.fixedLength()
	if !ok {
		return math.MaxInt64
	}
	return d
}

// fixedLength sums the week, day and clock components, reporting false on
// overflow or negative components.
func (p Period) fixedLength() (time.Duration, bool) {
	if p.Nanos < 0 {
		return 0, false
	}
	total := int64(p.Nanos)
	for _, term := range []struct {
		n    int
		unit time.Duration
	}{
		{p.Weeks, 7 * 24 * time.Hour},
		{p.Days, 24 * time.Hour},
		{p.Hours, time.Hour},
		{p.Minutes, time.Minute},
		{p.Seconds, time.Second},
	} {
		if term.n < 0 || int64(term.n) > (math.MaxInt64-total)/int64(term.unit) {
			return 0, false
		}
		total += int64(term.n) * int64(term.unit)
	}
	return time.Duration(total), true
}

// AddTo returns t advanced by the period.
func (p Period) AddTo(t time.Time) time.Time {
	return p.AddTimes(t, 1)
}

// AddTimes returns t advanced by n whole periods.
func (p Period) AddTimes(t time.Time, n int) time.Time {
	t = t.UTC()
	if p.Years != 0 || p.Months != 0 {
		t = t.AddDate(p.Years*n, p.Months*n, 0)
	}
	return addSteps(t, p.Fixed(), n)
}

// addSteps returns t advanced by n steps, splitting the product so it never
// overflows time.Duration.
func addSteps(t time.Time, step time.Duration, n int) time.Time {
	if step <= 0 || n <= 0 {
		return t
	}
	chunk := int(math.MaxInt64 / step)
	for n > chunk {
		t = t.Add(step * time.Duration(chunk))
		n -= chunk
	}
	return t.Add(step * time.Duration(n))
}

// Duration returns the length of the period when applied at from.
func (p Period) Duration(from time.Time) time.Duration {
	return p.AddTo(from).Sub(from.UTC())
}

// String renders the period in canonical ISO-8601 form.
func (p Period) String() string {
	if p.IsZero() {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("P")
	writePart := func(n int, unit string) {
		if n != 0 {
			b.WriteString(strconv.Itoa(n))
			b.WriteString(unit)
		}
	}
	writePart(p.Years, "Y")
	writePart(p.Months, "M")
	writePart(p.Weeks, "W")
	writePart(p.Days, "D")
	if p.Hours != 0 || p.Minutes != 0 || p.Seconds != 0 || p.Nanos != 0 {
		b.WriteString("T")
		writePart(p.Hours, "H")
		writePart(p.Minutes, "M")
		if p.Seconds != 0 || p.Nanos != 0 {
			b.WriteString(strconv.Itoa(p.Seconds))
			if p.Nanos != 0 {
				b.WriteString(".")
				b.WriteString(strings.TrimRight(strconv.Itoa(p.Nanos+1e9)[1:], "0"))
			}
			b.WriteString("S")
		}
	}
	return b.String()
}

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseInstant parses an ISO-8601 date or date-time. Values without a zone
// offset are interpreted as UTC.
func ParseInstant(expr string) (time.Time, error) {
	s := strings.TrimSpace(expr)
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("malformed ISO-8601 instant %q", expr)
}
