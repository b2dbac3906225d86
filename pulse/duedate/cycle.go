package duedate

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/pulsejob/errors"
)

// Unbounded marks a cycle without a repetition count (R/...).
const Unbounded = -1

// cycle is a parsed repeating interval: R<n>/<start>/<period>[/<end>].
// The start may be blank ("R3//PT1H") or omitted ("R3/PT1H"), in which case
// the cycle is anchored at resolution time.
type cycle struct {
	repeat int
	start  *time.Time
	period Period
	end    *time.Time
}

func parseCycle(expr string) (cycle, error) {
	parts := strings.Split(strings.TrimSpace(expr), "/")
	if len(parts) < 2 || len(parts) > 4 {
		return cycle{}, errors.Newf("repeating interval %q must have 2 to 4 segments", expr)
	}

	head := strings.ToUpper(parts[0])
	if !strings.HasPrefix(head, "R") {
		return cycle{}, errors.Newf("repeating interval %q must start with R", expr)
	}
	c := cycle{repeat: Unbounded}
	if n := head[1:]; n != "" {
		count, err := strconv.Atoi(n)
		if err != nil || count < 0 {
			return cycle{}, errors.Newf("invalid repetition count %q", n)
		}
		c.repeat = count
	}

	rest := parts[1:]
	periodIdx := 0
	if len(rest) >= 2 && !isPeriod(rest[0]) {
		if rest[0] != "" {
			start, err := ParseInstant(rest[0])
			if err != nil {
				return cycle{}, err
			}
			c.start = &start
		}
		periodIdx = 1
	}
	if rest[0] == "" && periodIdx == 0 {
		return cycle{}, errors.Newf("repeating interval %q has no period", expr)
	}

	period, err := ParsePeriod(rest[periodIdx])
	if err != nil {
		return cycle{}, err
	}
	if period.IsZero() {
		return cycle{}, errors.Newf("repeating interval %q has a zero period", expr)
	}
	c.period = period

	switch tail := rest[periodIdx+1:]; len(tail) {
	case 0:
	case 1:
		end, err := ParseInstant(tail[0])
		if err != nil {
			return cycle{}, err
		}
		c.end = &end
	default:
		return cycle{}, errors.Newf("repeating interval %q has trailing segments", expr)
	}
	return c, nil
}

func isPeriod(s string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(s)), "P")
}

// firstAfter returns the smallest k >= minK such that from + k*period is
// strictly after now, together with that instant.
func (c cycle) firstAfter(from time.Time, minK int, now time.Time) (int, time.Time, error) {
	k := minK
	if c.period.IsFixed() {
		step := c.period.Fixed()
		if due := addSteps(from, step, k); !due.After(now) {
			skipped, ok := stepsBetween(from, now, step)
			if !ok {
				return 0, time.Time{}, errors.Newf("occurrence count since %s overflows", from.Format(time.RFC3339))
			}
			k = skipped + 1
		}
		return k, addSteps(from, step, k), nil
	}
	due := c.period.AddTimes(from, k)
	for !due.After(now) {
		k++
		due = c.period.AddTimes(from, k)
	}
	return k, due, nil
}

// stepsBetween counts whole steps in now - from. The gap is walked in
// chunks that fit in a time.Duration, since time.Time.Sub saturates beyond
// roughly 292 years.
func stepsBetween(from, now time.Time, step time.Duration) (int, bool) {
	if !now.After(from) {
		return 0, true
	}
	chunk := int(math.MaxInt64 / step)
	span := step * time.Duration(chunk)
	n := 0
	for now.Sub(from) >= span {
		if n > math.MaxInt-chunk {
			return 0, false
		}
		from = from.Add(span)
		n += chunk
	}
	rest := int(now.Sub(from) / step)
	if n > math.MaxInt-rest {
		return 0, false
	}
	return n + rest, true
}

func minEnd(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}
