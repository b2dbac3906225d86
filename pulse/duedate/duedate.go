// Package duedate turns timer expressions into due dates.
//
// Four expression kinds are supported: a fixed ISO-8601 instant, an ISO-8601
// duration measured from an anchor, an ISO-8601 repeating interval
// (R<n>/<start>/<period>[/<end>]) and a cron expression. Repeating kinds
// produce a RepeatState which Next uses to compute the following occurrence
// after a timer fires.
//
// All returned times are UTC.
package duedate

import (
	"strings"
	"time"

	"github.com/teranos/pulsejob/errors"
)

// Kind identifies the expression type of a Spec.
type Kind string

const (
	KindFixedDate Kind = "fixedDate"
	KindDuration  Kind = "duration"
	KindCycle     Kind = "cycle"
	KindCron      Kind = "cron"
)

// Spec is an unevaluated timer expression.
type Spec struct {
	Kind       Kind
	Expression string

	// Anchor is the reference instant for durations. Zero means "now".
	Anchor time.Time

	// End stops a cycle or cron schedule; occurrences at or after it are not produced.
	End *time.Time
}

// FixedDate returns a spec that is due exactly at t.
func FixedDate(t time.Time) Spec {
	return Spec{Kind: KindFixedDate, Expression: t.UTC().Format(time.RFC3339Nano)}
}

// Duration returns a spec due one ISO-8601 period after anchor.
func Duration(expr string, anchor time.Time) Spec {
	return Spec{Kind: KindDuration, Expression: expr, Anchor: anchor}
}

// Cycle returns a spec for an ISO-8601 repeating interval.
func Cycle(expr string) Spec {
	return Spec{Kind: KindCycle, Expression: expr}
}

// Cron returns a spec for a cron expression with an optional end date.
func Cron(expr string, end *time.Time) Spec {
	return Spec{Kind: KindCron, Expression: expr, End: end}
}

// Parse classifies a raw timer expression.
func Parse(raw string, anchor time.Time) Spec {
	s := strings.TrimSpace(raw)
	upper := strings.ToUpper(s)
	switch {
	case strings.HasPrefix(upper, "R"):
		return Cycle(s)
	case strings.HasPrefix(upper, "P"):
		return Duration(s, anchor)
	}
	if _, err := ParseInstant(s); err == nil {
		return Spec{Kind: KindFixedDate, Expression: s}
	}
	return Cron(s, nil)
}

// RepeatState carries what is needed to compute the next occurrence of a
// repeating timer.
type RepeatState struct {
	Expression string
	// Remaining counts occurrences left including the current one; Unbounded for no limit.
	Remaining int
	End       *time.Time
}

// Result is the outcome of evaluating a Spec.
type Result struct {
	// Exhausted means no future occurrence exists.
	Exhausted bool
	At        time.Time
	// Repeat is nil for one-shot timers.
	Repeat *RepeatState
}

// Resolve computes the first due date of spec relative to now.
func Resolve(spec Spec, now time.Time) (Result, error) {
	now = now.UTC()
	switch spec.Kind {
	case KindFixedDate:
		at, err := ParseInstant(spec.Expression)
		if err != nil {
			return Result{}, invalid(spec.Expression, err)
		}
		return Result{At: at}, nil

	case KindDuration:
		period, err := ParsePeriod(spec.Expression)
		if err != nil {
			return Result{}, invalid(spec.Expression, err)
		}
		anchor := spec.Anchor
		if anchor.IsZero() {
			anchor = now
		}
		return Result{At: period.AddTo(anchor)}, nil

	case KindCycle:
		return resolveCycle(spec, now)

	case KindCron:
		sched, err := parseCron(spec.Expression)
		if err != nil {
			return Result{}, invalid(spec.Expression, err)
		}
		at := nextCron(sched, now)
		if at.IsZero() || pastEnd(at, spec.End) {
			return Result{Exhausted: true}, nil
		}
		return Result{
			At:     at,
			Repeat: &RepeatState{Expression: spec.Expression, Remaining: Unbounded, End: spec.End},
		}, nil
	}
	return Result{}, invalid(spec.Expression, errors.Newf("unknown expression kind %q", spec.Kind))
}

func resolveCycle(spec Spec, now time.Time) (Result, error) {
	c, err := parseCycle(spec.Expression)
	if err != nil {
		return Result{}, invalid(spec.Expression, err)
	}
	if c.repeat == 0 {
		return Result{Exhausted: true}, nil
	}

	start := now
	if c.start != nil {
		start = *c.start
	}
	k, at, err := c.firstAfter(start, 1, now)
	if err != nil {
		return Result{}, invalid(spec.Expression, err)
	}

	remaining := Unbounded
	if c.repeat != Unbounded {
		if k > c.repeat {
			return Result{Exhausted: true}, nil
		}
		remaining = c.repeat - k + 1
	}

	end := minEnd(c.end, spec.End)
	if pastEnd(at, end) {
		return Result{Exhausted: true}, nil
	}
	return Result{
		At:     at,
		Repeat: &RepeatState{Expression: spec.Expression, Remaining: remaining, End: end},
	}, nil
}

// Next computes the occurrence following prevDue for a repeating timer that
// has just fired. Occurrences that fell behind now are skipped and, for
// bounded cycles, counted against the remaining repetitions.
func Next(state RepeatState, prevDue, now time.Time) (Result, error) {
	prevDue, now = prevDue.UTC(), now.UTC()

	if isCycle(state.Expression) {
		c, err := parseCycle(state.Expression)
		if err != nil {
			return Result{}, invalid(state.Expression, err)
		}
		if state.Remaining != Unbounded && state.Remaining <= 1 {
			return Result{Exhausted: true}, nil
		}

		k, at, err := c.firstAfter(prevDue, 1, now)
		if err != nil {
			return Result{}, invalid(state.Expression, err)
		}
		remaining := Unbounded
		if state.Remaining != Unbounded {
			remaining = state.Remaining - k
			if remaining <= 0 {
				return Result{Exhausted: true}, nil
			}
		}
		end := minEnd(c.end, state.End)
		if pastEnd(at, end) {
			return Result{Exhausted: true}, nil
		}
		return Result{
			At:     at,
			Repeat: &RepeatState{Expression: state.Expression, Remaining: remaining, End: end},
		}, nil
	}

	sched, err := parseCron(state.Expression)
	if err != nil {
		return Result{}, invalid(state.Expression, err)
	}
	from := prevDue
	if now.After(from) {
		from = now
	}
	at := nextCron(sched, from)
	if at.IsZero() || pastEnd(at, state.End) {
		return Result{Exhausted: true}, nil
	}
	return Result{
		At:     at,
		Repeat: &RepeatState{Expression: state.Expression, Remaining: Unbounded, End: state.End},
	}, nil
}

// Validate reports whether spec can be evaluated at all.
func Validate(spec Spec, now time.Time) error {
	_, err := Resolve(spec, now)
	return err
}

func isCycle(expr string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(expr)), "R")
}

func pastEnd(at time.Time, end *time.Time) bool {
	return end != nil && !at.Before(*end)
}

func invalid(raw string, cause error) error {
	err := errors.NewInvalidSchedulef("Due date could not be determined for timer job %s", raw)
	return errors.WithDetail(err, cause.Error())
}
