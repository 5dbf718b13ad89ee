// Package timeexpr computes trigger instants from a job's time expression.
package timeexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"neptune/proto"
)

var ErrInvalidExpression = errors.New("timeexpr: invalid time expression")

const onceLayout = "2006-01-02 15:04:05"

// Validate reports whether expr is usable for the given type.
func Validate(t proto.TimeExpressionType, expr string) error {
	switch t {
	case proto.Once:
		_, err := parseInstant(expr)
		return err
	case proto.FixedRate, proto.FixedDelay:
		_, err := parsePeriod(expr)
		return err
	case proto.Cron:
		_, err := parseCron(expr)
		return err
	case proto.Workflow:
		return nil
	}
	return fmt.Errorf("%w: unknown type %d", ErrInvalidExpression, t)
}

// Next returns the next trigger instant (epoch ms) of job relative to now.
// lastCompleted is the completion time of the previous instance and is only
// read for FIXED_DELAY. The bool is false when the job has no further trigger.
func Next(job *proto.Job, now, lastCompleted int64) (int64, bool, error) {
	switch job.TimeExpressionType {
	case proto.Once:
		at, err := parseInstant(job.TimeExpression)
		if err != nil {
			return 0, false, err
		}
		if at >= now {
			return at, true, nil
		}
		return 0, false, nil
	case proto.FixedRate:
		p, err := parsePeriod(job.TimeExpression)
		if err != nil {
			return 0, false, err
		}
		return max(now, job.NextTriggerTime) + p, true, nil
	case proto.FixedDelay:
		p, err := parsePeriod(job.TimeExpression)
		if err != nil {
			return 0, false, err
		}
		if lastCompleted > 0 {
			return lastCompleted + p, true, nil
		}
		return now + p, true, nil
	case proto.Cron:
		expr, err := parseCron(job.TimeExpression)
		if err != nil {
			return 0, false, err
		}
		from := max(now, job.NextTriggerTime)
		next := expr.Next(time.UnixMilli(from))
		if next.IsZero() {
			return 0, false, nil
		}
		at := next.UnixMilli()
		for at <= from {
			if next = expr.Next(next); next.IsZero() {
				return 0, false, nil
			}
			at = next.UnixMilli()
		}
		return at, true, nil
	case proto.Workflow:
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("%w: unknown type %d", ErrInvalidExpression, job.TimeExpressionType)
}

// Period returns the FIXED_RATE / FIXED_DELAY period in ms.
func Period(expr string) (int64, error) {
	return parsePeriod(expr)
}

func parseInstant(expr string) (int64, error) {
	expr = strings.TrimSpace(expr)
	if v, err := strconv.ParseInt(expr, 10, 64); err == nil {
		if v < 0 {
			return 0, fmt.Errorf("%w: negative instant %d", ErrInvalidExpression, v)
		}
		return v, nil
	}
	if t, err := time.ParseInLocation(onceLayout, expr, time.Local); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("%w: %q is not an instant", ErrInvalidExpression, expr)
}

// parsePeriod accepts milliseconds ("5000") or a duration ("5s").
func parsePeriod(expr string) (int64, error) {
	expr = strings.TrimSpace(expr)
	v, err := strconv.ParseInt(expr, 10, 64)
	if err != nil {
		d, derr := time.ParseDuration(expr)
		if derr != nil {
			return 0, fmt.Errorf("%w: %q is not a period", ErrInvalidExpression, expr)
		}
		v = d.Milliseconds()
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: period must be positive, got %q", ErrInvalidExpression, expr)
	}
	return v, nil
}

func parseCron(expr string) (*cronexpr.Expression, error) {
	line, err := normalizeCron(expr)
	if err != nil {
		return nil, err
	}
	e, err := cronexpr.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return e, nil
}

// normalizeCron turns a quartz expression (sec min hour dom month dow [year])
// into the seven field form cronexpr reads. Quartz numbers days of week 1-7
// from Sunday, cronexpr 0-6.
func normalizeCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 6:
		fields = append(fields, "*")
	case 7:
	default:
		return "", fmt.Errorf("%w: cron %q needs 6 or 7 fields", ErrInvalidExpression, expr)
	}
	for i, f := range fields {
		fields[i] = strings.ReplaceAll(f, "?", "*")
	}
	dow, err := shiftDayOfWeek(fields[5])
	if err != nil {
		return "", err
	}
	fields[5] = dow
	return strings.Join(fields, " "), nil
}

func shiftDayOfWeek(field string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(field); {
		c := field[i]
		if c < '0' || c > '9' {
			b.WriteByte(c)
			i++
			continue
		}
		j := i
		for j < len(field) && field[j] >= '0' && field[j] <= '9' {
			j++
		}
		n, _ := strconv.Atoi(field[i:j])
		// step and nth operands are counts, not days
		if i > 0 && (field[i-1] == '/' || field[i-1] == '#') {
			b.WriteString(field[i:j])
		} else {
			if n < 1 || n > 7 {
				return "", fmt.Errorf("%w: day of week %d out of range 1-7", ErrInvalidExpression, n)
			}
			b.WriteString(strconv.Itoa(n - 1))
		}
		i = j
	}
	return b.String(), nil
}
