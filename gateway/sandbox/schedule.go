package sandbox

import (
	"context"
	"fmt"
	"time"
)

// SchedulePlan is the outcome of a scheduling script: either a single firing
// time or a recurring schedule.
type SchedulePlan struct {
	// FireAt is the (first) firing time.
	FireAt time.Time
	// Recurring marks a repeating schedule.
	Recurring bool
	// Interval separates recurring occurrences.
	Interval time.Duration
	// MaxOccurrences bounds recurring schedules. Zero means unbounded.
	MaxOccurrences int
}

// RunSchedule executes a scheduling script body. The script sees `event`
// (the normalized event as a JSON tree) and `context` with `now` (epoch
// milliseconds) and date helpers; it returns either a timestamp (epoch
// milliseconds, date string or Date) for a one-shot delivery or an object
// {firstOccurrence, intervalMs, maxOccurrences} for a recurring one.
func (s *Sandbox) RunSchedule(ctx context.Context, script string, event map[string]any, now time.Time) (SchedulePlan, error) {
	scriptCtx := map[string]any{
		"now": now.UnixMilli(),
		"addHours": func(ms int64, hours float64) int64 {
			return time.UnixMilli(ms).Add(time.Duration(hours * float64(time.Hour))).UnixMilli()
		},
		"subtractHours": func(ms int64, hours float64) int64 {
			return time.UnixMilli(ms).Add(-time.Duration(hours * float64(time.Hour))).UnixMilli()
		},
		"parseDate": func(s string) (int64, error) {
			t, err := parseDateString(s)
			if err != nil {
				return 0, err
			}
			return t.UnixMilli(), nil
		},
		"toTimestamp": func(v any) (int64, error) {
			t, err := coerceTime(v)
			if err != nil {
				return 0, err
			}
			return t.UnixMilli(), nil
		},
	}

	result, err := s.run(ctx, "schedule", script, map[string]any{
		"event":   event,
		"context": scriptCtx,
	})
	if err != nil {
		return SchedulePlan{}, err
	}
	return parsePlan(result)
}

func parsePlan(result any) (SchedulePlan, error) {
	if result == nil {
		return SchedulePlan{}, &Error{Kind: ErrorResult, Message: "scheduling script returned nothing"}
	}

	if obj, ok := result.(map[string]any); ok {
		first, ok := obj["firstOccurrence"]
		if !ok {
			return SchedulePlan{}, &Error{Kind: ErrorResult, Message: "recurring schedule requires firstOccurrence"}
		}
		fireAt, err := coerceTime(first)
		if err != nil {
			return SchedulePlan{}, &Error{Kind: ErrorResult, Message: fmt.Sprintf("firstOccurrence: %s", err)}
		}
		intervalMs, err := coerceInt(obj["intervalMs"])
		if err != nil || intervalMs <= 0 {
			return SchedulePlan{}, &Error{Kind: ErrorResult, Message: "recurring schedule requires a positive intervalMs"}
		}
		plan := SchedulePlan{
			FireAt:    fireAt,
			Recurring: true,
			Interval:  time.Duration(intervalMs) * time.Millisecond,
		}
		if raw, ok := obj["maxOccurrences"]; ok {
			n, err := coerceInt(raw)
			if err != nil || n < 0 {
				return SchedulePlan{}, &Error{Kind: ErrorResult, Message: "maxOccurrences must be a non-negative integer"}
			}
			plan.MaxOccurrences = int(n)
		}
		return plan, nil
	}

	fireAt, err := coerceTime(result)
	if err != nil {
		return SchedulePlan{}, &Error{Kind: ErrorResult, Message: fmt.Sprintf("scheduling script result: %s", err)}
	}
	return SchedulePlan{FireAt: fireAt}, nil
}

// scheduleDateLayouts are accepted by parseDate and string timestamps.
var scheduleDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDateString(s string) (time.Time, error) {
	for _, layout := range scheduleDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// coerceTime accepts epoch milliseconds (number), date strings and Date
// exports.
func coerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return parseDateString(t)
	default:
		ms, err := coerceInt(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot interpret %T as a timestamp", v)
		}
		return time.UnixMilli(ms), nil
	}
}

func coerceInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
