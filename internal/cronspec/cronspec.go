// Package cronspec validates 5-field cron expressions, computes fire times
// and describes the built-in schedule presets.
package cronspec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidSchedule is returned for anything that is not a plain
	// "minute hour day-of-month month day-of-week" expression.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrNoNextFire is returned when a valid expression never matches
	// (e.g. "0 0 30 2 *").
	ErrNoNextFire = errors.New("schedule has no upcoming fire time")
)

// CustomDescription is returned by Describe for expressions without a preset.
const CustomDescription = "custom schedule"

// Descriptors (@daily, @every) are deliberately not enabled.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse returns the robfig schedule for expr or an error wrapping ErrInvalidSchedule.
func Parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	// robfig accepts a TZ prefix; timezones come from configuration instead.
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: timezone prefix not allowed in %q", ErrInvalidSchedule, expr)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// Validate reports whether expr is a well-formed 5-field expression.
func Validate(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// Next returns the first instant strictly after now matching expr, in now's location.
func Next(expr string, now time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoNextFire, expr)
	}
	return next, nil
}

// NextN returns up to n upcoming fire times after now.
func NextN(expr string, now time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := now
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	if len(out) == 0 && n > 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoNextFire, expr)
	}
	return out, nil
}

// Normalize collapses whitespace so equivalent spellings compare equal.
func Normalize(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}

var reHHMM = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):([0-5][0-9])$`)

// DailyAt builds "M H * * *" from a "HH:MM" time of day.
func DailyAt(hhmm string) (string, error) {
	m := reHHMM.FindStringSubmatch(strings.TrimSpace(hhmm))
	if m == nil {
		return "", fmt.Errorf("%w: time of day %q must be HH:MM (e.g. 09:00)", ErrInvalidSchedule, hhmm)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// TimeOfDay extracts hour and minute from a daily "M H * * *" expression.
func TimeOfDay(expr string) (hour, minute int, ok bool) {
	f := strings.Fields(expr)
	if len(f) != 5 || f[2] != "*" || f[3] != "*" || f[4] != "*" {
		return 0, 0, false
	}
	mi, err1 := strconv.Atoi(f[0])
	h, err2 := strconv.Atoi(f[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || mi < 0 || mi > 59 {
		return 0, 0, false
	}
	return h, mi, true
}
