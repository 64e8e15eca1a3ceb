// Package schedule computes when account tasks fire.
//
// Expressions are standard 5-field cron (minute granularity). A daily "HH:MM"
// shorthand is accepted and normalized to its cron form. Fire times carry a
// bounded random jitter so many tasks with the same expression don't all hit
// at the same instant.
package schedule

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule marks input that is neither HH:MM nor a parsable cron
// expression. Tasks with an invalid schedule stay visible and are re-checked,
// they never fire.
var ErrInvalidSchedule = errors.New("invalid schedule")

// CronFallbackDelay is used when a cron expression that passed validation
// still fails to evaluate. Retrying beats killing the loop; the caller logs it.
const CronFallbackDelay = 5 * time.Minute

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Normalize accepts either an "HH:MM" daily shorthand or a raw 5-field cron
// expression and returns the cron form. Fullwidth colons (common in pasted
// CJK input) are tolerated.
func Normalize(spec string) (string, error) {
	spec = strings.TrimSpace(strings.ReplaceAll(spec, "：", ":"))
	if spec == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	if h, m, err := parseHHMM(spec); err == nil {
		return fmt.Sprintf("%d %d * * *", m, h), nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return "", fmt.Errorf("%w: %q is neither HH:MM nor cron", ErrInvalidSchedule, spec)
	}
	return spec, nil
}

// NextFire returns the next occurrence of expr strictly after from, plus a
// uniformly random delay in [0, jitterSeconds]. If expr does not evaluate the
// caller gets from+CronFallbackDelay instead of an error.
func NextFire(expr string, from time.Time, jitterSeconds int) time.Time {
	sched, err := parser.Parse(expr)
	if err != nil {
		return from.Add(CronFallbackDelay)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return from.Add(CronFallbackDelay)
	}
	if jitterSeconds > 0 {
		next = next.Add(time.Duration(rand.Intn(jitterSeconds+1)) * time.Second)
	}
	return next
}

// ShouldFireNow is the idempotency check. With no recorded run for the current
// period it fires. Otherwise the task is already satisfied iff the next cron
// occurrence after the recorded run is still in the future.
//
// A restart mid-day therefore neither double-fires an already satisfied task
// nor skips one whose scheduled time elapsed while the process was down.
func ShouldFireNow(expr string, lastRunAt, now time.Time) bool {
	if lastRunAt.IsZero() {
		return true
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return true
	}
	next := sched.Next(lastRunAt)
	return !next.After(now)
}

// Fingerprint captures a task's effective schedule identity across reloads.
// Equal fingerprints mean the previously computed fire time (jitter included)
// is still valid.
func Fingerprint(updatedAt, cronExpr string, jitterSeconds int) string {
	return updatedAt + "|" + cronExpr + "|" + strconv.Itoa(jitterSeconds)
}

// InvalidFingerprint marks a task whose config failed validation.
func InvalidFingerprint(updatedAt string) string {
	return updatedAt + "|invalid"
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
