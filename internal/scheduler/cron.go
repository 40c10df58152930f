package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// standardParser accepts the five-field crontab syntax (minute hour
// day-of-month month day-of-week) plus the "@yearly"/"@monthly"/
// "@weekly"/"@daily"/"@hourly" descriptors and "@every <duration>".
var standardParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParsedCron is a validated cron expression plus the robfig schedule it
// compiles to. Expr is kept verbatim (normalized to single-space
// field separation) so Describe and ParseCron round-trip.
type ParsedCron struct {
	Expr     string
	schedule cron.Schedule
}

// ParseCron validates expr and returns a ParsedCron able to compute
// NextOccurrence/Matches. Unix convention applies: when both
// day-of-month and day-of-week are restricted (not "*"), a match on
// either satisfies the expression (robfig/cron's standard parser
// already implements this OR combination).
func ParseCron(expr string) (ParsedCron, error) {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(expr)), " ")
	if normalized == "" {
		return ParsedCron{}, fmt.Errorf("scheduler: empty cron expression")
	}
	sched, err := standardParser.Parse(normalized)
	if err != nil {
		return ParsedCron{}, fmt.Errorf("scheduler: parse cron %q: %w", expr, err)
	}
	return ParsedCron{Expr: normalized, schedule: sched}, nil
}

// NextOccurrence returns the next activation strictly after after.
func NextOccurrence(p ParsedCron, after time.Time) time.Time {
	return p.schedule.Next(after)
}

// Matches reports whether t (truncated to the minute) is itself an
// activation of p, by checking that the next occurrence after the
// preceding minute lands exactly on t.
func Matches(p ParsedCron, t time.Time) bool {
	truncated := t.Truncate(time.Minute)
	return p.schedule.Next(truncated.Add(-time.Minute)).Equal(truncated)
}

// Describe renders p back to its normalized expression string. Parsing
// Describe's output reproduces an equivalent ParsedCron, satisfying the
// "parse -> describe -> parse" round-trip law; it is deliberately the
// canonical source expression rather than free-form prose, since that
// is the only representation robfig/cron's Schedule can't be asked to
// regenerate on its own.
func Describe(p ParsedCron) string {
	return p.Expr
}
