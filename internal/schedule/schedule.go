// Package schedule turns a (start, interval, count) prescription into dose times.
//
// Time-of-day values carry no calendar date; adding hours wraps past midnight.
// Concrete instants are only produced by NextOccurrence and Plan, which anchor a
// time-of-day to the first matching wall-clock moment at or after "now".
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pathakanu/medMemo/internal/apperr"
)

const minutesPerDay = 24 * 60

// Upper bounds of a prescription. Larger values cannot be planned as instants.
const (
	MaxIntervalHours = 24 * 365
	MaxDoseCount     = 100000
)

var timeOfDayPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// TimeOfDay is an hour:minute value without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts strictly two-digit 24-hour "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := timeOfDayPattern.FindStringSubmatch(s)
	if m == nil {
		return TimeOfDay{}, apperr.Validation("time must be in 24-hour HH:MM format, e.g. 08:30")
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// MustParse is ParseTimeOfDay for values already validated, such as stored rows.
func MustParse(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(fmt.Sprintf("schedule: invalid time of day %q", s))
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Add returns t shifted by the given number of hours, modulo 24:00.
func (t TimeOfDay) Add(hours int) TimeOfDay {
	total := ((t.Hour*60+t.Minute+(hours%24)*60)%minutesPerDay + minutesPerDay) % minutesPerDay
	return TimeOfDay{Hour: total / 60, Minute: total % 60}
}

// Timetable returns exactly count times: start, then every intervalHours after it.
func Timetable(start string, intervalHours, count int) ([]TimeOfDay, error) {
	if intervalHours < 1 || intervalHours > MaxIntervalHours {
		return nil, apperr.Validation(fmt.Sprintf("the interval must be a whole number of hours, from 1 to %d", MaxIntervalHours))
	}
	if count < 1 || count > MaxDoseCount {
		return nil, apperr.Validation(fmt.Sprintf("the number of doses must be from 1 to %d", MaxDoseCount))
	}
	first, err := ParseTimeOfDay(start)
	if err != nil {
		return nil, err
	}

	times := make([]TimeOfDay, count)
	times[0] = first
	for i := 1; i < count; i++ {
		times[i] = times[i-1].Add(intervalHours)
	}
	return times, nil
}

// Strings renders times as "HH:MM".
func Strings(times []TimeOfDay) []string {
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.String()
	}
	return out
}

// NextOccurrence returns the first instant at or after now whose clock reads t,
// in now's location: today when t has not passed yet, tomorrow otherwise.
func NextOccurrence(t TimeOfDay, now time.Time) time.Time {
	y, mo, d := now.Date()
	candidate := time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, now.Location())
	if candidate.Before(now) {
		candidate = time.Date(y, mo, d+1, t.Hour, t.Minute, 0, 0, now.Location())
	}
	return candidate
}

// Plan returns due instants for the pending doses of a course whose earliest
// untaken dose is head. The head is anchored with NextOccurrence and every
// following dose is intervalHours of wall-clock time after the previous one, so
// across a DST change doses keep the HH:MM of their timetable. When the clock
// skips forward and a step would not move past the previous dose, that step
// falls back to intervalHours of elapsed time.
func Plan(head TimeOfDay, intervalHours, pending int, now time.Time) []time.Time {
	if pending < 1 || pending > MaxDoseCount || intervalHours < 1 || intervalHours > MaxIntervalHours {
		return nil
	}
	step := time.Duration(intervalHours) * time.Hour
	due := make([]time.Time, pending)
	due[0] = NextOccurrence(head, now)
	y, mo, d := due[0].Date()
	for i := 1; i < pending; i++ {
		next := time.Date(y, mo, d, head.Hour+i*intervalHours, head.Minute, 0, 0, due[0].Location())
		if !next.After(due[i-1]) {
			next = due[i-1].Add(step)
		}
		due[i] = next
	}
	return due
}
