package dbtypes

import (
	"fmt"
	"time"
)

const (
	DateKeyLayout = "2006-01-02"
	ClockLayout   = "15:04"
)

// DateKey is the takenHistory key for the calendar day containing t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateKeyLayout)
}

// ClockKey is t truncated to the minute, formatted like a scheduledTime.
func ClockKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(ClockLayout)
}

// ParseScheduledTime splits an "HH:MM" string into hour and minute.
func ParseScheduledTime(s string) (hour, minute int, err error) {
	t, err := time.Parse(ClockLayout, s)
	if err != nil {
		return 0, 0, fmt.Errorf("while parsing scheduled time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// ScheduledOn returns the instant at which m is due on the calendar day
// containing day, in loc.
func (m *Medicine) ScheduledOn(day time.Time, loc *time.Location) (time.Time, error) {
	hour, minute, err := ParseScheduledTime(m.ScheduledTime)
	if err != nil {
		return time.Time{}, err
	}
	day = day.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), nil
}

// Time-of-day slots used by the medicine statistics rollup.
const (
	SlotMorning   = "morning"
	SlotAfternoon = "afternoon"
	SlotEvening   = "evening"
	SlotNight     = "night"
)

// TimeSlot buckets an hour of the day.  Morning is [5, 12), afternoon
// [12, 17), evening [17, 21), and everything else is night.
func TimeSlot(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return SlotMorning
	case hour >= 12 && hour < 17:
		return SlotAfternoon
	case hour >= 17 && hour < 21:
		return SlotEvening
	default:
		return SlotNight
	}
}

// SelectRedeemable picks which of the unused codes sharing one set of digits a
// redemption should consume.
//
// Returns ErrNotFound if there are no candidates, and ErrExpired if every
// candidate's window has closed.  Among live candidates the most recently
// created one wins.
func SelectRedeemable(candidates []*CaregiverLinkCode, now time.Time) (*CaregiverLinkCode, error) {
	var best *CaregiverLinkCode
	sawUnused := false
	for _, c := range candidates {
		if c.Used {
			continue
		}
		sawUnused = true
		if c.Expired(now) {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			best = c
		}
	}

	if best != nil {
		return best, nil
	}
	if sawUnused {
		return nil, ErrExpired
	}
	return nil, ErrNotFound
}
