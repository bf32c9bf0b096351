package group

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Group timezones must resolve in minimal containers
)

const (
	DefaultHour     = 17
	DefaultMinute   = 30
	DefaultTimezone = "Asia/Bishkek"
	DefaultDays     = "0,1,2,3,4" // Monday..Friday, 0=Monday
)

// Schedule is the local start time and recurrence of a group's daily cycle.
type Schedule struct {
	Hour     int
	Minute   int
	Timezone string
	Days     []time.Weekday
}

// Group represents an independent team with its own administrator.
// Corresponds to the 'groups' table.
type Group struct {
	ID              int64
	Name            string
	AdminTelegramID int64 // Receives the daily summary
	IsActive        bool
	Schedule        Schedule
	ActivationToken string // Payload of the group's invitation link
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Location resolves the schedule's timezone.
func (s Schedule) Location() (*time.Location, error) {
	tz := s.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Validate checks the schedule can be turned into a trigger.
func (s Schedule) Validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour %d out of range 0-23", s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("minute %d out of range 0-59", s.Minute)
	}
	if len(s.Days) == 0 {
		return fmt.Errorf("no days of week configured")
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	return nil
}

// String renders the schedule for logs and admin replies, e.g. "09:00 Asia/Bishkek [Mon Tue]".
func (s Schedule) String() string {
	days := make([]string, 0, len(s.Days))
	for _, d := range s.Days {
		days = append(days, d.String()[:3])
	}
	return fmt.Sprintf("%02d:%02d %s [%s]", s.Hour, s.Minute, s.Timezone, strings.Join(days, " "))
}

// ParseDays converts the stored "0,1,2" list (0=Monday .. 6=Sunday) into weekdays.
// Unknown entries are skipped, duplicates collapsed.
func ParseDays(stored string) []time.Weekday {
	seen := make(map[time.Weekday]bool)
	days := make([]time.Weekday, 0, 7)
	for _, part := range strings.Split(stored, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 6 {
			continue
		}
		wd := time.Weekday((n + 1) % 7)
		if seen[wd] {
			continue
		}
		seen[wd] = true
		days = append(days, wd)
	}
	return days
}

// FormatDays is the inverse of ParseDays.
func FormatDays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa((int(d)+6)%7))
	}
	return strings.Join(parts, ",")
}
