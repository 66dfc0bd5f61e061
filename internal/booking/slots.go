// Package booking owns the appointment catalog and the persistent appointment
// store. Slots are half-hour labels within clinic hours, generated by a pure
// function; appointments are rows in PostgreSQL with the partial unique index
// on (date, time) as the final word on double-booking.
package booking

import (
	"fmt"
	"time"
)

// dateLayout is the wire format for appointment dates.
const dateLayout = "2006-01-02"

// Clinic hours in minutes past midnight: the bookable day runs from the
// 9:00 AM slot through the 4:30 PM slot inclusive, and the two lunch
// half-hours starting at noon are excluded.
const (
	openingMinute = 9 * 60
	closingMinute = 16*60 + 30
	slotMinutes   = 30
	lunchFirst    = 12 * 60
	lunchSecond   = 12*60 + 30
)

var (
	// slotLabels is the ordered weekday catalog.
	slotLabels []string

	// slotIndex maps a label to its position in the catalog.
	slotIndex = map[string]int{}
)

func init() {
	for m := openingMinute; m <= closingMinute; m += slotMinutes {
		if m == lunchFirst || m == lunchSecond {
			continue
		}
		label := minuteLabel(m)
		slotIndex[label] = len(slotLabels)
		slotLabels = append(slotLabels, label)
	}
}

// minuteLabel renders minutes past midnight as an "H:MM AM/PM" label.
func minuteLabel(m int) string {
	hour, minute := m/60, m%60
	meridiem := "AM"
	if hour >= 12 {
		meridiem = "PM"
	}
	hour12 := hour % 12
	if hour12 == 0 {
		hour12 = 12
	}
	return fmt.Sprintf("%d:%02d %s", hour12, minute, meridiem)
}

// SlotLabels returns the weekday slot catalog in natural time order:
// every half hour from 9:00 AM through 4:30 PM, excluding the lunch hour.
// The returned slice is a copy and may be modified by the caller.
func SlotLabels() []string {
	out := make([]string, len(slotLabels))
	copy(out, slotLabels)
	return out
}

// IsSlotLabel reports whether label is in the bookable catalog.
func IsSlotLabel(label string) bool {
	_, ok := slotIndex[label]
	return ok
}

// ParseDate parses an ISO "YYYY-MM-DD" appointment date.
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("booking: parse date: %w", err)
	}
	return t, nil
}

// IsWeekend reports whether the ISO date falls on a Saturday or Sunday.
// Invalid date strings are errors.
func IsWeekend(date string) (bool, error) {
	t, err := ParseDate(date)
	if err != nil {
		return false, err
	}
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday, nil
}
