package schedules

import "time"

// Bus timetable day-type variants as published by the operator: weekdays,
// Saturdays, and Sundays each have a distinct timetable.
const (
	DayTypeWeekday  = "I"
	DayTypeSaturday = "C"
	DayTypeSunday   = "P"
)

// DayTypeFor returns the timetable variant in effect on the given date.
func DayTypeFor(date time.Time) string {
	switch date.Weekday() {
	case time.Saturday:
		return DayTypeSaturday
	case time.Sunday:
		return DayTypeSunday
	default:
		return DayTypeWeekday
	}
}

// BusDayTypes lists every bus timetable variant, in prefetch order.
func BusDayTypes() []string {
	return []string{DayTypeWeekday, DayTypeSaturday, DayTypeSunday}
}
