package schedule

import "fmt"

// GenerateSlots produces the candidate slot start times for a working window,
// as HH:MM strings covering [startHour:00, endHour:00) stepped by interval
// minutes. Minute offsets reset at every hour boundary, so an interval that
// does not divide 60 restarts at :00 each hour (e.g. 7..9 step 45 yields
// 07:00, 07:45, 08:00, 08:45). That bucketing is relied upon by callers and
// must not be changed to a running clock.
func GenerateSlots(startHour, endHour, intervalMinutes int) []string {
	var slots []string
	for hour := startHour; hour < endHour; hour++ {
		for minute := 0; minute < 60; minute += intervalMinutes {
			slots = append(slots, fmt.Sprintf("%02d:%02d", hour, minute))
		}
	}
	return slots
}
