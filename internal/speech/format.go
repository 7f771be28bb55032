package speech

import (
	"fmt"
	"time"
)

// EstimateDuration is the up-front guess shown before a job starts.
func EstimateDuration(chunks int) time.Duration {
	return time.Duration(chunks)*3*time.Second + 2*time.Second
}

// FormatDuration renders d for people, e.g. "12.3 seconds" or
// "2 minutes 4.0 seconds".
func FormatDuration(d time.Duration) string {
	seconds := d.Seconds()
	if seconds < 60 {
		return fmt.Sprintf("%.1f seconds", seconds)
	}
	minutes := int(seconds / 60)
	rest := seconds - float64(minutes*60)
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("%d %s %.1f seconds", minutes, unit, rest)
}
