package file

import (
	"fmt"
	"time"
)

var sizeUnits = []struct {
	name  string
	count int64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
}

// FormatSize renders a byte count with a binary unit, e.g. "1.50 MiB".
// Negative sizes mean unknown and render as "n/a".
func FormatSize(size int64) string {
	if size < 0 {
		return "n/a"
	}
	for _, u := range sizeUnits {
		if size >= u.count {
			return fmt.Sprintf("%0.2f %s", float64(size)/float64(u.count), u.name)
		}
	}
	return fmt.Sprintf("%d byte", size)
}

// FormatDuration renders d for humans, e.g. "3.5 minutes". Negative
// durations mean unknown and render as "n/a".
func FormatDuration(d time.Duration) string {
	switch {
	case d < 0:
		return "n/a"
	case d < time.Second:
		return "<1 second"
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%.1f minutes", d.Minutes())
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1f hours", d.Hours())
	default:
		return fmt.Sprintf("%.1f days", d.Hours()/24)
	}
}
