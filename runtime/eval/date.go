package eval

import (
	"strconv"
	"time"

	"github.com/aledsdavies/sievevm/core/bytecode"
)

// applyZone converts t per the date test's zone tag (spec.md §4.7
// "date / currentdate"): :originalzone leaves it untouched, :zone
// "+hhmm" converts to a fixed offset, and the default converts to the
// evaluator process's local zone.
func applyZone(t time.Time, mode bytecode.DateZoneMode, zone string) time.Time {
	switch mode {
	case bytecode.ZoneOriginal:
		return t
	case bytecode.ZoneFixed:
		if off, ok := parseZoneOffset(zone); ok {
			return t.In(time.FixedZone(zone, off))
		}
		return t
	default:
		return t.Local()
	}
}

func parseZoneOffset(z string) (int, bool) {
	if len(z) != 5 || (z[0] != '+' && z[0] != '-') {
		return 0, false
	}
	h, err1 := strconv.Atoi(z[1:3])
	m, err2 := strconv.Atoi(z[3:5])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	sec := h*3600 + m*60
	if z[0] == '-' {
		sec = -sec
	}
	return sec, true
}

// datePartString extracts one date-part field as the string the match
// types compare against.
func datePartString(t time.Time, part bytecode.DatePart) string {
	switch part {
	case bytecode.DateYear:
		return strconv.Itoa(t.Year())
	case bytecode.DateMonth:
		return zeroPad(int(t.Month()), 2)
	case bytecode.DateDay:
		return zeroPad(t.Day(), 2)
	case bytecode.DateDateOnly:
		return t.Format("2006-01-02")
	case bytecode.DateJulian:
		return strconv.Itoa(julianDayNumber(t))
	case bytecode.DateHour:
		return zeroPad(t.Hour(), 2)
	case bytecode.DateMinute:
		return zeroPad(t.Minute(), 2)
	case bytecode.DateSecond:
		return zeroPad(t.Second(), 2)
	case bytecode.DateTime:
		return t.Format("15:04:05")
	case bytecode.DateISO8601:
		return t.Format(time.RFC3339)
	case bytecode.DateStd11:
		return t.Format("Mon, 2 Jan 2006 15:04:05 -0700")
	case bytecode.DateZone:
		return t.Format("-0700")
	case bytecode.DateWeekday:
		return strconv.Itoa(int(t.Weekday()))
	default:
		return ""
	}
}

func zeroPad(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// julianDayNumber computes the astronomical Julian day number for the
// date portion of t (algorithm per Fliegel & Van Flandern).
func julianDayNumber(t time.Time) int {
	y, m, d := t.Date()
	a := (14 - int(m)) / 12
	y2 := y + 4800 - a
	m2 := int(m) + 12*a - 3
	return d + (153*m2+2)/5 + 365*y2 + y2/4 - y2/100 + y2/400 - 32045
}
