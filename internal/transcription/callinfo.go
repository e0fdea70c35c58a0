package transcription

import (
	"fmt"
	"time"
)

// callStatus classifies a CRM call activity into the three
// operator-facing buckets.
type callStatus string

const (
	callMissed   callStatus = "Пропущенный"
	callCanceled callStatus = "Отменённый"
	callSucceded callStatus = "Успешный"
)

// callInfo is the parsed subset of a crm.activity.list row describing
// one phone call.
type callInfo struct {
	ID        string
	Subject   string
	Direction string
	Start     time.Time
	End       *time.Time
	Status    callStatus
	FileID    string
}

var ruMonths = map[time.Month]string{
	time.January:   "января",
	time.February:  "февраля",
	time.March:     "марта",
	time.April:     "апреля",
	time.May:       "мая",
	time.June:      "июня",
	time.July:      "июля",
	time.August:    "августа",
	time.September: "сентября",
	time.October:   "октября",
	time.November:  "ноября",
	time.December:  "декабря",
}

// formatDateTimeHuman renders t as "6 августа 2025, 11:43 (UTC+03:00)",
// matching _format_dt_human.
func formatDateTimeHuman(t time.Time) string {
	_, offsetSeconds := t.Zone()
	sign := "+"
	if offsetSeconds < 0 {
		sign = "-"
		offsetSeconds = -offsetSeconds
	}
	offsetHours := offsetSeconds / 3600
	offsetMinutes := (offsetSeconds % 3600) / 60

	return fmt.Sprintf("%d %s %d, %02d:%02d (UTC%s%02d:%02d)",
		t.Day(), ruMonths[t.Month()], t.Year(), t.Hour(), t.Minute(),
		sign, offsetHours, offsetMinutes,
	)
}

// callStatusOf classifies a call per get_call_status: a MISSED_CALL setting
// wins outright; otherwise a call with no end time, or an end time equal to
// its start, or a non-"completed" status is treated as canceled; anything
// else is a successful call.
func callStatusOf(missedCallSetting bool, end *time.Time, start time.Time, rawStatus string, completed bool) callStatus {
	if missedCallSetting {
		return callMissed
	}
	if end == nil || end.Equal(start) || !completed {
		return callCanceled
	}
	return callSucceded
}

// durationHuman renders the call length as "Xм Yс", given start/end.
func durationHuman(start time.Time, end *time.Time) string {
	if end == nil {
		return ""
	}
	d := end.Sub(start)
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dм %dс", minutes, seconds)
}

// buildCallSummary assembles the Russian timeline-comment text for one
// transcribed call, matching build_call_summary. Only lines whose value is
// present are included.
func buildCallSummary(c callInfo, transcript string) string {
	s := ""
	if c.Subject != "" {
		s += c.Subject + "\n"
	}
	if c.Direction != "" {
		s += fmt.Sprintf("тип: %s\n", c.Direction)
	}
	s += fmt.Sprintf("дата: %s\n", formatDateTimeHuman(c.Start))
	if dur := durationHuman(c.Start, c.End); dur != "" {
		s += fmt.Sprintf("длительность: %s\n", dur)
	}
	if transcript != "" {
		s += fmt.Sprintf("транскрибация:\n%s", transcript)
	}
	return s
}
