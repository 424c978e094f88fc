package schedd

import (
	"time"

	"github.com/castpipe/schedd/models"
)

// Tolerance windows for polled dispatch. A due instant missed by more than
// its window is skipped and the schedule rolls to the next period.
const (
	hourlyTolerance = 10 * time.Minute
	dailyTolerance  = 60 * time.Minute
	weeklyCutoffMin = 60
)

// nextDue computes the instant the job's schedule says it should run,
// relative to now. The returned instant may lie in the recent past, within
// the frequency's tolerance window; the tick loop treats that as due.
// It returns false for a weekly job missing its weekday.
func nextDue(job *models.Job, now time.Time) (time.Time, bool) {
	switch job.Frequency {
	case models.FrequencyHourly:
		due := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(),
			job.ByMinute, 0, 0, now.Location())
		if now.Sub(due) > hourlyTolerance {
			due = due.Add(time.Hour)
		}
		return due, true

	case models.FrequencyDaily:
		due := time.Date(now.Year(), now.Month(), now.Day(), job.ByHour,
			job.ByMinute, 0, 0, now.Location())
		if now.Sub(due) > dailyTolerance {
			due = due.AddDate(0, 0, 1)
		}
		return due, true

	case models.FrequencyWeekly:
		if !job.Weekday.Valid {
			return time.Time{}, false
		}
		daysAhead := int(job.Weekday.Int64) - mondayWeekday(now)
		cutoff := job.ByHour*60 + job.ByMinute + weeklyCutoffMin
		if daysAhead < 0 || (daysAhead == 0 && now.Hour()*60+now.Minute() >= cutoff) {
			daysAhead += 7
		}
		day := now.AddDate(0, 0, daysAhead)
		due := time.Date(day.Year(), day.Month(), day.Day(), job.ByHour,
			job.ByMinute, 0, 0, now.Location())
		return due, true
	}

	return time.Time{}, false
}

// mondayWeekday converts Go's Sunday=0 weekday to the Monday=0 convention
// jobs are stored with
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
