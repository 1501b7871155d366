package services

import (
	"strings"
	"time"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/params"
)

const (
	TimerLayout = "2006-01-02 15:04:05"
	DailyLayout = "15:04"
)

// NormalizeRunTime checks that runTime fits runType and returns its canonical
// form. Timer times without a zone are read in loc.
func NormalizeRunTime(runType models.RunType, runTime string, loc *time.Location) (string, error) {
	runTime = strings.TrimSpace(runTime)
	switch runType {
	case models.RunTypeOnce:
		if runTime != "" {
			return "", &params.FieldError{Field: "run_time", Reason: "must be empty for once tasks"}
		}
		return "", nil
	case models.RunTypeTimer:
		at, err := parseTimer(runTime, loc)
		if err != nil {
			return "", &params.FieldError{Field: "run_time", Reason: "expected YYYY-MM-DD HH:MM:SS or RFC3339"}
		}
		return at.In(loc).Format(TimerLayout), nil
	case models.RunTypeDaily:
		offset, err := parseDaily(runTime)
		if err != nil {
			return "", &params.FieldError{Field: "run_time", Reason: "expected HH:MM"}
		}
		return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(offset).Format(DailyLayout), nil
	default:
		return "", &params.FieldError{Field: "run_type", Reason: "must be one of once, timer, daily"}
	}
}

func parseTimer(s string, loc *time.Location) (time.Time, error) {
	if at, err := time.ParseInLocation(TimerLayout, s, loc); err == nil {
		return at, nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseDaily returns the offset of the time of day from midnight.
func parseDaily(s string) (time.Duration, error) {
	at, err := time.Parse(DailyLayout, s)
	if err != nil {
		if at, err = time.Parse("15:04:05", s); err != nil {
			return 0, err
		}
	}
	return time.Duration(at.Hour())*time.Hour +
		time.Duration(at.Minute())*time.Minute +
		time.Duration(at.Second())*time.Second, nil
}

// RunDate is the calendar day of now in loc, the key of daily de-duplication.
func RunDate(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(models.RunDateLayout)
}

func timerDue(runTime string, now time.Time, loc *time.Location) (bool, error) {
	at, err := parseTimer(runTime, loc)
	if err != nil {
		return false, err
	}
	return !now.Before(at), nil
}

func dailyDue(runTime string, now time.Time, loc *time.Location) (bool, error) {
	offset, err := parseDaily(runTime)
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	wall := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	return wall >= offset, nil
}
