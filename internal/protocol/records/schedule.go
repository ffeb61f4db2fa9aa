package records

import (
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/c3sync/internal/model"
)

const (
	scheduleIntervalsOffset = 2
	scheduleHolidayCount    = 86
	scheduleHolidaysOffset  = 87
	scheduleVersionOffset   = 119
)

type ScheduleRecord struct {
	Schedule model.Schedule
	Stamp    uint32
}

func ScheduleVersion(s model.Schedule) (uint32, error) {
	b, err := EncodeSchedule(s)
	if err != nil {
		return 0, err
	}
	return le32(b[scheduleVersionOffset:]), nil
}

// EncodeSchedule writes intervals in canonical day/start order so equal schedules stamp equally.
func EncodeSchedule(s model.Schedule) ([]byte, error) {
	if s.ID == 0 {
		return nil, outOfRange(TableSchedule, "id", 0)
	}
	if len(s.Holidays) > model.MaxHolidays {
		return nil, outOfRange(TableSchedule, "holidays", int64(len(s.Holidays)))
	}
	intervals := append([]model.Interval(nil), s.Intervals...)
	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].Day != intervals[j].Day {
			return intervals[i].Day < intervals[j].Day
		}
		return intervals[i].Start < intervals[j].Start
	})
	var perDay [7]int
	b := make([]byte, ScheduleSize)
	put16(b[0:2], s.ID)
	for _, iv := range intervals {
		if iv.Day < time.Sunday || iv.Day > time.Saturday {
			return nil, outOfRange(TableSchedule, "day", int64(iv.Day))
		}
		if iv.Start < 0 || iv.End > model.MinutesPerDay || iv.Start >= iv.End {
			return nil, outOfRange(TableSchedule, "interval", int64(iv.Start))
		}
		slot := perDay[iv.Day]
		if slot >= model.MaxIntervalsPerDay {
			return nil, outOfRange(TableSchedule, "intervals_per_day", int64(slot+1))
		}
		perDay[iv.Day]++
		off := scheduleIntervalsOffset + (int(iv.Day)*model.MaxIntervalsPerDay+slot)*4
		put16(b[off:off+2], uint16(iv.Start))
		put16(b[off+2:off+4], uint16(iv.End))
	}
	holidays := make([]uint32, 0, len(s.Holidays))
	for _, h := range s.Holidays {
		holidays = append(holidays, dateField(h))
	}
	sort.Slice(holidays, func(i, j int) bool { return holidays[i] < holidays[j] })
	b[scheduleHolidayCount] = byte(len(holidays))
	for i, h := range holidays {
		put32(b[scheduleHolidaysOffset+i*4:], h)
	}
	put32(b[scheduleVersionOffset:scheduleVersionOffset+4], stamp(b, scheduleVersionOffset))
	return b, nil
}

func DecodeSchedule(b []byte) (ScheduleRecord, error) {
	if len(b) != ScheduleSize {
		return ScheduleRecord{}, fmt.Errorf("%w: schedule=%d", ErrRecordSize, len(b))
	}
	id := le16(b[0:2])
	if id == 0 {
		return ScheduleRecord{}, outOfRange(TableSchedule, "id", 0)
	}
	s := model.Schedule{ID: id, Intervals: []model.Interval{}, Holidays: []time.Time{}}
	for day := 0; day < 7; day++ {
		for slot := 0; slot < model.MaxIntervalsPerDay; slot++ {
			off := scheduleIntervalsOffset + (day*model.MaxIntervalsPerDay+slot)*4
			start, end := int(le16(b[off:])), int(le16(b[off+2:]))
			if start == 0 && end == 0 {
				continue
			}
			if end > model.MinutesPerDay || start >= end {
				return ScheduleRecord{}, outOfRange(TableSchedule, "interval", int64(start))
			}
			s.Intervals = append(s.Intervals, model.Interval{Day: time.Weekday(day), Start: start, End: end})
		}
	}
	count := int(b[scheduleHolidayCount])
	if count > model.MaxHolidays {
		return ScheduleRecord{}, outOfRange(TableSchedule, "holiday_count", int64(count))
	}
	for i := 0; i < count; i++ {
		raw := le32(b[scheduleHolidaysOffset+i*4:])
		t, ok := parseDateField(raw)
		if !ok {
			return ScheduleRecord{}, outOfRange(TableSchedule, "holiday", int64(raw))
		}
		s.Holidays = append(s.Holidays, t)
	}
	return ScheduleRecord{Schedule: s, Stamp: le32(b[scheduleVersionOffset:])}, nil
}

func dateField(t time.Time) uint32 {
	y, m, d := t.Date()
	return uint32(y*10000 + int(m)*100 + d)
}

func parseDateField(v uint32) (time.Time, bool) {
	y, m, d := int(v/10000), int(v/100%100), int(v%100)
	if y < 2000 || y > 2099 || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}
