package model

import (
	"sort"
	"time"
)

const (
	MaxIntervalsPerDay = 3
	MaxHolidays        = 8
	MinutesPerDay      = 24 * 60
)

// AccessGroup grants a set of doors on one panel during a schedule.
type AccessGroup struct {
	ID       uint16 `json:"id"`
	Name     string `json:"name"`
	Panel    string `json:"panel"`
	Doors    []int  `json:"doors"`
	Schedule uint16 `json:"schedule"`
}

func (g AccessGroup) Clone() AccessGroup {
	out := g
	out.Doors = append([]int(nil), g.Doors...)
	sort.Ints(out.Doors)
	return out
}

// GrantsDoor reports whether index is in the group's door set.
func (g AccessGroup) GrantsDoor(index int) bool {
	for _, d := range g.Doors {
		if d == index {
			return true
		}
	}
	return false
}

// Interval is one open window on a weekday, in minutes from midnight.
type Interval struct {
	Day   time.Weekday `json:"day"`
	Start int          `json:"start"`
	End   int          `json:"end"`
}

// Schedule is a weekly time zone with holiday exceptions.
type Schedule struct {
	ID        uint16      `json:"id"`
	Name      string      `json:"name"`
	Intervals []Interval  `json:"intervals"`
	Holidays  []time.Time `json:"holidays"`
}

func (s Schedule) Clone() Schedule {
	out := s
	out.Intervals = append([]Interval(nil), s.Intervals...)
	out.Holidays = append([]time.Time(nil), s.Holidays...)
	return out
}

// AlwaysSchedule is the implicit 24x7 time zone used when a group names schedule 0.
const AlwaysSchedule uint16 = 0
