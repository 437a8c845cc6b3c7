package index

import (
	"sort"
	"time"
)

// TemporalIndex projects engram timestamps into year, year-month,
// year-month-day, and hour-of-day buckets, and keeps a most-recent-first
// recency list for top-k queries.
type TemporalIndex struct {
	years  map[int]IDSet
	months map[int]IDSet
	days   map[int]IDSet
	hours  map[int]IDSet

	byEngram map[string]time.Time
	recency  []string
}

// NewTemporalIndex creates an empty temporal index.
func NewTemporalIndex() *TemporalIndex {
	return &TemporalIndex{
		years:    make(map[int]IDSet),
		months:   make(map[int]IDSet),
		days:     make(map[int]IDSet),
		hours:    make(map[int]IDSet),
		byEngram: make(map[string]time.Time),
	}
}

func monthKey(year int, month time.Month) int { return year*100 + int(month) }

func dayKey(year int, month time.Month, day int) int {
	return monthKey(year, month)*100 + day
}

// Add indexes an engram's timestamp. Re-adding replaces the previous entry.
func (ti *TemporalIndex) Add(id string, ts time.Time) {
	ti.Remove(id)

	addTo2(ti.years, ts.Year(), id)
	addTo2(ti.months, monthKey(ts.Year(), ts.Month()), id)
	addTo2(ti.days, dayKey(ts.Year(), ts.Month(), ts.Day()), id)
	addTo2(ti.hours, ts.Hour(), id)
	ti.byEngram[id] = ts

	pos := sort.Search(len(ti.recency), func(i int) bool {
		other := ti.byEngram[ti.recency[i]]
		if !other.Equal(ts) {
			return other.Before(ts)
		}
		return ti.recency[i] >= id
	})
	ti.recency = insertAt(ti.recency, pos, id)
}

// Remove clears an engram from every projection.
func (ti *TemporalIndex) Remove(id string) {
	ts, ok := ti.byEngram[id]
	if !ok {
		return
	}
	delete(ti.byEngram, id)

	removeFrom2(ti.years, ts.Year(), id)
	removeFrom2(ti.months, monthKey(ts.Year(), ts.Month()), id)
	removeFrom2(ti.days, dayKey(ts.Year(), ts.Month(), ts.Day()), id)
	removeFrom2(ti.hours, ts.Hour(), id)
	ti.recency = removeID(ti.recency, id)
}

// ByYear returns engrams created in a year.
func (ti *TemporalIndex) ByYear(year int) IDSet {
	return ti.years[year].Clone()
}

// ByMonth returns engrams created in a year and month.
func (ti *TemporalIndex) ByMonth(year int, month time.Month) IDSet {
	return ti.months[monthKey(year, month)].Clone()
}

// ByDay returns engrams created on a specific day.
func (ti *TemporalIndex) ByDay(year int, month time.Month, day int) IDSet {
	return ti.days[dayKey(year, month, day)].Clone()
}

// ByHour returns engrams created during an hour of the day (0-23).
func (ti *TemporalIndex) ByHour(hour int) IDSet {
	if hour < 0 || hour > 23 {
		return make(IDSet)
	}
	return ti.hours[hour].Clone()
}

// Before returns engrams created strictly before t.
func (ti *TemporalIndex) Before(t time.Time) IDSet {
	out := make(IDSet)
	for id, ts := range ti.byEngram {
		if ts.Before(t) {
			out.Add(id)
		}
	}
	return out
}

// After returns engrams created strictly after t.
func (ti *TemporalIndex) After(t time.Time) IDSet {
	out := make(IDSet)
	for id, ts := range ti.byEngram {
		if ts.After(t) {
			out.Add(id)
		}
	}
	return out
}

// Between returns engrams created in [start, end], inclusive on both ends.
func (ti *TemporalIndex) Between(start, end time.Time) IDSet {
	out := make(IDSet)
	for id, ts := range ti.byEngram {
		if !ts.Before(start) && !ts.After(end) {
			out.Add(id)
		}
	}
	return out
}

// MostRecent returns up to count engram ids, newest first.
func (ti *TemporalIndex) MostRecent(count int) []string {
	return topK(ti.recency, count)
}

// Timestamp returns the indexed timestamp for an engram.
func (ti *TemporalIndex) Timestamp(id string) (time.Time, bool) {
	ts, ok := ti.byEngram[id]
	return ts, ok
}
