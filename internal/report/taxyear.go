package report

import "time"

// Boundaries holds the pre-computed April-6 tax-year boundary dates
// (April 6 of each year from StartYear to endYear+1) plus a cursor into
// them. Boundary[i] is April 6 of (StartYear+i); the tax
// year currently open is labelled StartYear+cursor and runs from
// Boundary[cursor] (inclusive) to Boundary[cursor+1] (exclusive).
type Boundaries struct {
	StartYear int
	dates     []time.Time
	cursor    int
}

// NewBoundaries builds the boundary list for the inclusive range
// [startYear, endYear] of tax-year labels.
func NewBoundaries(startYear, endYear int) *Boundaries {
	b := &Boundaries{StartYear: startYear}
	for y := startYear; y <= endYear+1; y++ {
		b.dates = append(b.dates, time.Date(y, time.April, 6, 0, 0, 0, 0, time.UTC))
	}
	return b
}

// DefaultEndYear returns the current calendar year if today is on/after
// April 6, else the previous calendar year.
func DefaultEndYear(today time.Time) int {
	boundary := time.Date(today.Year(), time.April, 6, 0, 0, 0, 0, time.UTC)
	if !today.Before(boundary) {
		return today.Year()
	}
	return today.Year() - 1
}

// DefaultStartYear returns the calendar year of the earliest event,
// minus 1.
func DefaultStartYear(earliestEventDate time.Time) int {
	return earliestEventDate.Year() - 1
}

// CurrentYear returns the tax-year label currently open.
func (b *Boundaries) CurrentYear() int {
	return b.StartYear + b.cursor
}

// CurrentStart returns the start boundary (April 6) of the currently open year.
func (b *Boundaries) CurrentStart() time.Time {
	return b.dates[b.cursor]
}

// NextBoundary returns the April 6 date that closes the currently open
// year, or the zero Time if already at the last tracked boundary.
func (b *Boundaries) NextBoundary() (time.Time, bool) {
	if b.cursor+1 >= len(b.dates) {
		return time.Time{}, false
	}
	return b.dates[b.cursor+1], true
}

// Advance moves the cursor to the next tax year. Returns false if there is
// no further boundary to advance into.
func (b *Boundaries) Advance() bool {
	if b.cursor+1 >= len(b.dates) {
		return false
	}
	b.cursor++
	return true
}

// Done reports whether the cursor has reached the final boundary (no
// further years can be opened).
func (b *Boundaries) Done() bool {
	return b.cursor+1 >= len(b.dates)
}
