// Package marketdata implements the historical-bar window cache: coverage
// tracking as half-open segments, gap computation, paged fetches from the
// gateway, and rolling-window reads for the condition evaluator.
package marketdata

import (
	"sort"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// mergeSegments normalizes a segment list: sorted, overlapping or touching
// segments coalesced, empty segments dropped.
func mergeSegments(segs []domain.Segment) []domain.Segment {
	filtered := make([]domain.Segment, 0, len(segs))
	for _, s := range segs {
		if s.End.After(s.Start) {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Start.Before(filtered[j].Start) })

	out := []domain.Segment{filtered[0]}
	for _, s := range filtered[1:] {
		last := &out[len(out)-1]
		if !s.Start.After(last.End) {
			if s.End.After(last.End) {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// missingSegments returns the parts of [start, end) not covered.
func missingSegments(start, end time.Time, covered []domain.Segment) []domain.Segment {
	if !end.After(start) {
		return nil
	}
	var gaps []domain.Segment
	cursor := start
	for _, c := range mergeSegments(covered) {
		if !c.End.After(cursor) {
			continue
		}
		if !c.Start.Before(end) {
			break
		}
		if c.Start.After(cursor) {
			gaps = append(gaps, domain.Segment{Start: cursor, End: c.Start})
		}
		if c.End.After(cursor) {
			cursor = c.End
		}
		if !cursor.Before(end) {
			return gaps
		}
	}
	if cursor.Before(end) {
		gaps = append(gaps, domain.Segment{Start: cursor, End: end})
	}
	return gaps
}

// splitByPageSize splits each segment into slices of at most pageSize bars of
// barDur each.
func splitByPageSize(segs []domain.Segment, barDur time.Duration, pageSize int) []domain.Segment {
	if pageSize <= 0 {
		return segs
	}
	pageDur := barDur * time.Duration(pageSize)
	var out []domain.Segment
	for _, s := range segs {
		cursor := s.Start
		for cursor.Before(s.End) {
			pageEnd := cursor.Add(pageDur)
			if pageEnd.After(s.End) {
				pageEnd = s.End
			}
			out = append(out, domain.Segment{Start: cursor, End: pageEnd})
			cursor = pageEnd
		}
	}
	return out
}

// coveredDuration sums segment spans intersected with [start, end).
func coveredDuration(start, end time.Time, covered []domain.Segment) time.Duration {
	var total time.Duration
	for _, c := range mergeSegments(covered) {
		s := c.Start
		if s.Before(start) {
			s = start
		}
		e := c.End
		if e.After(end) {
			e = end
		}
		if e.After(s) {
			total += e.Sub(s)
		}
	}
	return total
}
