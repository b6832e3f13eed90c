package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

var t0 = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func seg(startMin, endMin int) domain.Segment {
	return domain.Segment{Start: t0.Add(time.Duration(startMin) * time.Minute), End: t0.Add(time.Duration(endMin) * time.Minute)}
}

func TestMergeSegments(t *testing.T) {
	assert.Nil(t, mergeSegments(nil))
	assert.Nil(t, mergeSegments([]domain.Segment{seg(5, 5), seg(7, 3)}), "empty and inverted segments drop")

	got := mergeSegments([]domain.Segment{seg(10, 20), seg(0, 5), seg(4, 12), seg(30, 40)})
	assert.Equal(t, []domain.Segment{seg(0, 20), seg(30, 40)}, got)

	// Touching segments coalesce.
	got = mergeSegments([]domain.Segment{seg(0, 10), seg(10, 20)})
	assert.Equal(t, []domain.Segment{seg(0, 20)}, got)
}

func TestMissingSegments(t *testing.T) {
	assert.Nil(t, missingSegments(t0, t0, nil), "empty range")

	got := missingSegments(seg(0, 60).Start, seg(0, 60).End, nil)
	assert.Equal(t, []domain.Segment{seg(0, 60)}, got)

	got = missingSegments(seg(0, 60).Start, seg(0, 60).End, []domain.Segment{seg(10, 20), seg(40, 50)})
	assert.Equal(t, []domain.Segment{seg(0, 10), seg(20, 40), seg(50, 60)}, got)

	got = missingSegments(seg(0, 60).Start, seg(0, 60).End, []domain.Segment{seg(-10, 70)})
	assert.Nil(t, got, "fully covered")

	got = missingSegments(seg(0, 60).Start, seg(0, 60).End, []domain.Segment{seg(-10, 30)})
	assert.Equal(t, []domain.Segment{seg(30, 60)}, got)
}

func TestSplitByPageSize(t *testing.T) {
	got := splitByPageSize([]domain.Segment{seg(0, 50)}, time.Minute, 20)
	assert.Equal(t, []domain.Segment{seg(0, 20), seg(20, 40), seg(40, 50)}, got)

	got = splitByPageSize([]domain.Segment{seg(0, 50)}, time.Minute, 0)
	assert.Equal(t, []domain.Segment{seg(0, 50)}, got)
}

func TestCoveredDuration(t *testing.T) {
	covered := []domain.Segment{seg(-10, 10), seg(20, 30)}
	got := coveredDuration(seg(0, 60).Start, seg(0, 60).End, covered)
	assert.Equal(t, 20*time.Minute, got)
}
