package watch

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MergeMargin is the gap, in seconds, below which two segments are joined.
// Player timeupdate granularity makes exact boundary matches unreliable.
const MergeMargin = 1.0

// Segment is a contiguous interval of media actually played, in seconds of
// the source timeline.
type Segment struct {
	Start float64
	End   float64
}

// Length returns End-Start.
func (s Segment) Length() float64 {
	return s.End - s.Start
}

// MarshalJSON encodes a segment as [start, end].
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{round2(s.Start), round2(s.End)})
}

// UnmarshalJSON decodes [start, end].
func (s *Segment) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("segment must be [start, end]: %w", err)
	}
	s.Start, s.End = pair[0], pair[1]
	return nil
}

func (s Segment) near(other Segment) bool {
	return s.Start <= other.End+MergeMargin && s.End >= other.Start-MergeMargin
}

// MergeSegment folds s into segments. The first segment within the merge
// margin is widened to the union; the list is then re-normalized so chain
// merges are absorbed. Empty or inverted segments are ignored.
func MergeSegment(segments []Segment, s Segment) []Segment {
	if s.End <= s.Start {
		return segments
	}
	for i := range segments {
		if segments[i].near(s) {
			if s.Start < segments[i].Start {
				segments[i].Start = s.Start
			}
			if s.End > segments[i].End {
				segments[i].End = s.End
			}
			return NormalizeSegments(segments)
		}
	}
	return NormalizeSegments(append(segments, s))
}

// NormalizeSegments sorts by start and coalesces every pair closer than the
// merge margin. The result is independent of insertion order.
func NormalizeSegments(segments []Segment) []Segment {
	if len(segments) < 2 {
		return segments
	}
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].Start == segments[j].Start {
			return segments[i].End < segments[j].End
		}
		return segments[i].Start < segments[j].Start
	})

	out := segments[:1]
	for _, next := range segments[1:] {
		last := &out[len(out)-1]
		if next.Start <= last.End+MergeMargin {
			if next.End > last.End {
				last.End = next.End
			}
			continue
		}
		out = append(out, next)
	}
	return out
}

// TotalWatched sums segment lengths.
func TotalWatched(segments []Segment) float64 {
	var total float64
	for _, s := range segments {
		total += s.Length()
	}
	return total
}
