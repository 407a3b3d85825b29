// Package align fuses a transcript timeline with a speaker timeline.
package align

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// UnknownSpeaker is assigned to transcript segments no speaker turn overlaps.
const UnknownSpeaker = "unknown"

type (
	TranscriptSegment struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	}

	DiarizationSegment struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Speaker string  `json:"speaker"`
	}

	MergedSegment struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Text    string  `json:"text"`
		Speaker string  `json:"speaker"`
	}
)

var ErrInvalidSegment = errors.New("invalid segment")

// SegmentError points at the first malformed segment of a timeline.
type SegmentError struct {
	Source string // "transcript" or "diarization"
	Index  int
	Reason string
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("%s segment %d: %s", e.Source, e.Index, e.Reason)
}

func (e *SegmentError) Unwrap() error { return ErrInvalidSegment }

// ValidateTranscript rejects negative starts, non-positive durations and blank text.
func ValidateTranscript(segs []TranscriptSegment) error {
	for i, s := range segs {
		if reason := checkInterval(s.Start, s.End); reason != "" {
			return &SegmentError{Source: "transcript", Index: i, Reason: reason}
		}
		if strings.TrimSpace(s.Text) == "" {
			return &SegmentError{Source: "transcript", Index: i, Reason: "empty text"}
		}
	}
	return nil
}

// ValidateDiarization rejects negative starts, non-positive durations and blank labels.
func ValidateDiarization(segs []DiarizationSegment) error {
	for i, s := range segs {
		if reason := checkInterval(s.Start, s.End); reason != "" {
			return &SegmentError{Source: "diarization", Index: i, Reason: reason}
		}
		if strings.TrimSpace(s.Speaker) == "" {
			return &SegmentError{Source: "diarization", Index: i, Reason: "empty speaker label"}
		}
	}
	return nil
}

func checkInterval(start, end float64) string {
	switch {
	case start < 0:
		return fmt.Sprintf("negative start %v", start)
	case end <= start:
		return fmt.Sprintf("non-positive duration [%v, %v)", start, end)
	}
	return ""
}

type interval struct {
	start, end decimal.Decimal
	idx        int
}

// Merge labels every transcript segment with the speaker whose turn overlaps
// it the most. Equal overlaps go to the turn that starts earlier; segments no
// turn overlaps get UnknownSpeaker. The output has one entry per transcript
// segment, in transcript order.
//
// Both timelines are swept once in start order, so the cost is O((N+M) log(N+M))
// plus the number of live candidate turns per segment.
func Merge(transcript []TranscriptSegment, diarization []DiarizationSegment) ([]MergedSegment, error) {
	if err := ValidateTranscript(transcript); err != nil {
		return nil, err
	}
	if err := ValidateDiarization(diarization); err != nil {
		return nil, err
	}

	merged := make([]MergedSegment, len(transcript))
	for i, t := range transcript {
		merged[i] = MergedSegment{Start: t.Start, End: t.End, Text: t.Text, Speaker: UnknownSpeaker}
	}
	if len(diarization) == 0 {
		return merged, nil
	}

	ts := sortedIntervals(len(transcript), func(i int) (float64, float64) {
		return transcript[i].Start, transcript[i].End
	})
	ds := sortedIntervals(len(diarization), func(i int) (float64, float64) {
		return diarization[i].Start, diarization[i].End
	})

	var (
		active []interval
		next   int
	)
	for _, t := range ts {
		for next < len(ds) && ds[next].start.LessThan(t.end) {
			active = append(active, ds[next])
			next++
		}

		// Turns ending at or before this segment cannot reach later ones either.
		live := active[:0]
		for _, d := range active {
			if d.end.GreaterThan(t.start) {
				live = append(live, d)
			}
		}
		active = live

		best := -1
		var bestOverlap decimal.Decimal
		for _, d := range active {
			overlap := decimal.Min(d.end, t.end).Sub(decimal.Max(d.start, t.start))
			if !overlap.IsPositive() {
				continue
			}
			// active is in start order, so strict comparison keeps the earlier turn on ties.
			if best < 0 || overlap.GreaterThan(bestOverlap) {
				best, bestOverlap = d.idx, overlap
			}
		}
		if best >= 0 {
			merged[t.idx].Speaker = diarization[best].Speaker
		}
	}

	return merged, nil
}

func sortedIntervals(n int, at func(i int) (float64, float64)) []interval {
	out := make([]interval, n)
	for i := range out {
		s, e := at(i)
		out[i] = interval{start: decimal.NewFromFloat(s), end: decimal.NewFromFloat(e), idx: i}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].start.LessThan(out[b].start)
	})
	return out
}
