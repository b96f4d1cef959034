package rdm

import "github.com/cognusion/go-sequence"

// DefaultMinPieceSize is the floor below which planRanges will not split a
// piece any further.
const DefaultMinPieceSize int64 = 256 * 1024

// rangeSeq hands out short, sortable IDs for range descriptors, the same
// role seq plays for job IDs in the teacher's RoundTrip.
var rangeSeq = sequence.New(0)

// planRanges splits [0, size) into disjoint, contiguous ranges by
// repeatedly halving the currently-largest piece until either maxPieces
// is reached or the next split would produce a piece smaller than
// minPiece. Ties when choosing the largest piece are broken by picking
// the first one found, which is arbitrary but deterministic.
//
// The resulting count is min(maxPieces, 2^floor(log2(size/minPiece))).
func planRanges(size int64, maxPieces int, minPiece int64) []RangeDescriptor {
	if maxPieces < 1 {
		maxPieces = 1
	}
	if minPiece < 1 {
		minPiece = 1
	}

	ranges := []RangeDescriptor{
		{ID: rangeSeq.NextHashID(), Offset: 0, Length: size, State: NotStarted},
	}

	for len(ranges) < maxPieces {
		maxIdx := 0
		for i := 1; i < len(ranges); i++ {
			if ranges[i].Length > ranges[maxIdx].Length {
				maxIdx = i
			}
		}

		largest := ranges[maxIdx]
		if largest.Length < minPiece*2 {
			break
		}

		half := largest.Length / 2
		newOffset := largest.Offset + half
		newLength := largest.Length - half

		ranges[maxIdx].Length = half
		ranges = append(ranges, RangeDescriptor{
			ID:     rangeSeq.NextHashID(),
			Offset: newOffset,
			Length: newLength,
			State:  NotStarted,
		})
	}

	return ranges
}

// singleUnboundedRange returns the one-range plan used when the origin
// isn't resumable, or is resumable but the size is unknown.
func singleUnboundedRange() []RangeDescriptor {
	return []RangeDescriptor{
		{ID: rangeSeq.NextHashID(), Offset: 0, Length: unknownLength, State: NotStarted},
	}
}
