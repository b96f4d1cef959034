package rdm

import (
	"sort"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func Test_PlanRanges(t *testing.T) {
	Convey("When planning ranges for a 1MiB file with 8 pieces max", t, func() {
		ranges := planRanges(1048576, 8, DefaultMinPieceSize)

		So(len(ranges), ShouldEqual, 8)

		Convey("The ranges tile the file exactly, with no gaps or overlaps", func() {
			ordered := append([]RangeDescriptor(nil), ranges...)
			sort.Slice(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })

			var total int64
			for i, r := range ordered {
				So(r.Offset, ShouldEqual, total)
				total += r.Length
				if i > 0 {
					So(r.ID, ShouldNotEqual, ordered[i-1].ID)
				}
			}
			So(total, ShouldEqual, 1048576)
		})
	})

	Convey("When the file is smaller than 2x the minimum piece size", t, func() {
		ranges := planRanges(300000, 8, DefaultMinPieceSize)

		Convey("Planning stops splitting before going below the minimum", func() {
			for _, r := range ranges {
				So(r.Length, ShouldBeGreaterThanOrEqualTo, DefaultMinPieceSize)
			}
		})
	})

	Convey("When maxPieces is 1", t, func() {
		ranges := planRanges(1048576, 1, DefaultMinPieceSize)
		So(len(ranges), ShouldEqual, 1)
		So(ranges[0].Offset, ShouldEqual, 0)
		So(ranges[0].Length, ShouldEqual, 1048576)
	})
}

func Test_SingleUnboundedRange(t *testing.T) {
	Convey("When a server cannot be range-probed", t, func() {
		ranges := singleUnboundedRange()

		So(len(ranges), ShouldEqual, 1)
		So(ranges[0].Offset, ShouldEqual, 0)
		So(ranges[0].Length, ShouldEqual, unknownLength)
	})
}
