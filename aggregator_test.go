package rdm

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type recordingObserver struct {
	progressed []ProgressSnapshot
	completed  *ProgressSnapshot
	errText    string
}

func (o *recordingObserver) OnProgress(s ProgressSnapshot) { o.progressed = append(o.progressed, s) }
func (o *recordingObserver) OnComplete(s ProgressSnapshot) { c := s; o.completed = &c }
func (o *recordingObserver) OnError(errText string)        { o.errText = errText }

func Test_Aggregator_HappyPath(t *testing.T) {
	Convey("Given two ranges reporting progress and a clean close", t, func() {
		obs := &recordingObserver{}
		agg := newAggregator([]ProgressObserver{obs})

		ch := make(chan progressMsg, 8)
		total0 := int64(100)
		total1 := int64(50)
		ch <- progressMsg{event: &ProgressEvent{RangeID: "a", BytesDelta: 40, TotalBytes: &total0}}
		ch <- progressMsg{event: &ProgressEvent{RangeID: "b", BytesDelta: 50, TotalBytes: &total1}}
		ch <- progressMsg{event: &ProgressEvent{RangeID: "a", BytesDelta: 60}}
		close(ch)

		agg.run(ch)

		So(len(obs.progressed), ShouldEqual, 3)
		So(obs.completed, ShouldNotBeNil)
		So(obs.completed.Done, ShouldBeTrue)
		So(obs.completed.TotalDownloaded, ShouldEqual, 150)
		So(obs.completed.TotalBytes, ShouldEqual, 150)
		So(obs.errText, ShouldBeBlank)
	})
}

func Test_Aggregator_Error(t *testing.T) {
	Convey("Given an error message on the channel", t, func() {
		obs := &recordingObserver{}
		agg := newAggregator([]ProgressObserver{obs})

		ch := make(chan progressMsg, 8)
		ch <- progressMsg{event: &ProgressEvent{RangeID: "a", BytesDelta: 10}}
		ch <- progressMsg{errText: "boom"}
		close(ch)

		agg.run(ch)

		So(obs.errText, ShouldEqual, "boom")
		So(obs.completed, ShouldBeNil)
	})
}
