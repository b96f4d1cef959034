package rdm

import "time"

// emaAlpha is the speed-smoothing factor: responsive but stable, per
// spec.md §4.F.
const emaAlpha = 0.3

// rangeProgress is the per-range aggregation state the original's
// notifier.rs calls SegmentProgress.
type rangeProgress struct {
	rangeID         string
	bytesDownloaded int64
	totalBytes      int64
	speed           float64
	lastUpdate      time.Time
}

// aggregator consumes progressMsg values, maintains per-range EMA speed
// state, and fans out ProgressSnapshots to every registered observer in
// registration order. It owns no locks: it runs on a single goroutine fed
// by one channel, so its fields are never touched concurrently.
type aggregator struct {
	observers []ProgressObserver

	ranges map[string]*rangeProgress
	order  []string

	startTime time.Time
}

func newAggregator(observers []ProgressObserver) *aggregator {
	return &aggregator{
		observers: observers,
		ranges:    make(map[string]*rangeProgress),
		startTime: time.Now(),
	}
}

// run drains progressCh until it closes or an error message arrives.
// | channel message | observer method        |
// |------------------|------------------------|
// | event            | OnProgress(snapshot)    |
// | errText          | OnError(err), then stop |
// | closed cleanly   | OnComplete(snapshot)    |
func (a *aggregator) run(progressCh <-chan progressMsg) {
	for msg := range progressCh {
		if msg.errText != "" {
			for _, obs := range a.observers {
				obs.OnError(msg.errText)
			}
			return
		}
		snapshot := a.handleEvent(msg.event)
		for _, obs := range a.observers {
			obs.OnProgress(snapshot)
		}
	}
	a.finish()
}

func (a *aggregator) handleEvent(ev *ProgressEvent) ProgressSnapshot {
	now := time.Now()

	rp, ok := a.ranges[ev.RangeID]
	if !ok {
		rp = &rangeProgress{rangeID: ev.RangeID, lastUpdate: now}
		if ev.TotalBytes != nil {
			rp.totalBytes = *ev.TotalBytes
		}
		a.ranges[ev.RangeID] = rp
		a.order = append(a.order, ev.RangeID)
	}

	rp.bytesDownloaded += ev.BytesDelta
	if rp.totalBytes == 0 && ev.TotalBytes != nil {
		rp.totalBytes = *ev.TotalBytes
	}

	if elapsed := now.Sub(rp.lastUpdate).Seconds(); elapsed > 0 {
		instantSpeed := float64(ev.BytesDelta) / elapsed
		rp.speed = emaAlpha*instantSpeed + (1-emaAlpha)*rp.speed
		rp.lastUpdate = now
	}

	return a.buildSnapshot()
}

func (a *aggregator) buildSnapshot() ProgressSnapshot {
	var totalBytes, totalDownloaded int64
	var combinedSpeed float64

	ranges := make([]RangeSnapshot, 0, len(a.order))
	for _, id := range a.order {
		rp := a.ranges[id]
		totalBytes += rp.totalBytes
		totalDownloaded += rp.bytesDownloaded
		combinedSpeed += rp.speed

		ranges = append(ranges, RangeSnapshot{
			RangeID:         rp.rangeID,
			BytesDownloaded: rp.bytesDownloaded,
			TotalBytes:      rp.totalBytes,
			Speed:           rp.speed,
			ETA:             etaFor(rp.totalBytes-rp.bytesDownloaded, rp.speed),
		})
	}

	remaining := totalBytes - totalDownloaded
	return ProgressSnapshot{
		Ranges:          ranges,
		TotalDownloaded: totalDownloaded,
		TotalBytes:      totalBytes,
		Speed:           combinedSpeed,
		ETA:             etaFor(remaining, combinedSpeed),
	}
}

func (a *aggregator) finish() {
	elapsed := time.Since(a.startTime).Seconds()

	var totalDownloaded int64
	for _, rp := range a.ranges {
		totalDownloaded += rp.bytesDownloaded
	}
	avgSpeed := 0.0
	if elapsed > 0 {
		avgSpeed = float64(totalDownloaded) / elapsed
	}

	final := a.buildSnapshot()
	final.Done = true
	final.Speed = avgSpeed
	final.ETA = 0

	for _, obs := range a.observers {
		obs.OnComplete(final)
	}
}

func etaFor(remaining int64, speed float64) time.Duration {
	if speed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}
