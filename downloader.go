package rdm

import "context"

// progressBufferSize is the internal progress channel's capacity. Sized
// generously so a burst of range-fetch goroutines reporting progress
// doesn't immediately fall back to sendProgress's drop-on-full path.
const progressBufferSize = 256

// HTTPDownloader runs a DownloadStrategy's full preprocess -> download ->
// postprocess lifecycle and fans its progress out to observers, per
// spec.md §4.G. Callers only need AddObserver and Download.
type HTTPDownloader struct {
	strategy  DownloadStrategy
	observers []ProgressObserver
}

// NewHTTPDownloader wraps strategy in a facade that manages the progress
// channel and aggregator lifecycle on the caller's behalf.
func NewHTTPDownloader(strategy DownloadStrategy) *HTTPDownloader {
	return &HTTPDownloader{strategy: strategy}
}

// AddObserver registers an observer. Must be called before Download.
func (d *HTTPDownloader) AddObserver(obs ProgressObserver) {
	d.observers = append(d.observers, obs)
}

// Download creates the internal progress channel, injects its sender into
// the strategy, runs the aggregator on its own goroutine, then drives the
// three-phase lifecycle. The sender is cleared once the lifecycle ends so
// the aggregator's channel closes and it can deliver OnComplete/OnError
// and exit before Download returns.
func (d *HTTPDownloader) Download(ctx context.Context) error {
	progressCh := make(chan progressMsg, progressBufferSize)

	d.strategy.setProgressSender(progressCh)

	agg := newAggregator(d.observers)
	done := make(chan struct{})
	go func() {
		agg.run(progressCh)
		close(done)
	}()

	result := func() error {
		if err := d.strategy.Preprocess(ctx); err != nil {
			return err
		}
		if err := d.strategy.Download(ctx); err != nil {
			return err
		}
		return d.strategy.Postprocess(ctx)
	}()

	d.strategy.clearProgressSender()
	close(progressCh)
	<-done

	return result
}

// Pause forwards to the underlying strategy.
func (d *HTTPDownloader) Pause() error { return d.strategy.Pause() }

// Stop forwards to the underlying strategy.
func (d *HTTPDownloader) Stop() error { return d.strategy.Stop() }
