package rdm

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cognusion/go-sequence"
	"github.com/cognusion/go-timings"
	"go.uber.org/atomic"
)

var jobSeq = sequence.New(0)

// DownloadStrategy is the capability interface the facade drives through
// its three-phase lifecycle. A consumer supplying their own strategy only
// needs to satisfy this; MultipartStrategy is the one this package ships.
type DownloadStrategy interface {
	Preprocess(ctx context.Context) error
	Download(ctx context.Context) error
	Postprocess(ctx context.Context) error
	Pause() error
	Stop() error

	setProgressSender(ch chan<- progressMsg)
	clearProgressSender()
}

// jobState is the single-instance-per-job state the spec describes:
// created by the constructor, mutated only inside Preprocess, read
// concurrently (never mutated) during Download/Postprocess.
type jobState struct {
	id         string
	url        string
	outputPath string
	scratchDir string
	size       int64 // unknownLength if undiscoverable
	resumable  bool

	attachmentName string
	contentType    string
	lastModified   string
}

// MultipartStrategy probes, plans ranges, fetches them concurrently, and
// assembles the result, per spec.md §4.E. Job state lives behind a plain
// sync.RWMutex (never held across an await/blocking call); the range map
// lives behind its own sync.RWMutex for the same reason.
type MultipartStrategy struct {
	cfg *Config

	stateMu sync.RWMutex
	state   jobState

	rangesMu sync.RWMutex
	ranges   map[string]RangeDescriptor
	order    []string

	headers *HeaderBundle

	client      *http.Client
	retryClient *RetryClient
	admission   *fetchAdmission

	cancel context.CancelFunc
	ctx    context.Context

	// stopAsk is set by Pause/Stop and read by the range-spawn loop in
	// Download before it hands out each new range, so a Stop mid-flight
	// spawns no more ranges; already-running ranges are cancelled through
	// the shared cancel handle that Pause/Stop also trip.
	stopAsk atomic.Bool

	progressMu sync.RWMutex
	progressCh chan<- progressMsg

	// firstErr holds the first range failure seen across all in-flight
	// goroutines; the spawn loop checks it the same way it checks stopAsk,
	// so one failing range stops new ranges from starting without waiting
	// for the whole wg.Wait() join.
	firstErr atomic.Error

	TimingsOut *log.Logger
	DebugOut   *log.Logger
}

// NewMultipartStrategy builds a strategy from a URL/output path and
// options, matching spec.md §6's configuration surface.
func NewMultipartStrategy(url, outputPath string, opts ...Option) (*MultipartStrategy, error) {
	cfg, err := newConfig(url, outputPath, opts...)
	if err != nil {
		return nil, err
	}

	admission := cfg.Admission
	if admission == nil {
		admission = processAdmission
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := newHTTPClient(cfg.MaxConcurrency, cfg.Proxy)

	return &MultipartStrategy{
		cfg:         cfg,
		ranges:      make(map[string]RangeDescriptor),
		client:      client,
		retryClient: newRetryClient(client, probeRetries, probeRetryInitialDelay),
		admission:   admission,
		ctx:         ctx,
		cancel:      cancel,
		TimingsOut:  log.New(io.Discard, "", 0),
		DebugOut:    log.New(io.Discard, "", 0),
	}, nil
}

// Preprocess probes the origin, commits the results to job state, creates
// the scratch directory, and computes the range plan.
func (s *MultipartStrategy) Preprocess(ctx context.Context) error {
	defer timings.Track("preprocess", time.Now(), s.TimingsOut)

	bundle := s.buildHeaderBundle()

	// Stop/Pause must also cut a stalled probe short, not only range fetches.
	probeCtx, stopProbe := mergeCancel(ctx, s.ctx)
	defer stopProbe()

	result, err := probe(probeCtx, s.retryClient, bundle)
	if err != nil {
		return err
	}

	id := jobSeq.NextHashID()
	scratchDir := filepath.Join(os.TempDir(), "rdm-"+id)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("%w: %s", ErrDisk, err)
	}

	s.stateMu.Lock()
	s.state = jobState{
		id:             id,
		url:            result.FinalURI,
		outputPath:     s.cfg.OutputPath,
		scratchDir:     scratchDir,
		size:           result.Size,
		resumable:      result.Resumable,
		attachmentName: firstNonEmpty(s.cfg.AttachmentNameOverride, result.AttachmentName),
		contentType:    firstNonEmpty(s.cfg.ContentTypeOverride, result.ContentType),
		lastModified:   firstNonEmpty(s.cfg.LastModifiedOverride, result.LastModified),
	}
	s.stateMu.Unlock()

	s.headers = bundle

	var ranges []RangeDescriptor
	switch {
	case result.Resumable && result.Size != unknownLength:
		ranges = planRanges(result.Size, s.cfg.MaxConcurrency, s.cfg.minPieceSize)
	default:
		ranges = singleUnboundedRange()
	}

	s.rangesMu.Lock()
	s.ranges = make(map[string]RangeDescriptor, len(ranges))
	s.order = make([]string, 0, len(ranges))
	for _, r := range ranges {
		s.ranges[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	s.rangesMu.Unlock()

	s.DebugOut.Printf("[%s] preprocess complete: size=%d resumable=%v ranges=%d\n", id, result.Size, result.Resumable, len(ranges))
	return nil
}

// Download launches one goroutine per NotStarted range and waits for all
// of them to finish. The first non-cancelled error is the job result;
// peer ranges are not auto-cancelled (spec.md §9's resolved Open
// Question) — callers use Stop/Pause for that.
func (s *MultipartStrategy) Download(ctx context.Context) error {
	defer timings.Track("download", time.Now(), s.TimingsOut)

	runCtx, stop := mergeCancel(ctx, s.ctx)
	defer stop()

	s.progressMu.RLock()
	progressCh := s.progressCh
	s.progressMu.RUnlock()

	headers := s.headers

	s.rangesMu.RLock()
	var pending []RangeDescriptor
	for _, id := range s.order {
		if r := s.ranges[id]; r.State == NotStarted {
			pending = append(pending, r)
		}
	}
	s.rangesMu.RUnlock()

	if len(pending) == 0 {
		return nil
	}

	s.firstErr.Store(nil)

	type outcome struct {
		rng RangeDescriptor
		err error
	}
	results := make(chan outcome, len(pending))

	var wg sync.WaitGroup
spawn:
	for _, rng := range pending {
		// Mirror the teacher's info.Error.Load() check before spawning
		// each worker: once a prior range has failed or Stop/Pause has
		// been asked for, stop handing out new work.
		if s.stopAsk.Load() {
			break spawn
		}
		if ferr := s.firstErr.Load(); ferr != nil {
			break spawn
		}

		wg.Add(1)
		go func(rng RangeDescriptor) {
			defer wg.Done()
			defer timings.Track(fmt.Sprintf("[%s] range %s", s.jobID(), rng.ID), time.Now(), s.TimingsOut)

			release, ok := s.admission.acquire(runCtx)
			if !ok {
				results <- outcome{rng, ErrCancelled}
				return
			}
			defer release()

			var totalBytes *int64
			if rng.Length != unknownLength {
				length := rng.Length
				totalBytes = &length
			}
			onProgress := func(delta int64) {
				if progressCh == nil {
					return
				}
				sendProgress(progressCh, progressMsg{event: &ProgressEvent{RangeID: rng.ID, BytesDelta: delta, TotalBytes: totalBytes}})
			}

			s.DebugOut.Printf("[%s] range %s starting: offset=%d length=%d\n", s.jobID(), rng.ID, rng.Offset, rng.Length)
			updated, err := fetchRange(runCtx, rng, s.client, headers, s.scratchDir(), onProgress)
			if err != nil {
				s.DebugOut.Printf("[%s] range %s failed after %d bytes: %s\n", s.jobID(), rng.ID, updated.Downloaded, err)
				// Stuff the first real (non-cancelled) error so the spawn
				// loop above can bail without waiting for the join; later
				// overwrites from other ranges are fine, we only keep one.
				if err != ErrCancelled && s.firstErr.Load() == nil {
					s.firstErr.Store(newRangeError(updated.ID, err))
				}
			} else {
				s.DebugOut.Printf("[%s] range %s finished: %d bytes\n", s.jobID(), rng.ID, updated.Downloaded)
			}
			results <- outcome{updated, err}
		}(rng)
	}

	wg.Wait()
	close(results)

	s.rangesMu.Lock()
	for res := range results {
		s.ranges[res.rng.ID] = res.rng
	}
	s.rangesMu.Unlock()

	if firstErr := s.firstErr.Load(); firstErr != nil {
		if progressCh != nil {
			sendProgress(progressCh, progressMsg{errText: firstErr.Error()})
		}
		return firstErr
	}
	if s.stopAsk.Load() {
		return ErrCancelled
	}
	return nil
}

// Postprocess verifies every range finished, concatenates their scratch
// files in offset order to the chosen output path, and removes the
// scratch directory. It runs on a dedicated goroutine handed off through
// a single-buffered channel — this package's stand-in for "runs on a
// blocking executor" so large assemblies never block the caller's own
// goroutine scheduling.
func (s *MultipartStrategy) Postprocess(ctx context.Context) error {
	defer timings.Track("postprocess", time.Now(), s.TimingsOut)

	done := make(chan error, 1)
	go func() { done <- s.assemble() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrCancelled
	}
}

func (s *MultipartStrategy) assemble() error {
	s.rangesMu.RLock()
	ordered := make([]RangeDescriptor, 0, len(s.order))
	for _, id := range s.order {
		r := s.ranges[id]
		if r.State != Finished {
			s.rangesMu.RUnlock()
			return fmt.Errorf("%w: range %s not finished", ErrInvalidState, id)
		}
		ordered = append(ordered, r)
	}
	s.rangesMu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })

	outputPath, err := s.resolveOutputPath()
	if err != nil {
		return err
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDisk, err)
	}
	defer out.Close()

	for _, r := range ordered {
		if err := appendScratchFile(out, filepath.Join(s.scratchDir(), r.ID)); err != nil {
			return err
		}
	}

	return os.RemoveAll(s.scratchDir())
}

func appendScratchFile(out *os.File, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDisk, err)
	}
	defer f.Close()
	if _, err := io.Copy(out, f); err != nil {
		return fmt.Errorf("%w: %s", ErrDisk, err)
	}
	return nil
}

// resolveOutputPath chooses the final path by (1) the configured output
// path, (2) the probe's attachment name, (3) a default, and derives a
// missing extension from the attachment name or a MIME->extension table.
func (s *MultipartStrategy) resolveOutputPath() (string, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	path := s.state.outputPath
	if path == "" {
		if s.state.attachmentName != "" {
			path = s.state.attachmentName
		} else {
			path = "download-" + s.state.id
		}
	}

	if filepath.Ext(path) != "" {
		return path, nil
	}

	if ext := filepath.Ext(s.state.attachmentName); ext != "" {
		return path + ext, nil
	}

	if s.state.contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(s.state.contentType); err == nil {
			if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
				return path + exts[0], nil
			}
		}
	}

	return path, nil
}

// Pause trips the shared cancellation handle. Semantically identical to
// Stop for this core (no persistent resume state); callers distinguish
// intent via their own bookkeeping, per spec.md §9's resolved Open
// Question.
func (s *MultipartStrategy) Pause() error {
	s.stopAsk.Store(true)
	s.cancel()
	return nil
}

// Stop trips the shared cancellation handle.
func (s *MultipartStrategy) Stop() error {
	s.stopAsk.Store(true)
	s.cancel()
	return nil
}

func (s *MultipartStrategy) setProgressSender(ch chan<- progressMsg) {
	s.progressMu.Lock()
	s.progressCh = ch
	s.progressMu.Unlock()
}

func (s *MultipartStrategy) clearProgressSender() {
	s.progressMu.Lock()
	s.progressCh = nil
	s.progressMu.Unlock()
}

func (s *MultipartStrategy) buildHeaderBundle() *HeaderBundle {
	headers := make(http.Header, len(s.cfg.Headers))
	for k, vs := range s.cfg.Headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	return &HeaderBundle{
		URL:     s.cfg.URL,
		Headers: headers,
		Cookies: s.cfg.Cookies,
		Auth:    s.cfg.Auth,
		Proxy:   s.cfg.Proxy,
	}
}

func (s *MultipartStrategy) scratchDir() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.scratchDir
}

func (s *MultipartStrategy) jobID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// mergeCancel derives a context cancelled when either parent is done,
// since the strategy's own Stop/Pause cancel handle is independent from
// whatever context the caller passed to Download.
func mergeCancel(a, b context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	go func() {
		select {
		case <-a.Done():
		case <-b.Done():
		case <-stop:
		}
		cancel()
	}()
	return ctx, func() { close(stop) }
}
