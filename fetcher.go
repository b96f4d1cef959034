package rdm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// streamBufferSize is the minimum buffered-write size spec.md §4.B
// requires for the chunked copy loop.
const streamBufferSize = 256 * 1024

// maxRangeRetries is the retry budget a range gets before it transitions
// to Failed and returns ErrMaxRetry.
const maxRangeRetries = 3

// retryBackoffBase is the initial sleep between retries; it doubles each
// attempt, capped at retryBackoffCap.
const (
	retryBackoffBase = 100 * time.Millisecond
	retryBackoffCap  = 10 * time.Second
)

// chunkBufferPool supplies pooled scratch buffers for the read/write copy
// loop in fetchRange, avoiding a fresh allocation per chunk per range.
var chunkBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, streamBufferSize)
		return &b
	},
}

// fetchRange downloads one range to its scratch file, retrying transient
// transport failures up to maxRangeRetries with exponential backoff.
// Resuming an in-progress range (rng.State == Downloading, rng.Downloaded
// > 0) opens the scratch file in append mode; a fresh range truncates.
//
// Response handling implements the partial-content guard: if a Range was
// requested but the server answers 200 rather than 206, writes are still
// capped at rng.remaining() bytes so N concurrent ranges against a
// Range-ignoring server don't each write the entire file.
func fetchRange(ctx context.Context, rng RangeDescriptor, client Client, headers *HeaderBundle, scratchDir string, onProgress func(delta int64)) (RangeDescriptor, error) {
	rng.State = Downloading
	scratchPath := filepath.Join(scratchDir, rng.ID)

	// Basic-auth is encoded once per invocation and reused by every
	// attempt; the per-attempt bundle carries no credentials of its own.
	authHeader := precomputeBasicAuth(headers.Auth)
	attemptHeaders := *headers
	attemptHeaders.Auth = nil

	var lastErr error
	for attempt := 0; attempt <= maxRangeRetries; attempt++ {
		if attempt > 0 {
			if err := sleepOrCancel(ctx, backoffDelay(attempt)); err != nil {
				return rng, err
			}
		}

		if err := ctxErr(ctx); err != nil {
			return rng, err
		}

		updated, err := fetchRangeOnce(ctx, rng, client, &attemptHeaders, authHeader, scratchPath, onProgress)
		if err == nil {
			updated.State = Finished
			return updated, nil
		}
		rng = updated

		if isCancelled(err) {
			return rng, ErrCancelled
		}
		lastErr = err
	}

	rng.State = Failed
	return rng, fmt.Errorf("%w: %s", ErrMaxRetry, lastErr)
}

// backoffDelay returns the exponential backoff for the given 1-indexed
// retry attempt, capped at retryBackoffCap.
func backoffDelay(attempt int) time.Duration {
	d := retryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return d
}

// fetchRangeOnce performs a single attempt: build the request, open the
// scratch file, and stream the body through the partial-content guard.
// On any transport error it flushes what's on disk and returns the
// partially-updated range plus the error for the caller's retry loop.
func fetchRangeOnce(ctx context.Context, rng RangeDescriptor, client Client, headers *HeaderBundle, authHeader string, scratchPath string, onProgress func(delta int64)) (RangeDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, headers.URL, nil)
	if err != nil {
		return rng, fmt.Errorf("%w: %s", ErrNetwork, err)
	}
	applyHeaders(req, headers)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	requestedRange := rng.Length != unknownLength
	if requestedRange {
		start := rng.Offset + rng.Downloaded
		end := rng.Offset + rng.Length - 1
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	resp, err := client.Do(req)
	if err != nil {
		return rng, fmt.Errorf("%w: %s", ErrNetwork, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if rng.Downloaded > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(scratchPath, flags, 0o644)
	if err != nil {
		return rng, fmt.Errorf("%w: %s", ErrDisk, err)
	}
	defer f.Close()

	writer := bufio.NewWriterSize(f, streamBufferSize)

	buf := chunkBufferPool.Get().(*[]byte)
	defer chunkBufferPool.Put(buf)

	written, err := copyCapped(ctx, writer, resp.Body, *buf, rng.remaining(), onProgress)
	rng.Downloaded += written

	if flushErr := writer.Flush(); flushErr != nil && err == nil {
		err = fmt.Errorf("%w: %s", ErrDisk, flushErr)
	}

	if err != nil {
		return rng, err
	}

	// The server closed the connection before sending everything this
	// range expects: a short read, not a clean finish. Surface it as a
	// transport error so the retry loop resumes from rng.Downloaded.
	if requestedRange && rng.Downloaded < rng.Length {
		return rng, fmt.Errorf("%w: short read, got %d of %d bytes", ErrNetwork, rng.Downloaded, rng.Length)
	}
	return rng, nil
}

// copyCapped streams src into dst one pooled-buffer's worth at a time,
// writing at most limit bytes total (unknownLength meaning "no cap — take
// everything"), invoking onProgress with each chunk's actual written
// size, and checking ctx at every chunk boundary.
func copyCapped(ctx context.Context, dst io.Writer, src io.Reader, buf []byte, limit int64, onProgress func(int64)) (int64, error) {
	var total int64

	for {
		if err := ctxErr(ctx); err != nil {
			return total, err
		}

		chunkLen := int64(len(buf))
		if limit != unknownLength {
			remaining := limit - total
			if remaining <= 0 {
				return total, nil
			}
			if remaining < chunkLen {
				chunkLen = remaining
			}
		}

		n, readErr := io.ReadFull(src, buf[:chunkLen])
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, fmt.Errorf("%w: %s", ErrDisk, writeErr)
			}
			total += int64(n)
			if onProgress != nil {
				onProgress(int64(n))
			}
		}

		switch readErr {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return total, nil
		default:
			return total, fmt.Errorf("%w: %s", ErrNetwork, readErr)
		}
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

func isCancelled(err error) bool {
	return err == ErrCancelled
}
