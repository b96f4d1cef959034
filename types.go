// Package rdm implements the core of a multi-connection HTTP download
// engine: probe a resource, split it into byte ranges, fetch the ranges
// concurrently with retry and cancellation, assemble them into a final
// file, and stream structured progress to observers.
//
// The CLI, a browser-extension-facing server, a desktop UI, output
// filename sanitisation, and any video-tracking bookkeeping are external
// collaborators and live outside this package; rdm only promises
// Download(ctx) plus the ProgressObserver contract.
package rdm

import (
	"net/http"
	"time"
)

// RangeState is the lifecycle state of a single RangeDescriptor.
type RangeState int

const (
	// NotStarted ranges have not yet been handed to a fetch goroutine.
	NotStarted RangeState = iota
	// Downloading ranges are (or were, mid-retry) actively being fetched.
	Downloading
	// Finished ranges have been fully and successfully written to their
	// scratch file.
	Finished
	// Failed ranges exhausted their retry budget.
	Failed
)

func (s RangeState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Downloading:
		return "Downloading"
	case Finished:
		return "Finished"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// unknownLength is the sentinel RangeDescriptor.Length value denoting a
// non-resumable or unbounded fetch.
const unknownLength int64 = -1

// RangeDescriptor describes one contiguous byte interval of the resource
// assigned to one fetch task. Ranges within one job are disjoint and,
// sorted by Offset, contiguous; their Lengths sum to the resource size
// when the origin is resumable and the size is known.
type RangeDescriptor struct {
	ID         string
	Offset     int64
	Length     int64 // unknownLength denotes non-resumable/unbounded
	Downloaded int64
	State      RangeState
}

// remaining returns how many more bytes this range needs, or -1 if the
// range has no known length (accept whatever the server sends).
func (r RangeDescriptor) remaining() int64 {
	if r.Length == unknownLength {
		return unknownLength
	}
	rem := r.Length - r.Downloaded
	if rem < 0 {
		return 0
	}
	return rem
}

// BasicAuth holds precomputable HTTP Basic authentication credentials.
type BasicAuth struct {
	Username string
	Password string
}

// ProxyDescriptor describes an HTTP/HTTPS proxy to route every request
// for a job through.
type ProxyDescriptor struct {
	URL string
}

// HeaderBundle is shared read-only by every range task for the duration
// of a job: the URL, extra headers, cookies, optional Basic-auth, and an
// optional proxy descriptor. Callers must never mutate a HeaderBundle
// after it is handed to a strategy — it is shared by pointer across
// concurrently running range goroutines with no locking of its own.
type HeaderBundle struct {
	URL     string
	Headers http.Header // multi-value; a caller-supplied Range is stripped
	Cookies string
	Auth    *BasicAuth
	Proxy   *ProxyDescriptor
}

// withoutRange returns a shallow clone of the bundle's headers with any
// Range entry stripped — Range belongs to the core, not the caller.
func (h *HeaderBundle) withoutRange() http.Header {
	out := make(http.Header, len(h.Headers))
	for k, v := range h.Headers {
		if http.CanonicalHeaderKey(k) == "Range" {
			continue
		}
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

// ProbeResult is what a single-byte probe request discovers about a
// resource without downloading its body.
type ProbeResult struct {
	Resumable      bool
	Size           int64 // unknownLength if undiscoverable
	FinalURI       string
	AttachmentName string
	ContentType    string
	LastModified   string
}

// ProgressEvent is produced by a range fetcher and consumed by the
// aggregator exactly once.
type ProgressEvent struct {
	RangeID    string
	BytesDelta int64
	TotalBytes *int64 // nil when this range's total is still unknown
}

// RangeSnapshot is the per-range portion of a ProgressSnapshot.
type RangeSnapshot struct {
	RangeID         string
	BytesDownloaded int64
	TotalBytes      int64
	Speed           float64 // bytes/second, EMA-smoothed
	ETA             time.Duration
}

// ProgressSnapshot is a value-typed summary of per-range and aggregate
// progress delivered to observers. Every call to an observer carries a
// freshly materialised snapshot.
type ProgressSnapshot struct {
	Ranges          []RangeSnapshot
	TotalDownloaded int64
	TotalBytes      int64
	Speed           float64
	ETA             time.Duration
	Done            bool
}
