package rdm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// Client is satisfied by *http.Client and by RetryClient, matching the
// teacher's rangetripper.Client abstraction.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}

// connectTimeout bounds dial time only; there is deliberately no
// per-request read timeout at this layer (spec.md §5) — a stalled
// mid-stream read surfaces as a transport error to the range fetcher's
// own retry loop instead.
const connectTimeout = 10 * time.Second

// newHTTPClient builds the *http.Client shared by every request a job
// makes: connection pool sized to concurrency, TCP no-delay (net.Dialer's
// default), auto-decompression disabled so byte ranges reach disk
// unchanged, and every request routed through proxy if non-nil.
func newHTTPClient(maxConcurrency int, proxy *ProxyDescriptor) *http.Client {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		DisableCompression:  true,
		MaxConnsPerHost:     maxConcurrency + 1,
		MaxIdleConnsPerHost: maxConcurrency + 1,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != nil && proxy.URL != "" {
		if proxyURL, err := url.Parse(proxy.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{Transport: transport}
}

// ErrStatusNope marks an HTTP status the RetryClient will not retry.
var ErrStatusNope = errors.New("rdm: non-retriable HTTP status received")

// RetryClient wraps an *http.Client with exponential-backoff retry for
// the probe request and any other non-range request. The per-range fetch
// retry state machine in fetcher.go is intentionally separate — it needs
// to preserve Downloaded and distinguish Cancelled from MaxRetry, neither
// of which this generic retrier models.
type RetryClient struct {
	client  *http.Client
	retrier *retrier.Retrier
}

// newRetryClient returns a RetryClient retrying up to retries times with
// exponential backoff starting at initially, wrapping client.
func newRetryClient(client *http.Client, retries int, initially time.Duration) *RetryClient {
	blacklist := make(retrier.BlacklistClassifier, 1)
	blacklist[0] = ErrStatusNope

	return &RetryClient{
		client:  client,
		retrier: retrier.New(retrier.ExponentialBackoff(retries, initially), blacklist),
	}
}

// Do runs req through the retrier, treating any 4xx response as
// non-retriable and any other non-2xx as a retriable failure.
func (w *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var result *http.Response

	try := func() error {
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return ErrStatusNope
		}
		if resp.StatusCode >= 300 || resp.StatusCode < 200 {
			return fmt.Errorf("non-2xx HTTP status received: %s", resp.Status)
		}
		result = resp
		return nil
	}

	if err := w.retrier.Run(try); err != nil {
		return nil, err
	}
	return result, nil
}

// applyHeaders copies every header from the bundle except Range onto req,
// plus Cookie and a precomputed Basic-auth Authorization header.
func applyHeaders(req *http.Request, bundle *HeaderBundle) {
	for k, vs := range bundle.withoutRange() {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if bundle.Cookies != "" {
		req.Header.Set("Cookie", bundle.Cookies)
	}
	if auth := precomputeBasicAuth(bundle.Auth); auth != "" {
		req.Header.Set("Authorization", auth)
	}
}

// precomputeBasicAuth builds the "Basic <base64>" Authorization value
// once per fetch invocation, not once per retry, matching the teacher's
// pre-retry precompute discipline (segment_grabber.rs's precompute_auth).
func precomputeBasicAuth(auth *BasicAuth) string {
	if auth == nil {
		return ""
	}
	creds := auth.Username + ":" + auth.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}
