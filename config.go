package rdm

import (
	"fmt"
	"net/url"
	"time"
)

// DefaultMaxConcurrency is used when Config.MaxConcurrency is left zero.
const DefaultMaxConcurrency = 8

// Config carries every option spec.md §6 names, built through a
// functional-options builder in the style of the teacher's
// NewWithLoggers-style variadic construction.
type Config struct {
	URL        string
	OutputPath string

	Cookies string
	Headers map[string][]string
	Auth    *BasicAuth
	Proxy   *ProxyDescriptor

	MaxConcurrency int

	LastModifiedOverride   string
	AttachmentNameOverride string
	ContentTypeOverride    string

	// Admission, if non-nil, overrides the process-wide fetch-admission
	// semaphore for jobs built from this Config.
	Admission *fetchAdmission

	minPieceSize int64 // overridable by tests; defaults to DefaultMinPieceSize
}

// Option mutates a Config at construction time.
type Option func(*Config)

// WithCookies sets the single Cookie header value forwarded with every
// request.
func WithCookies(cookies string) Option {
	return func(c *Config) { c.Cookies = cookies }
}

// WithHeaders sets extra headers (name -> list of values) forwarded with
// every request, minus any Range entry, which is always stripped.
func WithHeaders(headers map[string][]string) Option {
	return func(c *Config) { c.Headers = headers }
}

// WithBasicAuth configures HTTP Basic authentication.
func WithBasicAuth(username, password string) Option {
	return func(c *Config) { c.Auth = &BasicAuth{Username: username, Password: password} }
}

// WithProxy routes every request for the job through the given proxy.
func WithProxy(proxyURL string) Option {
	return func(c *Config) { c.Proxy = &ProxyDescriptor{URL: proxyURL} }
}

// WithMaxConcurrency overrides DefaultMaxConcurrency.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) { c.MaxConcurrency = n }
}

// WithLastModifiedOverride forces the job's recorded last-modified value,
// bypassing whatever the probe discovers.
func WithLastModifiedOverride(t string) Option {
	return func(c *Config) { c.LastModifiedOverride = t }
}

// WithAttachmentNameOverride forces the job's attachment name.
func WithAttachmentNameOverride(name string) Option {
	return func(c *Config) { c.AttachmentNameOverride = name }
}

// WithContentTypeOverride forces the job's content type.
func WithContentTypeOverride(ct string) Option {
	return func(c *Config) { c.ContentTypeOverride = ct }
}

// WithAdmission overrides the process-wide fetch-admission semaphore,
// useful for tests or for isolating one job's concurrency budget from
// every other job in the process.
func WithAdmission(size int) Option {
	return func(c *Config) { c.Admission = newFetchAdmission(size) }
}

func newConfig(rawURL, outputPath string, opts ...Option) (*Config, error) {
	if rawURL == "" {
		return nil, ErrInvalidState
	}
	c := &Config{
		URL:            rawURL,
		OutputPath:     outputPath,
		MaxConcurrency: DefaultMaxConcurrency,
		minPieceSize:   DefaultMinPieceSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.minPieceSize < 1 {
		c.minPieceSize = DefaultMinPieceSize
	}
	if c.Proxy != nil {
		if _, err := url.Parse(c.Proxy.URL); err != nil {
			return nil, fmt.Errorf("%w: invalid proxy URL: %s", ErrInvalidState, err)
		}
	}
	return c, nil
}

// probeRetryInitialDelay is the first backoff delay of the RetryClient
// wrapper; later retries back off exponentially from it.
const probeRetryInitialDelay = 200 * time.Millisecond

// probeRetries is the retry budget for the RetryClient used by probe()
// and any ambient (non-range) request.
const probeRetries = 3
