package rdm

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// probe issues a single GET with Range: bytes=0-0 carrying the header
// bundle and derives resumability, size, final URL, attachment filename,
// content type, and last-modified from the response. It always returns a
// ProbeResult (possibly with an unknown size) unless the HTTP call itself
// fails, in which case it returns a wrapped ErrNetwork.
func probe(ctx context.Context, client Client, headers *HeaderBundle) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, headers.URL, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: building probe request: %s", ErrNetwork, err)
	}
	applyHeaders(req, headers)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %s", ErrNetwork, err)
	}
	defer resp.Body.Close()

	result := ProbeResult{
		Resumable: resp.StatusCode == http.StatusPartialContent,
		Size:      unknownLength,
	}

	if size, ok := sizeFromContentRange(resp.Header.Get("Content-Range")); ok {
		result.Size = size
	} else if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			result.Size = n
		}
	}

	if resp.Request != nil && resp.Request.URL != nil {
		result.FinalURI = resp.Request.URL.String()
	} else {
		result.FinalURI = headers.URL
	}

	result.AttachmentName = filenameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	result.ContentType = resp.Header.Get("Content-Type")
	result.LastModified = resp.Header.Get("Last-Modified")

	return result, nil
}

// sizeFromContentRange parses the "/<total>" suffix of a Content-Range
// header value such as "bytes 0-0/1234567".
func sizeFromContentRange(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	idx := strings.LastIndex(v, "/")
	if idx < 0 || idx == len(v)-1 {
		return 0, false
	}
	total := v[idx+1:]
	if total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// filenameFromContentDisposition extracts the attachment filename from a
// Content-Disposition header, preferring the RFC 5987 filename*=UTF-8''…
// extended form over the plain filename= form when both are present.
func filenameFromContentDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}

	if name, ok := extendedFilename(disposition); ok {
		return name
	}

	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// extendedFilename pulls the RFC 5987 filename*=charset'lang'value form
// out of a Content-Disposition header value. Only the UTF-8 charset is
// supported, matching the overwhelmingly common case; any other charset
// falls back to the plain filename= form.
func extendedFilename(disposition string) (string, bool) {
	lower := strings.ToLower(disposition)
	const key = "filename*="
	idx := strings.Index(lower, key)
	if idx < 0 {
		return "", false
	}

	rest := disposition[idx+len(key):]
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		rest = rest[:semi]
	}
	rest = strings.TrimSpace(rest)

	var encoded string
	switch {
	case strings.HasPrefix(strings.ToLower(rest), "utf-8''"):
		encoded = rest[len("utf-8''"):]
	default:
		return "", false
	}

	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		// Fall back to percent-decoding byte-by-byte so a stray '%' that
		// isn't valid percent-encoding doesn't lose the whole value.
		decoded = lenientPercentDecode(encoded)
	}
	return toValidUTF8(decoded), true
}

// lenientPercentDecode percent-decodes best-effort, passing through any
// '%' sequence that isn't valid hex rather than erroring the whole string.
func lenientPercentDecode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hx, err := decodeHexByte(s[i+1], s[i+2]); err == nil {
				b.WriteByte(hx)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func decodeHexByte(hi, lo byte) (byte, error) {
	v, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	w, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return v<<4 | w, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// toValidUTF8 replaces any invalid UTF-8 byte sequence with the Unicode
// replacement character, as the spec requires for RFC 5987 decoding.
func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
