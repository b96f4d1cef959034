package rdm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
)

func Test_FetchRange(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When fetching a known byte range from a range-aware server", t, func() {
		body := make([]byte, 4096)
		for i := range body {
			body[i] = byte(i % 256)
		}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rangeHeader := r.Header.Get("Range")
			var start, end int
			fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[start : end+1])
		}))
		defer server.Close()

		scratchDir, err := os.MkdirTemp("", "rdm-fetch")
		So(err, ShouldBeNil)
		defer os.RemoveAll(scratchDir)

		rng := RangeDescriptor{ID: "r0", Offset: 1024, Length: 1024, State: NotStarted}
		headers := &HeaderBundle{URL: server.URL, Headers: http.Header{}}

		var progressed int64
		updated, err := fetchRange(context.Background(), rng, http.DefaultClient, headers, scratchDir, func(delta int64) { progressed += delta })

		So(err, ShouldBeNil)
		So(updated.State, ShouldEqual, Finished)
		So(updated.Downloaded, ShouldEqual, 1024)
		So(progressed, ShouldEqual, 1024)

		contents, err := os.ReadFile(scratchDir + "/r0")
		So(err, ShouldBeNil)
		So(contents, ShouldResemble, body[1024:2048])
	})

	Convey("When the server ignores Range and always answers 200 with the full body", t, func() {
		body := []byte("this is the whole file, regardless of what you asked for")
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(body)
		}))
		defer server.Close()

		scratchDir, err := os.MkdirTemp("", "rdm-fetch-lie")
		So(err, ShouldBeNil)
		defer os.RemoveAll(scratchDir)

		rng := RangeDescriptor{ID: "r0", Offset: 0, Length: 10, State: NotStarted}
		headers := &HeaderBundle{URL: server.URL, Headers: http.Header{}}

		updated, err := fetchRange(context.Background(), rng, http.DefaultClient, headers, scratchDir, nil)

		So(err, ShouldBeNil)
		So(updated.Downloaded, ShouldEqual, 10)

		contents, err := os.ReadFile(scratchDir + "/r0")
		So(err, ShouldBeNil)
		So(len(contents), ShouldEqual, 10)
	})

	Convey("When the origin is unreachable, retries are exhausted and ErrMaxRetry is returned", t, func() {
		scratchDir, err := os.MkdirTemp("", "rdm-fetch-unreachable")
		So(err, ShouldBeNil)
		defer os.RemoveAll(scratchDir)

		rng := RangeDescriptor{ID: "r0", Offset: 0, Length: 10, State: NotStarted}
		headers := &HeaderBundle{URL: "http://127.0.0.1:1/nope", Headers: http.Header{}}

		updated, err := fetchRange(context.Background(), rng, http.DefaultClient, headers, scratchDir, nil)

		So(err, ShouldNotBeNil)
		So(updated.State, ShouldEqual, Failed)
	})

	Convey("When the context is already cancelled before the fetch starts", t, func() {
		block := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-block
		}))
		defer server.Close()
		defer close(block)

		scratchDir, err := os.MkdirTemp("", "rdm-fetch-cancel")
		So(err, ShouldBeNil)
		defer os.RemoveAll(scratchDir)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		rng := RangeDescriptor{ID: "r0", Offset: 0, Length: 10, State: NotStarted}
		headers := &HeaderBundle{URL: server.URL, Headers: http.Header{}}

		_, err = fetchRange(ctx, rng, http.DefaultClient, headers, scratchDir, nil)
		So(err, ShouldEqual, ErrCancelled)
	})
}

func Test_BackoffDelay(t *testing.T) {
	Convey("Backoff doubles each attempt and caps out", t, func() {
		So(backoffDelay(1), ShouldEqual, retryBackoffBase)
		So(backoffDelay(2), ShouldEqual, retryBackoffBase*2)
		So(backoffDelay(20), ShouldEqual, retryBackoffCap)
	})
}
