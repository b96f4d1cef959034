package rdm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func Test_Probe(t *testing.T) {
	Convey("When a server supports byte ranges", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Range", "bytes 0-0/2048")
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''report%20card.pdf`)
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte{0})
		}))
		defer server.Close()

		result, err := probe(context.Background(), http.DefaultClient, &HeaderBundle{URL: server.URL, Headers: http.Header{}})

		So(err, ShouldBeNil)
		So(result.Resumable, ShouldBeTrue)
		So(result.Size, ShouldEqual, 2048)
		So(result.AttachmentName, ShouldEqual, "report card.pdf")
	})

	Convey("When a server ignores range requests and answers 200", t, func() {
		body := []byte("the entire body, every time")
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(body)
		}))
		defer server.Close()

		result, err := probe(context.Background(), http.DefaultClient, &HeaderBundle{URL: server.URL, Headers: http.Header{}})

		So(err, ShouldBeNil)
		So(result.Resumable, ShouldBeFalse)
		So(result.Size, ShouldEqual, len(body))
	})

	Convey("When Content-Disposition only has a plain filename", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Disposition", `attachment; filename="plain.txt"`)
			w.WriteHeader(http.StatusPartialContent)
		}))
		defer server.Close()

		result, err := probe(context.Background(), http.DefaultClient, &HeaderBundle{URL: server.URL, Headers: http.Header{}})

		So(err, ShouldBeNil)
		So(result.AttachmentName, ShouldEqual, "plain.txt")
	})

	Convey("When the origin is unreachable", t, func() {
		_, err := probe(context.Background(), http.DefaultClient, &HeaderBundle{URL: "http://127.0.0.1:1/nope", Headers: http.Header{}})
		So(err, ShouldNotBeNil)
	})
}

func Test_SizeFromContentRange(t *testing.T) {
	Convey("Given various Content-Range values", t, func() {
		n, ok := sizeFromContentRange("bytes 0-0/104857600")
		So(ok, ShouldBeTrue)
		So(n, ShouldEqual, 104857600)

		_, ok = sizeFromContentRange("bytes 0-0/*")
		So(ok, ShouldBeFalse)

		_, ok = sizeFromContentRange("")
		So(ok, ShouldBeFalse)
	})
}
