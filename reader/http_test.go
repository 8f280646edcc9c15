package reader

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
)

func rangeServer(t *testing.T, body []byte, supportsRanges bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}
		rng := r.Header.Get("Range")
		if rng == "" || !supportsRanges {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if end >= len(body) {
			end = len(body) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func TestHttpRangeReadAt(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i)
	}
	srv := rangeServer(t, body, true)
	defer srv.Close()

	h, err := OpenHttpRange(srv.URL)
	if err != nil {
		t.Fatalf("OpenHttpRange: %v", err)
	}
	defer h.Close()

	if h.Size() != int64(len(body)) {
		t.Fatalf("Size() = %d, want %d", h.Size(), len(body))
	}
	if !h.SupportsRanges() {
		t.Fatalf("SupportsRanges() = false, want true")
	}

	buf := make([]byte, 256)
	n, err := h.ReadAt(buf, 512)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 256 {
		t.Fatalf("n = %d, want 256", n)
	}
	for i, b := range buf {
		if b != body[512+i] {
			t.Fatalf("byte %d = %d, want %d", i, b, body[512+i])
		}
	}
}

func TestHttpRangeNoRangeSupportWarns(t *testing.T) {
	body := []byte("hello world")
	srv := rangeServer(t, body, false)
	defer srv.Close()

	var logBuf bytes.Buffer
	log.SetOutput(&logBuf)
	defer log.SetOutput(os.Stderr)

	h, err := OpenHttpRange(srv.URL)
	if err != nil {
		t.Fatalf("OpenHttpRange: %v", err)
	}
	defer h.Close()

	if h.SupportsRanges() {
		t.Fatalf("SupportsRanges() = true, want false")
	}
	if got := strings.Count(logBuf.String(), "doesn't support range requests"); got != 1 {
		t.Fatalf("range-support warning logged %d times, want 1; log = %q", got, logBuf.String())
	}
}

func TestWithUserAgentAndCookie(t *testing.T) {
	var gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "4")
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abcd"))
	}))
	defer srv.Close()

	h, err := OpenHttpRange(srv.URL, WithUserAgent("test-agent/1.0"), WithCookie("session=abc"))
	if err != nil {
		t.Fatalf("OpenHttpRange: %v", err)
	}
	defer h.Close()

	buf := make([]byte, 4)
	if _, err := h.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if gotUA != "test-agent/1.0" {
		t.Errorf("User-Agent = %q, want %q", gotUA, "test-agent/1.0")
	}
	if gotCookie != "session=abc" {
		t.Errorf("Cookie = %q, want %q", gotCookie, "session=abc")
	}
}
