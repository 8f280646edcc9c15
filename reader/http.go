package reader

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/otadump/payload-extract/errs"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	httpMaxRetries   = 3
	httpTimeout      = 600 * time.Second
	probeRangeLen    = 1024
)

// HttpRange is a Source backed by an HTTP(S) URL, read via `Range:` GET
// requests. Construction performs a HEAD (with retry) to learn the content
// length, then a single probe ranged GET to learn whether the server honors
// range requests at all.
type HttpRange struct {
	client         *http.Client
	url            string
	userAgent      string
	cookie         string
	size           int64
	supportsRanges bool

	warnOnce sync.Once
}

// HttpRangeOption customizes HttpRange construction.
type HttpRangeOption func(*HttpRange)

// WithUserAgent overrides the default browser User-Agent.
func WithUserAgent(ua string) HttpRangeOption {
	return func(h *HttpRange) {
		if ua != "" {
			h.userAgent = ua
		}
	}
}

// WithCookie threads a Cookie header through every request, for URLs that
// sit behind a login wall.
func WithCookie(cookie string) HttpRangeOption {
	return func(h *HttpRange) {
		h.cookie = cookie
	}
}

// OpenHttpRange probes url and returns a ready-to-read Source.
func OpenHttpRange(url string, opts ...HttpRangeOption) (*HttpRange, error) {
	h := &HttpRange{
		client: &http.Client{
			Timeout: httpTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		url:       url,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(h)
	}

	size, err := h.headContentLength()
	if err != nil {
		return nil, errs.New(errs.HttpFatal, err)
	}
	h.size = size

	h.supportsRanges = h.probeRangeSupport()
	if !h.supportsRanges {
		h.warnOnce.Do(func() {
			log.Println("- Warning: Server doesn't support range requests. The process may fail.")
		})
	}

	return h, nil
}

func (h *HttpRange) newRequest(method string) (*http.Request, error) {
	req, err := http.NewRequest(method, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", h.userAgent)
	if h.cookie != "" {
		req.Header.Set("Cookie", h.cookie)
	}
	return req, nil
}

func backoff(attempt int) {
	time.Sleep(time.Duration(2*attempt) * time.Second)
}

func (h *HttpRange) headContentLength() (int64, error) {
	var lastErr error
	for attempt := 0; attempt < httpMaxRetries; attempt++ {
		req, err := h.newRequest(http.MethodHead)
		if err != nil {
			return 0, err
		}
		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			backoff(attempt + 1)
			continue
		}
		resp.Body.Close()
		if resp.ContentLength < 0 {
			lastErr = fmt.Errorf("could not determine content length")
			backoff(attempt + 1)
			continue
		}
		return resp.ContentLength, nil
	}
	return 0, fmt.Errorf("HEAD %s failed after %d retries: %w", h.url, httpMaxRetries, lastErr)
}

func (h *HttpRange) probeRangeSupport() bool {
	req, err := h.newRequest(http.MethodGet)
	if err != nil {
		return false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeRangeLen-1))
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusPartialContent
}

// ReadAt issues a single ranged GET per call, with retry on transport error
// or an unexpected status code.
func (h *HttpRange) ReadAt(p []byte, off int64) (int, error) {
	if off >= h.size {
		return 0, io.EOF
	}
	remaining := h.size - off
	toRead := int64(len(p))
	if toRead > remaining {
		toRead = remaining
	}
	if toRead <= 0 {
		return 0, io.EOF
	}

	var lastErr error
	for attempt := 0; attempt < httpMaxRetries; attempt++ {
		n, err := h.doRangedRead(p[:toRead], off, off+toRead-1)
		if err == nil {
			if n < len(p) {
				return n, io.EOF
			}
			return n, nil
		}
		lastErr = err
		backoff(attempt + 1)
	}
	return 0, errs.New(errs.HttpFatal, fmt.Errorf("ranged read [%d-%d) of %s failed after %d retries: %w",
		off, off+toRead, h.url, httpMaxRetries, lastErr))
}

func (h *HttpRange) doRangedRead(p []byte, start, end int64) (int, error) {
	req, err := h.newRequest(http.MethodGet)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadFull(resp.Body, p)
}

func (h *HttpRange) Size() int64 { return h.size }

func (h *HttpRange) SupportsRanges() bool { return h.supportsRanges }

func (h *HttpRange) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
