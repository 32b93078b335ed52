// Package http provides a sparse.ByteSource backed by HTTP range requests.
package http

import (
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/meigma/sparse"
)

// ErrSourceChanged is returned when the remote representation changes under
// an open Source, detected via If-Match / If-Unmodified-Since.
var ErrSourceChanged = errors.New("sparse/http: remote content changed")

// Source implements random access reads via HTTP range requests.
//
// Describe probes the remote with a HEAD request and a one-byte range
// request; a remote that ignores Range headers is reported as not seekable,
// and ReadAt then fails for any nonzero offset. The probe result is
// memoized on success, and the representation seen by the probe is pinned
// with conditional headers on later reads.
type Source struct {
	url     string
	client  *nethttp.Client
	headers nethttp.Header

	mu           sync.Mutex
	described    bool
	desc         sparse.Description
	etag         string
	lastModified string
}

// Interface compliance.
var _ sparse.ByteSource = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// NewSource creates a Source for the given URL. No request is made until
// the first Describe or ReadAt.
func NewSource(url string, opts ...Option) *Source {
	s := &Source{
		url:    url,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	return s
}

// Describe probes the remote for its size and range support. A failed
// probe is not memoized and is retried by the next call.
func (s *Source) Describe() (sparse.Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.described {
		return s.desc, nil
	}

	size := int64(-1)
	etag := ""
	lastModified := ""
	if resp, err := s.doHead(); err == nil {
		size = resp.ContentLength
		etag = resp.Header.Get("ETag")
		lastModified = resp.Header.Get("Last-Modified")
		resp.Body.Close()
	}

	rangeSize, rangeETag, rangeLastModified, err := s.rangeProbe()
	switch {
	case err == nil:
		if size > 0 && size != rangeSize {
			return sparse.Description{}, fmt.Errorf("sparse/http: content size mismatch: head=%d range=%d", size, rangeSize)
		}
		if etag == "" {
			etag = rangeETag
		}
		if lastModified == "" {
			lastModified = rangeLastModified
		}
		s.desc = sparse.Description{Size: rangeSize, Seekable: true}
	case errors.Is(err, errRangeUnsupported) && size >= 0:
		// The remote serves the content but ignores Range. Report it as
		// not seekable; ReadAt will refuse nonzero offsets.
		s.desc = sparse.Description{Size: size, Seekable: false}
	default:
		return sparse.Description{}, err
	}

	s.etag = etag
	s.lastModified = lastModified
	s.described = true
	return s.desc, nil
}

var errRangeUnsupported = errors.New("sparse/http: range requests not supported")

// ReadAt reads data from the remote at the given offset using HTTP range
// requests.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("sparse/http: read at %d: negative offset", off)
	}
	d, err := s.Describe()
	if err != nil {
		return 0, err
	}
	if off >= d.Size {
		return 0, io.EOF
	}
	if !d.Seekable && off != 0 {
		return 0, fmt.Errorf("sparse/http: read at %d: %w", off, errRangeUnsupported)
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= d.Size {
		end = d.Size - 1
		expected = int(end - off + 1)
	}

	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		// ok
	case nethttp.StatusOK:
		if d.Seekable {
			return 0, errRangeUnsupported
		}
		// Non-seekable source read from offset zero: take the prefix of
		// the full response.
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusPreconditionFailed:
		return 0, ErrSourceChanged
	default:
		return 0, fmt.Errorf("sparse/http: range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, io.EOF
		}
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// rangeProbe issues a one-byte range request to learn the total size and
// whether the remote honors Range headers.
func (s *Source) rangeProbe() (int64, string, string, error) {
	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, "", "", errRangeUnsupported
		}
		return 0, "", "", fmt.Errorf("sparse/http: range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, "", "", errors.New("sparse/http: range probe missing Content-Range")
	}
	size, err := parseContentRange(crange)
	if err != nil {
		return 0, "", "", err
	}

	return size, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

func (s *Source) doHead() (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodHead)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func (s *Source) newRequest(method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequest(method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == nethttp.MethodGet {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("sparse/http: invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("sparse/http: invalid Content-Range %q", value)
	}
	if parts[1] == "*" {
		return 0, fmt.Errorf("sparse/http: invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sparse/http: invalid Content-Range %q", value)
	}
	if size < 0 {
		return 0, fmt.Errorf("sparse/http: invalid Content-Range %q", value)
	}
	return size, nil
}
