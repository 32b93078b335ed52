// Package testutil provides in-memory byte sources with failure and latency
// injection for tests and the profiler.
package testutil

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/sparse"
)

// ErrInjected is the failure returned by injected describe and read faults.
var ErrInjected = errors.New("testutil: injected failure")

// ByteSource is an in-memory sparse.ByteSource with read accounting and
// configurable fault injection. It is safe for concurrent use.
type ByteSource struct {
	data     []byte
	seekable bool
	latency  time.Duration

	mu            sync.Mutex
	describeFails int
	failRanges    []failRange

	reads atomic.Int64
	bytes atomic.Int64
}

type failRange struct {
	start, end int64
}

// NewByteSource returns a seekable source backed by the provided data.
func NewByteSource(data []byte) *ByteSource {
	return &ByteSource{data: data, seekable: true}
}

// Pattern fills a new source of the given size with a deterministic byte
// pattern so tests can verify content byte-for-byte.
func Pattern(size int) *ByteSource {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return NewByteSource(data)
}

// Bytes returns the backing slice for tests that need to inspect or mutate
// source data.
func (s *ByteSource) Bytes() []byte { return s.data }

// SetLatency adds an artificial delay to every ReadAt.
func (s *ByteSource) SetLatency(d time.Duration) { s.latency = d }

// FailDescribe makes the next n Describe calls fail.
func (s *ByteSource) FailDescribe(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.describeFails = n
}

// FailReadsIn makes every ReadAt overlapping [start, end) fail until
// ClearFailures is called.
func (s *ByteSource) FailReadsIn(start, end int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRanges = append(s.failRanges, failRange{start: start, end: end})
}

// ClearFailures removes all injected read faults.
func (s *ByteSource) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRanges = nil
}

// ReadCount returns the number of ReadAt calls served so far.
func (s *ByteSource) ReadCount() int64 { return s.reads.Load() }

// BytesRead returns the total bytes returned by ReadAt so far.
func (s *ByteSource) BytesRead() int64 { return s.bytes.Load() }

// Describe reports the source size, failing if a describe fault is armed.
func (s *ByteSource) Describe() (sparse.Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.describeFails > 0 {
		s.describeFails--
		return sparse.Description{}, ErrInjected
	}
	return sparse.Description{Size: int64(len(s.data)), Seekable: s.seekable}, nil
}

// ReadAt implements io.ReaderAt semantics over the backing slice, honoring
// injected faults and latency.
func (s *ByteSource) ReadAt(p []byte, off int64) (int, error) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	s.reads.Add(1)

	s.mu.Lock()
	for _, fr := range s.failRanges {
		if off < fr.end && off+int64(len(p)) > fr.start {
			s.mu.Unlock()
			return 0, ErrInjected
		}
	}
	s.mu.Unlock()

	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	s.bytes.Add(int64(n))
	if off+int64(n) >= int64(len(s.data)) {
		return n, io.EOF
	}
	return n, nil
}

// TruncatedSource wraps a ByteSource but describes a larger size than its
// backing data, so reads near the declared end hit genuine short reads.
type TruncatedSource struct {
	*ByteSource
	DeclaredSize int64
}

// Describe reports the declared (oversized) length.
func (s *TruncatedSource) Describe() (sparse.Description, error) {
	d, err := s.ByteSource.Describe()
	if err != nil {
		return d, err
	}
	d.Size = s.DeclaredSize
	return d, nil
}
