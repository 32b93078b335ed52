package sparse_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sparse"
	"github.com/meigma/sparse/internal/testutil"
)

func newTestReader(t *testing.T, src sparse.ByteSource, opts ...sparse.Option) *sparse.Reader {
	t.Helper()
	r, err := sparse.NewReader(src, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReaderServesSecondReadFromCache(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	r := newTestReader(t, src,
		sparse.WithCapacity(1000),
		sparse.WithChunkSize(100),
	)

	buf := make([]byte, 50)
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	assert.Equal(t, src.Bytes()[:50], buf)

	// The fill cycle loaded the whole window in chunk-sized fetches.
	fetched := src.ReadCount()
	require.GreaterOrEqual(t, fetched, int64(1))
	assert.Equal(t, int64(1000), src.BytesRead())

	// A repeat read is served from memory with no further upstream fetch.
	n, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	assert.Equal(t, src.Bytes()[:50], buf)
	assert.Equal(t, fetched, src.ReadCount())

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.FillCycles)
	assert.Equal(t, int64(1000), stats.CachedBytes)
}

func TestReaderChunkSizedFetches(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	r := newTestReader(t, src,
		sparse.WithCapacity(1000),
		sparse.WithChunkSize(100),
	)

	buf := make([]byte, 1000)
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 1000, n)
	assert.Equal(t, src.Bytes(), buf)

	// 1000 bytes at chunk size 100 is exactly ten upstream reads.
	assert.Equal(t, int64(10), src.ReadCount())
}

func TestReaderReadAcrossEnd(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	r := newTestReader(t, src, sparse.WithCapacity(1000), sparse.WithChunkSize(100))

	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, 950)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 50, n)
	assert.Equal(t, src.Bytes()[950:], buf[:50])

	n, err = r.ReadAt(buf, 1000)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, n)
}

func TestReaderZeroLengthRead(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	r := newTestReader(t, src)

	n, err := r.ReadAt(nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(0), src.ReadCount())
}

func TestReaderDescribeMemoizedAndRetryable(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	src.FailDescribe(2)
	r := newTestReader(t, src)

	_, err := r.Describe()
	require.ErrorIs(t, err, sparse.ErrUpstreamDescribe)

	// A read also surfaces the describe failure without touching the data.
	_, err = r.ReadAt(make([]byte, 10), 0)
	require.ErrorIs(t, err, sparse.ErrUpstreamDescribe)
	assert.Equal(t, int64(0), src.ReadCount())

	// The failure is not sticky: the next call retries and succeeds.
	d, err := r.Describe()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), d.Size)
	assert.True(t, d.Seekable)
}

func TestReaderUpstreamFailureKeepsPartialFill(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	src.FailReadsIn(500, 600)
	r := newTestReader(t, src,
		sparse.WithCapacity(1000),
		sparse.WithChunkSize(100),
	)

	// The cycle fails on the faulty chunk, failing this request even
	// though its own sub-range was fetched.
	_, err := r.ReadAt(make([]byte, 50), 0)
	require.ErrorIs(t, err, sparse.ErrUpstreamRead)
	require.ErrorIs(t, err, testutil.ErrInjected)

	// Bytes fetched before the failure stay cached: this read is served
	// from memory with no new upstream traffic.
	reads := src.ReadCount()
	buf := make([]byte, 50)
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	assert.Equal(t, src.Bytes()[:50], buf)
	assert.Equal(t, reads, src.ReadCount())

	// After the fault clears, only the still-missing ranges are fetched.
	src.ClearFailures()
	full := make([]byte, 1000)
	n, err = r.ReadAt(full, 0)
	require.NoError(t, err)
	require.Equal(t, 1000, n)
	assert.Equal(t, src.Bytes(), full)
}

func TestReaderCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	src.SetLatency(2 * time.Millisecond)
	r := newTestReader(t, src,
		sparse.WithCapacity(1000),
		sparse.WithChunkSize(100),
	)

	const goroutines = 10
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	bufs := make([][]byte, goroutines)
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			bufs[i] = make([]byte, 100)
			_, errs[i] = r.ReadAt(bufs[i], 0)
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "goroutine %d", i)
		assert.Equal(t, src.Bytes()[:100], bufs[i])
	}

	// All ten misses coalesced onto a single windowed fill cycle: one
	// chunk fetch per chunk of the window, never a duplicate.
	assert.Equal(t, int64(10), src.ReadCount())
	assert.Equal(t, int64(1), r.Stats().FillCycles)
}

func TestReaderDisjointMissesRunSeparateCycles(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	src.SetLatency(2 * time.Millisecond)
	r := newTestReader(t, src,
		sparse.WithCapacity(300),
		sparse.WithChunkSize(100),
	)

	// Two concurrent reads at disjoint offsets: no single cache window
	// covers both, so a waiter left unsatisfied by one cycle must start
	// its own once it wakes.
	start := make(chan struct{})
	var wg sync.WaitGroup
	offsets := []int64{0, 800}
	errs := make([]error, len(offsets))
	bufs := make([][]byte, len(offsets))
	for i, off := range offsets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			bufs[i] = make([]byte, 100)
			_, errs[i] = r.ReadAt(bufs[i], off)
		}()
	}
	close(start)
	wg.Wait()

	for i, off := range offsets {
		require.NoError(t, errs[i], "offset %d", off)
		assert.Equal(t, src.Bytes()[off:off+100], bufs[i], "offset %d", off)
	}
	assert.GreaterOrEqual(t, r.Stats().FillCycles, int64(2))
}

func TestReaderEvictsOutsideWindow(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	r := newTestReader(t, src,
		sparse.WithCapacity(300),
		sparse.WithMaxBacktrack(100),
		sparse.WithChunkSize(100),
	)

	buf := make([]byte, 100)
	_, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, int64(200), r.Stats().CachedBytes)

	// Jumping to the far end forces eviction of the cold front window.
	_, err = r.ReadAt(buf, 800)
	require.NoError(t, err)
	assert.Equal(t, src.Bytes()[800:900], buf)

	stats := r.Stats()
	assert.Equal(t, int64(200), stats.EvictedBytes)
	assert.LessOrEqual(t, stats.CachedBytes, int64(300))
}

func TestReaderBacktrackKeepsRecentBytes(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	r := newTestReader(t, src,
		sparse.WithCapacity(300),
		sparse.WithMaxBacktrack(100),
		sparse.WithChunkSize(100),
	)

	buf := make([]byte, 100)
	_, err := r.ReadAt(buf, 800)
	require.NoError(t, err)
	reads := src.ReadCount()

	// A seek back within the backtrack window is served from memory.
	small := make([]byte, 50)
	n, err := r.ReadAt(small, 720)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	assert.Equal(t, src.Bytes()[720:770], small)
	assert.Equal(t, reads, src.ReadCount())
}

func TestReaderShortSource(t *testing.T) {
	t.Parallel()

	// The source declares 1000 bytes but only 600 exist, so reads near the
	// declared end hit genuine short reads.
	src := &testutil.TruncatedSource{ByteSource: testutil.Pattern(600), DeclaredSize: 1000}
	r := newTestReader(t, src,
		sparse.WithCapacity(1000),
		sparse.WithChunkSize(100),
	)

	// A read within the real data succeeds; the remainder of the window
	// simply stays unfetched.
	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	assert.Equal(t, src.Bytes()[:100], buf)

	// A read wholly past the real end can never make progress.
	_, err = r.ReadAt(buf, 700)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderEmptySource(t *testing.T) {
	t.Parallel()

	r := newTestReader(t, testutil.NewByteSource(nil))
	d, err := r.Describe()
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Size)

	n, err := r.ReadAt(make([]byte, 10), 0)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, n)
}

func TestReaderClose(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	r, err := sparse.NewReader(src)
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close is idempotent")

	_, err = r.ReadAt(buf, 0)
	require.ErrorIs(t, err, sparse.ErrClosed)
	_, err = r.Describe()
	require.ErrorIs(t, err, sparse.ErrClosed)
}

// blockingDescribeSource parks its first Describe until released, so tests
// can land Close in the middle of the upstream probe.
type blockingDescribeSource struct {
	*testutil.ByteSource
	entered chan struct{}
	release chan struct{}
}

func (s *blockingDescribeSource) Describe() (sparse.Description, error) {
	close(s.entered)
	<-s.release
	return s.ByteSource.Describe()
}

func TestReaderCloseDuringDescribe(t *testing.T) {
	t.Parallel()

	src := &blockingDescribeSource{
		ByteSource: testutil.Pattern(1000),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	r, err := sparse.NewReader(src)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Describe()
		done <- err
	}()

	// Close while the upstream describe is still in flight: the caller must
	// see ErrClosed, never a successful completion.
	<-src.entered
	require.NoError(t, r.Close())
	close(src.release)
	require.ErrorIs(t, <-done, sparse.ErrClosed)

	_, err = r.ReadAt(make([]byte, 10), 0)
	require.ErrorIs(t, err, sparse.ErrClosed)
}

func TestReaderOptionValidation(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)

	_, err := sparse.NewReader(src, sparse.WithCapacity(0))
	require.ErrorIs(t, err, sparse.ErrInvalidOptions)

	_, err = sparse.NewReader(src,
		sparse.WithCapacity(100),
		sparse.WithMaxBacktrack(100),
	)
	require.ErrorIs(t, err, sparse.ErrInvalidOptions)

	_, err = sparse.NewReader(src, sparse.WithChunkSize(-1))
	require.ErrorIs(t, err, sparse.ErrInvalidOptions)
}

func TestReaderConfigure(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	r := newTestReader(t, src, sparse.WithCapacity(1000), sparse.WithChunkSize(100))

	err := r.Configure(sparse.WithMaxBacktrack(2000))
	require.ErrorIs(t, err, sparse.ErrInvalidOptions)

	// A rejected configuration leaves the previous one in force.
	buf := make([]byte, 50)
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)

	// A valid reconfiguration applies to the next window computation.
	require.NoError(t, r.Configure(sparse.WithChunkSize(50)))
}

func TestReaderComposes(t *testing.T) {
	t.Parallel()

	// Reader implements ByteSource, so it stacks on itself.
	src := testutil.Pattern(1000)
	inner := newTestReader(t, src, sparse.WithCapacity(1000), sparse.WithChunkSize(100))
	outer := newTestReader(t, inner, sparse.WithCapacity(500), sparse.WithChunkSize(50))

	buf := make([]byte, 200)
	n, err := outer.ReadAt(buf, 300)
	require.NoError(t, err)
	require.Equal(t, 200, n)
	assert.Equal(t, src.Bytes()[300:500], buf)
}

func TestReaderErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	src := testutil.Pattern(1000)
	src.FailReadsIn(0, 1000)
	r := newTestReader(t, src, sparse.WithCapacity(1000), sparse.WithChunkSize(100))

	_, err := r.ReadAt(make([]byte, 10), 0)
	require.ErrorIs(t, err, sparse.ErrUpstreamRead)
	assert.False(t, errors.Is(err, sparse.ErrUpstreamDescribe))
}
