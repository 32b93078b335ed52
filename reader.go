package sparse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// fetchBudgetChunks bounds the bytes held by in-flight upstream reads within
// one fill cycle, in multiples of the chunk size.
const fetchBudgetChunks = 4

// Reader decorates an upstream ByteSource with a windowed sparse cache.
//
// Reads covered by resident bytes are served from memory. A miss schedules
// one fill cycle: the Reader computes the desired cache window around the
// read position, evicts resident bytes outside the window if the capacity
// would be exceeded, and fetches every hole inside the window in chunk-sized
// upstream reads. At most one fill cycle is in flight at a time; reads
// arriving during a cycle block on its completion and re-check, so
// concurrent misses are coalesced into the fewest upstream fetches.
//
// Reader implements ByteSource itself and is safe for concurrent use. The
// upstream may be shared between Readers; each keeps its own buffer and
// never has more than one fill cycle outstanding against the upstream.
//
// Reader uses singleflight to share a single upstream Describe between all
// callers; a failed describe leaves the cache uninitialized and is retried
// by the next call.
type Reader struct {
	src ByteSource

	mu        sync.Mutex
	cfg       cacheConfig
	buf       *Buffer
	desc      Description
	described bool
	loading   bool
	cycle     *fillCycle
	closed    bool

	describeGroup singleflight.Group

	upstreamReads atomic.Int64
	upstreamBytes atomic.Int64
	fillCycles    atomic.Int64
	evictedBytes  atomic.Int64
}

// Interface compliance.
var _ ByteSource = (*Reader)(nil)

// fillCycle is one coordinated batch of upstream fetches. err is written
// before done is closed; waiters read it only after done.
type fillCycle struct {
	done chan struct{}
	err  error
}

// NewReader wraps src with a sparse cache. No upstream call is made until
// the first Describe or ReadAt.
func NewReader(src ByteSource, opts ...Option) (*Reader, error) {
	cfg := defaultCacheConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Reader{src: src, cfg: cfg}, nil
}

// Configure adjusts the cache options at runtime. Changes take effect on
// the next cache-window computation; already-resident bytes are kept until
// a later access finds the new capacity exceeded.
func (r *Reader) Configure(opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.cfg
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

// Describe reports the upstream size and seekability. The first successful
// call fetches from the upstream and sizes the cache; later calls reply
// from the memoized result. Concurrent first calls share one upstream
// describe.
func (r *Reader) Describe() (Description, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Description{}, ErrClosed
	}
	if r.described {
		d := r.desc
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	v, err, _ := r.describeGroup.Do("describe", func() (any, error) {
		d, err := r.src.Describe()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamDescribe, err)
		}
		if d.Size < 0 {
			return nil, fmt.Errorf("%w: reported size %d", ErrUpstreamDescribe, d.Size)
		}
		r.mu.Lock()
		if !r.described && !r.closed {
			r.desc = d
			if d.Size > 0 {
				r.buf = NewBuffer(d.Size)
			}
			r.described = true
		}
		r.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return Description{}, err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return Description{}, ErrClosed
	}
	return v.(Description), nil
}

// ReadAt reads len(p) bytes at offset off, blocking until the range is
// resident or a fill cycle it depends on fails. A read reaching past the
// end of the source returns the available prefix with io.EOF.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sparse: read at %d: negative offset", off)
	}
	d, err := r.Describe()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= d.Size {
		return 0, io.EOF
	}
	want := int64(len(p))
	truncated := false
	if off+want > d.Size {
		want = d.Size - off
		truncated = true
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return 0, ErrClosed
		}
		if r.buf.BytesMissingInRange(off, want) == 0 {
			n := r.buf.ReadRange(p[:want], off)
			r.mu.Unlock()
			if truncated {
				return n, io.EOF
			}
			return n, nil
		}

		if r.loading {
			c := r.cycle
			r.mu.Unlock()
			<-c.done
			if c.err != nil {
				return 0, c.err
			}
			continue
		}

		cycle := &fillCycle{done: make(chan struct{})}
		r.loading = true
		r.cycle = cycle
		wstart, wsize := r.window(off, want, d.Size)
		needed := r.buf.BytesMissingInRange(wstart, wsize)
		if over := r.buf.CachedBytes() + needed - r.cfg.capacity; over > 0 {
			r.evictedBytes.Add(r.buf.CleanUpExcept(over, wstart, wsize))
		}
		holes := r.buf.FindOrCreateHolesInRange(wstart, wsize)
		chunk := r.cfg.chunkSize
		r.mu.Unlock()

		r.fillCycles.Add(1)
		filled := r.fillHoles(holes, chunk, cycle)

		r.mu.Lock()
		r.loading = false
		r.cycle = nil
		closed := r.closed
		r.mu.Unlock()
		close(cycle.done)

		if closed {
			return 0, ErrClosed
		}
		if cycle.err != nil {
			return 0, cycle.err
		}
		if filled == 0 {
			// The upstream reported end-of-stream inside its own declared
			// address space; looping again could never make progress.
			return 0, io.ErrUnexpectedEOF
		}
	}
}

// window computes the desired cache window around off, clipped to the
// source size. A request longer than the forward extent of the window
// extends it so every read can eventually be satisfied.
func (r *Reader) window(off, want, size int64) (start, length int64) {
	start = max(0, off-r.cfg.maxBacktrack)
	end := off + max(r.cfg.capacity-r.cfg.maxBacktrack, want)
	end = min(end, size)
	return start, end - start
}

// fillHoles fetches every hole concurrently and fills chunks into the
// buffer as they arrive. It returns the number of bytes filled; a fetch
// failure is recorded on the cycle after all holes have settled.
func (r *Reader) fillHoles(holes []Hole, chunk int64, cycle *fillCycle) int64 {
	if len(holes) == 0 {
		return 0
	}
	var filled atomic.Int64
	budget := semaphore.NewWeighted(fetchBudgetChunks * chunk)
	g, ctx := errgroup.WithContext(context.Background())
	for _, h := range holes {
		start, length := h.Start(), h.Length()
		g.Go(func() error {
			return r.fillHole(ctx, start, length, chunk, budget, &filled)
		})
	}
	if err := g.Wait(); err != nil {
		cycle.err = fmt.Errorf("%w: %w", ErrUpstreamRead, err)
	}
	return filled.Load()
}

// fillHole fetches [start, start+length) in chunk-aligned upstream reads.
// A short read at end-of-stream fills what arrived and leaves the rest of
// the hole for a later cycle.
func (r *Reader) fillHole(ctx context.Context, start, length, chunk int64, budget *semaphore.Weighted, filled *atomic.Int64) error {
	pos := start
	end := start + length
	for pos < end {
		take := min(chunk-pos%chunk, end-pos)
		if err := budget.Acquire(ctx, take); err != nil {
			return err
		}
		buf := make([]byte, take)
		n, err := r.src.ReadAt(buf, pos)
		r.upstreamReads.Add(1)
		if n > 0 {
			r.upstreamBytes.Add(int64(n))
			if !r.fill(pos, buf[:n]) {
				budget.Release(take)
				return nil
			}
			filled.Add(int64(n))
		}
		budget.Release(take)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if int64(n) < take {
			return nil
		}
		pos += take
	}
	return nil
}

// fill stores one fetched chunk. It reports false once the Reader is
// closed, at which point in-flight fetches are abandoned.
func (r *Reader) fill(pos int64, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	h := r.buf.FindOrCreateHole(pos, Hole{})
	r.buf.Fill(h, data)
	return true
}

// Close releases the Reader. Blocked reads return ErrClosed and in-flight
// upstream fetches are dropped without filling the cache. Close is
// idempotent.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// ReaderStats is a point-in-time snapshot of a Reader's activity.
type ReaderStats struct {
	CachedBytes   int64
	UpstreamReads int64
	UpstreamBytes int64
	FillCycles    int64
	EvictedBytes  int64
}

// Stats returns a snapshot of cache activity counters.
func (r *Reader) Stats() ReaderStats {
	r.mu.Lock()
	var cached int64
	if r.buf != nil {
		cached = r.buf.CachedBytes()
	}
	r.mu.Unlock()
	return ReaderStats{
		CachedBytes:   cached,
		UpstreamReads: r.upstreamReads.Load(),
		UpstreamBytes: r.upstreamBytes.Load(),
		FillCycles:    r.fillCycles.Load(),
		EvictedBytes:  r.evictedBytes.Load(),
	}
}
