package sparse

import "fmt"

const (
	// DefaultCapacity is the default total number of bytes a Reader may
	// hold resident at once.
	DefaultCapacity int64 = 16 << 20

	// DefaultChunkSize is the default granularity of upstream fetches.
	DefaultChunkSize int64 = 512 << 10
)

// cacheConfig holds the Reader's cache-window configuration.
type cacheConfig struct {
	capacity     int64
	maxBacktrack int64
	chunkSize    int64
}

func defaultCacheConfig() cacheConfig {
	return cacheConfig{
		capacity:  DefaultCapacity,
		chunkSize: DefaultChunkSize,
	}
}

func (c *cacheConfig) validate() error {
	if c.capacity <= 0 {
		return fmt.Errorf("%w: capacity %d must be > 0", ErrInvalidOptions, c.capacity)
	}
	if c.maxBacktrack < 0 {
		return fmt.Errorf("%w: max backtrack %d must be >= 0", ErrInvalidOptions, c.maxBacktrack)
	}
	if c.maxBacktrack >= c.capacity {
		return fmt.Errorf("%w: max backtrack %d must be < capacity %d", ErrInvalidOptions, c.maxBacktrack, c.capacity)
	}
	if c.chunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d must be > 0", ErrInvalidOptions, c.chunkSize)
	}
	return nil
}

// Option configures a Reader's cache window.
type Option func(*cacheConfig)

// WithCapacity sets the total bytes the cache may hold concurrently.
func WithCapacity(n int64) Option {
	return func(c *cacheConfig) {
		c.capacity = n
	}
}

// WithMaxBacktrack sets the bytes retained behind the current read position
// for seek-back reuse. Must be smaller than the capacity.
func WithMaxBacktrack(n int64) Option {
	return func(c *cacheConfig) {
		c.maxBacktrack = n
	}
}

// WithChunkSize sets the granularity of upstream fetches. Upstream reads
// are issued aligned to this size except for the final chunk of a range,
// truncated at the upstream's end of data.
func WithChunkSize(n int64) Option {
	return func(c *cacheConfig) {
		c.chunkSize = n
	}
}
