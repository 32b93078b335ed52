package sparse

// Description reports the upstream metadata a Reader needs before it can
// cache anything: the total size and whether the source supports reads at
// arbitrary offsets.
type Description struct {
	Size     int64
	Seekable bool
}

// ByteSource is the upstream contract consumed (and re-exposed) by Reader.
//
// Describe may be called more than once; callers are allowed to memoize a
// successful result. ReadAt follows io.ReaderAt semantics except that a
// short read at end-of-stream is reported with io.EOF rather than an
// implementation-specific error.
type ByteSource interface {
	// Describe reports the total size and seekability of the source.
	Describe() (Description, error)

	// ReadAt reads len(p) bytes at offset off. It may return fewer bytes
	// only at end-of-stream, together with io.EOF.
	ReadAt(p []byte, off int64) (int, error)
}
