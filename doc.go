// Package sparse provides a windowed in-memory cache for finite,
// randomly-seekable byte sources.
//
// The package has two layers. [Buffer] is a sparse byte buffer: it partitions
// a fixed address space into holes (bytes not yet fetched) and regions (bytes
// resident in memory) and provides the interval operations to split, fill,
// shrink, and evict them. [Reader] decorates an upstream [ByteSource] with a
// Buffer, serving reads from memory when possible and otherwise fetching the
// missing ranges in chunk-sized upstream reads, keeping a configurable window
// around the most recent read position resident under a fixed capacity.
//
// Reader implements ByteSource itself, so it composes transparently wherever
// the upstream could be used directly:
//
//	src := http.NewSource("https://example.com/video.mp4")
//	r, err := sparse.NewReader(src,
//	    sparse.WithCapacity(16<<20),
//	    sparse.WithChunkSize(512<<10),
//	)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//	n, err := r.ReadAt(buf, 4096)
//
// The cache is read-only: it never writes back to the upstream, never
// persists to disk, and never transforms fetched content.
package sparse
