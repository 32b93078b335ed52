package sparse

import (
	"fmt"
	"slices"
	"sort"
)

// span is a half-open interval [start, start+length) of the address space.
type span struct {
	start  int64
	length int64
}

func (s span) end() int64 { return s.start + s.length }

func (s span) contains(pos int64) bool { return s.start <= pos && pos < s.end() }

// regionData is a resident interval and its payload.
type regionData struct {
	start int64
	data  []byte
}

func (r regionData) length() int64 { return int64(len(r.data)) }

func (r regionData) end() int64 { return r.start + int64(len(r.data)) }

func (r regionData) contains(pos int64) bool { return r.start <= pos && pos < r.end() }

// Hole is a cursor for a maximal interval of bytes not yet fetched.
//
// A Hole is a position plus a freshness token, not a live iterator: any
// structural mutation of the owning Buffer invalidates it. Mutating calls
// return fresh handles, and lookups passed a stale Hole as a hint fall back
// to an authoritative search. Passing a stale Hole to a mutating call
// (Fill) is a programming error and panics.
type Hole struct {
	start  int64
	length int64
	idx    int
	gen    uint64
	valid  bool
}

// Start returns the first byte offset covered by the hole.
func (h Hole) Start() int64 { return h.start }

// Length returns the number of bytes the hole covers.
func (h Hole) Length() int64 { return h.length }

// End returns the offset just past the hole.
func (h Hole) End() int64 { return h.start + h.length }

// Region is a cursor for a resident interval. It carries the same freshness
// semantics as Hole.
type Region struct {
	start  int64
	length int64
	idx    int
	gen    uint64
	valid  bool
}

// Start returns the first byte offset covered by the region.
func (r Region) Start() int64 { return r.start }

// Length returns the number of resident bytes.
func (r Region) Length() int64 { return r.length }

// End returns the offset just past the region.
func (r Region) End() int64 { return r.start + r.length }

// Buffer is a sparse byte buffer over a fixed-size address space.
//
// Every offset in [0, Size()) belongs to exactly one hole or exactly one
// region at all times. Holes are kept maximal: removing a region coalesces
// the freed span with adjacent holes. Regions created by separate fills that
// happen to be adjacent stay separate entries; ReadRange traverses adjacent
// regions transparently.
//
// Buffer performs no I/O and is not safe for concurrent use; its only owner
// is expected to serialize access. Violated preconditions (a position not in
// the expected kind of interval, an oversized fill or shrink, use before
// Initialize) panic: they indicate a bug in the caller, not a recoverable
// condition.
type Buffer struct {
	size    int64
	holes   []span
	regions []regionData
	cached  int64
	gen     uint64
}

// NewBuffer returns a buffer initialized to a single hole covering [0, size).
func NewBuffer(size int64) *Buffer {
	b := &Buffer{}
	b.Initialize(size)
	return b
}

// Initialize resets the buffer to a single hole covering [0, size). It may
// be called again on a live buffer to discard all cached content.
func (b *Buffer) Initialize(size int64) {
	if size <= 0 {
		panic(fmt.Sprintf("sparse: buffer size %d must be > 0", size))
	}
	b.size = size
	b.holes = []span{{start: 0, length: size}}
	b.regions = nil
	b.cached = 0
	b.gen++
}

// Size returns the extent of the address space.
func (b *Buffer) Size() int64 { return b.size }

// CachedBytes returns the total number of resident bytes.
func (b *Buffer) CachedBytes() int64 { return b.cached }

// HoleCount returns the number of hole entries.
func (b *Buffer) HoleCount() int { return len(b.holes) }

// RegionCount returns the number of region entries.
func (b *Buffer) RegionCount() int { return len(b.regions) }

func (b *Buffer) checkInit() {
	if b.size == 0 {
		panic("sparse: buffer used before Initialize")
	}
}

func (b *Buffer) checkPos(pos int64) {
	b.checkInit()
	if pos < 0 || pos >= b.size {
		panic(fmt.Sprintf("sparse: position %d outside [0, %d)", pos, b.size))
	}
}

func (b *Buffer) mustCurrent(valid bool, gen uint64) {
	b.checkInit()
	if !valid || gen != b.gen {
		panic("sparse: stale or null handle passed to a mutating call")
	}
}

func (b *Buffer) holeAt(i int) Hole {
	s := b.holes[i]
	return Hole{start: s.start, length: s.length, idx: i, gen: b.gen, valid: true}
}

func (b *Buffer) regionAt(i int) Region {
	r := b.regions[i]
	return Region{start: r.start, length: r.length(), idx: i, gen: b.gen, valid: true}
}

// holeIndex returns the index of the hole containing pos, or the index of
// the first hole starting after pos when pos lies in a region.
func (b *Buffer) holeIndex(pos int64) (int, bool) {
	i := sort.Search(len(b.holes), func(i int) bool { return b.holes[i].start > pos })
	if i > 0 && b.holes[i-1].contains(pos) {
		return i - 1, true
	}
	return i, false
}

func (b *Buffer) regionIndex(pos int64) (int, bool) {
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].start > pos })
	if i > 0 && b.regions[i-1].contains(pos) {
		return i - 1, true
	}
	return i, false
}

// FindHoleContaining returns the hole whose interval contains pos, or
// ok=false when pos lies in a region.
func (b *Buffer) FindHoleContaining(pos int64) (Hole, bool) {
	b.checkPos(pos)
	if i, ok := b.holeIndex(pos); ok {
		return b.holeAt(i), true
	}
	return Hole{}, false
}

// FindRegionContaining returns the region whose interval contains pos, or
// ok=false when pos lies in a hole.
//
// hint is typically the region returned by a previous call. A fresh hint
// containing pos (or whose immediate successor contains pos) resolves in
// O(1); otherwise the lookup falls back to a binary search.
func (b *Buffer) FindRegionContaining(pos int64, hint Region) (Region, bool) {
	b.checkPos(pos)
	if hint.valid && hint.gen == b.gen {
		if hint.start <= pos && pos < hint.End() {
			return hint, true
		}
		if next := hint.idx + 1; next < len(b.regions) && b.regions[next].contains(pos) {
			return b.regionAt(next), true
		}
	}
	if i, ok := b.regionIndex(pos); ok {
		return b.regionAt(i), true
	}
	return Region{}, false
}

// FindOrCreateHole returns the hole starting exactly at pos, splitting an
// existing larger hole when pos falls strictly inside it. The existing hole
// is truncated in place to [start, pos) and a new hole [pos, end) is
// inserted after it. pos must lie in a hole; a pos inside a region panics.
func (b *Buffer) FindOrCreateHole(pos int64, hint Hole) Hole {
	b.checkPos(pos)
	i, ok := -1, false
	if hint.valid && hint.gen == b.gen && hint.start <= pos && pos < hint.End() {
		i, ok = hint.idx, true
	} else {
		i, ok = b.holeIndex(pos)
	}
	if !ok {
		panic(fmt.Sprintf("sparse: position %d is not in a hole", pos))
	}
	if b.holes[i].start == pos {
		return b.holeAt(i)
	}
	b.splitHole(i, pos)
	return b.holeAt(i + 1)
}

// splitHole splits hole i at pos, which must lie strictly inside it.
func (b *Buffer) splitHole(i int, pos int64) {
	s := b.holes[i]
	b.holes[i].length = pos - s.start
	b.holes = slices.Insert(b.holes, i+1, span{start: pos, length: s.end() - pos})
	b.gen++
}

// FindOrCreateHolesInRange decomposes the window [start, start+size) into
// the set of holes that exactly tile its unfetched portion, splitting the
// first and last holes at the window boundaries so that excess outside the
// window stays behind as separate, untouched holes. Regions inside the
// window are skipped. A window exactly matching an existing hole returns
// that hole unmodified.
func (b *Buffer) FindOrCreateHolesInRange(start, size int64) []Hole {
	b.checkPos(start)
	if size <= 0 || start+size > b.size {
		panic(fmt.Sprintf("sparse: range [%d, %d) outside [0, %d)", start, start+size, b.size))
	}
	end := start + size

	if i, ok := b.holeIndex(start); ok && b.holes[i].start < start {
		b.splitHole(i, start)
	}
	if i, ok := b.holeIndex(end); ok && b.holes[i].start < end {
		b.splitHole(i, end)
	}

	var out []Hole
	i := sort.Search(len(b.holes), func(i int) bool { return b.holes[i].start >= start })
	for ; i < len(b.holes) && b.holes[i].start < end; i++ {
		out = append(out, b.holeAt(i))
	}
	return out
}

// Fill writes data into a new region starting at the hole's position,
// consuming len(data) bytes of the hole. Shorter data leaves the remainder
// as a smaller hole immediately following the new region; data exactly the
// hole's length removes the hole. Fill takes ownership of data.
//
// It returns the hole now following the filled region, or ok=false when no
// hole at or after the filled bytes remains. Empty data, data longer than
// the hole, or a stale handle panics.
func (b *Buffer) Fill(h Hole, data []byte) (Hole, bool) {
	b.mustCurrent(h.valid, h.gen)
	n := int64(len(data))
	if n == 0 {
		panic("sparse: fill with empty data")
	}
	s := b.holes[h.idx]
	if n > s.length {
		panic(fmt.Sprintf("sparse: fill of %d bytes exceeds hole of %d", n, s.length))
	}

	j := sort.Search(len(b.regions), func(j int) bool { return b.regions[j].start > s.start })
	b.regions = slices.Insert(b.regions, j, regionData{start: s.start, data: data})
	b.cached += n

	if n < s.length {
		b.holes[h.idx] = span{start: s.start + n, length: s.length - n}
	} else {
		b.holes = slices.Delete(b.holes, h.idx, h.idx+1)
	}
	b.gen++

	fillEnd := s.start + n
	k := sort.Search(len(b.holes), func(k int) bool { return b.holes[k].start >= fillEnd })
	if k == len(b.holes) {
		return Hole{}, false
	}
	return b.holeAt(k), true
}

// ReadRange copies the longest prefix of [start, start+len(p)) covered by
// contiguous regions into p, stopping at the first hole. A count shorter
// than len(p) means the remainder is not resident.
func (b *Buffer) ReadRange(p []byte, start int64) int {
	b.checkPos(start)
	i, ok := b.regionIndex(start)
	if !ok {
		return 0
	}
	copied := 0
	pos := start
	for copied < len(p) && i < len(b.regions) && b.regions[i].contains(pos) {
		r := b.regions[i]
		n := copy(p[copied:], r.data[pos-r.start:])
		copied += n
		pos += int64(n)
		i++
	}
	return copied
}

// BytesMissingInRange returns the number of bytes in [start, start+size)
// that are not resident. Zero means ReadRange can satisfy the whole range.
func (b *Buffer) BytesMissingInRange(start, size int64) int64 {
	b.checkPos(start)
	end := min(start+size, b.size)
	var missing int64
	i := sort.Search(len(b.holes), func(i int) bool { return b.holes[i].end() > start })
	for ; i < len(b.holes) && b.holes[i].start < end; i++ {
		lo := max(b.holes[i].start, start)
		hi := min(b.holes[i].end(), end)
		missing += hi - lo
	}
	return missing
}

// NextMissingByte returns the offset of the first unfetched byte at or
// after start, or Size() when everything from start on is resident.
func (b *Buffer) NextMissingByte(start int64) int64 {
	b.checkPos(start)
	i, ok := b.holeIndex(start)
	if ok {
		return start
	}
	if i < len(b.holes) {
		return b.holes[i].start
	}
	return b.size
}

// Free removes a region entirely, coalescing the freed span with an
// immediately adjacent preceding and/or following hole into one hole.
// It returns the resulting hole.
func (b *Buffer) Free(r Region) Hole {
	b.mustCurrent(r.valid, r.gen)
	reg := b.regions[r.idx]
	b.regions = slices.Delete(b.regions, r.idx, r.idx+1)
	b.cached -= reg.length()

	freed := span{start: reg.start, length: reg.length()}
	i := sort.Search(len(b.holes), func(i int) bool { return b.holes[i].start >= freed.start })
	if i > 0 && b.holes[i-1].end() == freed.start {
		i--
		freed = span{start: b.holes[i].start, length: b.holes[i].length + freed.length}
		b.holes = slices.Delete(b.holes, i, i+1)
	}
	if i < len(b.holes) && b.holes[i].start == freed.end() {
		freed.length += b.holes[i].length
		b.holes = slices.Delete(b.holes, i, i+1)
	}
	b.holes = slices.Insert(b.holes, i, freed)
	b.gen++
	return b.holeAt(i)
}

// ShrinkRegionFront discards n bytes from the front of a region, absorbing
// the freed span into an adjoining hole (or creating one). When n covers
// the whole region it is freed entirely and ok=false is returned.
func (b *Buffer) ShrinkRegionFront(r Region, n int64) (Region, bool) {
	b.mustCurrent(r.valid, r.gen)
	if n <= 0 {
		panic(fmt.Sprintf("sparse: shrink of %d bytes", n))
	}
	reg := b.regions[r.idx]
	if n >= reg.length() {
		b.Free(r)
		return Region{}, false
	}

	b.regions[r.idx] = regionData{start: reg.start + n, data: reg.data[n:]}
	b.cached -= n

	i := sort.Search(len(b.holes), func(i int) bool { return b.holes[i].start >= reg.start })
	if i > 0 && b.holes[i-1].end() == reg.start {
		b.holes[i-1].length += n
	} else {
		b.holes = slices.Insert(b.holes, i, span{start: reg.start, length: n})
	}
	b.gen++
	return b.regionAt(r.idx), true
}

// ShrinkRegionBack discards n bytes from the back of a region, absorbing
// the freed span into an adjoining hole (or creating one). When n covers
// the whole region it is freed entirely and ok=false is returned.
func (b *Buffer) ShrinkRegionBack(r Region, n int64) (Region, bool) {
	b.mustCurrent(r.valid, r.gen)
	if n <= 0 {
		panic(fmt.Sprintf("sparse: shrink of %d bytes", n))
	}
	reg := b.regions[r.idx]
	if n >= reg.length() {
		b.Free(r)
		return Region{}, false
	}

	keep := reg.length() - n
	b.regions[r.idx].data = reg.data[:keep]
	b.cached -= n

	freed := span{start: reg.start + keep, length: n}
	i := sort.Search(len(b.holes), func(i int) bool { return b.holes[i].start >= freed.start })
	if i < len(b.holes) && b.holes[i].start == reg.end() {
		b.holes[i] = span{start: freed.start, length: b.holes[i].length + n}
	} else {
		b.holes = slices.Insert(b.holes, i, freed)
	}
	b.gen++
	return b.regionAt(r.idx), true
}

// CleanUpExcept frees or shrinks regions lying outside the protected window
// [protStart, protStart+protSize) until goal bytes have been reclaimed or
// nothing evictable remains. Regions before the window go first, farthest
// from the window first, shrunk from their front edge and never past the
// window boundary; then regions after the window, farthest first, shrunk
// from their back edge. Bytes inside the window are never touched. Returns
// the bytes actually freed, which may be less than goal.
//
// The traversal order is distance-based only, not recency-based; callers
// may depend on it for predictable latency.
func (b *Buffer) CleanUpExcept(goal, protStart, protSize int64) int64 {
	b.checkInit()
	if goal <= 0 {
		return 0
	}
	protEnd := protStart + protSize
	var freed int64

	for freed < goal && len(b.regions) > 0 {
		reg := b.regions[0]
		if reg.start >= protStart {
			break
		}
		evictable := min(reg.length(), protStart-reg.start)
		take := min(evictable, goal-freed)
		if take == reg.length() {
			b.Free(b.regionAt(0))
		} else {
			b.ShrinkRegionFront(b.regionAt(0), take)
		}
		freed += take
	}

	for freed < goal && len(b.regions) > 0 {
		last := len(b.regions) - 1
		reg := b.regions[last]
		if reg.end() <= protEnd {
			break
		}
		evictable := min(reg.length(), reg.end()-protEnd)
		take := min(evictable, goal-freed)
		if take == reg.length() {
			b.Free(b.regionAt(last))
		} else {
			b.ShrinkRegionBack(b.regionAt(last), take)
		}
		freed += take
	}

	return freed
}
