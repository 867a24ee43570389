package pagekv

import "sort"

// freeEntry is one (address, run length) record in the freelist.
type freeEntry struct {
	addr    uint64
	runLen  uint8 // 1..15
}

// freeMap is the ordered address -> run-length mapping of free pages:
// keys are multiples of page_size, no two entries overlap, adjacent runs
// are not required to be coalesced. Kept as a
// slice sorted by address (freelists stay small -- hundreds of entries,
// not millions) so address lookups are binary searches and
// begin()/ascending iteration and "first entry >= N pages" lookups are
// plain linear scans, rather than warranting a full ordered-map data
// structure.
type freeMap struct {
	entries []freeEntry
}

func newFreeMap() *freeMap { return &freeMap{} }

func (f *freeMap) Len() int { return len(f.entries) }

func (f *freeMap) IsEmpty() bool { return len(f.entries) == 0 }

func (f *freeMap) search(addr uint64) int {
	return sort.Search(len(f.entries), func(i int) bool {
		return f.entries[i].addr >= addr
	})
}

// Get returns the run length stored at addr, if any.
func (f *freeMap) Get(addr uint64) (uint8, bool) {
	i := f.search(addr)
	if i < len(f.entries) && f.entries[i].addr == addr {
		return f.entries[i].runLen, true
	}
	return 0, false
}

// Set inserts or overwrites the entry at addr.
func (f *freeMap) Set(addr uint64, runLen uint8) {
	i := f.search(addr)
	if i < len(f.entries) && f.entries[i].addr == addr {
		f.entries[i].runLen = runLen
		return
	}
	f.entries = append(f.entries, freeEntry{})
	copy(f.entries[i+1:], f.entries[i:])
	f.entries[i] = freeEntry{addr: addr, runLen: runLen}
}

// Erase removes the entry at addr, if present.
func (f *freeMap) Erase(addr uint64) {
	i := f.search(addr)
	if i < len(f.entries) && f.entries[i].addr == addr {
		f.entries = append(f.entries[:i], f.entries[i+1:]...)
	}
}

// Clear empties the map.
func (f *freeMap) Clear() { f.entries = f.entries[:0] }

// Begin returns the entry with the smallest address, used by single-page
// allocation: lookups iterate in ascending address order and take the
// first entry.
func (f *freeMap) Begin() (freeEntry, bool) {
	if len(f.entries) == 0 {
		return freeEntry{}, false
	}
	return f.entries[0], true
}

// FindRunAtLeast scans in ascending address order for the first entry
// whose run length is >= n, used by multi-page blob allocation.
func (f *freeMap) FindRunAtLeast(n uint8) (freeEntry, bool) {
	for _, e := range f.entries {
		if e.runLen >= n {
			return e, true
		}
	}
	return freeEntry{}, false
}

// ForEach visits entries in ascending address order.
func (f *freeMap) ForEach(fn func(addr uint64, runLen uint8)) {
	for _, e := range f.entries {
		fn(e.addr, e.runLen)
	}
}

// Equal reports whether two freeMaps contain exactly the same entries.
func (f *freeMap) Equal(other *freeMap) bool {
	if len(f.entries) != len(other.entries) {
		return false
	}
	for i, e := range f.entries {
		if other.entries[i] != e {
			return false
		}
	}
	return true
}

// --- bit-exact on-disk record codec ---
//
// Each freelist entry is packed as its own record: one header byte
// (run_length<<4)|n, followed by n bytes of little-endian addr/page_size.
// Encoding never opportunistically re-groups separate adjacent map
// entries into one record, so decode(encode(F)) == F always holds for
// any freeMap, regardless of which entries happen to be address-adjacent.

// encodeVarUint writes v into buf as the minimal little-endian byte
// sequence (0 bytes for v==0), returning the number of bytes written.
func encodeVarUint(buf []byte, v uint64) int {
	n := 0
	for v > 0 {
		buf[n] = byte(v)
		v >>= 8
		n++
	}
	return n
}

// decodeVarUint reads an n-byte little-endian unsigned integer.
func decodeVarUint(buf []byte, n int) uint64 {
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = (v << 8) | uint64(buf[i])
	}
	return v
}

// maxRecordSize is the worst case size of one packed freelist record:
// 1 header byte + up to 8 address bytes.
const maxRecordSize = 9

// encodeRecord packs one freelist entry into buf, returning the number of
// bytes written. pageSize divides addr exactly (an invariant of freeMap).
func encodeRecord(buf []byte, addr uint64, runLen uint8, pageSize uint32) int {
	n := encodeVarUint(buf[1:], addr/uint64(pageSize))
	buf[0] = (runLen << 4) | uint8(n)
	return 1 + n
}

// decodeRecord unpacks one freelist record from buf, returning the entry
// and the number of bytes consumed.
func decodeRecord(buf []byte, pageSize uint32) (addr uint64, runLen uint8, consumed int) {
	header := buf[0]
	runLen = header >> 4
	n := int(header & 0x0f)
	id := decodeVarUint(buf[1:1+n], n)
	return id * uint64(pageSize), runLen, 1 + n
}
