package pagekv

import "fmt"

// ridSize is sizeof(offset): the width of the rid field every leaf entry
// carries, and the boundary between Tiny and Small record representations.
const ridSize = 8

// RecordKind is one of the four representations a leaf entry's record can
// take, encoded in the entry's flags byte.
type RecordKind uint8

const (
	// RecordEmpty: size 0, no blob.
	RecordEmpty RecordKind = iota
	// RecordTiny: size in (0, ridSize); data packed into the rid field,
	// length stored in the field's trailing byte.
	RecordTiny
	// RecordSmall: size == ridSize; data packed into the rid field in full.
	RecordSmall
	// RecordBig: stored as a blob; rid field holds the blob's page address.
	RecordBig
)

func (k RecordKind) String() string {
	switch k {
	case RecordEmpty:
		return "empty"
	case RecordTiny:
		return "tiny"
	case RecordSmall:
		return "small"
	case RecordBig:
		return "big"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Record is the logical value attached to a leaf entry, independent of how
// it is physically packed into that entry's flags+rid fields.
type Record struct {
	Kind   RecordKind
	Data   []byte // valid for Empty/Tiny/Small
	BlobID uint64 // valid for Big: the address of the blob's first page
	Size   uint32 // logical byte length, always set
}

// ClassifyInline builds the Record for data that is small enough to be
// packed inline (size <= ridSize). Callers must route size > ridSize
// through blob storage and build a RecordBig record themselves once the
// blob id is known.
func ClassifyInline(data []byte) Record {
	switch {
	case len(data) == 0:
		return Record{Kind: RecordEmpty}
	case len(data) < ridSize:
		return Record{Kind: RecordTiny, Data: data, Size: uint32(len(data))}
	case len(data) == ridSize:
		return Record{Kind: RecordSmall, Data: data, Size: uint32(len(data))}
	default:
		panic("pagekv: ClassifyInline called with data longer than ridSize")
	}
}

// NewBigRecord builds the Record for data stored out-of-line as a blob.
func NewBigRecord(blobID uint64, size uint32) Record {
	return Record{Kind: RecordBig, BlobID: blobID, Size: size}
}

// EncodeRid packs r into an 8-byte rid field plus the flags nibble that
// must accompany it in the leaf entry.
func EncodeRid(r Record) (rid [ridSize]byte, flags uint8) {
	switch r.Kind {
	case RecordEmpty:
		return rid, uint8(RecordEmpty)
	case RecordTiny:
		copy(rid[:], r.Data)
		rid[ridSize-1] = byte(len(r.Data))
		return rid, uint8(RecordTiny)
	case RecordSmall:
		copy(rid[:], r.Data)
		return rid, uint8(RecordSmall)
	case RecordBig:
		putVarUintFixed(rid[:], r.BlobID, ridSize)
		return rid, uint8(RecordBig)
	default:
		panic("pagekv: EncodeRid: invalid record kind")
	}
}

// DecodeRid unpacks the rid field and flags nibble of a leaf entry back
// into a Record. size is the entry's stored logical size, needed to
// recover a Big record's byte length (the rid field alone only carries
// the blob id).
func DecodeRid(flags uint8, rid [ridSize]byte, size uint32) Record {
	switch RecordKind(flags) {
	case RecordEmpty:
		return Record{Kind: RecordEmpty}
	case RecordTiny:
		n := int(rid[ridSize-1])
		data := make([]byte, n)
		copy(data, rid[:n])
		return Record{Kind: RecordTiny, Data: data, Size: uint32(n)}
	case RecordSmall:
		data := make([]byte, ridSize)
		copy(data, rid[:])
		return Record{Kind: RecordSmall, Data: data, Size: ridSize}
	case RecordBig:
		blobID := decodeVarUint(rid[:], ridSize)
		return Record{Kind: RecordBig, BlobID: blobID, Size: size}
	default:
		panic("pagekv: DecodeRid: invalid record flags")
	}
}

// NewRecord classifies data into whichever representation fits inline.
// It never assigns a blob, so it panics if data is longer than ridSize:
// callers needing Big representation for data that long must allocate and
// write the blob themselves and build the record with NewBigRecord. A
// silent BlobID-0 placeholder here would read back as a valid-looking but
// bogus blob reference instead of failing where the mistake was made.
func NewRecord(data []byte) Record {
	if len(data) > ridSize {
		panic("pagekv: NewRecord called with data longer than ridSize; use NewBigRecord for blob-backed records")
	}
	return ClassifyInline(data)
}
