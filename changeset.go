package pagekv

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pagekv/pagekv/spill"
)

// Changeset collects the pages a transaction has touched but not yet
// durably flushed, so a crash between "page marked dirty" and "page
// written through" cannot lose data that was already reported committed.
// Backed by a spill.Buffer (mmap'd, not heap-allocated) so a large burst
// of dirty pages during a bulk load does not pressure the Go heap.
type Changeset struct {
	mu       sync.Mutex
	buf      *spill.Buffer
	pageSize uint32
	slots    map[uint64]*spill.Slot
	lsn      uint64 // lsn of the last Flush, 0 if never flushed
}

// NewChangeset creates a Changeset whose spill segments live under dir,
// creating dir if it does not exist.
func NewChangeset(dir string, pageSize uint32) (*Changeset, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	buf, err := spill.New(filepath.Join(dir, "changeset.spill"), pageSize, spill.DefaultInitialCap)
	if err != nil {
		return nil, err
	}
	return &Changeset{
		buf:      buf,
		pageSize: pageSize,
		slots:    make(map[uint64]*spill.Slot),
	}, nil
}

// Put records addr's current page content in the changeset, replacing any
// prior entry for the same address.
func (cs *Changeset) Put(addr uint64, data []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if slot, ok := cs.slots[addr]; ok {
		copy(cs.buf.Get(slot), data)
		return nil
	}
	dst, slot, err := cs.buf.Allocate()
	if err != nil {
		return err
	}
	copy(dst, data)
	slot.PageAddr = addr
	cs.slots[addr] = slot
	return nil
}

// Get returns a copy of addr's changeset content, if present.
func (cs *Changeset) Get(addr uint64) ([]byte, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	slot, ok := cs.slots[addr]
	if !ok {
		return nil, false
	}
	data := cs.buf.Get(slot)
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Len returns the number of pages currently held in the changeset.
func (cs *Changeset) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.slots)
}

// PendingAddresses returns, in ascending order, the addresses of every
// page currently held in the changeset but not yet flushed through.
// Reads each slot's PageAddr back from the spill buffer rather than the
// slots map's own keys, so it also serves as a consistency check between
// the two.
func (cs *Changeset) PendingAddresses() []uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	addrs := make([]uint64, 0, len(cs.slots))
	for _, slot := range cs.slots {
		addrs = append(addrs, slot.PageAddr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Clear releases every slot without writing anything through.
func (cs *Changeset) Clear() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clearLocked()
}

func (cs *Changeset) clearLocked() {
	slots := make([]*spill.Slot, 0, len(cs.slots))
	for _, s := range cs.slots {
		slots = append(slots, s)
	}
	cs.buf.ReleaseBulk(slots)
	cs.slots = make(map[uint64]*spill.Slot)
}

// Flush writes every held page through writeFn in ascending address order
// (a deterministic order makes crash-recovery traces reproducible), stamps
// lsn as the changeset's flush point, then clears.
func (cs *Changeset) Flush(lsn uint64, writeFn func(addr uint64, data []byte) error) error {
	cs.mu.Lock()
	addrs := make([]uint64, 0, len(cs.slots))
	for addr := range cs.slots {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	cs.mu.Unlock()

	for _, addr := range addrs {
		data, ok := cs.Get(addr)
		if !ok {
			continue
		}
		if err := writeFn(addr, data); err != nil {
			return err
		}
	}

	cs.mu.Lock()
	cs.clearLocked()
	cs.lsn = lsn
	cs.mu.Unlock()
	return nil
}

// LastFlushLSN returns the lsn stamped by the most recent Flush.
func (cs *Changeset) LastFlushLSN() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lsn
}

// Close releases the changeset's spill segments, deleting their backing
// files: a changeset is session-scoped, not part of the durable database.
func (cs *Changeset) Close() error {
	return cs.buf.Close(true)
}
