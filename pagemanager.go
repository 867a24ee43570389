package pagekv

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// AllocFlags controls PageManager.Alloc behaviour.
type AllocFlags uint32

const (
	// AllocClearWithZero zero-fills the freshly allocated page's payload.
	AllocClearWithZero AllocFlags = 1 << iota
	// AllocIgnoreFreelist bypasses the freelist and always grows the device,
	// used while persisting the freelist's own state pages (taking a page
	// from the freelist to store the freelist would be self-referential).
	AllocIgnoreFreelist
	// AllocDisableStoreState reserves an address without marking the
	// freelist dirty, so the reservation cannot itself trigger an overflow
	// state-page allocation on the next StoreState pass. Used when growing
	// the device for a contiguous blob run, where an interleaved state-page
	// allocation would land in the middle of the run's address space.
	AllocDisableStoreState
)

// Metrics is the set of page-manager counters surfaced for introspection.
type Metrics struct {
	PageCountFetched   uint64
	PageCountFlushed   uint64
	PageCountTypeIndex uint64
	PageCountTypeLeaf  uint64
	PageCountTypeBlob  uint64
	FreelistHits       uint64
	FreelistMisses     uint64
	CacheHits          uint64
	CacheMisses        uint64
}

// PageManager is L4: the sole owner of allocation, caching, freelisting,
// and reclamation of fixed-size pages. One Environment owns one
// PageManager, shared by every Database opened against it.
type PageManager struct {
	mu sync.Mutex

	device   Device
	cache    *Cache
	free     *freeMap
	pageSize uint32

	// lastBlobPageID tracks the highest-address allocated blob page; it is
	// persisted in the state chain's head page and restored by Initialize.
	lastBlobPageID uint64

	// stateChainHead is the address of the first page-manager-state page,
	// 0 if none has been written yet.
	stateChainHead uint64

	needsFlush bool

	// beforeWrite, when set, is invoked with a dirty page's address and
	// content immediately before Flush writes it through to the device --
	// the hook an Environment uses to enroll the page into its changeset
	// ahead of the durable write, so a crash mid-flush cannot lose a page
	// that had already been reported committed.
	beforeWrite func(addr uint64, data []byte) error

	metrics Metrics

	log zerolog.Logger
}

// NewPageManager creates a PageManager over device, backed by cache.
// pageSize must match the page size the device and cache were created with.
func NewPageManager(device Device, cache *Cache, pageSize uint32) *PageManager {
	return &PageManager{
		device:   device,
		cache:    cache,
		free:     newFreeMap(),
		pageSize: pageSize,
		log:      zerolog.Nop(),
	}
}

// SetLogger installs l as the page manager's component logger.
func (pm *PageManager) SetLogger(l zerolog.Logger) { pm.log = l }

// Initialize reads the persisted page-manager state chain starting at
// headAddr (0 means "no prior state, start empty").
func (pm *PageManager) Initialize(headAddr uint64) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stateChainHead = headAddr
	pm.free.Clear()
	if headAddr == 0 {
		return nil
	}

	addr := headAddr
	first := true
	for addr != 0 {
		buf := make([]byte, pm.pageSize)
		if err := pm.device.ReadPage(addr, buf); err != nil {
			return err
		}
		payload := buf[pageHeaderSize:]
		off := 0
		if first {
			pm.lastBlobPageID = decodeVarUint(payload[off:off+8], 8)
			off += 8
			first = false
		}
		next := decodeVarUint(payload[off:off+8], 8)
		off += 8
		count := decodeVarUint(payload[off:off+4], 4)
		off += 4
		for i := uint64(0); i < count; i++ {
			a, runLen, n := decodeRecord(payload[off:], pm.pageSize)
			pm.free.Set(a, runLen)
			off += n
		}
		addr = next
	}
	return nil
}

// GetLastBlobPage returns the highest blob page address allocated so far.
func (pm *PageManager) GetLastBlobPage() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lastBlobPageID
}

// SetLastBlobPage records addr as the new high-water mark for blob pages.
func (pm *PageManager) SetLastBlobPage(addr uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if addr > pm.lastBlobPageID {
		pm.lastBlobPageID = addr
	}
}

// Alloc returns a page of the given type, satisfying it from the freelist
// when possible (and permitted) before growing the device.
func (pm *PageManager) Alloc(typ PageType, flags AllocFlags) (*Page, error) {
	addr, err := pm.reserveAddr(flags)
	if err != nil {
		return nil, err
	}

	page := newPage(addr, pm.pageSize)
	page.SetType(typ)
	page.SetDirty(true)
	if flags&AllocClearWithZero != 0 {
		for i := range page.data {
			page.data[i] = 0
		}
	}
	pm.bumpTypeMetric(typ)
	if err := pm.cache.Put(page); err != nil {
		return nil, err
	}
	pm.log.Debug().Uint64("addr", addr).Str("type", typ.String()).Msg("page allocated")
	return page, nil
}

// reserveAddr claims a page address for a new page, either from the
// freelist or by growing the device, without creating a Page or touching
// the cache. Used by Alloc and by StoreState, which writes state pages
// straight to the device and must not leave a stale cached copy behind.
func (pm *PageManager) reserveAddr(flags AllocFlags) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var addr uint64
	fromFreelist := false
	if flags&AllocIgnoreFreelist == 0 {
		if e, ok := pm.free.Begin(); ok {
			addr = e.addr
			if e.runLen > 1 {
				pm.free.Set(e.addr+uint64(pm.pageSize), e.runLen-1)
			} else {
				pm.free.Erase(e.addr)
			}
			fromFreelist = true
			pm.metrics.FreelistHits++
		}
	}
	if !fromFreelist {
		pm.metrics.FreelistMisses++
		addr = uint64(pm.device.FileSize())
		if addr == 0 {
			addr = uint64(pm.pageSize) // address 0 is reserved for the header page
		}
		if err := pm.device.Truncate(int64(addr) + int64(pm.pageSize)); err != nil {
			return 0, err
		}
	}
	if fromFreelist || flags&AllocDisableStoreState == 0 {
		pm.needsFlush = true
	}
	return addr, nil
}

// reserveAddrRun claims n contiguous page addresses by growing the device
// once, under a single lock, so no other allocation can land a page in the
// middle of the run. It never consults the freelist: a genuinely
// contiguous run can only come from the device's tail, never from
// potentially-scattered freelist singletons.
func (pm *PageManager) reserveAddrRun(n int, flags AllocFlags) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	base := uint64(pm.device.FileSize())
	if base == 0 {
		base = uint64(pm.pageSize)
	}
	if err := pm.device.Truncate(int64(base) + int64(n)*int64(pm.pageSize)); err != nil {
		return 0, err
	}
	pm.metrics.FreelistMisses += uint64(n)
	if flags&AllocDisableStoreState == 0 {
		pm.needsFlush = true
	}
	return base, nil
}

// AllocMultipleBlobPages allocates n contiguous blob pages as a single
// unit, taking a single freelist run of length >= n when one exists and
// otherwise growing the device by n pages at its tail.
func (pm *PageManager) AllocMultipleBlobPages(n int) ([]*Page, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be positive", ErrInvalidParameter)
	}

	pm.mu.Lock()
	if e, ok := pm.free.FindRunAtLeast(uint8(n)); ok {
		pm.free.Erase(e.addr)
		if remaining := e.runLen - uint8(n); remaining > 0 {
			pm.free.Set(e.addr+uint64(n)*uint64(pm.pageSize), remaining)
		}
		pm.needsFlush = true
		pm.mu.Unlock()

		pages := make([]*Page, n)
		for i := 0; i < n; i++ {
			addr := e.addr + uint64(i)*uint64(pm.pageSize)
			p := newPage(addr, pm.pageSize)
			p.SetType(PageTypeBlob)
			p.SetDirty(true)
			if i > 0 {
				p.SetWithoutHeader(true)
			}
			if err := pm.cache.Put(p); err != nil {
				return nil, err
			}
			pages[i] = p
		}
		pm.bumpTypeMetricN(PageTypeBlob, n)
		pm.SetLastBlobPage(e.addr + uint64(n-1)*uint64(pm.pageSize))
		pm.log.Debug().Uint64("addr", e.addr).Int("n", n).Msg("blob run allocated from freelist")
		return pages, nil
	}
	pm.mu.Unlock()

	// No freelist run is long enough: grow the device by n pages in one
	// locked step so the run is genuinely contiguous, rather than letting n
	// separate Alloc calls interleave with a freelist hit or another
	// allocation between them.
	base, err := pm.reserveAddrRun(n, AllocIgnoreFreelist|AllocDisableStoreState)
	if err != nil {
		return nil, err
	}
	pages := make([]*Page, n)
	for i := 0; i < n; i++ {
		addr := base + uint64(i)*uint64(pm.pageSize)
		p := newPage(addr, pm.pageSize)
		p.SetType(PageTypeBlob)
		p.SetDirty(true)
		if i > 0 {
			p.SetWithoutHeader(true)
		}
		if err := pm.cache.Put(p); err != nil {
			return pages[:i], err
		}
		pages[i] = p
	}
	pm.bumpTypeMetricN(PageTypeBlob, n)
	pm.SetLastBlobPage(base + uint64(n-1)*uint64(pm.pageSize))
	pm.log.Debug().Uint64("addr", base).Int("n", n).Msg("blob run allocated by growing device")
	return pages, nil
}

func (pm *PageManager) bumpTypeMetric(typ PageType) { pm.bumpTypeMetricN(typ, 1) }

func (pm *PageManager) bumpTypeMetricN(typ PageType, n int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	switch typ {
	case PageTypeIndex:
		pm.metrics.PageCountTypeIndex += uint64(n)
	case PageTypeLeaf:
		pm.metrics.PageCountTypeLeaf += uint64(n)
	case PageTypeBlob:
		pm.metrics.PageCountTypeBlob += uint64(n)
	}
}

// FetchFlags controls PageManager.Fetch behaviour.
type FetchFlags uint32

const (
	// FetchOnlyFromCache fails with ErrKeyNotFound on a cache miss instead
	// of reading through to the device.
	FetchOnlyFromCache FetchFlags = 1 << iota
)

// Fetch returns the page at addr, reading through the device on a cache
// miss (unless flags forbid it) and inserting the result into the cache.
func (pm *PageManager) Fetch(addr uint64, typ PageType, flags FetchFlags) (*Page, error) {
	if page := pm.cache.Get(addr); page != nil {
		pm.mu.Lock()
		pm.metrics.CacheHits++
		pm.mu.Unlock()
		return page, nil
	}

	pm.mu.Lock()
	pm.metrics.CacheMisses++
	pm.mu.Unlock()

	if flags&FetchOnlyFromCache != 0 {
		return nil, fmt.Errorf("%w: page %d not resident and FetchOnlyFromCache set", ErrKeyNotFound, addr)
	}

	pm.mu.Lock()
	pm.metrics.PageCountFetched++
	pm.mu.Unlock()

	page := newPage(addr, pm.pageSize)
	if err := pm.device.ReadPage(addr, page.data); err != nil {
		return nil, err
	}
	page.SetType(typ)
	if err := pm.cache.Put(page); err != nil {
		return nil, err
	}
	pm.log.Debug().Uint64("addr", addr).Str("type", typ.String()).Msg("page fetched from device")
	return page, nil
}

// Del releases a run of pageCount pages starting at page's address back to
// the freelist. The page is dropped from the cache without being flushed;
// its contents are no longer meaningful.
func (pm *PageManager) Del(page *Page, pageCount int) {
	pm.cache.Del(page)
	if pageCount <= 0 {
		pageCount = 1
	}
	pm.mu.Lock()
	pm.free.Set(page.address, uint8(pageCount))
	pm.needsFlush = true
	pm.mu.Unlock()
	pm.log.Debug().Uint64("addr", page.address).Int("count", pageCount).Msg("page run released to freelist")
}

// Flush writes every dirty page reachable from the cache back to the
// device, then persists the freelist's state-page chain if it changed.
func (pm *PageManager) Flush() error {
	pm.mu.Lock()
	beforeWrite := pm.beforeWrite
	pm.mu.Unlock()

	var flushErr error
	var flushedCount int
	pm.cache.PurgeIf(func(p *Page) bool {
		if !p.Dirty() {
			return false
		}
		if beforeWrite != nil {
			if err := beforeWrite(p.address, p.data); err != nil {
				flushErr = err
				return false
			}
		}
		if err := pm.device.WritePage(p.address, p.data); err != nil {
			flushErr = err
			return false
		}
		p.SetDirty(false)
		pm.mu.Lock()
		pm.metrics.PageCountFlushed++
		pm.mu.Unlock()
		flushedCount++
		return false // stays resident; Flush persists, it does not evict
	})
	if flushErr != nil {
		pm.log.Debug().Err(flushErr).Msg("flush failed")
		return flushErr
	}
	if flushedCount > 0 {
		pm.log.Info().Int("pages", flushedCount).Msg("flushed dirty pages")
	}
	// StoreState can itself free now-unneeded state pages, which leaves
	// needsFlush set for one more round; a handful of iterations is always
	// enough since each round shrinks the chain by at least one page.
	for attempt := 0; attempt < 4; attempt++ {
		if err := pm.StoreState(); err != nil {
			return err
		}
		pm.mu.Lock()
		done := !pm.needsFlush
		pm.mu.Unlock()
		if done {
			return nil
		}
	}
	return nil
}

// statePayloadCapacity returns how many freelist records a state page
// payload can hold after reserving the chain header (last_blob_page_id on
// the head page only, next-pointer, and record count).
func (pm *PageManager) statePayloadCapacity(isHead bool) int {
	capacity := int(pm.pageSize) - pageHeaderSize - 8 /* next */ - 4 /* count */
	if isHead {
		capacity -= 8 // last_blob_page_id
	}
	return capacity / maxRecordSize
}

// StoreState persists the freelist across a chain of page-manager-state
// pages, growing or shrinking the chain to fit. Per the chain-shrink
// decision: it always walks the existing chain to its tail first so that
// a shrinking freelist releases the now-unused tail pages rather than
// leaking them.
func (pm *PageManager) StoreState() error {
	pm.mu.Lock()
	if !pm.needsFlush {
		pm.mu.Unlock()
		return nil
	}
	entries := make([]freeEntry, pm.free.Len())
	copy(entries, pm.free.entries)
	lastBlob := pm.lastBlobPageID
	oldHead := pm.stateChainHead
	pm.mu.Unlock()

	// Walk the existing chain so every old page, used or not, is known up
	// front; pages beyond what the new content needs are freed instead of
	// left dangling.
	var oldChain []uint64
	for addr := oldHead; addr != 0; {
		oldChain = append(oldChain, addr)
		buf := make([]byte, pm.pageSize)
		if err := pm.device.ReadPage(addr, buf); err != nil {
			return err
		}
		payload := buf[pageHeaderSize:]
		off := 0
		if len(oldChain) == 1 {
			off += 8
		}
		next := decodeVarUint(payload[off:off+8], 8)
		addr = next
	}

	type built struct {
		addr    uint64
		payload []byte
	}
	var pages []built
	idx := 0
	for pageIdx := 0; idx < len(entries) || pageIdx == 0; pageIdx++ {
		isHead := pageIdx == 0
		capacity := pm.statePayloadCapacity(isHead)
		n := len(entries) - idx
		if n > capacity {
			n = capacity
		}
		var addr uint64
		if pageIdx < len(oldChain) {
			addr = oldChain[pageIdx]
		} else {
			a, err := pm.reserveAddr(AllocIgnoreFreelist)
			if err != nil {
				return err
			}
			addr = a
		}
		payload := make([]byte, pm.pageSize-pageHeaderSize)
		off := 0
		if isHead {
			putVarUintFixed(payload[off:off+8], lastBlob, 8)
			off = 8
		}
		off += 8 // next pointer, filled in below once known
		countOff := off
		off += 4
		written := 0
		for i := 0; i < n; i++ {
			e := entries[idx+i]
			off += encodeRecord(payload[off:], e.addr, e.runLen, pm.pageSize)
			written++
		}
		putVarUintFixed(payload[countOff:countOff+4], uint64(written), 4)
		idx += n
		pages = append(pages, built{addr: addr, payload: payload})
		if idx >= len(entries) {
			break
		}
	}

	// Free any old chain pages beyond what we reused. These become new
	// freelist entries that this call's snapshot doesn't contain; leave
	// needsFlush set so the caller persists them on a follow-up call.
	freedExcess := len(oldChain) > len(pages)
	for i := len(pages); i < len(oldChain); i++ {
		page := pm.cache.Get(oldChain[i])
		if page == nil {
			page, _ = pm.Fetch(oldChain[i], PageTypePageManagerState, 0)
		}
		pm.Del(page, 1)
	}

	// Wire next-pointers now that the full chain's addresses are known,
	// then write every page.
	for i, bp := range pages {
		nextOff := 0
		if i == 0 {
			nextOff = 8
		}
		var next uint64
		if i+1 < len(pages) {
			next = pages[i+1].addr
		}
		putVarUintFixed(bp.payload[nextOff:nextOff+8], next, 8)

		buf := make([]byte, pm.pageSize)
		buf[0] = byte(PageTypePageManagerState)
		copy(buf[pageHeaderSize:], bp.payload)
		if err := pm.device.WritePage(bp.addr, buf); err != nil {
			return err
		}
		// Written straight to the device; drop any cached copy so a later
		// Fetch re-reads the bytes just written rather than a stale page.
		if cached := pm.cache.Get(bp.addr); cached != nil {
			pm.cache.Del(cached)
		}
	}

	pm.mu.Lock()
	if len(pages) > 0 {
		pm.stateChainHead = pages[0].addr
	} else {
		pm.stateChainHead = 0
	}
	pm.needsFlush = freedExcess
	pm.mu.Unlock()
	return nil
}

// putVarUintFixed writes v as an n-byte little-endian value, zero-padded.
func putVarUintFixed(buf []byte, v uint64, n int) {
	for i := 0; i < n; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
}

// ReclaimSpace truncates the device by repeatedly checking whether the
// highest-addressed page is free; each truncated page is removed from the
// freelist so the operation is monotonically address-decreasing.
func (pm *PageManager) ReclaimSpace() error {
	var reclaimed int
	for {
		pm.mu.Lock()
		fileSize := pm.device.FileSize()
		if fileSize <= int64(pm.pageSize) {
			pm.mu.Unlock()
			if reclaimed > 0 {
				pm.log.Info().Int("pages", reclaimed).Msg("reclaimed trailing free pages")
			}
			return nil
		}
		tailAddr := uint64(fileSize) - uint64(pm.pageSize)
		runLen, ok := pm.free.Get(tailAddr)
		if !ok {
			pm.mu.Unlock()
			if reclaimed > 0 {
				pm.log.Info().Int("pages", reclaimed).Msg("reclaimed trailing free pages")
			}
			return nil
		}
		pm.free.Erase(tailAddr)
		if runLen > 1 {
			pm.free.Set(tailAddr-uint64(runLen-1)*uint64(pm.pageSize), runLen-1)
		}
		pm.needsFlush = true
		pm.mu.Unlock()

		if page := pm.cache.Get(tailAddr); page != nil {
			pm.cache.Del(page)
		}
		if err := pm.device.Truncate(int64(tailAddr)); err != nil {
			return err
		}
		reclaimed++
	}
}

// PurgeCache evicts pages down to the cache's capacity, flushing dirty
// victims and uncoupling any cursors coupled to them first.
func (pm *PageManager) PurgeCache() error {
	var flushErr error
	pm.cache.Purge(func(p *Page) {
		if flushErr != nil {
			return
		}
		if err := p.uncoupleAllCursors(); err != nil {
			flushErr = err
			return
		}
		if p.Dirty() {
			if err := pm.device.WritePage(p.address, p.data); err != nil {
				flushErr = err
				return
			}
			pm.mu.Lock()
			pm.metrics.PageCountFlushed++
			pm.mu.Unlock()
		}
	})
	return flushErr
}

// CloseDatabase flushes and forgets every page belonging to db, called
// when one Database among several sharing an Environment is closed.
func (pm *PageManager) CloseDatabase(db *Database) error {
	var flushErr error
	pm.cache.PurgeIf(func(p *Page) bool {
		if p.DB() != db {
			return false
		}
		if flushErr != nil {
			return true
		}
		if err := p.uncoupleAllCursors(); err != nil {
			flushErr = err
			return true
		}
		if p.Dirty() {
			if err := pm.device.WritePage(p.address, p.data); err != nil {
				flushErr = err
				return true
			}
		}
		return true
	})
	return flushErr
}

// Close flushes outstanding state and closes the underlying device.
func (pm *PageManager) Close() error {
	if err := pm.Flush(); err != nil {
		return err
	}
	return pm.device.Close()
}

// GetMetrics returns a snapshot of the page manager's counters.
func (pm *PageManager) GetMetrics() Metrics {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.metrics
}

// StateChainHead returns the address of the first page-manager-state page.
func (pm *PageManager) StateChainHead() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stateChainHead
}

// FreeRun is one contiguous run of free pages, as recorded in the freelist.
type FreeRun struct {
	Addr   uint64
	RunLen uint8
}

// SetBeforeWrite installs (or clears, with nil) the hook Flush invokes on
// every dirty page just before writing it through to the device.
func (pm *PageManager) SetBeforeWrite(fn func(addr uint64, data []byte) error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.beforeWrite = fn
}

// FreeRuns returns a snapshot of every run currently tracked as free,
// ascending by address. Read-only inspection; never mutates the freelist.
func (pm *PageManager) FreeRuns() []FreeRun {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	runs := make([]FreeRun, 0, pm.free.Len())
	pm.free.ForEach(func(addr uint64, runLen uint8) {
		runs = append(runs, FreeRun{Addr: addr, RunLen: runLen})
	})
	return runs
}

// PageSize returns the fixed page size this page manager was built with.
func (pm *PageManager) PageSize() uint32 { return pm.pageSize }

// FileSize returns the backing device's current size in bytes.
func (pm *PageManager) FileSize() int64 { return pm.device.FileSize() }
