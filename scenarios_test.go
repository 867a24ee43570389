package pagekv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// Freeing two adjacent runs as one call must satisfy a later multi-page
// allocation from the freed range, and leave the freelist empty once
// fully consumed.
func TestAllocMultipleBlobPagesReusesCompactedFreeRun(t *testing.T) {
	pm := newTestPageManager(t)
	var pages []*Page
	for i := 0; i < 4; i++ {
		p, err := pm.Alloc(PageTypeLeaf, 0)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	require.NoError(t, pm.Flush())

	// pages[1] and pages[2] sit at 8192 and 12288; free them as one run.
	pm.Del(pages[1], 2)
	require.NoError(t, pm.Flush())

	blobs, err := pm.AllocMultipleBlobPages(2)
	require.NoError(t, err)
	require.Equal(t, pages[1].Address(), blobs[0].Address())
	require.Empty(t, pm.FreeRuns())
}

// With no freelist run long enough, the fallback must still produce a
// contiguous run at the device tail (continuation pages addressed as
// base + i*pageSize) rather than scattered single-page allocations, and
// must flag every page after the first as without_header.
func TestAllocMultipleBlobPagesFallbackIsContiguousAndFlagsContinuationPages(t *testing.T) {
	pm := newTestPageManager(t)
	// Leave a single free page that is too short to satisfy the run, so
	// the fallback path is exercised instead of the freelist-run path.
	p, err := pm.Alloc(PageTypeLeaf, 0)
	require.NoError(t, err)
	require.NoError(t, pm.Flush())
	pm.Del(p, 1)
	require.NoError(t, pm.Flush())

	blobs, err := pm.AllocMultipleBlobPages(4)
	require.NoError(t, err)
	require.Len(t, blobs, 4)
	for i, b := range blobs {
		require.Equal(t, blobs[0].Address()+uint64(i)*uint64(pm.pageSize), b.Address(), "run must be contiguous")
		if i == 0 {
			require.False(t, b.WithoutHeader())
		} else {
			require.True(t, b.WithoutHeader(), "continuation pages must be flagged without_header")
		}
	}
	require.NotEqual(t, p.Address(), blobs[0].Address(), "a too-short freelist entry must not be consumed")
}

// A large freelist persisted across a multi-page state chain must
// reconstruct identically after Initialize on a fresh PageManager sharing
// the same device.
func TestStateChainFreelistSurvivesReinitializeAtScale(t *testing.T) {
	pm := newTestPageManager(t)
	const n = 500
	pages := make([]*Page, n)
	for i := range pages {
		p, err := pm.Alloc(PageTypeLeaf, 0)
		require.NoError(t, err)
		pages[i] = p
	}
	require.NoError(t, pm.Flush())
	for _, p := range pages {
		pm.Del(p, 1)
	}
	require.NoError(t, pm.Flush())

	original := pm.FreeRuns()
	require.Len(t, original, n)
	head := pm.StateChainHead()
	require.NotZero(t, head)

	reopened := NewPageManager(pm.device, NewCache(pm.pageSize, 64<<20), pm.pageSize)
	require.NoError(t, reopened.Initialize(head))
	require.Equal(t, original, reopened.FreeRuns())
}

// Freeing the trailing three pages of a ten-page file must shrink the
// file by exactly those pages and leave the freelist empty.
func TestReclaimSpaceShrinksFileToExcludeFreedTailPages(t *testing.T) {
	pm := newTestPageManager(t)
	const pageSize = 4096
	var pages []*Page
	for i := 0; i < 9; i++ {
		p, err := pm.Alloc(PageTypeLeaf, 0)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	require.NoError(t, pm.Flush())
	require.Equal(t, int64(10*pageSize), pm.FileSize())

	// the three highest-addressed pages, freed as three singleton runs.
	for i := len(pages) - 1; i >= len(pages)-3; i-- {
		pm.Del(pages[i], 1)
	}
	require.NoError(t, pm.Flush())
	require.NoError(t, pm.ReclaimSpace())

	require.Equal(t, int64(7*pageSize), pm.FileSize())
	require.Empty(t, pm.FreeRuns())
}

// A cursor's saved key must still resolve correctly after its backing
// page is evicted from a tightly bounded cache while the cursor is
// uncoupled.
func TestCursorRecouplesAfterBackingPageIsEvicted(t *testing.T) {
	bt := newTestBtree(t, false)
	const n = 1000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		require.NoError(t, bt.Insert(key, NewRecord([]byte("v"))))
	}

	target := []byte(fmt.Sprintf("k%05d", 500))
	c := NewBtreeCursor(bt)
	require.NoError(t, c.Find(target))
	require.NoError(t, c.Uncouple())

	// force eviction of every evictable page by collapsing the cache to a
	// single page's worth of capacity and purging.
	bt.pm.cache.capacity = int64(bt.pageSize)
	bt.pm.cache.Purge(func(p *Page) {
		if p.Dirty() {
			_ = bt.pm.device.WritePage(p.address, p.data)
		}
	})

	require.NoError(t, c.Couple())
	require.NoError(t, c.Move(MoveNext))
	key, err := c.Key()
	require.NoError(t, err)
	require.Equal(t, []byte(fmt.Sprintf("k%05d", 501)), key)
}

// A merged cursor walking over a committed tree plus an uncommitted
// overwrite must surface the overwritten value in place, without the
// overwrite having touched the committed tree.
func TestHybridCursorWalkSurfacesUncommittedOverwriteInPlace(t *testing.T) {
	bt := newTestBtree(t, false)
	require.NoError(t, bt.Insert([]byte("1"), NewRecord([]byte("A"))))
	require.NoError(t, bt.Insert([]byte("2"), NewRecord([]byte("B"))))
	require.NoError(t, bt.Insert([]byte("3"), NewRecord([]byte("C"))))

	txn := NewTxn(bt, NewLSNManager(0))
	require.NoError(t, txn.Overwrite([]byte("2"), NewRecord([]byte("B-prime")), 0))

	h := NewHybridCursor(bt, txn)
	want := []struct {
		key []byte
		val []byte
	}{
		{[]byte("1"), []byte("A")},
		{[]byte("2"), []byte("B-prime")},
		{[]byte("3"), []byte("C")},
	}
	require.NoError(t, h.Move(MoveFirst))
	for i, w := range want {
		key, err := h.Key()
		require.NoError(t, err)
		require.Equal(t, w.key, key)
		rec, err := h.Record()
		require.NoError(t, err)
		require.Equal(t, w.val, rec.Data)
		if i < len(want)-1 {
			require.NoError(t, h.Move(MoveNext))
		}
	}

	res, err := bt.Find([]byte("2"))
	require.NoError(t, err)
	entry, err := bt.LeafAt(res.LeafAddr, res.Slot)
	require.NoError(t, err)
	require.Equal(t, []byte("B"), entry.Records[0].Data, "the overwrite must not have touched the committed tree")
}

// A duplicate cache built from a committed duplicate set plus pending
// insert-duplicate and erase ops must reflect exactly those ops replayed
// in issue order.
func TestDuplicateCacheReflectsPendingInsertAndEraseInIssueOrder(t *testing.T) {
	bt := newTestBtree(t, true)
	require.NoError(t, bt.Insert([]byte("K"), NewRecord([]byte("d0"))))
	require.NoError(t, bt.InsertDuplicate([]byte("K"), NewRecord([]byte("d1")), DupLast, 0))
	require.NoError(t, bt.InsertDuplicate([]byte("K"), NewRecord([]byte("d2")), DupLast, 0))

	txn := NewTxn(bt, NewLSNManager(0))
	require.NoError(t, txn.InsertDuplicate([]byte("K"), NewRecord([]byte("x")), DupBefore, 2))
	require.NoError(t, txn.Erase([]byte("K"), 1))

	h := NewHybridCursor(bt, txn)
	require.NoError(t, h.Find([]byte("K")))
	count, err := h.DuplicateCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	want := [][]byte{[]byte("x"), []byte("d1"), []byte("d2")}
	for i, w := range want {
		require.NoError(t, h.CoupleToDupe(i+1))
		rec, err := h.Record()
		require.NoError(t, err)
		require.Equal(t, w, rec.Data)
	}
}

// The freelist's on-disk record codec must round-trip an arbitrary set of
// entries exactly, regardless of which entries happen to be
// address-adjacent.
func TestFreeMapRecordCodecRoundTripsArbitraryEntrySet(t *testing.T) {
	const pageSize = 4096
	f := newFreeMap()
	for i := uint64(1); i <= 64; i++ {
		f.Set(i*pageSize, uint8(1+i%15))
	}

	buf := make([]byte, 64*maxRecordSize)
	off := 0
	var written int
	f.ForEach(func(addr uint64, runLen uint8) {
		off += encodeRecord(buf[off:], addr, runLen, pageSize)
		written++
	})

	decoded := newFreeMap()
	readOff := 0
	for i := 0; i < written; i++ {
		addr, runLen, n := decodeRecord(buf[readOff:], pageSize)
		decoded.Set(addr, runLen)
		readOff += n
	}
	require.True(t, f.Equal(decoded))
}

// Alloc must never hand out an address that is currently live, and a
// freed address must become available for reuse exactly once.
func TestAllocNeverReturnsACurrentlyLiveAddress(t *testing.T) {
	pm := newTestPageManager(t)
	live := map[uint64]bool{}
	for i := 0; i < 50; i++ {
		p, err := pm.Alloc(PageTypeLeaf, 0)
		require.NoError(t, err)
		require.False(t, live[p.Address()], "alloc returned an address already live")
		live[p.Address()] = true
		if i%3 == 0 {
			pm.Del(p, 1)
			delete(live, p.Address())
		}
	}
}

// After PurgeCache, the cache must be within its byte capacity, or every
// page still resident beyond that capacity must be pinned by a cursor.
func TestPurgeCacheLeavesOnlyPinnedPagesBeyondCapacity(t *testing.T) {
	bt := newTestBtree(t, false)
	bt.pm.cache.capacity = int64(bt.pageSize)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, bt.Insert(key, NewRecord([]byte("v"))))
	}
	require.NoError(t, bt.pm.Flush())
	require.NoError(t, bt.pm.PurgeCache())

	cache := bt.pm.cache
	if cache.isFull() {
		for e := cache.lru.Front(); e != nil; e = e.Next() {
			p := e.Value.(*Page)
			require.True(t, p.HasCursors(), "a resident page beyond capacity must be pinned by a cursor")
		}
	}
}

// Uncoupling and recoupling a cursor must return it to the exact key it
// held before uncoupling.
func TestCursorUncoupleThenCoupleReturnsToSameKey(t *testing.T) {
	bt := newTestBtree(t, false)
	seedBtree(t, bt, "a", "b", "c")
	c := NewBtreeCursor(bt)
	require.NoError(t, c.Find([]byte("b")))

	require.NoError(t, c.Uncouple())
	require.NoError(t, c.Couple())

	key, err := c.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("b"), key)
}

// After erasing a key, the cursor must sit on the erased key's successor,
// not whatever slot happened to shift into its place.
func TestEraseLeavesCursorOnErasedKeysSuccessor(t *testing.T) {
	bt := newTestBtree(t, false)
	seedBtree(t, bt, "a", "b", "c")
	c := NewBtreeCursor(bt)
	require.NoError(t, c.Find([]byte("b")))
	require.NoError(t, c.Erase())

	key, err := c.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), key, "erase leaves the cursor coupled to the erased key's successor")
}

// Reclaiming space must be monotonically address-decreasing: it never
// grows the file, and every page it truncates disappears from the
// freelist rather than leaking as a dangling entry.
func TestReclaimSpaceIsMonotonicAndLeavesNoDanglingEntries(t *testing.T) {
	pm := newTestPageManager(t)
	var pages []*Page
	for i := 0; i < 5; i++ {
		p, err := pm.Alloc(PageTypeLeaf, 0)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	require.NoError(t, pm.Flush())
	sizeBefore := pm.FileSize()

	for _, p := range pages {
		pm.Del(p, 1)
	}
	require.NoError(t, pm.Flush())
	require.NoError(t, pm.ReclaimSpace())

	require.LessOrEqual(t, pm.FileSize(), sizeBefore)
	require.Empty(t, pm.FreeRuns(), "every freed page was a trailing page and must be fully reclaimed")
}
