package pagekv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBtree(t *testing.T, allowDuplicates bool) *Btree {
	t.Helper()
	device := NewMemoryDevice(4096)
	cache := NewCache(4096, 64<<20)
	pm := NewPageManager(device, cache, 4096)
	return NewBtree(pm, 4096, 0, allowDuplicates)
}

func TestBtreeInsertFindRoundTrip(t *testing.T) {
	bt := newTestBtree(t, false)
	require.True(t, bt.IsEmpty())

	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("1"))))
	require.NoError(t, bt.Insert([]byte("b"), NewRecord([]byte("2"))))
	require.False(t, bt.IsEmpty())

	res, err := bt.Find([]byte("a"))
	require.NoError(t, err)
	require.True(t, res.Found)

	entry, err := bt.LeafAt(res.LeafAddr, res.Slot)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), entry.Key)
	require.Equal(t, []byte("1"), entry.Records[0].Data)
}

func TestBtreeInsertDuplicateKeyFails(t *testing.T) {
	bt := newTestBtree(t, false)
	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("1"))))
	err := bt.Insert([]byte("a"), NewRecord([]byte("2")))
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestBtreeOverwriteRequiresExistingKey(t *testing.T) {
	bt := newTestBtree(t, false)
	err := bt.Overwrite([]byte("missing"), NewRecord([]byte("x")))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("1"))))
	require.NoError(t, bt.Overwrite([]byte("a"), NewRecord([]byte("2"))))

	res, err := bt.Find([]byte("a"))
	require.NoError(t, err)
	entry, err := bt.LeafAt(res.LeafAddr, res.Slot)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), entry.Records[0].Data)
}

func TestBtreeEraseKeyRemovesEveryDuplicate(t *testing.T) {
	bt := newTestBtree(t, true)
	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("1"))))
	require.NoError(t, bt.InsertDuplicate([]byte("a"), NewRecord([]byte("2")), DupLast, 0))

	require.NoError(t, bt.EraseKey([]byte("a")))
	res, err := bt.Find([]byte("a"))
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestBtreeInsertDuplicateRequiresFlag(t *testing.T) {
	bt := newTestBtree(t, false)
	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("1"))))
	err := bt.InsertDuplicate([]byte("a"), NewRecord([]byte("2")), DupLast, 0)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestBtreeInsertDuplicateOrdering(t *testing.T) {
	bt := newTestBtree(t, true)
	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("1"))))
	require.NoError(t, bt.InsertDuplicate([]byte("a"), NewRecord([]byte("2")), DupLast, 0))
	require.NoError(t, bt.InsertDuplicate([]byte("a"), NewRecord([]byte("0")), DupFirst, 0))

	res, err := bt.Find([]byte("a"))
	require.NoError(t, err)
	entry, err := bt.LeafAt(res.LeafAddr, res.Slot)
	require.NoError(t, err)
	require.Len(t, entry.Records, 3)
	require.Equal(t, []byte("0"), entry.Records[0].Data)
	require.Equal(t, []byte("1"), entry.Records[1].Data)
	require.Equal(t, []byte("2"), entry.Records[2].Data)
}

func TestBtreeEraseDuplicateDropsSingleSlot(t *testing.T) {
	bt := newTestBtree(t, true)
	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("1"))))
	require.NoError(t, bt.InsertDuplicate([]byte("a"), NewRecord([]byte("2")), DupLast, 0))

	require.NoError(t, bt.EraseDuplicate([]byte("a"), 0))
	res, err := bt.Find([]byte("a"))
	require.NoError(t, err)
	entry, err := bt.LeafAt(res.LeafAddr, res.Slot)
	require.NoError(t, err)
	require.Len(t, entry.Records, 1)
	require.Equal(t, []byte("2"), entry.Records[0].Data)
}

func TestBtreeSplitsAcrossManyInsertsAndStaysOrdered(t *testing.T) {
	bt := newTestBtree(t, false)
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, bt.Insert(key, NewRecord([]byte(fmt.Sprintf("v%d", i)))))
	}

	leafAddr, err := bt.MoveFirst()
	require.NoError(t, err)
	count := 0
	var prev []byte
	for leafAddr != 0 {
		leafCount, err := bt.LeafCount(leafAddr)
		require.NoError(t, err)
		for slot := 0; slot < leafCount; slot++ {
			entry, err := bt.LeafAt(leafAddr, slot)
			require.NoError(t, err)
			if prev != nil {
				require.Less(t, string(prev), string(entry.Key))
			}
			prev = entry.Key
			count++
		}
		leafAddr, err = bt.LeafSibling(leafAddr, 1)
		require.NoError(t, err)
	}
	require.Equal(t, n, count)
}

func TestBtreeLeafSiblingLinksAfterSplit(t *testing.T) {
	bt := newTestBtree(t, false)
	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		require.NoError(t, bt.Insert(key, NewRecord([]byte("v"))))
	}
	first, err := bt.MoveFirst()
	require.NoError(t, err)
	last, err := bt.MoveLast()
	require.NoError(t, err)
	require.NotEqual(t, first, last, "300 small keys in a 4096-byte page must have split")

	right, err := bt.LeafSibling(first, 1)
	require.NoError(t, err)
	require.NotZero(t, right)
	left, err := bt.LeafSibling(right, -1)
	require.NoError(t, err)
	require.Equal(t, first, left)
}
