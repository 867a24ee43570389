package pagekv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHybridCursorReadOnlyOverCommittedTree(t *testing.T) {
	bt := newTestBtree(t, false)
	seedBtree(t, bt, "a", "b")
	h := NewHybridCursor(bt, nil)

	require.NoError(t, h.Move(MoveFirst))
	key, err := h.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)

	require.NoError(t, h.Move(MoveNext))
	key, err = h.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("b"), key)
}

func TestHybridCursorMergesUncommittedInsertBeforeCommittedKey(t *testing.T) {
	bt := newTestBtree(t, false)
	seedBtree(t, bt, "b")
	lsn := NewLSNManager(0)
	txn := NewTxn(bt, lsn)
	require.NoError(t, txn.Insert([]byte("a"), NewRecord([]byte("pending"))))

	h := NewHybridCursor(bt, txn)
	require.NoError(t, h.Move(MoveFirst))
	key, err := h.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)

	rec, err := h.Record()
	require.NoError(t, err)
	require.Equal(t, []byte("pending"), rec.Data)

	require.NoError(t, h.Move(MoveNext))
	key, err = h.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("b"), key)
}

func TestHybridCursorTxnOverwriteWinsOverCommittedValue(t *testing.T) {
	bt := newTestBtree(t, false)
	seedBtree(t, bt, "a")
	txn := NewTxn(bt, NewLSNManager(0))
	require.NoError(t, txn.Overwrite([]byte("a"), NewRecord([]byte("new")), 0))

	h := NewHybridCursor(bt, txn)
	require.NoError(t, h.Find([]byte("a")))
	rec, err := h.Record()
	require.NoError(t, err)
	require.Equal(t, []byte("new"), rec.Data)
	require.True(t, h.IsBtreeKeyOverwritten())
}

func TestHybridCursorTxnEraseHidesCommittedKey(t *testing.T) {
	bt := newTestBtree(t, false)
	seedBtree(t, bt, "a", "b")
	txn := NewTxn(bt, NewLSNManager(0))
	require.NoError(t, txn.Erase([]byte("a"), 0))

	h := NewHybridCursor(bt, txn)
	require.NoError(t, h.Move(MoveFirst))
	key, err := h.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("b"), key, "an erased-in-txn key must be skipped by the merged walk")
}

func TestHybridCursorFindOnTxnOnlyKey(t *testing.T) {
	bt := newTestBtree(t, false)
	txn := NewTxn(bt, NewLSNManager(0))
	require.NoError(t, txn.Insert([]byte("a"), NewRecord([]byte("1"))))

	h := NewHybridCursor(bt, txn)
	require.NoError(t, h.Find([]byte("a")))
	rec, err := h.Record()
	require.NoError(t, err)
	require.Equal(t, []byte("1"), rec.Data)
}

func TestHybridCursorFindOnKeyErasedInTxnFallsBackOrFails(t *testing.T) {
	bt := newTestBtree(t, false)
	txn := NewTxn(bt, NewLSNManager(0))
	require.NoError(t, txn.Insert([]byte("a"), NewRecord([]byte("1"))))
	require.NoError(t, txn.Erase([]byte("a"), 0))

	h := NewHybridCursor(bt, txn)
	err := h.Find([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestHybridCursorDuplicateCacheMergesBtreeAndTxnDuplicates(t *testing.T) {
	bt := newTestBtree(t, true)
	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("1"))))
	txn := NewTxn(bt, NewLSNManager(0))
	require.NoError(t, txn.InsertDuplicate([]byte("a"), NewRecord([]byte("2")), DupLast, 0))

	h := NewHybridCursor(bt, txn)
	require.NoError(t, h.Find([]byte("a")))
	count, err := h.DuplicateCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)

	rec, err := h.Record()
	require.NoError(t, err)
	require.Equal(t, []byte("1"), rec.Data)

	require.NoError(t, h.CoupleToDupe(2))
	rec, err = h.Record()
	require.NoError(t, err)
	require.Equal(t, []byte("2"), rec.Data)
}

func TestHybridCursorEraseAppendsTxnOpWhenTransactional(t *testing.T) {
	bt := newTestBtree(t, false)
	seedBtree(t, bt, "a")
	txn := NewTxn(bt, NewLSNManager(0))

	h := NewHybridCursor(bt, txn)
	require.NoError(t, h.Find([]byte("a")))
	require.NoError(t, h.Erase())
	require.True(t, h.IsNil())

	ops := txn.Chain([]byte("a"))
	require.Len(t, ops, 1)
	require.Equal(t, OpErase, ops[0].Kind)

	res, err := bt.Find([]byte("a"))
	require.NoError(t, err)
	require.True(t, res.Found, "erase through a transaction must not touch the committed tree yet")
}

func TestHybridCursorEraseWithoutTransactionGoesStraightToBtree(t *testing.T) {
	bt := newTestBtree(t, false)
	seedBtree(t, bt, "a")
	h := NewHybridCursor(bt, nil)
	require.NoError(t, h.Find([]byte("a")))
	require.NoError(t, h.Erase())

	res, err := bt.Find([]byte("a"))
	require.NoError(t, err)
	require.False(t, res.Found)
}

// Move-driven traversal onto a key that carries both surviving B-tree
// duplicates and a txn op builds the duplicate cache, then pushes the
// B-tree sub-cursor on to the next key as soon as the cache is built. Every
// Record() read of a from-btree duplicate at that position must still
// return the matching key's data, not whatever the sub-cursor's leaf slot
// has been advanced to since.
func TestHybridCursorRecordAfterMoveReadsCorrectDupeOnSurvivingBtreeDuplicates(t *testing.T) {
	bt := newTestBtree(t, true)
	require.NoError(t, bt.Insert([]byte("a"), NewRecord([]byte("a1"))))
	require.NoError(t, bt.InsertDuplicate([]byte("a"), NewRecord([]byte("a2")), DupLast, 0))
	seedBtree(t, bt, "b")

	txn := NewTxn(bt, NewLSNManager(0))
	require.NoError(t, txn.InsertDuplicate([]byte("a"), NewRecord([]byte("a3")), DupLast, 0))

	h := NewHybridCursor(bt, txn)
	require.NoError(t, h.Move(MoveFirst))
	key, err := h.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)

	count, err := h.DuplicateCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	var got []string
	for i := 1; i <= count; i++ {
		require.NoError(t, h.CoupleToDupe(i))
		rec, err := h.Record()
		require.NoError(t, err)
		got = append(got, string(rec.Data))
	}
	require.Equal(t, []string{"a1", "a2", "a3"}, got)

	require.NoError(t, h.Move(MoveNext))
	key, err = h.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("b"), key)
}
