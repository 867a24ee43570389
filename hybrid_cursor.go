package pagekv

import (
	"fmt"

	"github.com/rs/zerolog"
)

// hybridActive tags which sub-cursor currently supplies the hybrid
// cursor's position: neither, the B-tree side, or the transaction side.
type hybridActive uint8

const (
	hybridNil hybridActive = iota
	hybridBtree
	hybridTxn
)

// dupeEntry is one slot of a HybridCursor's duplicate cache: either a
// pointer back into the B-tree's own duplicate list for the current key,
// or a pending transaction op that stands in for one logical duplicate.
type dupeEntry struct {
	fromTxn  bool
	btreeIdx int // valid when !fromTxn
	op       Op  // valid when fromTxn
}

// HybridCursor merges a BtreeCursor (committed state) and a TxnCursor
// (pending, in-memory mutations against the same Btree) into a single
// ordered view. Exactly one side is "active" — supplies the cursor's
// current key — at any time; the other is kept positioned nearby (or
// explicitly Nil) so sync() can cheaply re-derive it.
type HybridCursor struct {
	bt  *Btree
	btc *BtreeCursor
	txn *Txn
	tc  *TxnCursor

	active     hybridActive
	currentKey []byte

	dupeCache []dupeEntry
	dupeIndex int // 1-based; 0 = not positioned within the dupe cache
}

// NewHybridCursor creates a cursor over bt, optionally merged against txn
// (nil for a read view with no pending transaction).
func NewHybridCursor(bt *Btree, txn *Txn) *HybridCursor {
	h := &HybridCursor{bt: bt, btc: NewBtreeCursor(bt), txn: txn}
	if txn != nil {
		h.tc = NewTxnCursor(txn)
	}
	return h
}

func (h *HybridCursor) setNil() {
	h.active = hybridNil
	h.currentKey = nil
	h.dupeCache = nil
	h.dupeIndex = 0
}

// IsNil reports whether the cursor is unpositioned.
func (h *HybridCursor) IsNil() bool { return h.active == hybridNil }

// Close releases both sub-cursors.
func (h *HybridCursor) Close() error {
	h.btc.Close()
	h.setNil()
	return nil
}

// SetLogger installs l as the B-tree sub-cursor's component logger; the
// hybrid cursor's own merge logic is not itself independently logged
// (it dispatches straight into btc/tc, which already log their own
// boundary events).
func (h *HybridCursor) SetLogger(l zerolog.Logger) {
	h.btc.SetLogger(l)
}

func (h *HybridCursor) txnSideNil() bool {
	return h.tc == nil || h.tc.IsNil()
}

// Sync re-derives whichever side is Nil from the side that is positioned,
// using approximate-match semantics: GEQ for a forward direction, LEQ for
// a backward one. A no-op if both sides are positioned (whether or not
// on the same key) or both are Nil.
func (h *HybridCursor) Sync(dir MoveDirection) error {
	forward := dir == MoveFirst || dir == MoveNext
	btNil := h.btc.IsNil()
	txNil := h.txnSideNil()
	if btNil == txNil {
		return nil
	}
	if btNil && !txNil {
		key, err := h.tc.GetKey()
		if err != nil {
			return err
		}
		if err := h.btc.FindApprox(key, forward); err != nil && err != ErrKeyNotFound {
			return err
		}
		return nil
	}
	key, err := h.btc.Key()
	if err != nil {
		return err
	}
	res, err := h.txn.chainLookupApprox(key, forward)
	if err != nil {
		return err
	}
	if res == nil {
		h.tc.setNil()
		return nil
	}
	h.tc.setKey(res)
	return nil
}

// Move repositions the merged cursor. FIRST/LAST position both sides at
// their own first/last key and pick a winner; NEXT/PREVIOUS first try to
// step within the current key's duplicate cache, falling back to
// advancing the merged key stream.
func (h *HybridCursor) Move(dir MoveDirection) error {
	switch dir {
	case MoveFirst, MoveLast:
		if err := h.btc.Move(dir); err != nil && err != ErrKeyNotFound {
			return err
		}
		if h.tc != nil {
			if err := h.tc.Move(dir); err != nil && err != ErrKeyNotFound {
				return err
			}
		}
		return h.reconcile(dir)
	case MoveNext, MovePrevious:
		if h.active == hybridNil {
			if dir == MovePrevious {
				return h.Move(MoveLast)
			}
			return h.Move(MoveFirst)
		}
		step := 1
		if dir == MovePrevious {
			step = -1
		}
		if next := h.dupeIndex + step; h.dupeIndex > 0 && next >= 1 && next <= len(h.dupeCache) {
			return h.CoupleToDupe(next)
		}
		h.dupeCache = nil
		h.dupeIndex = 0
		switch h.active {
		case hybridBtree:
			if err := h.btc.Move(dir); err != nil && err != ErrKeyNotFound {
				return err
			}
		case hybridTxn:
			if err := h.tc.Move(dir); err != nil && err != ErrKeyNotFound {
				return err
			}
		}
		return h.reconcile(dir)
	default:
		return fmt.Errorf("%w: unknown move direction", ErrInvalidParameter)
	}
}

// Find positions the cursor exactly on key, preferring the txn side (a
// pending overwrite or duplicate set takes priority over the committed
// B-tree entry). If the txn side's op-chain nets out to a full erase, the
// key is absent from the merged view and Find returns ErrKeyNotFound,
// whether or not the B-tree holds a copy.
func (h *HybridCursor) Find(key []byte) error {
	btErr := h.btc.Find(key)
	tcErr := ErrKeyNotFound
	if h.tc != nil {
		tcErr = h.tc.Find(key)
	}
	if tcErr == nil {
		empty, err := h.settleTxn(key)
		if err != nil {
			return err
		}
		if !empty {
			return nil
		}
		return ErrKeyNotFound
	}
	if btErr == nil {
		return h.settle(hybridBtree, key)
	}
	h.setNil()
	return ErrKeyNotFound
}

// reconcile picks the merged cursor's new active side and key from
// whatever position btc/tc currently hold, handling the equal-key
// tie-break (txn wins) and the erased-in-txn skip, then builds the
// duplicate cache for the winning key.
func (h *HybridCursor) reconcile(dir MoveDirection) error {
	forward := dir == MoveFirst || dir == MoveNext
	for {
		btNil := h.btc.IsNil()
		txNil := h.txnSideNil()
		if btNil && txNil {
			h.setNil()
			return ErrKeyNotFound
		}
		if txNil {
			key, err := h.btc.Key()
			if err != nil {
				return err
			}
			return h.settle(hybridBtree, key)
		}
		if btNil {
			key, err := h.tc.GetKey()
			if err != nil {
				return err
			}
			empty, err := h.settleTxn(key)
			if err != nil {
				return err
			}
			if empty {
				if err := h.tc.Move(dir); err != nil && err != ErrKeyNotFound {
					return err
				}
				continue
			}
			return nil
		}

		btKey, err := h.btc.Key()
		if err != nil {
			return err
		}
		txKey, err := h.tc.GetKey()
		if err != nil {
			return err
		}
		cmp := compareKeys(btKey, txKey)
		if cmp == 0 {
			if IsErasedWhole(h.txn.Chain(txKey)) {
				if err := h.btc.Move(dir); err != nil && err != ErrKeyNotFound {
					return err
				}
				if err := h.tc.Move(dir); err != nil && err != ErrKeyNotFound {
					return err
				}
				continue
			}
			// Build the duplicate cache before advancing btc off this key,
			// so CoupleToDupe below sets btc's dupe id while btc is still
			// on the matching leaf slot. Record() re-finds the key before
			// every from-btree read regardless, since btc.Move below will
			// displace it from that slot right after.
			empty, err := h.settleTxn(txKey)
			if err != nil {
				return err
			}
			if err := h.btc.Move(dir); err != nil && err != ErrKeyNotFound {
				return err
			}
			if empty {
				if err := h.tc.Move(dir); err != nil && err != ErrKeyNotFound {
					return err
				}
				continue
			}
			return nil
		}
		btFirst := (forward && cmp < 0) || (!forward && cmp > 0)
		if btFirst {
			return h.settle(hybridBtree, btKey)
		}
		empty, err := h.settleTxn(txKey)
		if err != nil {
			return err
		}
		if empty {
			if err := h.tc.Move(dir); err != nil && err != ErrKeyNotFound {
				return err
			}
			continue
		}
		return nil
	}
}

func (h *HybridCursor) settle(side hybridActive, key []byte) error {
	h.active = side
	h.currentKey = append([]byte{}, key...)
	return h.UpdateDupecache(h.currentKey)
}

// settleTxn settles the cursor onto key with the txn side active, then
// reports whether the resulting duplicate cache is empty: a key that
// exists only because of a txn op-chain, but whose chain nets out to a
// full erase, is not actually present in the merged view and must be
// skipped by the caller rather than surfaced.
func (h *HybridCursor) settleTxn(key []byte) (empty bool, err error) {
	if err := h.settle(hybridTxn, key); err != nil {
		return false, err
	}
	if len(h.dupeCache) == 0 {
		h.setNil()
		return true, nil
	}
	return false, nil
}

// UpdateDupecache rebuilds the duplicate cache for key: the B-tree's
// existing duplicates, oldest first, then every recorded txn op against
// key replayed in issue order (INSERT resets, INSERT_OVERWRITE replaces a
// ref'd slot or resets, INSERT_DUP inserts per its sub-flag, ERASE drops a
// ref'd slot or clears). Positions the cursor on the cache's first entry.
func (h *HybridCursor) UpdateDupecache(key []byte) error {
	var cache []dupeEntry

	res, err := h.bt.Find(key)
	if err != nil {
		return err
	}
	if res.Found {
		entry, err := h.bt.LeafAt(res.LeafAddr, res.Slot)
		if err != nil {
			return err
		}
		for i := range entry.Records {
			cache = append(cache, dupeEntry{btreeIdx: i})
		}
	}

	var ops []Op
	if h.txn != nil {
		ops = h.txn.Chain(key)
	}
	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			cache = []dupeEntry{{fromTxn: true, op: op}}
		case OpInsertOverwrite:
			if op.Ref > 0 {
				i := op.Ref - 1
				if i >= 0 && i < len(cache) {
					cache[i] = dupeEntry{fromTxn: true, op: op}
				}
			} else {
				cache = []dupeEntry{{fromTxn: true, op: op}}
			}
		case OpInsertDup:
			cache = insertDupeEntry(cache, dupeEntry{fromTxn: true, op: op}, op.Pos, op.Ref)
		case OpErase:
			if op.Ref > 0 {
				i := op.Ref - 1
				if i >= 0 && i < len(cache) {
					cache = append(cache[:i], cache[i+1:]...)
				}
			} else {
				cache = nil
			}
		}
	}

	h.dupeCache = cache
	h.dupeIndex = 0
	if len(cache) > 0 {
		return h.CoupleToDupe(1)
	}
	if h.active == hybridBtree {
		h.btc.SetDupeID(0)
	}
	return nil
}

// insertDupeEntry mirrors insertDup's DupFirst/DupLast/DupBefore/DupAfter
// placement rules over a dupeEntry cache instead of a Record slice.
func insertDupeEntry(cache []dupeEntry, e dupeEntry, pos DupPosition, ref int) []dupeEntry {
	switch pos {
	case DupFirst:
		return append([]dupeEntry{e}, cache...)
	case DupLast:
		return append(cache, e)
	case DupBefore:
		i := ref - 1
		if i < 0 || i > len(cache) {
			i = len(cache)
		}
		out := make([]dupeEntry, 0, len(cache)+1)
		out = append(out, cache[:i]...)
		out = append(out, e)
		return append(out, cache[i:]...)
	case DupAfter:
		i := ref
		if i < 0 || i > len(cache) {
			i = len(cache)
		}
		out := make([]dupeEntry, 0, len(cache)+1)
		out = append(out, cache[:i]...)
		out = append(out, e)
		return append(out, cache[i:]...)
	default:
		return append(cache, e)
	}
}

// CoupleToDupe re-positions the active side and its sub-cursor to the
// i-th (1-based) duplicate cache entry. A from-btree entry selects the
// B-tree cursor's dupe_id; a from-txn entry makes the txn side active,
// since no B-tree leaf slot backs it.
func (h *HybridCursor) CoupleToDupe(i int) error {
	if i < 1 || i > len(h.dupeCache) {
		return ErrLimitsReached
	}
	entry := h.dupeCache[i-1]
	h.dupeIndex = i
	if entry.fromTxn {
		h.active = hybridTxn
		return nil
	}
	h.active = hybridBtree
	h.btc.SetDupeID(entry.btreeIdx)
	return nil
}

// Key returns the cursor's current merged key.
func (h *HybridCursor) Key() ([]byte, error) {
	if h.active == hybridNil {
		return nil, ErrCursorIsNil
	}
	return h.currentKey, nil
}

// Record returns the record at the cursor's current duplicate cache
// position. For a from-btree entry this re-finds currentKey through a
// temporary B-tree cursor: reconcile's merge walk advances btc past the
// current key as soon as the duplicate cache is built (to keep the next
// Move from re-visiting it), so by the time Record is called btc may
// already be sitting on a different key's leaf slot — reading through its
// stale position would return the wrong data entirely, and re-finding
// through btc itself would pull it back and make the next Move repeat
// keys.
func (h *HybridCursor) Record() (Record, error) {
	if h.active == hybridNil {
		return Record{}, ErrCursorIsNil
	}
	if h.dupeIndex < 1 || h.dupeIndex > len(h.dupeCache) {
		return Record{}, ErrLimitsReached
	}
	entry := h.dupeCache[h.dupeIndex-1]
	if entry.fromTxn {
		return entry.op.Rec, nil
	}
	rc := NewBtreeCursor(h.bt)
	defer rc.Close()
	if err := rc.Find(h.currentKey); err != nil {
		return Record{}, err
	}
	rc.SetDupeID(entry.btreeIdx)
	return rc.Record()
}

// DuplicateCount returns 1 (when positioned) if the Btree disallows
// duplicates, else the size of the current key's duplicate cache.
func (h *HybridCursor) DuplicateCount() (int, error) {
	if h.active == hybridNil {
		return 0, ErrCursorIsNil
	}
	if !h.bt.AllowsDuplicates() {
		return 1, nil
	}
	return len(h.dupeCache), nil
}

// IsBtreeKeyOverwritten reports whether the current key's on-disk
// duplicate set has been superseded by a txn op (a whole-key
// insert/overwrite/erase, or a cache entirely filled with txn entries),
// meaning the B-tree's own copy is no longer authoritative for callers
// that would otherwise read around this cursor.
func (h *HybridCursor) IsBtreeKeyOverwritten() bool {
	if h.active == hybridNil || h.txn == nil {
		return false
	}
	ops := h.txn.Chain(h.currentKey)
	for _, op := range ops {
		if op.Ref == 0 && (op.Kind == OpInsert || op.Kind == OpInsertOverwrite || op.Kind == OpErase) {
			return true
		}
	}
	if len(h.dupeCache) == 0 {
		return false
	}
	for _, e := range h.dupeCache {
		if !e.fromTxn {
			return false
		}
	}
	return true
}

// Erase dispatches to the txn cursor (appending an erase op against the
// current key, or its current duplicate slot if the key has more than
// one) when a transaction is active, else straight to the B-tree cursor.
// The hybrid cursor is Nil afterward either way.
func (h *HybridCursor) Erase() error {
	if h.active == hybridNil {
		return ErrCursorIsNil
	}
	var err error
	if h.txn != nil {
		ref := 0
		if len(h.dupeCache) > 1 && h.dupeIndex > 0 {
			ref = h.dupeIndex
		}
		err = h.txn.Erase(h.currentKey, ref)
	} else {
		err = h.btc.Erase()
	}
	h.setNil()
	return err
}

// Overwrite rewrites the record at the cursor's current position: into
// the txn op-chain when a transaction is active, else straight onto the
// B-tree leaf entry via Replace.
func (h *HybridCursor) Overwrite(rec Record) error {
	if h.active == hybridNil {
		return ErrCursorIsNil
	}
	if h.txn == nil {
		return h.btc.Replace(rec, nil)
	}
	ref := 0
	if len(h.dupeCache) > 1 && h.dupeIndex > 0 {
		ref = h.dupeIndex
	}
	return h.txn.Overwrite(h.currentKey, rec, ref)
}
