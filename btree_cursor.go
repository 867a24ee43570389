package pagekv

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"
)

// cursorState is the tagged variant a BtreeCursor occupies: exactly one of
// Nil, Coupled, or Uncoupled at any time.
type cursorState uint8

const (
	cursorNil cursorState = iota
	cursorCoupled
	cursorUncoupled
)

// BtreeCursor walks the leaf chain of a Btree one slot at a time. It is
// either unpositioned (Nil), pinned to a live leaf page and slot index
// (Coupled), or holding a saved copy of its key with no page reference
// (Uncoupled). A Coupled cursor is registered on its page's cursor list,
// which blocks that page's eviction until every coupled cursor uncouples.
type BtreeCursor struct {
	bt *Btree

	state cursorState

	// Coupled fields.
	page  *Page
	slot  int
	dupeID int // 0-based index into the slot's duplicate list

	// Uncoupled field.
	key []byte

	log zerolog.Logger
}

// NewBtreeCursor creates a Nil cursor over bt.
func NewBtreeCursor(bt *Btree) *BtreeCursor {
	return &BtreeCursor{bt: bt, log: zerolog.Nop()}
}

// SetLogger installs l as the cursor's component logger.
func (c *BtreeCursor) SetLogger(l zerolog.Logger) { c.log = l }

// State reports which variant the cursor currently occupies.
func (c *BtreeCursor) State() cursorState { return c.state }

// IsNil reports whether the cursor is unpositioned.
func (c *BtreeCursor) IsNil() bool { return c.state == cursorNil }

// setNil frees any owned key and unlinks from the current page's cursor
// list, in every case leaving the cursor Nil.
func (c *BtreeCursor) setNil() {
	if c.state == cursorCoupled && c.page != nil {
		c.page.removeCursor(c)
	}
	c.page = nil
	c.slot = 0
	c.dupeID = 0
	c.key = nil
	c.state = cursorNil
}

// Close releases the cursor, unlinking it from any page it is coupled to.
func (c *BtreeCursor) Close() error {
	c.setNil()
	return nil
}

// couplePage transitions a Coupled cursor to page/slot, registering it on the
// page's cursor list and unregistering from any prior page. Re-coupling to
// the page it is already on is a no-op on the cursor list: addCursor would
// otherwise append a second entry that removeCursor's first-match removal
// never cleans up, leaking a permanent pin on the page.
func (c *BtreeCursor) couplePage(page *Page, slot int) {
	alreadyOnPage := c.state == cursorCoupled && c.page == page
	if c.state == cursorCoupled && c.page != nil && c.page != page {
		c.page.removeCursor(c)
	}
	c.page = page
	c.slot = slot
	c.dupeID = 0
	c.key = nil
	c.state = cursorCoupled
	if !alreadyOnPage {
		page.addCursor(c)
	}
}

// uncouple deep-copies the leaf key at the cursor's current slot and
// releases the page reference, leaving the cursor Uncoupled. Called both
// by explicit Uncouple() and by a page's uncoupleAllCursors() when the
// page is about to be evicted.
func (c *BtreeCursor) uncouple() error {
	if c.state != cursorCoupled {
		return nil
	}
	entry, err := c.bt.LeafAt(c.page.Address(), c.slot)
	if err != nil {
		c.setNil()
		return err
	}
	key := make([]byte, len(entry.Key))
	copy(key, entry.Key)

	c.page.removeCursor(c)
	c.page = nil
	c.slot = 0
	c.key = key
	c.state = cursorUncoupled
	return nil
}

// Uncouple is the public entry point for uncouple, for callers that want
// to force a cursor off its page without closing it.
func (c *BtreeCursor) Uncouple() error { return c.uncouple() }

// couple re-positions an Uncoupled cursor by finding its saved key on the
// B-tree again, transitioning to Coupled on success.
func (c *BtreeCursor) couple() error {
	if c.state != cursorUncoupled {
		return nil
	}
	res, err := c.bt.Find(c.key)
	if err != nil {
		return err
	}
	if !res.Found {
		c.setNil()
		return fmt.Errorf("%w: cursor key vanished while uncoupled", ErrKeyNotFound)
	}
	page, _, err := c.bt.loadNode(res.LeafAddr)
	if err != nil {
		return err
	}
	c.couplePage(page, res.Slot)
	return nil
}

// Couple is the public entry point for couple.
func (c *BtreeCursor) Couple() error { return c.couple() }

// ensureCoupled re-couples an Uncoupled cursor before an operation that
// needs a live page reference. A Nil cursor is left Nil; callers must
// check IsNil() themselves where Nil is not a valid input state.
func (c *BtreeCursor) ensureCoupled() error {
	if c.state == cursorUncoupled {
		return c.couple()
	}
	return nil
}

// MoveDirection selects which way Move repositions the cursor.
type MoveDirection uint8

const (
	MoveFirst MoveDirection = iota
	MoveLast
	MoveNext
	MovePrevious
)

// Move repositions the cursor per dir. FIRST/LAST walk from the root;
// NEXT/PREVIOUS step within the current leaf or follow a sibling link.
// Returns ErrKeyNotFound if the tree is empty (FIRST/LAST) or there is no
// further entry in the requested direction (NEXT/PREVIOUS), leaving the
// cursor Nil in both cases.
func (c *BtreeCursor) Move(dir MoveDirection) error {
	switch dir {
	case MoveFirst:
		return c.moveFirst()
	case MoveLast:
		return c.moveLast()
	case MoveNext:
		return c.moveNext()
	case MovePrevious:
		return c.movePrevious()
	default:
		return fmt.Errorf("%w: unknown move direction", ErrInvalidParameter)
	}
}

func (c *BtreeCursor) moveFirst() error {
	leafAddr, err := c.bt.MoveFirst()
	if err != nil {
		c.setNil()
		return err
	}
	if leafAddr == 0 {
		c.setNil()
		return ErrKeyNotFound
	}
	page, _, err := c.bt.loadNode(leafAddr)
	if err != nil {
		return err
	}
	c.couplePage(page, 0)
	return nil
}

func (c *BtreeCursor) moveLast() error {
	leafAddr, err := c.bt.MoveLast()
	if err != nil {
		c.setNil()
		return err
	}
	if leafAddr == 0 {
		c.setNil()
		return ErrKeyNotFound
	}
	count, err := c.bt.LeafCount(leafAddr)
	if err != nil {
		return err
	}
	page, _, err := c.bt.loadNode(leafAddr)
	if err != nil {
		return err
	}
	c.couplePage(page, count-1)
	return nil
}

func (c *BtreeCursor) moveNext() error {
	if c.state == cursorNil {
		return c.moveFirst()
	}
	if err := c.ensureCoupled(); err != nil {
		return err
	}
	count, err := c.bt.LeafCount(c.page.Address())
	if err != nil {
		return err
	}
	if c.slot+1 < count {
		c.couplePage(c.page, c.slot+1)
		return nil
	}
	sibling, err := c.bt.LeafSibling(c.page.Address(), 1)
	if err != nil {
		return err
	}
	if sibling == 0 {
		c.setNil()
		return ErrKeyNotFound
	}
	page, _, err := c.bt.loadNode(sibling)
	if err != nil {
		return err
	}
	c.couplePage(page, 0)
	return nil
}

func (c *BtreeCursor) movePrevious() error {
	if c.state == cursorNil {
		return c.moveLast()
	}
	if err := c.ensureCoupled(); err != nil {
		return err
	}
	if c.slot-1 >= 0 {
		c.couplePage(c.page, c.slot-1)
		return nil
	}
	sibling, err := c.bt.LeafSibling(c.page.Address(), -1)
	if err != nil {
		return err
	}
	if sibling == 0 {
		c.setNil()
		return ErrKeyNotFound
	}
	count, err := c.bt.LeafCount(sibling)
	if err != nil {
		return err
	}
	page, _, err := c.bt.loadNode(sibling)
	if err != nil {
		return err
	}
	c.couplePage(page, count-1)
	return nil
}

// Find delegates to the B-tree. On success the cursor becomes Coupled; on
// failure it becomes Nil and ErrKeyNotFound is returned.
func (c *BtreeCursor) Find(key []byte) error {
	res, err := c.bt.Find(key)
	if err != nil {
		c.setNil()
		return err
	}
	if !res.Found {
		c.setNil()
		c.log.Debug().Bytes("key", key).Msg("cursor find: key not found")
		return ErrKeyNotFound
	}
	page, _, err := c.bt.loadNode(res.LeafAddr)
	if err != nil {
		return err
	}
	c.couplePage(page, res.Slot)
	c.log.Debug().Bytes("key", key).Msg("cursor find: coupled")
	return nil
}

// FindApprox locates key, or, when absent, the nearest key on the geq/leq
// side requested: the first key >= target when geq, else the last key <=
// target. Used by the hybrid cursor's sync() to re-derive the B-tree
// side's position from a txn-only key with approximate-match semantics.
func (c *BtreeCursor) FindApprox(key []byte, geq bool) error {
	res, err := c.bt.Find(key)
	if err != nil {
		c.setNil()
		return err
	}
	if res.LeafAddr == 0 {
		c.setNil()
		return ErrKeyNotFound
	}
	if res.Found {
		page, _, err := c.bt.loadNode(res.LeafAddr)
		if err != nil {
			return err
		}
		c.couplePage(page, res.Slot)
		return nil
	}
	if geq {
		count, err := c.bt.LeafCount(res.LeafAddr)
		if err != nil {
			return err
		}
		if res.Slot < count {
			page, _, err := c.bt.loadNode(res.LeafAddr)
			if err != nil {
				return err
			}
			c.couplePage(page, res.Slot)
			return nil
		}
		sib, err := c.bt.LeafSibling(res.LeafAddr, 1)
		if err != nil {
			return err
		}
		if sib == 0 {
			c.setNil()
			return ErrKeyNotFound
		}
		page, _, err := c.bt.loadNode(sib)
		if err != nil {
			return err
		}
		c.couplePage(page, 0)
		return nil
	}
	if res.Slot > 0 {
		page, _, err := c.bt.loadNode(res.LeafAddr)
		if err != nil {
			return err
		}
		c.couplePage(page, res.Slot-1)
		return nil
	}
	sib, err := c.bt.LeafSibling(res.LeafAddr, -1)
	if err != nil {
		return err
	}
	if sib == 0 {
		c.setNil()
		return ErrKeyNotFound
	}
	count, err := c.bt.LeafCount(sib)
	if err != nil {
		return err
	}
	page, _, err := c.bt.loadNode(sib)
	if err != nil {
		return err
	}
	c.couplePage(page, count-1)
	return nil
}

// Key returns the current entry's key; an Uncoupled cursor returns its
// saved key without re-coupling. Returns ErrCursorIsNil if the cursor is
// Nil.
func (c *BtreeCursor) Key() ([]byte, error) {
	if c.state == cursorNil {
		return nil, ErrCursorIsNil
	}
	if c.state == cursorUncoupled {
		return c.key, nil
	}
	entry, err := c.bt.LeafAt(c.page.Address(), c.slot)
	if err != nil {
		return nil, err
	}
	return entry.Key, nil
}

// Record returns the current entry's record at the cursor's selected
// duplicate index (0 unless a duplicate sub-position has been set via
// SetDupeID). Returns ErrCursorIsNil if the cursor is Nil.
func (c *BtreeCursor) Record() (Record, error) {
	if c.state == cursorNil {
		return Record{}, ErrCursorIsNil
	}
	if err := c.ensureCoupled(); err != nil {
		return Record{}, err
	}
	entry, err := c.bt.LeafAt(c.page.Address(), c.slot)
	if err != nil {
		return Record{}, err
	}
	if c.dupeID < 0 || c.dupeID >= len(entry.Records) {
		return Record{}, fmt.Errorf("%w: duplicate index out of range", ErrLimitsReached)
	}
	return entry.Records[c.dupeID], nil
}

// DuplicateCount returns the number of records stored under the cursor's
// current key.
func (c *BtreeCursor) DuplicateCount() (int, error) {
	if c.state == cursorNil {
		return 0, ErrCursorIsNil
	}
	if err := c.ensureCoupled(); err != nil {
		return 0, err
	}
	entry, err := c.bt.LeafAt(c.page.Address(), c.slot)
	if err != nil {
		return 0, err
	}
	return len(entry.Records), nil
}

// SetDupeID sets which duplicate slot Record() reads from. The B-tree
// side of a hybrid cursor carries this per-cursor index so its leaf
// accessor can pick the right duplicate after update_dupecache repositions
// the merged view onto a specific entry.
func (c *BtreeCursor) SetDupeID(i int) { c.dupeID = i }

// DupeID returns the cursor's currently selected duplicate index.
func (c *BtreeCursor) DupeID() int { return c.dupeID }

// Replace requires a Coupled cursor (re-coupling first if Uncoupled). It
// rewrites the record at the current key, transitioning freely between
// Empty/Tiny/Small/Big representations. freeBlob is invoked with the old
// blob id whenever the previous representation was Big and the new one
// is not, so the caller can release the blob and evict any extended-key
// cache entry keyed by it; freeBlob may be nil.
func (c *BtreeCursor) Replace(rec Record, freeBlob func(blobID uint64)) error {
	if c.state == cursorNil {
		return ErrCursorIsNil
	}
	if err := c.ensureCoupled(); err != nil {
		return err
	}
	entry, err := c.bt.LeafAt(c.page.Address(), c.slot)
	if err != nil {
		return err
	}
	if c.dupeID < 0 || c.dupeID >= len(entry.Records) {
		return fmt.Errorf("%w: duplicate index out of range", ErrLimitsReached)
	}
	prev := entry.Records[c.dupeID]
	if prev.Kind == RecordBig && rec.Kind != RecordBig && freeBlob != nil {
		freeBlob(prev.BlobID)
	}
	if len(entry.Records) == 1 {
		return c.bt.Overwrite(entry.Key, rec)
	}
	page, node, err := c.bt.loadNode(c.page.Address())
	if err != nil {
		return err
	}
	idx := lowerBound(node.keys, entry.Key)
	if idx >= len(node.keys) || !bytes.Equal(node.keys[idx], entry.Key) {
		return ErrKeyNotFound
	}
	recs := append([]Record{}, node.records[idx]...)
	recs[c.dupeID] = rec
	node.records[idx] = recs
	return c.bt.saveNode(page, node)
}

// Erase reads the current key, deletes it (or, if it carried duplicates,
// only the cursor's selected duplicate) from the B-tree, then re-couples
// the cursor to the key that followed the erased one — or leaves it Nil,
// if the erased key was last. The successor is captured by key before the
// erase and re-found by key afterward rather than by slot index, because
// erasing a slot shifts every later slot on the page, making any slot
// captured beforehand stale.
func (c *BtreeCursor) Erase() error {
	if c.state == cursorNil {
		return ErrCursorIsNil
	}
	if err := c.ensureCoupled(); err != nil {
		return err
	}
	key, err := c.Key()
	if err != nil {
		return err
	}
	key = append([]byte{}, key...)
	dupeID := c.dupeID

	count, err := c.DuplicateCount()
	if err != nil {
		return err
	}

	moveErr := c.moveNext()
	if moveErr != nil && moveErr != ErrKeyNotFound {
		return moveErr
	}
	var successor []byte
	if moveErr == nil {
		successorKey, err := c.Key()
		if err != nil {
			return err
		}
		successor = append([]byte{}, successorKey...)
	}

	if count > 1 {
		if err := c.bt.EraseDuplicate(key, dupeID); err != nil {
			return err
		}
	} else if err := c.bt.EraseKey(key); err != nil {
		return err
	}
	c.log.Debug().Bytes("key", key).Msg("cursor erase")

	if successor == nil {
		c.setNil()
		return nil
	}
	return c.Find(successor)
}

// Clone returns an independent cursor positioned identically to c. A
// Coupled source is cloned via its saved key (through Uncouple/Couple
// semantics) rather than sharing the page reference, so closing one
// cursor never disturbs the other.
func (c *BtreeCursor) Clone() (*BtreeCursor, error) {
	clone := NewBtreeCursor(c.bt)
	switch c.state {
	case cursorNil:
		return clone, nil
	case cursorUncoupled:
		clone.key = append([]byte{}, c.key...)
		clone.state = cursorUncoupled
		clone.dupeID = c.dupeID
		return clone, nil
	default: // cursorCoupled
		key, err := c.Key()
		if err != nil {
			return nil, err
		}
		if err := clone.Find(key); err != nil {
			return nil, err
		}
		clone.dupeID = c.dupeID
		return clone, nil
	}
}
