package pagekv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// DupPosition selects where InsertDuplicate places a new duplicate
// relative to an existing one, mirroring INSERT_DUP's FIRST/BEFORE/AFTER/
// LAST sub-flags.
type DupPosition uint8

const (
	DupLast DupPosition = iota
	DupFirst
	DupBefore
	DupAfter
)

// nodeProxy is the in-memory, decoded interpretation of an index or leaf
// page's payload. Index and leaf nodes share the type but use disjoint
// fields (isLeaf selects which).
type nodeProxy struct {
	isLeaf bool

	// leaf fields
	keys    [][]byte
	records [][]Record // records[i] are the duplicates stored under keys[i], len >= 1
	left    uint64     // left-sibling leaf address, 0 if none
	right   uint64     // right-sibling leaf address, 0 if none

	// index fields: len(children) == len(keys)+1; children[i] holds keys
	// strictly less than keys[i] for i < len(keys), children[len(keys)]
	// holds keys >= keys[len(keys)-1].
	children []uint64
}

func newLeafNode() *nodeProxy { return &nodeProxy{isLeaf: true} }
func newIndexNode() *nodeProxy { return &nodeProxy{isLeaf: false} }

// lowerBound returns the first index i with keys[i] >= key.
func lowerBound(keys [][]byte, key []byte) int {
	return sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) >= 0 })
}

// upperBound returns the first index i with keys[i] > key.
func upperBound(keys [][]byte, key []byte) int {
	return sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) > 0 })
}

// encode serializes the node into buf (the page's payload region),
// returning an error if it does not fit.
func (n *nodeProxy) encode(buf []byte) error {
	if n.isLeaf {
		return n.encodeLeaf(buf)
	}
	return n.encodeIndex(buf)
}

// nodeKindLeaf/nodeKindIndex tag byte 0 of every encoded node payload, so
// a page can be decoded as the right kind of node before anything else is
// known about it (the Page's own type field is set from this tag after
// decode, not consulted before it).
const (
	nodeKindIndex byte = 0
	nodeKindLeaf  byte = 1
)

// decodeNode dispatches on buf[0] to decode either a leaf or index node.
func decodeNode(buf []byte) *nodeProxy {
	if buf[0] == nodeKindLeaf {
		return decodeLeafNode(buf[1:])
	}
	return decodeIndexNode(buf[1:])
}

func (n *nodeProxy) encodeLeaf(buf []byte) error {
	if len(buf) < 1 {
		return fmt.Errorf("%w: page too small for a node", ErrInvalidParameter)
	}
	buf[0] = nodeKindLeaf
	buf = buf[1:]
	off := 0
	need := 8 + 8 + 2
	if need > len(buf) {
		return fmt.Errorf("%w: leaf header does not fit in page", ErrInvalidParameter)
	}
	binary.LittleEndian.PutUint64(buf[off:], n.left)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], n.right)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(n.keys)))
	off += 2
	for i, key := range n.keys {
		if off+2+len(key)+2 > len(buf) {
			return fmt.Errorf("%w: leaf entry does not fit in page", ErrInvalidParameter)
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(key)))
		off += 2
		copy(buf[off:], key)
		off += len(key)

		recs := n.records[i]
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(recs)))
		off += 2
		for _, r := range recs {
			if off+1+ridSize+4 > len(buf) {
				return fmt.Errorf("%w: duplicate record does not fit in page", ErrInvalidParameter)
			}
			rid, flags := EncodeRid(r)
			buf[off] = flags
			off++
			copy(buf[off:], rid[:])
			off += ridSize
			binary.LittleEndian.PutUint32(buf[off:], r.Size)
			off += 4
		}
	}
	return nil
}

func (n *nodeProxy) encodeIndex(buf []byte) error {
	if len(buf) < 1 {
		return fmt.Errorf("%w: page too small for a node", ErrInvalidParameter)
	}
	buf[0] = nodeKindIndex
	buf = buf[1:]
	off := 0
	if off+2 > len(buf) {
		return fmt.Errorf("%w: index header does not fit in page", ErrInvalidParameter)
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(n.keys)))
	off += 2
	if off+8*len(n.children) > len(buf) {
		return fmt.Errorf("%w: index children do not fit in page", ErrInvalidParameter)
	}
	for _, c := range n.children {
		binary.LittleEndian.PutUint64(buf[off:], c)
		off += 8
	}
	for _, key := range n.keys {
		if off+2+len(key) > len(buf) {
			return fmt.Errorf("%w: index key does not fit in page", ErrInvalidParameter)
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(key)))
		off += 2
		copy(buf[off:], key)
		off += len(key)
	}
	return nil
}

func decodeLeafNode(buf []byte) *nodeProxy {
	n := newLeafNode()
	off := 0
	n.left = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	n.right = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	count := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	n.keys = make([][]byte, count)
	n.records = make([][]Record, count)
	for i := 0; i < count; i++ {
		keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		key := make([]byte, keyLen)
		copy(key, buf[off:off+keyLen])
		off += keyLen
		n.keys[i] = key

		recCount := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		recs := make([]Record, recCount)
		for j := 0; j < recCount; j++ {
			flags := buf[off]
			off++
			var rid [ridSize]byte
			copy(rid[:], buf[off:off+ridSize])
			off += ridSize
			size := binary.LittleEndian.Uint32(buf[off:])
			off += 4
			recs[j] = DecodeRid(flags, rid, size)
		}
		n.records[i] = recs
	}
	return n
}

func decodeIndexNode(buf []byte) *nodeProxy {
	n := newIndexNode()
	off := 0
	count := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	n.children = make([]uint64, count+1)
	for i := range n.children {
		n.children[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	n.keys = make([][]byte, count)
	for i := 0; i < count; i++ {
		keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		key := make([]byte, keyLen)
		copy(key, buf[off:off+keyLen])
		off += keyLen
		n.keys[i] = key
	}
	return n
}

// Btree is the committed, on-disk ordered structure BtreeCursor walks.
// Split/merge rebalancing is deliberately simple (splits on overflow,
// never merges underflowing leaves back together) since the algorithm
// itself is an external collaborator as far as the cursor and hybrid
// cursor layers are concerned; they only depend on find/move/sibling-link
// correctness, not on node occupancy being optimal.
type Btree struct {
	pm              *PageManager
	pageSize        uint32
	rootAddr        uint64
	allowDuplicates bool
	db              *Database
}

// NewBtree creates a Btree rooted at rootAddr (0 for an empty tree).
func NewBtree(pm *PageManager, pageSize uint32, rootAddr uint64, allowDuplicates bool) *Btree {
	return &Btree{pm: pm, pageSize: pageSize, rootAddr: rootAddr, allowDuplicates: allowDuplicates}
}

// SetDatabase tags every page this Btree fetches or allocates with db, so
// PageManager.CloseDatabase can find and flush them independently of
// other databases sharing the same cache.
func (bt *Btree) SetDatabase(db *Database) { bt.db = db }

func (bt *Btree) RootAddr() uint64        { return bt.rootAddr }
func (bt *Btree) SetRootAddr(a uint64)    { bt.rootAddr = a }
func (bt *Btree) IsEmpty() bool           { return bt.rootAddr == 0 }
func (bt *Btree) AllowsDuplicates() bool  { return bt.allowDuplicates }

func (bt *Btree) payloadCapacity() int { return int(bt.pageSize) - pageHeaderSize }

// loadNode fetches addr and returns its decoded node, caching the decode
// on the Page so repeated access within one operation is cheap. The node
// payload's own leading marker byte says whether it is a leaf or an index
// node, so no caller-supplied type hint is needed (or trustworthy, before
// decode).
func (bt *Btree) loadNode(addr uint64) (*Page, *nodeProxy, error) {
	page, err := bt.pm.Fetch(addr, PageTypeLeaf, 0)
	if err != nil {
		return nil, nil, err
	}
	if page.DB() == nil {
		page.SetDB(bt.db)
	}
	if page.node == nil {
		page.node = decodeNode(page.Payload())
	}
	if page.node.isLeaf {
		page.SetType(PageTypeLeaf)
	} else {
		page.SetType(PageTypeIndex)
	}
	return page, page.node, nil
}

// saveNode re-encodes node into page's payload and marks it dirty.
func (bt *Btree) saveNode(page *Page, node *nodeProxy) error {
	page.node = node
	if err := node.encode(page.Payload()); err != nil {
		return err
	}
	page.SetDirty(true)
	return nil
}

// FindResult is the outcome of descending to the leaf that would contain
// key, whether or not key is actually present there.
type FindResult struct {
	LeafAddr uint64
	Slot     int // index into the leaf's keys where key is, or would be inserted
	Found    bool
}

// descend walks from the root to the leaf that should contain key,
// returning every index-page address visited (for split propagation).
func (bt *Btree) descend(key []byte) (path []uint64, leafAddr uint64, err error) {
	if bt.rootAddr == 0 {
		return nil, 0, nil
	}
	addr := bt.rootAddr
	for {
		_, node, err := bt.loadNode(addr)
		if err != nil {
			return nil, 0, err
		}
		if node.isLeaf {
			return path, addr, nil
		}
		path = append(path, addr)
		idx := upperBound(node.keys, key)
		addr = node.children[idx]
	}
}

// Find locates key exactly.
func (bt *Btree) Find(key []byte) (FindResult, error) {
	_, leafAddr, err := bt.descend(key)
	if err != nil {
		return FindResult{}, err
	}
	if leafAddr == 0 {
		return FindResult{}, nil
	}
	_, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return FindResult{}, err
	}
	idx := lowerBound(node.keys, key)
	found := idx < len(node.keys) && bytes.Equal(node.keys[idx], key)
	return FindResult{LeafAddr: leafAddr, Slot: idx, Found: found}, nil
}

// MoveFirst returns the leftmost leaf's address, or 0 if the tree is empty.
func (bt *Btree) MoveFirst() (uint64, error) {
	if bt.rootAddr == 0 {
		return 0, nil
	}
	addr := bt.rootAddr
	for {
		_, node, err := bt.loadNode(addr)
		if err != nil {
			return 0, err
		}
		if node.isLeaf {
			return addr, nil
		}
		addr = node.children[0]
	}
}

// MoveLast returns the rightmost leaf's address, or 0 if the tree is empty.
func (bt *Btree) MoveLast() (uint64, error) {
	if bt.rootAddr == 0 {
		return 0, nil
	}
	addr := bt.rootAddr
	for {
		_, node, err := bt.loadNode(addr)
		if err != nil {
			return 0, err
		}
		if node.isLeaf {
			return addr, nil
		}
		addr = node.children[len(node.children)-1]
	}
}

// Insert adds a brand-new key with a single record. Returns ErrDuplicateKey
// if the key already exists, regardless of whether duplicates are allowed
// (matching a plain insert without an explicit duplicate flag).
func (bt *Btree) Insert(key []byte, rec Record) error {
	return bt.insert(key, []Record{rec}, true)
}

// Overwrite replaces the entire record set at key with a single record.
// Returns ErrKeyNotFound if key is absent.
func (bt *Btree) Overwrite(key []byte, rec Record) error {
	leafAddr, idx, found, err := bt.findLeafSlot(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: key not found for overwrite", ErrKeyNotFound)
	}
	page, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return err
	}
	node.records[idx] = []Record{rec}
	return bt.saveNode(page, node)
}

// InsertDuplicate inserts rec as an additional duplicate under key, at the
// position described by pos/ref (ref is a 1-based duplicate index, used by
// DupBefore/DupAfter). If key does not exist, it is created with rec as
// its sole record, matching hamsterdb's "duplicate insert against a
// nonexistent key creates it" behavior.
func (bt *Btree) InsertDuplicate(key []byte, rec Record, pos DupPosition, ref int) error {
	if !bt.allowDuplicates {
		return fmt.Errorf("%w: duplicates are not enabled for this database", ErrInvalidParameter)
	}
	leafAddr, idx, found, err := bt.findLeafSlot(key)
	if err != nil {
		return err
	}
	if !found {
		return bt.insert(key, []Record{rec}, true)
	}
	page, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return err
	}
	node.records[idx] = insertDup(node.records[idx], rec, pos, ref)
	return bt.saveNode(page, node)
}

func insertDup(recs []Record, rec Record, pos DupPosition, ref int) []Record {
	switch pos {
	case DupFirst:
		return append([]Record{rec}, recs...)
	case DupLast:
		return append(recs, rec)
	case DupBefore:
		i := ref - 1
		if i < 0 || i > len(recs) {
			i = len(recs)
		}
		out := make([]Record, 0, len(recs)+1)
		out = append(out, recs[:i]...)
		out = append(out, rec)
		out = append(out, recs[i:]...)
		return out
	case DupAfter:
		i := ref
		if i < 0 || i > len(recs) {
			i = len(recs)
		}
		out := make([]Record, 0, len(recs)+1)
		out = append(out, recs[:i]...)
		out = append(out, rec)
		out = append(out, recs[i:]...)
		return out
	default:
		return append(recs, rec)
	}
}

// findLeafSlot descends and looks up key's slot without caring whether the
// tree is empty.
func (bt *Btree) findLeafSlot(key []byte) (leafAddr uint64, idx int, found bool, err error) {
	res, err := bt.Find(key)
	if err != nil {
		return 0, 0, false, err
	}
	if res.LeafAddr == 0 {
		return 0, 0, false, nil
	}
	return res.LeafAddr, res.Slot, res.Found, nil
}

// insert performs the core tree-insert, optionally rejecting an existing key.
func (bt *Btree) insert(key []byte, recs []Record, rejectExisting bool) error {
	if bt.rootAddr == 0 {
		page, err := bt.pm.Alloc(PageTypeLeaf, 0)
		if err != nil {
			return err
		}
		page.SetDB(bt.db)
		node := newLeafNode()
		node.keys = [][]byte{key}
		node.records = [][]Record{recs}
		if err := bt.saveNode(page, node); err != nil {
			return err
		}
		bt.rootAddr = page.Address()
		return nil
	}

	path, leafAddr, err := bt.descend(key)
	if err != nil {
		return err
	}
	page, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return err
	}
	idx := lowerBound(node.keys, key)
	if idx < len(node.keys) && bytes.Equal(node.keys[idx], key) {
		if rejectExisting {
			return fmt.Errorf("%w: key already exists", ErrDuplicateKey)
		}
		node.records[idx] = recs
		return bt.saveNode(page, node)
	}

	node.keys = insertAt(node.keys, idx, key)
	node.records = insertRecsAt(node.records, idx, recs)

	if err := bt.saveNode(page, node); err == nil {
		return nil
	}
	return bt.splitLeafIfNeeded(page, node, path)
}

// fits reports whether node currently encodes within one page's payload.
func (bt *Btree) fits(node *nodeProxy) bool {
	buf := make([]byte, bt.payloadCapacity())
	return node.encode(buf) == nil
}

func insertAt(s [][]byte, idx int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func insertRecsAt(s [][]Record, idx int, v []Record) [][]Record {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

// splitLeafIfNeeded splits page/node in half if it no longer fits in one
// page, threading the new sibling into the leaf link list and propagating
// the new separator key up the path, splitting index pages in turn.
func (bt *Btree) splitLeafIfNeeded(page *Page, node *nodeProxy, path []uint64) error {
	if bt.fits(node) {
		return nil
	}

	mid := len(node.keys) / 2
	rightNode := newLeafNode()
	rightNode.keys = append([][]byte{}, node.keys[mid:]...)
	rightNode.records = append([][]Record{}, node.records[mid:]...)
	rightNode.right = node.right
	node.keys = node.keys[:mid]
	node.records = node.records[:mid]

	rightPage, err := bt.pm.Alloc(PageTypeLeaf, 0)
	if err != nil {
		return err
	}
	rightPage.SetDB(bt.db)
	rightNode.left = page.Address()
	node.right = rightPage.Address()

	if rightNode.right != 0 {
		if sibPage, sibNode, err := bt.loadNode(rightNode.right); err == nil {
			sibNode.left = rightPage.Address()
			if err := bt.saveNode(sibPage, sibNode); err != nil {
				return err
			}
		}
	}

	if err := bt.saveNode(page, node); err != nil {
		return err
	}
	if err := bt.saveNode(rightPage, rightNode); err != nil {
		return err
	}

	separator := rightNode.keys[0]
	return bt.insertSeparator(path, page.Address(), rightPage.Address(), separator)
}

// insertSeparator threads a new child into the parent index page named by
// the tail of path (or creates a new root if path is empty), splitting
// that index page in turn if it overflows.
func (bt *Btree) insertSeparator(path []uint64, leftAddr, rightAddr uint64, separator []byte) error {
	if len(path) == 0 {
		rootPage, err := bt.pm.Alloc(PageTypeIndex, 0)
		if err != nil {
			return err
		}
		rootPage.SetDB(bt.db)
		root := newIndexNode()
		root.keys = [][]byte{separator}
		root.children = []uint64{leftAddr, rightAddr}
		if err := bt.saveNode(rootPage, root); err != nil {
			return err
		}
		bt.rootAddr = rootPage.Address()
		return nil
	}

	parentAddr := path[len(path)-1]
	parentPage, parent, err := bt.loadNode(parentAddr)
	if err != nil {
		return err
	}
	idx := upperBound(parent.keys, separator)
	parent.keys = insertAt(parent.keys, idx, separator)
	parent.children = insertChildAt(parent.children, idx+1, rightAddr)

	if !bt.fits(parent) {
		return bt.splitIndexIfNeeded(parentPage, parent, path[:len(path)-1])
	}
	return bt.saveNode(parentPage, parent)
}

func insertChildAt(s []uint64, idx int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func (bt *Btree) splitIndexIfNeeded(page *Page, node *nodeProxy, path []uint64) error {
	if bt.fits(node) {
		return nil
	}

	mid := len(node.keys) / 2
	separator := node.keys[mid]

	rightNode := newIndexNode()
	rightNode.keys = append([][]byte{}, node.keys[mid+1:]...)
	rightNode.children = append([]uint64{}, node.children[mid+1:]...)

	node.keys = node.keys[:mid]
	node.children = node.children[:mid+1]

	rightPage, err := bt.pm.Alloc(PageTypeIndex, 0)
	if err != nil {
		return err
	}
	rightPage.SetDB(bt.db)
	if err := bt.saveNode(page, node); err != nil {
		return err
	}
	if err := bt.saveNode(rightPage, rightNode); err != nil {
		return err
	}

	return bt.insertSeparator(path, page.Address(), rightPage.Address(), separator)
}

// EraseKey removes key and every duplicate stored under it.
func (bt *Btree) EraseKey(key []byte) error {
	leafAddr, idx, found, err := bt.findLeafSlot(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: key not found for erase", ErrKeyNotFound)
	}
	page, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return err
	}
	node.keys = append(node.keys[:idx], node.keys[idx+1:]...)
	node.records = append(node.records[:idx], node.records[idx+1:]...)
	return bt.saveNode(page, node)
}

// EraseDuplicate removes the dupIdx'th (0-based) duplicate under key. If it
// was the last duplicate, the whole key entry is removed.
func (bt *Btree) EraseDuplicate(key []byte, dupIdx int) error {
	leafAddr, idx, found, err := bt.findLeafSlot(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: key not found for erase", ErrKeyNotFound)
	}
	page, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return err
	}
	recs := node.records[idx]
	if dupIdx < 0 || dupIdx >= len(recs) {
		return fmt.Errorf("%w: duplicate index out of range", ErrInvalidParameter)
	}
	recs = append(recs[:dupIdx], recs[dupIdx+1:]...)
	if len(recs) == 0 {
		node.keys = append(node.keys[:idx], node.keys[idx+1:]...)
		node.records = append(node.records[:idx], node.records[idx+1:]...)
	} else {
		node.records[idx] = recs
	}
	return bt.saveNode(page, node)
}

// LeafEntry exposes one leaf slot's key and duplicate records to callers
// above the Btree (BtreeCursor) without leaking nodeProxy itself.
type LeafEntry struct {
	Key     []byte
	Records []Record
}

// LeafAt returns leaf node addr's entry at slot.
func (bt *Btree) LeafAt(leafAddr uint64, slot int) (LeafEntry, error) {
	_, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return LeafEntry{}, err
	}
	if slot < 0 || slot >= len(node.keys) {
		return LeafEntry{}, fmt.Errorf("%w: slot out of range", ErrInvalidParameter)
	}
	return LeafEntry{Key: node.keys[slot], Records: node.records[slot]}, nil
}

// LeafCount returns the number of entries in the leaf at addr.
func (bt *Btree) LeafCount(leafAddr uint64) (int, error) {
	_, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return 0, err
	}
	return len(node.keys), nil
}

// LeafSibling returns the leaf's right (dir>0) or left (dir<0) sibling
// address, 0 if none.
func (bt *Btree) LeafSibling(leafAddr uint64, dir int) (uint64, error) {
	_, node, err := bt.loadNode(leafAddr)
	if err != nil {
		return 0, err
	}
	if dir > 0 {
		return node.right, nil
	}
	return node.left, nil
}
