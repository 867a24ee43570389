package pagekv

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// OpKind tags the mutation an op-tree node records against a key.
type OpKind uint8

const (
	// OpInsert rejects an existing key (matches a plain, non-overwrite insert).
	OpInsert OpKind = iota
	// OpInsertOverwrite replaces a key's entire record set, or — when Ref is
	// set — a single 1-based duplicate slot.
	OpInsertOverwrite
	// OpInsertDup adds a duplicate under an existing key, positioned by Pos
	// (and Ref for Before/After).
	OpInsertDup
	// OpErase removes a key, or — when Ref is set — a single 1-based
	// duplicate slot.
	OpErase
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpInsertOverwrite:
		return "insert_overwrite"
	case OpInsertDup:
		return "insert_dup"
	case OpErase:
		return "erase"
	default:
		return "unknown"
	}
}

// Op is one node in a key's op-chain: a single pending mutation recorded by
// a transaction, in the order it was issued.
type Op struct {
	Kind OpKind
	Rec  Record
	Pos  DupPosition // valid for OpInsertDup
	Ref  int         // 1-based duplicate index; 0 means "whole key"
	lsn  uint64
}

// opChain is every pending Op recorded against a single key, oldest first.
type opChain struct {
	key []byte
	ops []Op
}

// Txn is an in-memory overlay of uncommitted mutations against a Btree,
// keyed by byte-compared key. Each key maps to an ordered chain of Ops
// recording the history of inserts/overwrites/duplicate-inserts/erases
// issued against it within this transaction, mirroring the on-disk B-tree's
// append-only duplicate semantics without touching a single committed page.
type Txn struct {
	bt         *Btree
	lsnManager *LSNManager
	chains     map[string]*opChain
	committed  bool
	aborted    bool

	log zerolog.Logger
}

// NewTxn opens a transaction over bt.
func NewTxn(bt *Btree, lsnManager *LSNManager) *Txn {
	return &Txn{bt: bt, lsnManager: lsnManager, chains: make(map[string]*opChain), log: zerolog.Nop()}
}

// SetLogger installs l as the transaction's component logger.
func (t *Txn) SetLogger(l zerolog.Logger) { t.log = l }

func (t *Txn) chainFor(key []byte, create bool) *opChain {
	c, ok := t.chains[string(key)]
	if !ok {
		if !create {
			return nil
		}
		c = &opChain{key: append([]byte{}, key...)}
		t.chains[string(key)] = c
	}
	return c
}

func (t *Txn) appendOp(key []byte, op Op) {
	op.lsn = t.lsnManager.Next()
	c := t.chainFor(key, true)
	c.ops = append(c.ops, op)
}

// Insert records a plain insert of key/rec, failing at commit time if key
// already exists on the committed side or earlier in this txn.
func (t *Txn) Insert(key []byte, rec Record) error {
	if t.committed || t.aborted {
		return ErrClosed
	}
	t.appendOp(key, Op{Kind: OpInsert, Rec: rec})
	return nil
}

// Overwrite records a whole-key overwrite. ref, when non-zero, narrows it
// to a single 1-based duplicate slot instead of the whole record set.
func (t *Txn) Overwrite(key []byte, rec Record, ref int) error {
	if t.committed || t.aborted {
		return ErrClosed
	}
	t.appendOp(key, Op{Kind: OpInsertOverwrite, Rec: rec, Ref: ref})
	return nil
}

// InsertDuplicate records a duplicate insert under key at the position
// described by pos/ref.
func (t *Txn) InsertDuplicate(key []byte, rec Record, pos DupPosition, ref int) error {
	if t.committed || t.aborted {
		return ErrClosed
	}
	t.appendOp(key, Op{Kind: OpInsertDup, Rec: rec, Pos: pos, Ref: ref})
	return nil
}

// Erase records an erase of key, or — when ref is non-zero — of a single
// 1-based duplicate slot under key.
func (t *Txn) Erase(key []byte, ref int) error {
	if t.committed || t.aborted {
		return ErrClosed
	}
	t.appendOp(key, Op{Kind: OpErase, Ref: ref})
	return nil
}

// Abort discards every pending op without touching the B-tree.
func (t *Txn) Abort() error {
	if t.committed {
		return fmt.Errorf("%w: transaction already committed", ErrInvalidParameter)
	}
	n := len(t.chains)
	t.aborted = true
	t.chains = nil
	t.log.Debug().Int("keys", n).Msg("transaction aborted")
	return nil
}

// Commit replays every key's op-chain against the B-tree in key order and
// marks the transaction committed. Once committed, its chains remain
// readable (Txn.Chain) so a HybridCursor mid-walk does not see its merged
// view disappear out from under it, but no further ops may be appended.
func (t *Txn) Commit() error {
	if t.committed || t.aborted {
		return ErrClosed
	}
	keys := t.sortedKeys()
	for _, k := range keys {
		c := t.chains[k]
		if err := t.replay(c); err != nil {
			t.log.Debug().Err(err).Int("keys", len(keys)).Msg("transaction commit failed")
			return err
		}
	}
	t.committed = true
	t.log.Info().Int("keys", len(keys)).Msg("transaction committed")
	return nil
}

func (t *Txn) sortedKeys() []string {
	keys := make([]string, 0, len(t.chains))
	for k := range t.chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Txn) replay(c *opChain) error {
	for _, op := range c.ops {
		switch op.Kind {
		case OpInsert:
			if err := t.bt.Insert(c.key, op.Rec); err != nil {
				return err
			}
		case OpInsertOverwrite:
			if op.Ref > 0 {
				if err := t.bt.EraseDuplicate(c.key, op.Ref-1); err != nil {
					return err
				}
				if err := t.bt.InsertDuplicate(c.key, op.Rec, DupBefore, op.Ref); err != nil {
					return err
				}
				continue
			}
			if err := t.bt.Overwrite(c.key, op.Rec); err != nil {
				return err
			}
		case OpInsertDup:
			if err := t.bt.InsertDuplicate(c.key, op.Rec, op.Pos, op.Ref); err != nil {
				return err
			}
		case OpErase:
			if op.Ref > 0 {
				if err := t.bt.EraseDuplicate(c.key, op.Ref-1); err != nil {
					return err
				}
				continue
			}
			if err := t.bt.EraseKey(c.key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Chain returns the op-chain recorded against key, or nil if none exists.
func (t *Txn) Chain(key []byte) []Op {
	c := t.chainFor(key, false)
	if c == nil {
		return nil
	}
	return c.ops
}

// Keys returns every key this transaction has recorded an op against, in
// ascending order.
func (t *Txn) Keys() [][]byte {
	strs := t.sortedKeys()
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out
}

// IsErasedWhole reports whether the latest op in key's chain is a
// whole-key erase (Ref == 0): the key is gone from the merged view
// regardless of what the B-tree side holds.
func IsErasedWhole(ops []Op) bool {
	if len(ops) == 0 {
		return false
	}
	last := ops[len(ops)-1]
	return last.Kind == OpErase && last.Ref == 0
}

// tcState mirrors BtreeCursor's Nil/Coupled/Uncoupled shape for the
// transaction side: either unpositioned, or parked on one key's op-chain.
type tcState uint8

const (
	tcNil tcState = iota
	tcPositioned
)

// TxnCursor walks the ordered set of keys a Txn has recorded ops against,
// independent of whatever the committed B-tree holds for those same keys.
// It is the L6 collaborator a HybridCursor merges against the B-tree
// cursor; nothing outside the hybrid cursor is expected to drive it
// directly, so its surface is exactly the external interface a merge walk
// needs: move, find, get_key/get_record, get_coupled_op, erase, overwrite.
type TxnCursor struct {
	txn   *Txn
	state tcState
	key   []byte
}

// NewTxnCursor creates a Nil cursor over txn.
func NewTxnCursor(txn *Txn) *TxnCursor { return &TxnCursor{txn: txn} }

// IsNil reports whether the cursor is unpositioned.
func (tc *TxnCursor) IsNil() bool { return tc.state == tcNil }

func (tc *TxnCursor) setNil() {
	tc.state = tcNil
	tc.key = nil
}

func (tc *TxnCursor) setKey(key []byte) {
	tc.key = append([]byte{}, key...)
	tc.state = tcPositioned
}

// Move repositions the cursor among the txn's recorded keys.
func (tc *TxnCursor) Move(dir MoveDirection) error {
	keys := tc.txn.sortedKeys()
	if len(keys) == 0 {
		tc.setNil()
		return ErrKeyNotFound
	}
	switch dir {
	case MoveFirst:
		tc.setKey([]byte(keys[0]))
		return nil
	case MoveLast:
		tc.setKey([]byte(keys[len(keys)-1]))
		return nil
	case MoveNext:
		if tc.state == tcNil {
			tc.setKey([]byte(keys[0]))
			return nil
		}
		i := sort.SearchStrings(keys, string(tc.key))
		if i < len(keys) && keys[i] == string(tc.key) {
			i++
		}
		if i >= len(keys) {
			tc.setNil()
			return ErrKeyNotFound
		}
		tc.setKey([]byte(keys[i]))
		return nil
	case MovePrevious:
		if tc.state == tcNil {
			tc.setKey([]byte(keys[len(keys)-1]))
			return nil
		}
		i := sort.SearchStrings(keys, string(tc.key))
		if i == 0 {
			tc.setNil()
			return ErrKeyNotFound
		}
		tc.setKey([]byte(keys[i-1]))
		return nil
	default:
		return fmt.Errorf("%w: unknown move direction", ErrInvalidParameter)
	}
}

// Find positions the cursor exactly on key if the txn has an op-chain for
// it, else leaves it Nil and returns ErrKeyNotFound.
func (tc *TxnCursor) Find(key []byte) error {
	if tc.txn.chainFor(key, false) == nil {
		tc.setNil()
		return ErrKeyNotFound
	}
	tc.setKey(key)
	return nil
}

// GetKey returns the cursor's current key.
func (tc *TxnCursor) GetKey() ([]byte, error) {
	if tc.state == tcNil {
		return nil, ErrCursorIsNil
	}
	return tc.key, nil
}

// GetCoupledOp returns the op-chain recorded against the cursor's current
// key.
func (tc *TxnCursor) GetCoupledOp() ([]Op, error) {
	if tc.state == tcNil {
		return nil, ErrCursorIsNil
	}
	return tc.txn.Chain(tc.key), nil
}

// GetRecord returns the record that results from applying the current
// key's op-chain in full: the last whole-key op's record, since individual
// duplicate-slot ops (Ref != 0) only make sense folded into a dupe cache,
// not as a single logical record.
func (tc *TxnCursor) GetRecord() (Record, error) {
	if tc.state == tcNil {
		return Record{}, ErrCursorIsNil
	}
	ops := tc.txn.Chain(tc.key)
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Ref != 0 {
			continue
		}
		switch ops[i].Kind {
		case OpErase:
			return Record{}, ErrKeyErasedInTxn
		case OpInsert, OpInsertOverwrite:
			return ops[i].Rec, nil
		}
	}
	return Record{}, ErrKeyNotFound
}

// Erase appends an erase op (whole-key if ref == 0) to the cursor's
// current key.
func (tc *TxnCursor) Erase(ref int) error {
	if tc.state == tcNil {
		return ErrCursorIsNil
	}
	return tc.txn.Erase(tc.key, ref)
}

// Overwrite appends a whole-key (or, with ref != 0, single-duplicate)
// overwrite op to the cursor's current key.
func (tc *TxnCursor) Overwrite(rec Record, ref int) error {
	if tc.state == tcNil {
		return ErrCursorIsNil
	}
	return tc.txn.Overwrite(tc.key, rec, ref)
}

// chainLookupApprox returns the nearest key among this txn's recorded
// keys that is >= target (geq) or <= target (!geq), or nil if none
// qualifies. Used by HybridCursor.Sync to re-derive the txn side's
// position from a B-tree-only key with approximate-match semantics.
func (t *Txn) chainLookupApprox(target []byte, geq bool) ([]byte, error) {
	keys := t.sortedKeys()
	i := sort.SearchStrings(keys, string(target))
	if geq {
		if i < len(keys) {
			return []byte(keys[i]), nil
		}
		return nil, nil
	}
	if i < len(keys) && keys[i] == string(target) {
		return []byte(keys[i]), nil
	}
	if i == 0 {
		return nil, nil
	}
	return []byte(keys[i-1]), nil
}

// compareKeys exposes byte-lexicographic key comparison for the merge
// walk without importing bytes at every call site.
func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }
