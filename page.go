package pagekv

import "fmt"

// pageHeaderSize is the size in bytes of the fixed, on-disk page header
// (type tag, flags, reserved). The remainder of the page is the payload.
const pageHeaderSize = 16

// HeaderPageAddress is the fixed address of the special header page.
const HeaderPageAddress uint64 = 0

// PageType tags the kind of a page.
type PageType uint8

const (
	PageTypeHeader PageType = iota
	PageTypeIndex
	PageTypeLeaf
	PageTypePageManagerState
	PageTypeBlob
)

func (t PageType) String() string {
	switch t {
	case PageTypeHeader:
		return "header"
	case PageTypeIndex:
		return "index"
	case PageTypeLeaf:
		return "leaf"
	case PageTypePageManagerState:
		return "page_manager_state"
	case PageTypeBlob:
		return "blob"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Page is a contiguous byte buffer of PageSize bytes, identified by its
// file offset (Address).
type Page struct {
	address       uint64
	typ           PageType
	dirty         bool
	withoutHeader bool
	db            *Database
	data          []byte // full page_size buffer, header + payload
	node          *nodeProxy

	// cursors is the set of BtreeCursors currently coupled to this page.
	// Modeled as a slice rather than an intrusive doubly-linked list:
	// churn per page is small (a handful of cursors at most), so linear
	// insert/remove is simpler and just as correct.
	cursors []*BtreeCursor
}

func newPage(addr uint64, pageSize uint32) *Page {
	return &Page{address: addr, data: make([]byte, pageSize)}
}

func (p *Page) Address() uint64 { return p.address }
func (p *Page) Type() PageType  { return p.typ }
func (p *Page) SetType(t PageType) { p.typ = t }
func (p *Page) Dirty() bool     { return p.dirty }
func (p *Page) SetDirty(d bool) { p.dirty = d }
func (p *Page) WithoutHeader() bool      { return p.withoutHeader }
func (p *Page) SetWithoutHeader(v bool)  { p.withoutHeader = v }
func (p *Page) DB() *Database            { return p.db }
func (p *Page) SetDB(db *Database)       { p.db = db }

// Data returns the full page buffer, including the header.
func (p *Page) Data() []byte { return p.data }

// Payload returns the portion of the page after the fixed header.
func (p *Page) Payload() []byte {
	if p.withoutHeader {
		return p.data
	}
	return p.data[pageHeaderSize:]
}

// HasCursors reports whether any BtreeCursor is coupled to this page.
// A page with a non-empty cursor list is never evicted.
func (p *Page) HasCursors() bool { return len(p.cursors) > 0 }

func (p *Page) addCursor(c *BtreeCursor) {
	p.cursors = append(p.cursors, c)
}

func (p *Page) removeCursor(c *BtreeCursor) {
	for i, x := range p.cursors {
		if x == c {
			p.cursors = append(p.cursors[:i], p.cursors[i+1:]...)
			return
		}
	}
}

// uncoupleAllCursors forces every cursor coupled to this page to uncouple
// (saving its key) before the page is evicted.
func (p *Page) uncoupleAllCursors() error {
	for len(p.cursors) > 0 {
		c := p.cursors[0]
		if err := c.uncouple(); err != nil {
			return err
		}
	}
	return nil
}
