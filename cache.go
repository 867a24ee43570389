package pagekv

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pagekv/pagekv/internal/fastmap"
)

// Cache is a bounded set of resident pages keyed by file offset.
// Eviction is least-recently-used: a page touched by Get, or newly added
// by Put, moves to the most-recent end of the recency order; the header
// page and
// pages with a non-empty cursor list are never evicted.
//
// The address->page lookup is backed by fastmap.Map[*list.Element], keyed
// by pgno = addr/pageSize, to avoid the GC pressure of a plain Go map
// under heavy churn. Recency order is tracked with a container/list,
// giving an exact LRU rather than a merely approximate one.
type Cache struct {
	mu       sync.Mutex
	pageSize uint32
	capacity int64 // bytes

	table fastmap.Map[*list.Element]
	lru   *list.List // front = most recently used; elements hold *Page

	log zerolog.Logger
}

// NewCache creates a Cache bounded at capacityBytes.
func NewCache(pageSize uint32, capacityBytes int64) *Cache {
	return &Cache{
		pageSize: pageSize,
		capacity: capacityBytes,
		lru:      list.New(),
		log:      zerolog.Nop(),
	}
}

// SetLogger installs l as the cache's component logger.
func (c *Cache) SetLogger(l zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = l
}

func pgnoOf(addr uint64, pageSize uint32) uint32 {
	return uint32(addr / uint64(pageSize))
}

// Get returns the resident page at addr, or nil if absent.
func (c *Cache) Get(addr uint64) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.table.Get(pgnoOf(addr, c.pageSize))
	if !ok {
		return nil
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*Page)
}

// Put inserts page into the cache. Putting a different object at an
// address that is already cached is a caller bug.
func (c *Cache) Put(page *Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pgno := pgnoOf(page.address, c.pageSize)
	if elem, ok := c.table.Get(pgno); ok {
		existing := elem.Value.(*Page)
		if existing != page {
			return fmt.Errorf("%w: cache already holds a different page at address %d", ErrInvalidParameter, page.address)
		}
		return nil
	}
	elem := c.lru.PushFront(page)
	c.table.Set(pgno, elem)
	return nil
}

// Del unlinks page from the cache without flushing it.
func (c *Cache) Del(page *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delLocked(page)
}

func (c *Cache) delLocked(page *Page) {
	pgno := pgnoOf(page.address, c.pageSize)
	elem, ok := c.table.Get(pgno)
	if !ok {
		return
	}
	c.lru.Remove(elem)
	c.table.Delete(pgno)
}

// AllocatedElements returns the number of resident pages.
func (c *Cache) AllocatedElements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the cache's byte budget.
func (c *Cache) Capacity() int64 { return c.capacity }

// isFull reports whether allocated_elements * page_size > capacity.
// Capacity is tracked in bytes, not page count.
func (c *Cache) isFull() bool {
	return int64(c.lru.Len())*int64(c.pageSize) > c.capacity
}

// Purge evicts pages from the least-recently-used end until the cache
// fits its capacity, invoking action on each evicted page. The header
// page and any page with a non-empty cursor list are skipped.
func (c *Cache) Purge(action func(*Page)) {
	for {
		c.mu.Lock()
		if !c.isFull() {
			c.mu.Unlock()
			return
		}
		victim := c.findVictimLocked()
		if victim == nil {
			c.mu.Unlock()
			return
		}
		c.delLocked(victim)
		log := c.log
		c.mu.Unlock()
		log.Debug().Uint64("addr", victim.address).Msg("page evicted from cache")
		action(victim)
	}
}

// findVictimLocked scans from the back of the LRU list for the first page
// that is evictable (not the header page, no coupled cursors).
func (c *Cache) findVictimLocked() *Page {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		p := e.Value.(*Page)
		if p.address == HeaderPageAddress {
			continue
		}
		if p.HasCursors() {
			continue
		}
		return p
	}
	return nil
}

// PurgeIf evicts every page for which predicate returns true. The
// predicate is responsible for any flush/free work; a true result means
// "I have handled this page, remove it from the cache."
func (c *Cache) PurgeIf(predicate func(*Page) bool) {
	c.mu.Lock()
	var victims []*Page
	for e := c.lru.Front(); e != nil; e = e.Next() {
		victims = append(victims, e.Value.(*Page))
	}
	c.mu.Unlock()

	for _, p := range victims {
		if predicate(p) {
			c.Del(p)
		}
	}
}
