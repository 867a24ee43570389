package pagekv

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagekv/pagekv/internal/elog"
)

// EnvFlags alters Environment behaviour at open time.
type EnvFlags uint32

const (
	// FlagReadOnly turns Environment.Flush and ReclaimSpace into no-ops. It
	// does not reject Btree or Txn mutation calls.
	FlagReadOnly EnvFlags = 1 << iota
	// FlagInMemory backs the environment with memDevice: no device I/O, no
	// reclaim, and cache eviction never destroys state that matters.
	FlagInMemory
	// FlagEnableRecovery enrolls every page write into the changeset before
	// the cache reports it as stored, and flushes the changeset with a
	// fresh LSN on every checkpoint.
	FlagEnableRecovery
	// FlagDisableReclaim skips ReclaimSpace on Close.
	FlagDisableReclaim
)

// DefaultPageSize is used when Config carries no explicit page size.
const DefaultPageSize = 4096

// DefaultCacheCapacity is used when Config carries no explicit cache
// capacity: 64 MiB, in bytes (the cache's capacity unit throughout this
// package).
const DefaultCacheCapacity = 64 << 20

// Config holds the knobs an Environment is opened with, built from plain
// struct defaults and functional options rather than a parsing library.
type Config struct {
	pageSize      uint32
	cacheCapacity int64
	flags         EnvFlags
	logLevel      zerolog.Level
	changesetDir  string
}

// Option mutates a Config at Open time.
type Option func(*Config)

// WithPageSize overrides the database's fixed page size.
func WithPageSize(n uint32) Option {
	return func(c *Config) { c.pageSize = n }
}

// WithCacheCapacity overrides the page cache's byte budget.
func WithCacheCapacity(bytes int64) Option {
	return func(c *Config) { c.cacheCapacity = bytes }
}

// WithFlags overrides the environment's behavioural flags.
func WithFlags(f EnvFlags) Option {
	return func(c *Config) { c.flags = f }
}

// WithLogLevel sets the minimum level the environment's component loggers
// emit at.
func WithLogLevel(level zerolog.Level) Option {
	return func(c *Config) { c.logLevel = level }
}

// WithChangesetDir overrides where the changeset's spill segments are
// created; defaults to a sibling of the database file.
func WithChangesetDir(dir string) Option {
	return func(c *Config) { c.changesetDir = dir }
}

func defaultConfig() Config {
	return Config{
		pageSize:      DefaultPageSize,
		cacheCapacity: DefaultCacheCapacity,
		logLevel:      zerolog.InfoLevel,
	}
}

// headerPayloadPageManagerBlobID is the byte offset, within the header
// page's payload, of the page-manager state chain's head address.
const headerPayloadPageManagerBlobID = 0

// headerPayloadBtreeRoot is the byte offset of the default database's
// B-tree root address. hamsterdb's real header page carries one such
// root per open database (a dbi catalog); this core supports a single
// default database, so one fixed slot is enough.
const headerPayloadBtreeRoot = 8

// Environment owns one database file's Device, Cache, PageManager,
// Changeset, and LSNManager, plus the set of Databases (B-trees) opened
// against it. One process should hold at most one Environment per file:
// the core is single-writer, single-threaded per environment, and callers
// are expected to serialize with an external coarse lock (see the
// concurrency model this package assumes).
type Environment struct {
	mu sync.Mutex

	cfg    Config
	path   string
	device Device
	cache  *Cache
	pm     *PageManager

	changeset *Changeset
	lsn       *LSNManager
	log       *elog.Loggers

	// SessionID is a UUID generated afresh on every Open, so two opens of
	// the same file can be told apart by a caller. Nothing in this package
	// writes it into changeset records or log lines.
	SessionID uuid.UUID

	databases map[string]*Database
	closed    bool
}

// Open opens (creating if necessary) an Environment backed by the file at
// path, or an in-memory one if opts set FlagInMemory (path is then only
// used to name the changeset's spill directory).
func Open(path string, opts ...Option) (*Environment, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var device Device
	var err error
	if cfg.flags&FlagInMemory != 0 {
		mem := NewMemoryDevice(cfg.pageSize)
		// an empty in-memory device has nowhere for the header page to
		// live; grow it to one page up front, mirroring OpenFileDevice's
		// same grow-before-first-read step for a brand-new file.
		if err := mem.Truncate(int64(cfg.pageSize)); err != nil {
			return nil, err
		}
		device = mem
	} else {
		device, err = OpenFileDevice(path, cfg.pageSize)
		if err != nil {
			return nil, err
		}
	}

	cache := NewCache(cfg.pageSize, cfg.cacheCapacity)
	pm := NewPageManager(device, cache, cfg.pageSize)

	env := &Environment{
		cfg:       cfg,
		path:      path,
		device:    device,
		cache:     cache,
		pm:        pm,
		lsn:       NewLSNManager(0),
		log:       elog.New(nil, cfg.logLevel),
		SessionID: uuid.New(),
		databases: make(map[string]*Database),
	}

	pm.SetLogger(env.log.PageManager)
	cache.SetLogger(env.log.Cache)

	if err := env.bootstrap(); err != nil {
		device.Close()
		return nil, err
	}

	if cfg.flags&FlagEnableRecovery != 0 {
		dir := cfg.changesetDir
		if dir == "" {
			dir = changesetDirFor(path)
		}
		cs, err := NewChangeset(dir, cfg.pageSize)
		if err != nil {
			device.Close()
			return nil, err
		}
		env.changeset = cs
		pm.SetBeforeWrite(env.enrollWrite)
	}

	return env, nil
}

func changesetDirFor(path string) string {
	if path == "" {
		d, _ := os.MkdirTemp("", "pagekv-changeset-*")
		return d
	}
	return filepath.Join(filepath.Dir(path), ".pagekv-changeset")
}

// bootstrap fetches (or, for a brand-new file, implicitly creates via a
// zero-filled Fetch) the header page and initializes the page manager
// from whatever state-chain address it holds.
func (e *Environment) bootstrap() error {
	head, err := e.headerPage()
	if err != nil {
		return err
	}
	blobID := decodeVarUint(head.Payload()[headerPayloadPageManagerBlobID:headerPayloadPageManagerBlobID+8], 8)
	return e.pm.Initialize(blobID)
}

// headerPage fetches the fixed address-0 header page, reading it from the
// device (which is all zeroes on a brand-new file — an empty state chain
// and an empty default B-tree, which is exactly the right initial state).
func (e *Environment) headerPage() (*Page, error) {
	return e.pm.Fetch(HeaderPageAddress, PageTypeHeader, 0)
}

// GetPageManagerBlobID returns the address of the page manager's state
// chain head, as recorded on the header page.
func (e *Environment) GetPageManagerBlobID() (uint64, error) {
	head, err := e.headerPage()
	if err != nil {
		return 0, err
	}
	return decodeVarUint(head.Payload()[headerPayloadPageManagerBlobID:headerPayloadPageManagerBlobID+8], 8), nil
}

// SetPageManagerBlobID records addr as the page manager's state chain
// head on the header page, dirtying it for the next flush.
func (e *Environment) SetPageManagerBlobID(addr uint64) error {
	head, err := e.headerPage()
	if err != nil {
		return err
	}
	putVarUintFixed(head.Payload()[headerPayloadPageManagerBlobID:headerPayloadPageManagerBlobID+8], addr, 8)
	head.SetDirty(true)
	return nil
}

func (e *Environment) getBtreeRoot() (uint64, error) {
	head, err := e.headerPage()
	if err != nil {
		return 0, err
	}
	return decodeVarUint(head.Payload()[headerPayloadBtreeRoot:headerPayloadBtreeRoot+8], 8), nil
}

func (e *Environment) setBtreeRoot(addr uint64) error {
	head, err := e.headerPage()
	if err != nil {
		return err
	}
	putVarUintFixed(head.Payload()[headerPayloadBtreeRoot:headerPayloadBtreeRoot+8], addr, 8)
	head.SetDirty(true)
	return nil
}

// Database is a single named B-tree opened against an Environment. This
// core supports one default database; OpenDatabase with any other name
// still works (each gets its own in-memory root, just not one persisted
// across a reopen — the dbi catalog that would persist it is out of
// scope here), matching spec's explicit framing of the B-tree itself as
// the unit this core is built around, not a multi-database catalog.
type Database struct {
	env             *Environment
	name            string
	bt              *Btree
	allowDuplicates bool
}

// Name returns the database's name ("" for the default database).
func (db *Database) Name() string { return db.name }

// Btree exposes the database's underlying B-tree, for callers building
// their own cursors directly against it.
func (db *Database) Btree() *Btree { return db.bt }

// DefaultDatabase opens (or returns the already-open) default database,
// reading its B-tree root from the header page.
func (e *Environment) DefaultDatabase(allowDuplicates bool) (*Database, error) {
	return e.openNamedDatabase("", allowDuplicates, true)
}

// OpenDatabase opens (or returns the already-open) named, non-default
// database. Its root is not persisted across a reopen; see Database's
// doc comment.
func (e *Environment) OpenDatabase(name string, allowDuplicates bool) (*Database, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty database name", ErrInvalidParameter)
	}
	return e.openNamedDatabase(name, allowDuplicates, false)
}

func (e *Environment) openNamedDatabase(name string, allowDuplicates bool, persistRoot bool) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.databases[name]; ok {
		return db, nil
	}

	var root uint64
	if persistRoot {
		r, err := e.getBtreeRoot()
		if err != nil {
			return nil, err
		}
		root = r
	}

	db := &Database{
		env:             e,
		name:            name,
		bt:              NewBtree(e.pm, e.cfg.pageSize, root, allowDuplicates),
		allowDuplicates: allowDuplicates,
	}
	db.bt.SetDatabase(db)
	e.databases[name] = db
	return db, nil
}

// NewTxn opens a transaction against db's B-tree, issuing LSNs from the
// environment's shared LSNManager.
func (e *Environment) NewTxn(db *Database) *Txn {
	txn := NewTxn(db.bt, e.lsn)
	txn.SetLogger(e.log.Txn)
	return txn
}

// NewHybridCursor opens a cursor over db's B-tree, merged against txn
// (nil for a plain read view with no pending transaction).
func (e *Environment) NewHybridCursor(db *Database, txn *Txn) *HybridCursor {
	h := NewHybridCursor(db.bt, txn)
	h.SetLogger(e.log.Cursor)
	return h
}

// enrollWrite is installed as the page manager's beforeWrite hook when
// recovery is enabled: every dirty page lands in the changeset before it
// is written through to the device.
func (e *Environment) enrollWrite(addr uint64, data []byte) error {
	if e.changeset == nil {
		return nil
	}
	return e.changeset.Put(addr, data)
}

// Flush persists the default database's B-tree root (the only root the
// header page has a slot for) and the page manager's state-chain head
// into the header page, checkpoints the page
// manager, and — when recovery is enabled — flushes the changeset under
// a freshly issued LSN.
func (e *Environment) Flush() error {
	if e.cfg.flags&FlagReadOnly != 0 {
		return nil
	}

	e.mu.Lock()
	dbs := make([]*Database, 0, len(e.databases))
	for _, db := range e.databases {
		dbs = append(dbs, db)
	}
	e.mu.Unlock()

	for _, db := range dbs {
		if db.name == "" {
			if err := e.setBtreeRoot(db.bt.RootAddr()); err != nil {
				return err
			}
		}
	}

	if err := e.pm.Flush(); err != nil {
		return err
	}
	if err := e.SetPageManagerBlobID(e.pm.StateChainHead()); err != nil {
		return err
	}
	if err := e.pm.Flush(); err != nil {
		return err
	}

	if e.changeset != nil {
		lsn := e.lsn.Next()
		if err := e.changeset.Flush(lsn, e.device.WritePage); err != nil {
			return err
		}
	}
	return nil
}

// PendingChangesetAddresses returns the addresses of pages currently held
// in the changeset awaiting Flush, or nil when recovery is disabled.
func (e *Environment) PendingChangesetAddresses() []uint64 {
	if e.changeset == nil {
		return nil
	}
	return e.changeset.PendingAddresses()
}

// ReclaimSpace truncates trailing free pages, unless FlagDisableReclaim,
// FlagReadOnly or FlagInMemory was set at Open.
func (e *Environment) ReclaimSpace() error {
	if e.cfg.flags&(FlagDisableReclaim|FlagReadOnly|FlagInMemory) != 0 {
		return nil
	}
	return e.pm.ReclaimSpace()
}

// Close flushes outstanding state, reclaims trailing free space, and
// releases the device and changeset.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.Flush(); err != nil {
		return err
	}
	if err := e.ReclaimSpace(); err != nil {
		return err
	}
	if err := e.pm.Close(); err != nil {
		return err
	}
	if e.changeset != nil {
		return e.changeset.Close()
	}
	return nil
}

// Metrics returns the page manager's counters for this environment.
func (e *Environment) Metrics() Metrics {
	return e.pm.GetMetrics()
}

// Loggers returns the environment's component loggers.
func (e *Environment) Loggers() *elog.Loggers { return e.log }

// PageManagerFreeRuns returns a snapshot of every free page run currently
// tracked by the page manager, for read-only inspection.
func (e *Environment) PageManagerFreeRuns() []FreeRun {
	return e.pm.FreeRuns()
}

// FileSize returns the backing device's current size in bytes.
func (e *Environment) FileSize() int64 {
	return e.pm.FileSize()
}

// PageCount returns the number of fixed-size pages the device currently
// spans.
func (e *Environment) PageCount() uint64 {
	return uint64(e.FileSize()) / uint64(e.cfg.pageSize)
}

// RawPage reads addr's raw, on-disk bytes straight from the device
// (bypassing the cache and any Btree decoding) and opportunistically
// classifies it: the header page is recognized by address, and any other
// page is tried against the B-tree node format (leaf/index share a
// self-describing marker byte, see btree.go's loadNode); anything else
// reports as raw since this on-disk format carries no persisted page-type
// tag outside of what each subsystem already knows from context.
func (e *Environment) RawPage(addr uint64) ([]byte, string, error) {
	buf := make([]byte, e.cfg.pageSize)
	if err := e.device.ReadPage(addr, buf); err != nil {
		return nil, "", err
	}
	return buf, classifyRawPage(addr, buf), nil
}

func classifyRawPage(addr uint64, buf []byte) string {
	if addr == HeaderPageAddress {
		return "header"
	}
	if len(buf) <= pageHeaderSize {
		return "raw"
	}
	label := "raw"
	func() {
		defer func() { recover() }()
		node := decodeNode(buf[pageHeaderSize:])
		if node.isLeaf {
			label = fmt.Sprintf("leaf (%d keys)", len(node.keys))
		} else {
			label = fmt.Sprintf("index (%d keys, %d children)", len(node.keys), len(node.children))
		}
	}()
	return label
}
