// ABOUTME: Disk-based KV store with B+Tree persistence
// ABOUTME: Copy-on-write pages, two-phase fsync updates and a single-writer lock

package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"sync"
	"syscall"

	"github.com/nainya/tagstore/pkg/btree"
)

const (
	DB_SIG          = "TagStore01\x00\x00\x00\x00\x00\x00" // Database signature (16 bytes)
	BTREE_PAGE_SIZE = btree.BTREE_PAGE_SIZE
	META_PAGE_SIZE  = 80 // Meta page size (expanded for free list)

	// MaxKeySize and MaxValueSize are the largest key and value a single
	// page can hold.
	MaxKeySize   = btree.BTREE_MAX_KEY_SIZE
	MaxValueSize = btree.BTREE_MAX_VAL_SIZE
)

// KV represents a persistent key-value store.
//
// A KV is safe for concurrent use once opened: read transactions share a
// read lock and write transactions hold the write lock until they commit or
// abort, so there is at most one writer at any time.
type KV struct {
	Path string

	mu     sync.RWMutex
	closed bool

	// File descriptor
	fd int

	// B+Tree
	tree btree.BTree

	// Free list for page recycling
	free freeList

	// Memory-mapped file
	mmap struct {
		total  int      // Total mmap size
		chunks [][]byte // Multiple mmap regions
	}

	// Page management
	page struct {
		flushed uint64            // Number of pages flushed to disk
		temp    [][]byte          // Temporary pages pending flush
		updates map[uint64][]byte // In-place updates
	}

	// Error recovery
	failed bool // Did last update fail?
}

// Open opens or creates a database file
func (db *KV) Open() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	fd, err := createFileSync(db.Path)
	if err != nil {
		return err
	}
	db.fd = fd

	var stat syscall.Stat_t
	if err := syscall.Fstat(db.fd, &stat); err != nil {
		_ = syscall.Close(db.fd)
		return fmt.Errorf("fstat: %w", err)
	}
	fileSize := stat.Size

	if fileSize == 0 {
		// Empty file - reserve meta page
		db.page.flushed = 1
	} else {
		mmapSize := 64 << 20 // Start with 64MB
		if int(fileSize) > mmapSize {
			mmapSize = int(fileSize)
		}

		chunk, err := syscall.Mmap(
			db.fd, 0, mmapSize,
			syscall.PROT_READ, syscall.MAP_SHARED,
		)
		if err != nil {
			_ = syscall.Close(db.fd)
			return fmt.Errorf("mmap: %w", err)
		}

		db.mmap.total = mmapSize
		db.mmap.chunks = append(db.mmap.chunks, chunk)

		if err := db.readMeta(); err != nil {
			_ = db.unmap()
			_ = syscall.Close(db.fd)
			return err
		}
	}

	db.page.updates = make(map[uint64][]byte)

	db.free.read = db.pageRead
	db.free.append = db.pageAppend
	db.free.write = db.pageWrite

	// Nothing from a previous process can still be read
	db.free.freeze()

	db.tree.SetCallbacks(db.pageRead, db.pageAlloc, db.pageFree)
	db.closed = false

	return nil
}

// Close closes the database. It waits for in-flight transactions.
func (db *KV) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if err := db.unmap(); err != nil {
		return err
	}
	return syscall.Close(db.fd)
}

// Size returns the number of bytes of pages flushed to disk
func (db *KV) Size() int64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return int64(db.page.flushed) * BTREE_PAGE_SIZE
}

// View runs fn in a read-only transaction. The read lock is released when
// fn returns, including when it panics.
func (db *KV) View(fn func(tx *Tx) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return ErrClosed
	}

	tx := &Tx{db: db}
	defer tx.close()
	return fn(tx)
}

// Update runs fn in a read-write transaction. The transaction commits when
// fn returns nil and aborts when fn returns an error or panics.
func (db *KV) Update(fn func(tx *Tx) error) (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	tx := db.begin()
	committed := false
	defer func() {
		if !committed {
			tx.abort()
		}
		tx.close()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Get retrieves a copy of the value stored under key
func (db *KV) Get(key []byte) ([]byte, bool) {
	var val []byte
	var ok bool
	_ = db.View(func(tx *Tx) error {
		val, ok = tx.Get(key)
		return nil
	})
	return val, ok
}

// Set inserts or updates a key-value pair in its own transaction
func (db *KV) Set(key []byte, val []byte) error {
	return db.Update(func(tx *Tx) error {
		return tx.Set(key, val)
	})
}

// Del deletes a key in its own transaction
func (db *KV) Del(key []byte) (bool, error) {
	var deleted bool
	err := db.Update(func(tx *Tx) error {
		var err error
		deleted, err = tx.Del(key)
		return err
	})
	return deleted, err
}

// Scan performs a range scan starting from the given key. Keys and values
// passed to callback are only valid for the duration of the call.
func (db *KV) Scan(start []byte, callback func(key, val []byte) bool) {
	_ = db.View(func(tx *Tx) error {
		return tx.Scan(start, callback)
	})
}

// unmap releases all mmap regions
func (db *KV) unmap() error {
	for _, chunk := range db.mmap.chunks {
		if err := syscall.Munmap(chunk); err != nil {
			return err
		}
	}
	db.mmap.chunks = nil
	db.mmap.total = 0
	return nil
}

// pageRead reads a page by pointer
func (db *KV) pageRead(ptr uint64) []byte {
	// Check pending updates first
	if page, ok := db.page.updates[ptr]; ok {
		return page
	}

	// Check temp pages
	if ptr >= db.page.flushed {
		idx := ptr - db.page.flushed
		if idx < uint64(len(db.page.temp)) {
			return db.page.temp[idx]
		}
	}

	// Read from mmap
	start := uint64(0)
	for _, chunk := range db.mmap.chunks {
		end := start + uint64(len(chunk))/BTREE_PAGE_SIZE
		if ptr < end {
			offset := BTREE_PAGE_SIZE * (ptr - start)
			return chunk[offset : offset+BTREE_PAGE_SIZE]
		}
		start = end
	}
	panic(fmt.Sprintf("bad page pointer: %d (flushed: %d, temp: %d)", ptr, db.page.flushed, len(db.page.temp)))
}

// pageAlloc allocates a new page (tries free list first)
func (db *KV) pageAlloc(node []byte) uint64 {
	if len(node) != BTREE_PAGE_SIZE {
		panic("page size mismatch")
	}

	if ptr := db.free.pop(); ptr != 0 {
		db.page.updates[ptr] = node
		return ptr
	}

	// Append new page
	return db.pageAppend(node)
}

// pageAppend allocates a new page at the end
func (db *KV) pageAppend(node []byte) uint64 {
	if len(node) != BTREE_PAGE_SIZE {
		panic("page size mismatch")
	}

	ptr := db.page.flushed + uint64(len(db.page.temp))
	db.page.temp = append(db.page.temp, node)
	return ptr
}

// pageWrite updates a page in-place
func (db *KV) pageWrite(ptr uint64, node []byte) {
	if len(node) != BTREE_PAGE_SIZE {
		panic("page size mismatch")
	}
	if ptr >= db.page.flushed {
		db.page.temp[ptr-db.page.flushed] = node
		return
	}
	db.page.updates[ptr] = node
}

// pageFree adds a page to the free list
func (db *KV) pageFree(ptr uint64) {
	// Only free pages that were already flushed to disk
	// Temp pages can't be reused until they're committed
	if ptr < db.page.flushed {
		db.free.push(ptr)
	}
}

// saveMeta saves current meta state to byte slice
func (db *KV) saveMeta() []byte {
	var data [META_PAGE_SIZE]byte
	copy(data[:16], []byte(DB_SIG))
	binary.LittleEndian.PutUint64(data[16:], db.tree.GetRoot())
	binary.LittleEndian.PutUint64(data[24:], db.page.flushed)

	copy(data[32:], db.free.encode())

	return data[:]
}

// loadMeta loads meta state from byte slice
func (db *KV) loadMeta(data []byte) {
	db.tree.SetRoot(binary.LittleEndian.Uint64(data[16:]))
	db.page.flushed = binary.LittleEndian.Uint64(data[24:])

	db.free.decode(data[32 : 32+freeListMetaSize])
}

// readMeta reads and validates meta page from disk
func (db *KV) readMeta() error {
	data := db.mmap.chunks[0][:META_PAGE_SIZE]

	// Verify signature
	sig := string(data[:16])
	if sig != DB_SIG {
		return fmt.Errorf("invalid database signature: %s", sig)
	}

	db.loadMeta(data)
	return nil
}

// updateOrRevert performs two-phase update with error recovery
func (db *KV) updateOrRevert(meta []byte) error {
	// Recover from previous failure
	if db.failed {
		if err := db.writeMeta(meta); err != nil {
			return err
		}
		if err := syscall.Fsync(db.fd); err != nil {
			return err
		}
		db.failed = false
	}

	// Pages freed by this write stay fenced until it is durable
	savedFence := db.free.fence
	db.free.freeze()

	// Two-phase update
	err := db.updateFile()

	if err != nil {
		// Revert in-memory state
		db.loadMeta(meta)
		db.page.temp = db.page.temp[:0]
		db.page.updates = make(map[uint64][]byte)
		db.free.fence = savedFence
		db.failed = true
	} else {
		db.free.freeze()
	}

	return err
}

// updateFile performs the two-phase fsync update
func (db *KV) updateFile() error {
	// Phase 1: Write new pages
	if err := db.writePages(); err != nil {
		return err
	}

	// Phase 2: fsync to ensure pages are durable
	if err := syscall.Fsync(db.fd); err != nil {
		return err
	}

	// Phase 3: Update meta page atomically
	if err := db.writeMeta(db.saveMeta()); err != nil {
		return err
	}

	// Phase 4: fsync to make meta page durable
	return syscall.Fsync(db.fd)
}

// writePages writes temporary pages to disk
func (db *KV) writePages() error {
	// Write in-place updates first
	for ptr, page := range db.page.updates {
		offset := int64(ptr * BTREE_PAGE_SIZE)
		if _, err := syscall.Pwrite(db.fd, page, offset); err != nil {
			return err
		}
	}

	// Clear updates after writing
	db.page.updates = make(map[uint64][]byte)

	// Write new pages
	if len(db.page.temp) == 0 {
		return nil
	}

	// Extend mmap if needed
	size := int(db.page.flushed+uint64(len(db.page.temp))) * BTREE_PAGE_SIZE
	if err := db.extendMmap(size); err != nil {
		return err
	}

	// Write pages
	offset := int64(db.page.flushed * BTREE_PAGE_SIZE)
	for _, page := range db.page.temp {
		if _, err := syscall.Pwrite(db.fd, page, offset); err != nil {
			return err
		}
		offset += BTREE_PAGE_SIZE
	}

	// Update state
	db.page.flushed += uint64(len(db.page.temp))
	db.page.temp = db.page.temp[:0]

	return nil
}

// writeMeta writes meta page at offset 0
func (db *KV) writeMeta(data []byte) error {
	_, err := syscall.Pwrite(db.fd, data, 0)
	if err != nil {
		return fmt.Errorf("write meta page: %w", err)
	}
	return nil
}

// extendMmap extends memory mapping if needed
func (db *KV) extendMmap(size int) error {
	if size <= db.mmap.total {
		return nil
	}

	// Double the allocation size
	alloc := max(db.mmap.total, 64<<20)
	for db.mmap.total+alloc < size {
		alloc *= 2
	}

	// Create new mapping
	chunk, err := syscall.Mmap(
		db.fd, int64(db.mmap.total), alloc,
		syscall.PROT_READ, syscall.MAP_SHARED,
	)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	db.mmap.total += alloc
	db.mmap.chunks = append(db.mmap.chunks, chunk)

	return nil
}

// createFileSync creates/opens file with directory fsync
func createFileSync(file string) (int, error) {
	// Open or create file
	flags := os.O_RDWR | os.O_CREATE
	fd, err := syscall.Open(file, flags, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open file: %w", err)
	}

	// Open directory for fsync
	dirfd, err := syscall.Open(path.Dir(file), os.O_RDONLY, 0)
	if err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("open directory: %w", err)
	}
	defer syscall.Close(dirfd)

	// Fsync directory
	if err = syscall.Fsync(dirfd); err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("fsync directory: %w", err)
	}

	return fd, nil
}
