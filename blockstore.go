package bptree

import "sync"

type (
	// BlockStore is the raw, unordered byte map the engine is built on:
	// get(id)/put(id,bytes)/delete(id) over opaque integer ids. It never
	// sees the page format, the id-map, or the free-map — those all live
	// one layer up, in StorageDriver.
	BlockStore interface {
		Get(id uint64) ([]byte, error)
		Put(id uint64, p []byte) error
		Delete(id uint64) error

		// Generator streams every (id, bytes) pair currently stored.
		// Diagnostics only; the driver never calls it during a
		// mutation.
		Generator() (BlockIterator, error)

		Options() Options
	}

	// BlockIterator walks a BlockStore snapshot. Next returns false once
	// exhausted; callers must check Err afterward.
	BlockIterator interface {
		Next() bool
		Block() (id uint64, p []byte)
		Err() error
	}

	// Options are the two tunables a BlockStore exposes to the tree: its
	// page size ceiling, and whether Delete actually reclaims space
	// in-place (a map can; a local file generally can't without
	// rewriting its tail).
	Options struct {
		MaxPageSize            int
		SupportsInternalDelete bool
	}
)

// MemBlockStore is an in-memory BlockStore: a map[uint64][]byte behind a
// sync.RWMutex. Grounded on the teacher's MemBack, generalized from an
// offset/length window over one big slice to an id-keyed map, since a
// block store has no implicit adjacency between pages.
type MemBlockStore struct {
	mu   sync.RWMutex
	opts Options
	d    map[uint64][]byte
}

var _ BlockStore = (*MemBlockStore)(nil)

// NewMemBlockStore creates an empty in-memory block store bounding pages to
// maxPageSize bytes.
func NewMemBlockStore(maxPageSize int) *MemBlockStore {
	return &MemBlockStore{
		opts: Options{
			MaxPageSize:            maxPageSize,
			SupportsInternalDelete: true,
		},
		d: make(map[uint64][]byte),
	}
}

func (b *MemBlockStore) Get(id uint64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.d[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := make([]byte, len(p))
	copy(cp, p)

	return cp, nil
}

func (b *MemBlockStore) Put(id uint64, p []byte) error {
	if len(p) > b.opts.MaxPageSize {
		return wrap(ErrCorrupt, "page %d too large: %d > %d", id, len(p), b.opts.MaxPageSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(p))
	copy(cp, p)
	b.d[id] = cp

	if logV("back,put") {
		tl.Printf("mem block put  id %4x  len %4x", id, len(p))
	}

	return nil
}

func (b *MemBlockStore) Delete(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.d, id)

	return nil
}

func (b *MemBlockStore) Options() Options {
	return b.opts
}

func (b *MemBlockStore) Generator() (BlockIterator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.d))
	for id := range b.d {
		ids = append(ids, id)
	}

	return &memIterator{store: b, ids: ids, i: -1}, nil
}

type memIterator struct {
	store *MemBlockStore
	ids   []uint64
	i     int
}

func (it *memIterator) Next() bool {
	it.i++
	return it.i < len(it.ids)
}

func (it *memIterator) Block() (uint64, []byte) {
	id := it.ids[it.i]

	it.store.mu.RLock()
	p := it.store.d[id]
	it.store.mu.RUnlock()

	return id, p
}

func (it *memIterator) Err() error {
	return nil
}
