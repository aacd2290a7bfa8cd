package bptree

import (
	"encoding/binary"
	"os"

	"github.com/nikandfor/bptree/back"
)

// FileBlockStore is a local-file BlockStore: every id occupies a fixed
// slotSize window at offset id*slotSize, holding a varint length prefix
// followed by the page bytes. Grounded on mmap_back.go via back.MmapBack,
// generalized from one contiguous append-only file to id-addressed fixed
// slots, since a BlockStore has no notion of a page's neighbors.
type FileBlockStore struct {
	b        back.Back
	slotSize int64
	opts     Options
	maxSeen  uint64
}

const fileBlockStoreInitialSlots = 64

// OpenFileBlockStore opens path (creating it if needed) as a
// FileBlockStore bounding pages to maxPageSize bytes.
func OpenFileBlockStore(path string, maxPageSize int) (*FileBlockStore, error) {
	slotSize := int64(binary.MaxVarintLen64 + maxPageSize)

	b, err := back.OpenMmapBack(path, slotSize*fileBlockStoreInitialSlots)
	if err != nil {
		return nil, wrap(err, "open file block store %s", path)
	}

	st, err := os.Stat(path)
	if err != nil {
		b.Close()
		return nil, wrap(err, "stat file block store %s", path)
	}

	return &FileBlockStore{
		b:        b,
		slotSize: slotSize,
		maxSeen:  uint64(st.Size() / slotSize),
		opts: Options{
			MaxPageSize:            maxPageSize,
			SupportsInternalDelete: false,
		},
	}, nil
}

var _ BlockStore = (*FileBlockStore)(nil)

func (f *FileBlockStore) slotOffset(id uint64) int64 {
	return int64(id) * f.slotSize
}

func (f *FileBlockStore) Get(id uint64) ([]byte, error) {
	page, err := f.b.Open(f.slotOffset(id), f.slotSize, 0)
	if err != nil {
		return nil, wrap(ErrBackend, "open slot %d: %v", id, err)
	}
	defer page.Close()

	hdr := make([]byte, binary.MaxVarintLen64)
	if _, err := page.ReadAt(hdr, 0); err != nil {
		return nil, wrap(ErrBackend, "read slot %d header: %v", id, err)
	}

	l, n := binary.Uvarint(hdr)
	if n <= 0 || l == 0 {
		return nil, ErrNotFound
	}

	body := make([]byte, l)
	if _, err := page.ReadAt(body, int64(n)); err != nil {
		return nil, wrap(ErrBackend, "read slot %d body: %v", id, err)
	}

	return body, nil
}

func (f *FileBlockStore) Put(id uint64, p []byte) error {
	if len(p) > f.opts.MaxPageSize {
		return wrap(ErrCorrupt, "page %d too large: %d > %d", id, len(p), f.opts.MaxPageSize)
	}

	page, err := f.b.Open(f.slotOffset(id), f.slotSize, 0)
	if err != nil {
		return wrap(ErrBackend, "open slot %d: %v", id, err)
	}
	defer page.Close()

	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(p)))

	if _, err := page.WriteAt(hdr[:n], 0); err != nil {
		return wrap(ErrBackend, "write slot %d header: %v", id, err)
	}
	if _, err := page.WriteAt(p, int64(n)); err != nil {
		return wrap(ErrBackend, "write slot %d body: %v", id, err)
	}

	if id+1 > f.maxSeen {
		f.maxSeen = id + 1
	}

	if logV("back,put") {
		tl.Printf("file block put  id %4x  len %4x", id, len(p))
	}

	return nil
}

func (f *FileBlockStore) Delete(id uint64) error {
	return f.b.Delete(f.slotOffset(id), f.slotSize)
}

func (f *FileBlockStore) Options() Options {
	return f.opts
}

func (f *FileBlockStore) Close() error {
	return f.b.Close()
}

func (f *FileBlockStore) Generator() (BlockIterator, error) {
	return &fileIterator{store: f, id: ^uint64(0)}, nil
}

// fileIterator scans slot 0 up to the end of the file (which covers the
// highest id ever written, including before a reopen), skipping slots
// that were never written. Freed slots hold a FreePage and are yielded
// like any other. Besides diagnostics, StorageDriver's reconstructCounter
// sweeps it once at open time; it is never consulted mid-mutation.
type fileIterator struct {
	store *FileBlockStore
	id    uint64
	cur   []byte
	err   error
}

func (it *fileIterator) Next() bool {
	for {
		if it.id == ^uint64(0) {
			it.id = 0
		} else {
			it.id++
		}

		if it.id >= it.store.maxSeen {
			return false
		}

		p, err := it.store.Get(it.id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			it.err = err
			return false
		}

		it.cur = p

		return true
	}
}

func (it *fileIterator) Block() (uint64, []byte) {
	return it.id, it.cur
}

func (it *fileIterator) Err() error {
	return it.err
}
