package bptree

import (
	"encoding/binary"

	"github.com/nikandfor/hacked/low"
	"tlog.app/go/errors"
)

// Reserved ids, §4.4: the driver's own bookkeeping pages live below the
// first id it will ever hand out to a caller. dataMetaID is the
// conventional id a caller's own data tree is opened at (cmd/bptreectl's
// meta flag defaults to it); GetMetadata/PutMetadata accept any
// id rather than hard-coding it, so a driver can anchor more than one
// data tree over the same BlockStore.
const (
	dataMetaID    uint64 = 0
	idMapMetaID   uint64 = 1
	freeMapMetaID uint64 = 2
	firstUserID   uint64 = 3
)

// StorageDriver is the id-oriented layer over a raw BlockStore: it owns
// id allocation and recycling, and two private trees — an id-map that
// maps every live external id to the internal block id its bytes
// actually live at, and a free-map that durably remembers internal ids
// released by Free across restarts. Grounded on alloc.go's TreeAlloc (a
// private tree built over the same Back it allocates for) crossed with
// freelist_3.go's pending/detached pair.
//
// External ids are what a caller's BPlusTree addresses pages by — the
// ids returned by AllocID and stored in Pointer.PageID. Internal ids are
// where those bytes actually live in the BlockStore. Put allocates a
// fresh internal id the first time an external id is written and keeps
// using it on every subsequent overwrite; Free reclaims the internal id
// for reuse but does not return the external id to the allocator — only
// disk slots are scarce enough to recycle, not the id namespace.
type StorageDriver struct {
	bs         BlockStore
	cmp        Comparator
	keyCodec   Codec
	valueCodec Codec

	maxPageSize int
	fillFactor  int

	idMap   *BPlusTree
	freeMap *BPlusTree

	counter  uint64
	pending  []uint64
	detached bool
}

// OpenStorageDriver opens (or initializes) a driver over bs. fillFactor
// is the §3 underflow divisor; pass 0 to take the default of 4. A nil
// cmp/kc/vc falls back to BytesCompare/BytesCodec.
func OpenStorageDriver(bs BlockStore, cmp Comparator, kc, vc Codec, fillFactor int) (*StorageDriver, error) {
	if cmp == nil {
		cmp = BytesCompare
	}
	if kc == nil {
		kc = BytesCodec{}
	}
	if vc == nil {
		vc = BytesCodec{}
	}
	if fillFactor == 0 {
		fillFactor = 4
	}

	opts := bs.Options()

	d := &StorageDriver{
		bs:          bs,
		cmp:         cmp,
		keyCodec:    kc,
		valueCodec:  vc,
		maxPageSize: opts.MaxPageSize,
		fillFactor:  fillFactor,
		counter:     firstUserID,
	}

	if err := d.reconstructCounter(); err != nil {
		return nil, err
	}

	bypass := &bypassStore{d: d}

	idMap, err := OpenTree(bypass, idMapMetaID, BytesCompare, BytesCodec{}, BytesCodec{}, opts.MaxPageSize, fillFactor)
	if err != nil {
		return nil, wrap(err, "open id-map")
	}
	d.idMap = idMap

	freeMap, err := OpenTree(bypass, freeMapMetaID, BytesCompare, BytesCodec{}, BytesCodec{}, opts.MaxPageSize, fillFactor)
	if err != nil {
		return nil, wrap(err, "open free-map")
	}
	d.freeMap = freeMap

	if logV("driver") {
		tl.Printf("driver open: counter=%d", d.counter)
	}

	return d, nil
}

// reconstructCounter scans the raw store for the highest id anything has
// ever been written under and seats the counter above it, so a restart
// never hands out an id already in use. The pending queue itself is not
// reconstructed — ids in flight when the process stopped are leaked, not
// double-allocated, which is the tolerated failure mode (§4.4).
func (d *StorageDriver) reconstructCounter() error {
	gen, err := d.bs.Generator()
	if err != nil {
		return wrap(err, "scan block store for high-water id")
	}

	max := firstUserID - 1
	for gen.Next() {
		id, _ := gen.Block()
		if id > max {
			max = id
		}
	}
	if err := gen.Err(); err != nil {
		return wrap(err, "scan block store for high-water id")
	}

	if max+1 > d.counter {
		d.counter = max + 1
	}

	return nil
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func keyID(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

// bypassStore lets the id-map and free-map trees read and write pages
// directly against the raw BlockStore, skipping the id-map indirection —
// those two trees ARE the bookkeeping, so routing their own pages
// through it would recurse forever on an empty store. Their pages have
// no external identity distinct from where they live: external id and
// internal id are the same number.
type bypassStore struct {
	d *StorageDriver
}

func (b *bypassStore) allocID() (uint64, error) { return b.d.alloc() }
func (b *bypassStore) freeID(id uint64) error { return b.d.freeInternal(id, id) }
func (b *bypassStore) getPage(id uint64) (*DataPage, error) { return b.d.loadPage(id, id) }
func (b *bypassStore) putPage(p *DataPage) error { return b.d.storePage(p, p.ID) }
func (b *bypassStore) getMeta(id uint64) (*MetaPage, error) { return b.d.loadMeta(id) }
func (b *bypassStore) putMeta(m *MetaPage) error { return b.d.storeMeta(m) }

var _ pageStore = (*bypassStore)(nil)
var _ pageStore = (*StorageDriver)(nil)

// pageStore implementation for a caller's own data tree, opened with the
// driver itself as its backing store: every Data-page read/write goes
// through the id-map's external→internal indirection (§4.4); MetaPage
// access never does, since a tree's meta id is a fixed, caller-chosen
// slot, not something the allocator hands out.

func (d *StorageDriver) allocID() (uint64, error) { return d.alloc() }

func (d *StorageDriver) freeID(extID uint64) error {
	v, err := d.idMap.Find(idKey(extID))
	if err != nil {
		return err
	}
	internalID := keyID(v)

	if _, err := d.idMap.Delete(idKey(extID)); err != nil && !errors.Is(err, ErrBusy) {
		return wrap(err, "remove id-map entry %d", extID)
	}

	return d.freeInternal(internalID, extID)
}

func (d *StorageDriver) getPage(extID uint64) (*DataPage, error) {
	v, err := d.idMap.Find(idKey(extID))
	if err != nil {
		return nil, err
	}

	return d.loadPage(keyID(v), extID)
}

func (d *StorageDriver) putPage(p *DataPage) error {
	internalID, err := d.internalIDFor(p.ID)
	if err != nil {
		return err
	}

	return d.storePage(p, internalID)
}

func (d *StorageDriver) getMeta(id uint64) (*MetaPage, error) { return d.loadMeta(id) }
func (d *StorageDriver) putMeta(m *MetaPage) error { return d.storeMeta(m) }

// internalIDFor resolves the internal block id extID's bytes live at,
// allocating and recording a fresh one in the id-map the first time
// extID is written. §4.4: "put(ext_id, bytes): if ext_id has no mapping,
// allocate an internal id and record the mapping."
func (d *StorageDriver) internalIDFor(extID uint64) (uint64, error) {
	v, err := d.idMap.Find(idKey(extID))
	if err == nil {
		return keyID(v), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	internalID, err := d.alloc()
	if err != nil {
		return 0, wrap(err, "allocate internal id for %d", extID)
	}

	if err := d.idMap.Add(idKey(extID), idKey(internalID)); err != nil {
		return 0, wrap(err, "record id-map entry %d -> %d", extID, internalID)
	}

	return internalID, nil
}

// Public API, §6: Get/Put/Free manage a caller's own Data pages, keyed by
// external id; Get/PutMetadata manage a MetaPage at a fixed id; Generator
// streams the raw BlockStore — internal ids — for the CLI's freelist
// listing (reconstructCounter scans the BlockStore the same way).

func (d *StorageDriver) Get(id uint64) (*DataPage, error) { return d.getPage(id) }
func (d *StorageDriver) Put(p *DataPage) error { return d.putPage(p) }
func (d *StorageDriver) Free(id uint64) error { return d.freeID(id) }
func (d *StorageDriver) GetMetadata(id uint64) (*MetaPage, error) { return d.getMeta(id) }
func (d *StorageDriver) PutMetadata(m *MetaPage) error { return d.putMeta(m) }
func (d *StorageDriver) Generator() (BlockIterator, error) { return d.bs.Generator() }

// AllocID hands a caller a fresh external page id through the same
// allocator the driver uses for its own trees, without writing anything —
// the caller allocates an id then Put()s a page under it, which is what
// triggers the actual internal-id allocation and id-map entry.
func (d *StorageDriver) AllocID() (uint64, error) { return d.alloc() }

// alloc is the allocator of §4.4: pending queue first (lowest id first),
// then the free-map
// (unless detached, meaning a free-map mutation is already in flight),
// then the monotonic counter. It hands out a bare id with no notion of
// external/internal — that distinction belongs entirely to the callers
// above (internalIDFor and AllocID draw from the same pool).
func (d *StorageDriver) alloc() (uint64, error) {
	if len(d.pending) > 0 {
		min := 0
		for i, id := range d.pending {
			if id < d.pending[min] {
				min = i
			}
		}

		id := d.pending[min]
		d.pending = append(d.pending[:min], d.pending[min+1:]...)

		if logV("driver,alloc") {
			tl.Printf("driver: alloc id %d from pending queue", id)
		}

		return id, nil
	}

	if !d.detached && d.freeMap != nil {
		id, ok, err := d.takeFromFreeMap()
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
	}

	id := d.counter
	d.counter++

	if logV("driver,alloc") {
		tl.Printf("driver: alloc fresh id %d", id)
	}

	return id, nil
}

// takeFromFreeMap implements §4.4's free-map path: find the lowest id
// present, verify its FreePage is not already detached, flip it, rewrite
// it, then delete the free-map entry and hand the id back.
func (d *StorageDriver) takeFromFreeMap() (uint64, bool, error) {
	key, _, err := d.freeMap.FindNext(idKey(0))
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if errors.Is(err, ErrBusy) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	internalID := keyID(key)

	fp, err := d.loadFreePage(internalID)
	if err != nil {
		return 0, false, err
	}
	if fp.Detached {
		return 0, false, wrap(ErrCorrupt, "free-map entry %d already detached", internalID)
	}

	fp.Detached = true
	if err := d.storeFreePage(fp); err != nil {
		return 0, false, err
	}

	ok, err := d.freeMap.Delete(key)
	if errors.Is(err, ErrBusy) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, wrap(ErrCorrupt, "free-map entry %d vanished mid-allocation", internalID)
	}

	if logV("driver,alloc") {
		tl.Printf("driver: recycled internal id %d from free-map", internalID)
	}

	return internalID, true, nil
}

// freeInternal implements §4.4 Free for a raw internal id: write a
// FreePage in its place — overwriting whatever page used to live there —
// then either record (internal_id -> old_ext_id) in the free-map right
// away, or, if the free-map tree is itself mid-operation (this call was
// reached while freeing a page its own rebalance just displaced), push
// internal_id onto the pending queue and mark its FreePage detached
// instead of recursing into the busy tree.
func (d *StorageDriver) freeInternal(internalID, oldExtID uint64) error {
	if err := d.storeFreePage(&FreePage{ID: internalID, Detached: d.detached}); err != nil {
		return err
	}

	if d.detached {
		d.pending = append(d.pending, internalID)
		return nil
	}

	d.detached = true
	err := d.freeMap.Add(idKey(internalID), idKey(oldExtID))
	d.detached = false

	if err == nil {
		return d.flushPending()
	}
	if !errors.Is(err, ErrBusy) {
		return wrap(err, "record free id %d", internalID)
	}

	if err := d.storeFreePage(&FreePage{ID: internalID, Detached: true}); err != nil {
		return err
	}
	d.pending = append(d.pending, internalID)

	return nil
}

// flushPending drains the pending queue into the free-map one id at a
// time, clearing each flushed id's detached latch once it is recorded,
// and stopping early if the free-map tree is itself busy and leaving
// the rest for the next call — the same reentrancy hazard freeInternal
// guards against, reached this time from inside the loop instead of the
// original caller. Each id leaves the queue before the Add, so a split
// inside that Add cannot hand the same id out as a page.
func (d *StorageDriver) flushPending() error {
	for len(d.pending) > 0 {
		internalID := d.pending[0]
		d.pending = d.pending[1:]

		d.detached = true
		err := d.freeMap.Add(idKey(internalID), idKey(internalID))
		d.detached = false

		if err != nil {
			d.pending = append(d.pending, internalID)
			if errors.Is(err, ErrBusy) {
				break
			}
			return wrap(err, "record free id %d", internalID)
		}

		if err := d.storeFreePage(&FreePage{ID: internalID}); err != nil {
			return err
		}
	}

	return nil
}

func (d *StorageDriver) loadPage(internalID, extID uint64) (*DataPage, error) {
	raw, err := d.bs.Get(internalID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap(ErrBackend, "get page %d (internal %d): %v", extID, internalID, err)
	}

	e, err := decodeEnvelopeAs(raw, TagData)
	if err != nil {
		return nil, err
	}

	return decodeDataPageBody(extID, e.body, d.cmp, d.keyCodec, d.valueCodec)
}

func (d *StorageDriver) storePage(p *DataPage, internalID uint64) error {
	var buf low.Buf
	raw := encodeEnvelope(&buf, envelope{id: p.ID, tag: TagData, body: p.EncodeBody()})

	if err := d.bs.Put(internalID, raw); err != nil {
		return wrap(ErrBackend, "put page %d (internal %d): %v", p.ID, internalID, err)
	}

	return nil
}

func (d *StorageDriver) loadMeta(id uint64) (*MetaPage, error) {
	raw, err := d.bs.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap(ErrBackend, "get meta %d: %v", id, err)
	}

	e, err := decodeEnvelopeAs(raw, TagMeta)
	if err != nil {
		return nil, err
	}

	return decodeMetaPageBody(id, e.body)
}

func (d *StorageDriver) storeMeta(m *MetaPage) error {
	var buf low.Buf
	raw := encodeEnvelope(&buf, envelope{id: m.ID, tag: TagMeta, body: m.EncodeBody()})

	if err := d.bs.Put(m.ID, raw); err != nil {
		return wrap(ErrBackend, "put meta %d: %v", m.ID, err)
	}

	return nil
}

func (d *StorageDriver) loadFreePage(id uint64) (*FreePage, error) {
	raw, err := d.bs.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap(ErrBackend, "get free page %d: %v", id, err)
	}

	e, err := decodeEnvelopeAs(raw, TagFree)
	if err != nil {
		return nil, err
	}

	return decodeFreePageBody(id, e.body)
}

func (d *StorageDriver) storeFreePage(fp *FreePage) error {
	var buf low.Buf
	raw := encodeEnvelope(&buf, envelope{id: fp.ID, tag: TagFree, body: fp.EncodeBody()})

	if err := d.bs.Put(fp.ID, raw); err != nil {
		return wrap(ErrBackend, "put free page %d: %v", fp.ID, err)
	}

	return nil
}
