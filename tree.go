package bptree

import "tlog.app/go/errors"

// pageStore is what a BPlusTree needs from whatever is holding its pages:
// allocate/free ids and read/write the two page kinds the tree touches.
// StorageDriver has two implementations of this — one that bypasses
// straight to the raw BlockStore for its own id-map and free-map trees,
// and one that goes through the driver's bookkeeping for a caller's data
// tree — so that neither of the driver's own trees has to allocate pages
// through itself to come into existence.
type pageStore interface {
	allocID() (uint64, error)
	freeID(id uint64) error
	getPage(id uint64) (*DataPage, error)
	putPage(p *DataPage) error
	getMeta(id uint64) (*MetaPage, error)
	putMeta(m *MetaPage) error
}

// BPlusTree is the descend/split/merge engine of §4. One instance owns
// exactly one MetaPage (identified by metaID) and the tree of DataPages
// reachable from its root_id. Grounded on b+tree.go's Tree, generalized
// from Tree's single shared Back+Alloc pair to the pageStore seam so the
// same type serves both a caller's data tree and the driver's own
// id-map/free-map trees.
type BPlusTree struct {
	store pageStore
	metaID uint64

	cmp        Comparator
	keyCodec   Codec
	valueCodec Codec

	maxPageSize int
	fillFactor  int

	busy bool
}

// OpenTree loads the tree anchored at metaID, creating an empty one (a
// single empty leaf root) if metaID has never been written.
func OpenTree(store pageStore, metaID uint64, cmp Comparator, kc, vc Codec, maxPageSize, fillFactor int) (*BPlusTree, error) {
	if cmp == nil {
		cmp = BytesCompare
	}
	if kc == nil {
		kc = BytesCodec{}
	}
	if vc == nil {
		vc = BytesCodec{}
	}

	t := &BPlusTree{
		store:       store,
		metaID:      metaID,
		cmp:         cmp,
		keyCodec:    kc,
		valueCodec:  vc,
		maxPageSize: maxPageSize,
		fillFactor:  fillFactor,
	}

	_, err := store.getMeta(metaID)
	if errors.Is(err, ErrNotFound) {
		rootID, err := store.allocID()
		if err != nil {
			return nil, wrap(err, "allocate initial root")
		}

		root := newDataPage(rootID, true, cmp, kc, vc)
		if err := store.putPage(root); err != nil {
			return nil, wrap(err, "write initial root")
		}

		if err := store.putMeta(&MetaPage{ID: metaID, RootID: rootID}); err != nil {
			return nil, wrap(err, "write initial meta")
		}

		if logV("tree") {
			tl.Printf("tree %d: created empty root %d", metaID, rootID)
		}

		return t, nil
	} else if err != nil {
		return nil, wrap(err, "load meta %d", metaID)
	}

	return t, nil
}

func (t *BPlusTree) lock() error {
	if t.busy {
		return ErrBusy
	}
	t.busy = true
	return nil
}

func (t *BPlusTree) unlock() {
	t.busy = false
}

// descend walks from the root to the leaf that would hold key, building
// the explicit path stack §4.3 requires. It never mutates anything.
func (t *BPlusTree) descend(key []byte) (path, error) {
	meta, err := t.store.getMeta(t.metaID)
	if err != nil {
		return nil, wrap(err, "load meta %d", t.metaID)
	}

	var p path
	id := meta.RootID

	for {
		page, err := t.store.getPage(id)
		if err != nil {
			return nil, wrap(err, "load page %d", id)
		}

		idx, found, err := page.ChildIndex(key)
		if err != nil {
			return nil, err
		}

		p = append(p, pathElem{page: page, index: idx, found: found})

		if page.IsLeaf {
			return p, nil
		}

		id = page.ChildPageID(idx, found)
	}
}

// Find returns the value stored under key, or ErrNotFound.
func (t *BPlusTree) Find(key []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrKeyInvalid
	}

	p, err := t.descend(key)
	if err != nil {
		return nil, err
	}

	last := p[len(p)-1]
	if !last.found {
		return nil, ErrNotFound
	}

	return last.page.Entries[last.index].Value, nil
}

// FindNext returns the smallest stored (key, value) pair with a key
// greater than or equal to key — a "ceiling" lookup, §4.3's only
// supported form of range access, deliberately short of a general scan
// (Non-goal). It returns ErrNotFound only when key exceeds every stored
// key.
func (t *BPlusTree) FindNext(key []byte) (nextKey, value []byte, err error) {
	if key == nil {
		return nil, nil, ErrKeyInvalid
	}

	p, err := t.descend(key)
	if err != nil {
		return nil, nil, err
	}

	last := p[len(p)-1]
	leaf := last.page

	if last.found {
		e := leaf.Entries[last.index]
		return e.Key, e.Value, nil
	}

	idx := last.index

	if idx < len(leaf.Entries) {
		e := leaf.Entries[idx]
		return e.Key, e.Value, nil
	}

	// The leaf is exhausted: walk up the path looking for the nearest
	// ancestor with an unvisited right sibling, then descend that
	// sibling's leftmost spine down to its first leaf.
	for depth := len(p) - 1; depth > 0; depth-- {
		parent, childIdx, ok := p.parentOf(depth)
		if !ok {
			break
		}

		if childIdx+1 >= len(parent.Pointers) {
			continue
		}

		id := parent.Pointers[childIdx+1].PageID
		for {
			page, err := t.store.getPage(id)
			if err != nil {
				return nil, nil, wrap(err, "load page %d", id)
			}

			if page.IsLeaf {
				if len(page.Entries) == 0 {
					return nil, nil, wrap(ErrCorrupt, "empty leaf %d on right spine", id)
				}
				e := page.Entries[0]
				return e.Key, e.Value, nil
			}

			if len(page.Pointers) == 0 {
				return nil, nil, wrap(ErrCorrupt, "empty internal page %d on right spine", id)
			}
			id = page.Pointers[0].PageID
		}
	}

	return nil, nil, ErrNotFound
}

// Add inserts or overwrites key -> value. §4.3.
func (t *BPlusTree) Add(key, value []byte) error {
	if key == nil {
		return ErrKeyInvalid
	}
	if err := t.lock(); err != nil {
		return err
	}
	defer t.unlock()

	p, err := t.descend(key)
	if err != nil {
		return err
	}

	leaf := p[len(p)-1].page
	if err := leaf.UpsertEntry(key, value); err != nil {
		return err
	}

	return t.storePage(p, len(p)-1)
}

// Delete removes key, reporting whether it was present.
func (t *BPlusTree) Delete(key []byte) (ok bool, err error) {
	if key == nil {
		return false, ErrKeyInvalid
	}
	if err := t.lock(); err != nil {
		return false, err
	}
	defer t.unlock()

	p, err := t.descend(key)
	if err != nil {
		return false, err
	}

	leaf := p[len(p)-1].page
	_, ok, err = leaf.DeleteEntry(key)
	if err != nil || !ok {
		return ok, err
	}

	return true, t.storeOrUnderflow(p, len(p)-1)
}

// storePage is the §4.3 store_page dispatch: write the page, and if it
// grew past max_page_size, split it and recurse one level up (allocating
// a new root if the split reaches the top).
func (t *BPlusTree) storePage(p path, depth int) error {
	page := p[depth].page
	enc := encodedPageLen(page)

	if !needsSplit(enc, t.maxPageSize) {
		return t.store.putPage(page)
	}

	rightID, err := t.store.allocID()
	if err != nil {
		return wrap(err, "allocate split sibling")
	}

	right, promoted, err := page.split(rightID)
	if err != nil {
		return err
	}

	if err := t.store.putPage(page); err != nil {
		return wrap(err, "write left split page %d", page.ID)
	}
	if err := t.store.putPage(right); err != nil {
		return wrap(err, "write right split page %d", right.ID)
	}

	if logV("tree,split") {
		tl.Printf("tree %d: split page %d -> %d,%d at %q", t.metaID, page.ID, page.ID, right.ID, promoted)
	}

	if depth == 0 {
		return t.newRoot(page.ID, promoted, right.ID)
	}

	parent, childIdx, ok := p.parentOf(depth)
	if !ok {
		return wrap(ErrCorrupt, "split at depth %d has no parent", depth)
	}

	ins := Pointer{Separator: parent.Pointers[childIdx].Separator, PageID: right.ID}
	parent.Pointers[childIdx] = Pointer{Separator: promoted, PageID: page.ID}
	parent.Pointers = append(parent.Pointers, Pointer{})
	copy(parent.Pointers[childIdx+2:], parent.Pointers[childIdx+1:])
	parent.Pointers[childIdx+1] = ins

	return t.storePage(p, depth-1)
}

// newRoot allocates a fresh internal root over left and right when a
// split reaches the top of the tree.
func (t *BPlusTree) newRoot(leftID uint64, sep []byte, rightID uint64) error {
	meta, err := t.store.getMeta(t.metaID)
	if err != nil {
		return wrap(err, "load meta %d", t.metaID)
	}

	rootID, err := t.store.allocID()
	if err != nil {
		return wrap(err, "allocate new root")
	}

	root := newDataPage(rootID, false, t.cmp, t.keyCodec, t.valueCodec)
	root.Pointers = []Pointer{
		{Separator: sep, PageID: leftID},
		{Separator: nil, PageID: rightID},
	}

	if err := t.store.putPage(root); err != nil {
		return wrap(err, "write new root %d", rootID)
	}

	meta.RootID = rootID
	return t.store.putMeta(meta)
}

// storeOrUnderflow writes the modified leaf back, then — if it fell below
// the minimum fill ratio — rebalances it against a sibling or merges,
// propagating the change up the path. §4.3 Delete/Rebalance.
func (t *BPlusTree) storeOrUnderflow(p path, depth int) error {
	page := p[depth].page

	if depth == 0 {
		return t.storeRootAfterDelete(page)
	}

	if !belowFillRatio(page, t.maxPageSize, t.fillFactor) {
		return t.store.putPage(page)
	}

	return t.underflow(p, depth)
}

// storeRootAfterDelete handles the root specially: it has no siblings to
// rebalance against. An internal root reduced to one pointer collapses
// into its sole child; anything else is written as-is even if sparse.
func (t *BPlusTree) storeRootAfterDelete(root *DataPage) error {
	if root.IsLeaf || len(root.Pointers) > 1 {
		return t.store.putPage(root)
	}

	meta, err := t.store.getMeta(t.metaID)
	if err != nil {
		return wrap(err, "load meta %d", t.metaID)
	}

	childID := root.Pointers[0].PageID
	meta.RootID = childID

	if err := t.store.putMeta(meta); err != nil {
		return wrap(err, "collapse root to %d", childID)
	}

	return t.store.freeID(root.ID)
}

// underflow implements §4.3 Rebalance: pick a sibling via the parent,
// move elements across the boundary while the donor can spare them, or
// fall back to a merge and recurse the resulting pointer removal upward.
func (t *BPlusTree) underflow(p path, depth int) error {
	page := p[depth].page
	parent, childIdx, ok := p.parentOf(depth)
	if !ok {
		return wrap(ErrCorrupt, "underflow at depth %d has no parent", depth)
	}

	var siblingIdx int
	var lowerIdx, upperIdx int
	if childIdx+1 < len(parent.Pointers) {
		siblingIdx = childIdx + 1
		lowerIdx, upperIdx = childIdx, siblingIdx
	} else {
		siblingIdx = childIdx - 1
		lowerIdx, upperIdx = siblingIdx, childIdx
	}

	siblingID := parent.Pointers[siblingIdx].PageID
	sibling, err := t.store.getPage(siblingID)
	if err != nil {
		return wrap(err, "load sibling page %d", siblingID)
	}

	var lower, upper *DataPage
	if lowerIdx == childIdx {
		lower, upper = page, sibling
	} else {
		lower, upper = sibling, page
	}

	parentSep := parent.Pointers[lowerIdx].Separator

	// sibling is always the donor candidate; page is the underflowing one.
	// Borrow one element at a time, re-checking both pages after each
	// move, since a single borrow can leave the donor itself below the
	// fill ratio (it started exactly at the threshold) or leave page
	// still below it (the entry that underflowed it was large). Fold the
	// two together the moment the donor can no longer spare an element.
	for belowFillRatio(page, t.maxPageSize, t.fillFactor) {
		if belowFillRatio(sibling, t.maxPageSize, t.fillFactor) {
			return t.mergeAndPropagate(p, depth, parent, lowerIdx, upperIdx, lower, upper, parentSep)
		}

		var newSep []byte
		if lowerIdx == childIdx {
			newSep, err = moveHeadToLowerTail(lower, upper, parentSep)
		} else {
			newSep, err = moveTailToUpperHead(lower, upper, parentSep)
		}
		if err != nil {
			return err
		}

		parentSep = newSep
	}

	parent.Pointers[lowerIdx].Separator = parentSep

	if err := t.store.putPage(lower); err != nil {
		return wrap(err, "write rebalanced page %d", lower.ID)
	}
	if err := t.store.putPage(upper); err != nil {
		return wrap(err, "write rebalanced page %d", upper.ID)
	}

	return t.storeOrUnderflow(p[:depth], depth-1)
}

func (t *BPlusTree) mergeAndPropagate(p path, depth int, parent *DataPage, lowerIdx, upperIdx int, lower, upper *DataPage, parentSep []byte) error {
	if err := mergeInto(lower, upper, parentSep); err != nil {
		return err
	}

	if err := t.store.putPage(upper); err != nil {
		return wrap(err, "write merged page %d", upper.ID)
	}
	if err := t.store.freeID(lower.ID); err != nil {
		return wrap(err, "free merged page %d", lower.ID)
	}

	parent.Pointers[upperIdx].PageID = upper.ID
	parent.Pointers = append(parent.Pointers[:lowerIdx], parent.Pointers[lowerIdx+1:]...)

	if logV("tree,merge") {
		tl.Printf("tree %d: merged page %d into %d", t.metaID, lower.ID, upper.ID)
	}

	return t.storeOrUnderflow(p[:depth], depth-1)
}
