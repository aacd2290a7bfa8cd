package bptree

import (
	"encoding/binary"
	"sort"
)

type (
	// Entry is a leaf key/value pair. A present entry with a nil Value
	// is a stored null, distinct from no entry at all — §4.3's Open
	// Question 2 (array membership is the presence signal, not the
	// value's nilness).
	Entry struct {
		Key   []byte
		Value []byte
	}

	// Pointer is an internal page slot: a child page id and a separator
	// that is the exclusive upper bound of that child's keys (and the
	// lower bound of the next child's). The last Pointer of every internal page
	// has Separator == nil, meaning "keys >= the preceding separator".
	Pointer struct {
		Separator []byte
		PageID    uint64
	}

	// DataPage is the decoded, in-memory form of a B+ tree node:
	// either a leaf holding Entries, or an internal page holding
	// Pointers. Grounded on the teacher's KVLayout (page.go), adapted
	// from a shared byte buffer with offset bookkeeping to an owned
	// slice of typed elements — §3 rules out cross-page in-memory
	// pointers, and owned slices make that easy to keep without a
	// shared-buffer layout to smuggle a reference through.
	DataPage struct {
		ID       uint64
		IsLeaf   bool
		Entries  []Entry
		Pointers []Pointer

		cmp        Comparator
		keyCodec   Codec
		valueCodec Codec
	}
)

func newDataPage(id uint64, isLeaf bool, cmp Comparator, kc, vc Codec) *DataPage {
	return &DataPage{ID: id, IsLeaf: isLeaf, cmp: cmp, keyCodec: kc, valueCodec: vc}
}

// axisLen and keyAt let ChildIndex binary-search the same way over a
// leaf's entries or an internal page's non-null separator prefix.
func (p *DataPage) axisLen() int {
	if p.IsLeaf {
		return len(p.Entries)
	}
	return len(p.Pointers) - 1
}

func (p *DataPage) keyAt(i int) []byte {
	if p.IsLeaf {
		return p.Entries[i].Key
	}
	return p.Pointers[i].Separator
}

// ChildIndex is §4.2's binary search: for a leaf it searches entry keys,
// for an internal page it searches the non-null separator prefix. Empty
// pages return (0, false).
func (p *DataPage) ChildIndex(key []byte) (int, bool, error) {
	if key == nil {
		return 0, false, ErrKeyInvalid
	}

	n := p.axisLen()
	idx := sort.Search(n, func(i int) bool {
		return p.cmp(key, p.keyAt(i)) <= 0
	})
	found := idx < n && p.cmp(key, p.keyAt(idx)) == 0

	return idx, found, nil
}

// UpsertEntry must be called on a leaf: overwrite in place if found,
// otherwise insert at index. §4.2.
func (p *DataPage) UpsertEntry(key, value []byte) error {
	if !p.IsLeaf {
		return wrap(ErrCorrupt, "UpsertEntry on internal page %d", p.ID)
	}

	idx, found, err := p.ChildIndex(key)
	if err != nil {
		return err
	}

	if found {
		p.Entries[idx].Value = value
		return nil
	}

	p.Entries = append(p.Entries, Entry{})
	copy(p.Entries[idx+1:], p.Entries[idx:])
	p.Entries[idx] = Entry{Key: key, Value: value}

	return nil
}

// DeleteEntry is leaf-only: removes and returns the old value, or reports
// absent. §4.2.
func (p *DataPage) DeleteEntry(key []byte) (value []byte, ok bool, err error) {
	if !p.IsLeaf {
		return nil, false, wrap(ErrCorrupt, "DeleteEntry on internal page %d", p.ID)
	}

	idx, found, err := p.ChildIndex(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	value = p.Entries[idx].Value
	p.Entries = append(p.Entries[:idx], p.Entries[idx+1:]...)

	return value, true, nil
}

// ChildPageID resolves descent at an internal page per §4.3: the index is
// nudged right of the separator on an exact match, so equal keys always
// fall into the right subtree.
func (p *DataPage) ChildPageID(idx int, found bool) uint64 {
	if found {
		idx++
	}
	return p.Pointers[idx].PageID
}

// EncodeBody writes the Data-page body: [is_leaf, count, elements...].
// Grounded on page.go's slotted layout, generalized to varint-prefixed
// self-delimited elements rather than fixed-width offset tables, since
// DataPage no longer shares one buffer with neighboring slots.
func (p *DataPage) EncodeBody() []byte {
	if p.IsLeaf {
		return p.encodeLeafBody()
	}
	return p.encodeInternalBody()
}

func (p *DataPage) encodeLeafBody() []byte {
	size := 1 + binary.MaxVarintLen64
	for _, e := range p.Entries {
		size += p.keyCodec.Size(e.Key) + p.valueCodec.Size(e.Value)
	}

	buf := make([]byte, size)
	buf[0] = 1
	n := 1
	n += binary.PutUvarint(buf[n:], uint64(len(p.Entries)))

	for _, e := range p.Entries {
		n += p.keyCodec.Encode(e.Key, buf[n:])
		n += p.valueCodec.Encode(e.Value, buf[n:])
	}

	return buf[:n]
}

func (p *DataPage) encodeInternalBody() []byte {
	size := 1 + binary.MaxVarintLen64
	for _, pt := range p.Pointers {
		size += 1 + binary.MaxVarintLen64
		if pt.Separator != nil {
			size += p.keyCodec.Size(pt.Separator)
		}
	}

	buf := make([]byte, size)
	buf[0] = 0
	n := 1
	n += binary.PutUvarint(buf[n:], uint64(len(p.Pointers)))

	for _, pt := range p.Pointers {
		if pt.Separator == nil {
			buf[n] = 0
			n++
		} else {
			buf[n] = 1
			n++
			n += p.keyCodec.Encode(pt.Separator, buf[n:])
		}
		n += binary.PutUvarint(buf[n:], pt.PageID)
	}

	return buf[:n]
}

// decodeDataPageBody parses a Data page body into a DataPage, rejecting
// structurally impossible shapes (§7: Corrupt).
func decodeDataPageBody(id uint64, body []byte, cmp Comparator, kc, vc Codec) (*DataPage, error) {
	if len(body) < 1 {
		return nil, wrap(ErrCorrupt, "page %d: empty data body", id)
	}

	p := newDataPage(id, body[0] != 0, cmp, kc, vc)
	body = body[1:]

	count, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, wrap(ErrCorrupt, "page %d: malformed element count", id)
	}
	body = body[n:]

	if p.IsLeaf {
		p.Entries = make([]Entry, count)
		for i := range p.Entries {
			k, n, err := kc.Decode(body)
			if err != nil {
				return nil, wrap(err, "page %d: decode entry %d key", id, i)
			}
			body = body[n:]

			v, n, err := vc.Decode(body)
			if err != nil {
				return nil, wrap(err, "page %d: decode entry %d value", id, i)
			}
			body = body[n:]

			p.Entries[i] = Entry{Key: k, Value: v}
		}
	} else {
		p.Pointers = make([]Pointer, count)
		for i := range p.Pointers {
			if len(body) < 1 {
				return nil, wrap(ErrCorrupt, "page %d: truncated pointer %d", id, i)
			}
			hasSep := body[0] != 0
			body = body[1:]

			var sep []byte
			if hasSep {
				k, n, err := kc.Decode(body)
				if err != nil {
					return nil, wrap(err, "page %d: decode pointer %d separator", id, i)
				}
				body = body[n:]
				sep = k
			}

			pid, n := binary.Uvarint(body)
			if n <= 0 {
				return nil, wrap(ErrCorrupt, "page %d: malformed pointer %d page id", id, i)
			}
			body = body[n:]

			p.Pointers[i] = Pointer{Separator: sep, PageID: pid}
		}

		if len(p.Pointers) < 2 {
			return nil, wrap(ErrCorrupt, "page %d: internal page with %d pointers", id, len(p.Pointers))
		}
		if p.Pointers[len(p.Pointers)-1].Separator != nil {
			return nil, wrap(ErrCorrupt, "page %d: last pointer has non-null separator", id)
		}
		for i := 0; i < len(p.Pointers)-1; i++ {
			if p.Pointers[i].Separator == nil {
				return nil, wrap(ErrCorrupt, "page %d: null separator before the last pointer", id)
			}
		}
	}

	return p, nil
}

// split implements §4.3 Split: midpoint by element count and a fresh right
// page holding the upper half. For internal splits the midpoint pointer's
// separator is promoted, its child becomes the left page's trailing
// null-separated pointer, and the right page takes the pointers after it
// unchanged.
func (p *DataPage) split(rightID uint64) (right *DataPage, promotedKey []byte, err error) {
	right = newDataPage(rightID, p.IsLeaf, p.cmp, p.keyCodec, p.valueCodec)

	if p.IsLeaf {
		mid := len(p.Entries) / 2
		promotedKey = p.Entries[mid].Key

		right.Entries = append(right.Entries, p.Entries[mid:]...)
		p.Entries = p.Entries[:mid:mid]

		return right, promotedKey, nil
	}

	mid := (len(p.Pointers) - 1) / 2
	promotedKey = p.Pointers[mid].Separator
	if promotedKey == nil {
		return nil, nil, wrap(ErrCorrupt, "page %d: split midpoint has null separator", p.ID)
	}

	right.Pointers = append(right.Pointers, p.Pointers[mid+1:]...)

	p.Pointers = append(p.Pointers[:mid:mid], Pointer{Separator: nil, PageID: p.Pointers[mid].PageID})

	return right, promotedKey, nil
}

// needsSplit and needsUnderflow are the §4.3 store_page thresholds,
// evaluated against a page's full encoded length (envelope included, so
// the comparison matches what actually lands on the BlockStore).
func needsSplit(encodedLen, maxPageSize int) bool {
	return encodedLen > maxPageSize
}

func needsUnderflow(encodedLen, maxPageSize, fillFactor int) bool {
	return encodedLen < maxPageSize/fillFactor
}

// belowFillRatio reports whether a page standing alone (no path, so no
// split/underflow dispatch applies to it directly) is still under the
// minimum fill ratio — used inside the underflow rebalance loop to decide
// whether to keep moving elements or fall back to a merge.
func belowFillRatio(p *DataPage, maxPageSize, fillFactor int) bool {
	return needsUnderflow(encodedPageLen(p), maxPageSize, fillFactor)
}

// encodedPageLen is the full on-disk length of p, envelope included — the
// same quantity store_page compares against max_page_size.
func encodedPageLen(p *DataPage) int {
	body := p.EncodeBody()
	var hdr [binary.MaxVarintLen64*2 + 1]byte
	n := binary.PutUvarint(hdr[:], p.ID)
	n++
	n += binary.PutUvarint(hdr[n:], uint64(len(body)))
	return n + len(body)
}

// moveHeadToLowerTail shifts one element from the head of upper to the
// tail of lower and returns the separator that must replace parentSep in
// the parent pointer between them. §4.3 Rebalance, first direction: for
// leaves it is a plain entry move with the separator recomputed from
// upper's new head; for internals the parent separator is demoted onto
// the moved pointer and the pointer's own old separator is promoted up.
func moveHeadToLowerTail(lower, upper *DataPage, parentSep []byte) (newParentSep []byte, err error) {
	if lower.IsLeaf != upper.IsLeaf {
		return nil, wrap(ErrCorrupt, "rebalance across a leaf/internal boundary")
	}

	if lower.IsLeaf {
		if len(upper.Entries) == 0 {
			return nil, wrap(ErrCorrupt, "rebalance: upper leaf %d is empty", upper.ID)
		}

		moved := upper.Entries[0]
		upper.Entries = upper.Entries[1:]
		lower.Entries = append(lower.Entries, moved)

		if len(upper.Entries) == 0 {
			return nil, wrap(ErrCorrupt, "rebalance: upper leaf %d emptied by move", upper.ID)
		}

		return upper.Entries[0].Key, nil
	}

	if len(upper.Pointers) < 2 {
		return nil, wrap(ErrCorrupt, "rebalance: upper internal %d has %d pointers", upper.ID, len(upper.Pointers))
	}

	moved := upper.Pointers[0]
	upper.Pointers = upper.Pointers[1:]

	lower.Pointers[len(lower.Pointers)-1].Separator = parentSep
	lower.Pointers = append(lower.Pointers, Pointer{Separator: nil, PageID: moved.PageID})

	return moved.Separator, nil
}

// moveTailToUpperHead is the symmetric direction: one element from the
// tail of lower to the head of upper.
func moveTailToUpperHead(lower, upper *DataPage, parentSep []byte) (newParentSep []byte, err error) {
	if lower.IsLeaf != upper.IsLeaf {
		return nil, wrap(ErrCorrupt, "rebalance across a leaf/internal boundary")
	}

	if lower.IsLeaf {
		n := len(lower.Entries)
		if n == 0 {
			return nil, wrap(ErrCorrupt, "rebalance: lower leaf %d is empty", lower.ID)
		}

		moved := lower.Entries[n-1]
		lower.Entries = lower.Entries[:n-1]
		upper.Entries = append([]Entry{moved}, upper.Entries...)

		return moved.Key, nil
	}

	n := len(lower.Pointers)
	if n < 2 {
		return nil, wrap(ErrCorrupt, "rebalance: lower internal %d has %d pointers", lower.ID, n)
	}

	moved := lower.Pointers[n-1]
	lower.Pointers = lower.Pointers[:n-1]

	promoted := lower.Pointers[n-2].Separator
	lower.Pointers[n-2].Separator = nil

	upper.Pointers = append([]Pointer{{Separator: parentSep, PageID: moved.PageID}}, upper.Pointers...)

	return promoted, nil
}

// mergeInto folds lower into upper — the §4.3 Rebalance fallback once
// neither sibling can spare an element. lower ends up empty; the caller
// frees its page id and removes its pointer from the parent.
func mergeInto(lower, upper *DataPage, parentSep []byte) error {
	if lower.IsLeaf != upper.IsLeaf {
		return wrap(ErrCorrupt, "merge across a leaf/internal boundary")
	}

	if lower.IsLeaf {
		upper.Entries = append(lower.Entries, upper.Entries...)
		lower.Entries = nil
		return nil
	}

	if len(lower.Pointers) == 0 {
		return wrap(ErrCorrupt, "merge: lower internal %d is empty", lower.ID)
	}

	lower.Pointers[len(lower.Pointers)-1].Separator = parentSep
	upper.Pointers = append(lower.Pointers, upper.Pointers...)
	lower.Pointers = nil

	return nil
}
