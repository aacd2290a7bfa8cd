package bptree

// FreePage is written in place of a freed page's slot: a single boolean
// latch recording whether the allocator has committed to reissuing this
// id but has not yet removed it from the free-map. Grounded on
// freelist_3.go's detached design, reduced to the one-cell record §3/§6
// name — the pending queue itself lives in memory only (StorageDriver's
// pending field), not in this page; a crash loses it and leaks the id,
// which is acceptable per the Non-goals (never double-allocated, only
// ever leaked).
type FreePage struct {
	ID       uint64
	Detached bool
}

func (f *FreePage) EncodeBody() []byte {
	buf := make([]byte, 1)
	if f.Detached {
		buf[0] = 1
	}
	return buf
}

func decodeFreePageBody(id uint64, body []byte) (*FreePage, error) {
	if len(body) < 1 {
		return nil, wrap(ErrCorrupt, "page %d: empty free body", id)
	}

	return &FreePage{ID: id, Detached: body[0] != 0}, nil
}
