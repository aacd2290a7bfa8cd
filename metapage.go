package bptree

import "encoding/binary"

// MetaPage is the one-cell record that anchors a tree: its own page id
// and the id of its current root Data page. Grounded on xrain.go's Meta,
// reduced from a whole-database header (page size, freelist head, commit
// sequence) to the single (id, root_id) cell §3 names, since those other
// fields now live in StorageDriver or are implicit in the BlockStore.
type MetaPage struct {
	ID     uint64
	RootID uint64
}

func (m *MetaPage) EncodeBody() []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, m.RootID)
	return buf[:n]
}

func decodeMetaPageBody(id uint64, body []byte) (*MetaPage, error) {
	root, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, wrap(ErrCorrupt, "page %d: malformed meta root id", id)
	}

	return &MetaPage{ID: id, RootID: root}, nil
}
