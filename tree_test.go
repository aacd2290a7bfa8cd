package bptree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPageStore is a minimal pageStore test double: plain maps, a
// monotonic counter, and no recycling — enough to exercise BPlusTree's
// descend/split/underflow logic in isolation from StorageDriver.
type memPageStore struct {
	pages   map[uint64]*DataPage
	metas   map[uint64]*MetaPage
	counter uint64
}

func newMemPageStore() *memPageStore {
	return &memPageStore{
		pages:   map[uint64]*DataPage{},
		metas:   map[uint64]*MetaPage{},
		counter: 1,
	}
}

func (s *memPageStore) allocID() (uint64, error) {
	id := s.counter
	s.counter++
	return id, nil
}

func (s *memPageStore) freeID(id uint64) error {
	delete(s.pages, id)
	return nil
}

func (s *memPageStore) getPage(id uint64) (*DataPage, error) {
	p, ok := s.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *memPageStore) putPage(p *DataPage) error {
	s.pages[p.ID] = p
	return nil
}

func (s *memPageStore) getMeta(id uint64) (*MetaPage, error) {
	m, ok := s.metas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *memPageStore) putMeta(m *MetaPage) error {
	s.metas[m.ID] = m
	return nil
}

func openTestTree(t *testing.T, maxPageSize int) (*BPlusTree, *memPageStore) {
	store := newMemPageStore()
	tr, err := OpenTree(store, 0, BytesCompare, BytesCodec{}, BytesCodec{}, maxPageSize, 4)
	require.NoError(t, err)
	return tr, store
}

func TestTreeAddFindDelete(t *testing.T) {
	tr, _ := openTestTree(t, 256)

	require.NoError(t, tr.Add([]byte("a"), []byte("1")))
	require.NoError(t, tr.Add([]byte("b"), []byte("2")))

	v, err := tr.Find([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	_, err = tr.Find([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := tr.Delete([]byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = tr.Find([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = tr.Delete([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTreeAddOverwritesExistingKey(t *testing.T) {
	tr, _ := openTestTree(t, 256)

	require.NoError(t, tr.Add([]byte("a"), []byte("1")))
	require.NoError(t, tr.Add([]byte("a"), []byte("2")))

	v, err := tr.Find([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}

func TestTreeRejectsNilKey(t *testing.T) {
	tr, _ := openTestTree(t, 256)

	_, err := tr.Find(nil)
	assert.ErrorIs(t, err, ErrKeyInvalid)

	err = tr.Add(nil, []byte("v"))
	assert.ErrorIs(t, err, ErrKeyInvalid)

	_, err = tr.Delete(nil)
	assert.ErrorIs(t, err, ErrKeyInvalid)
}

func TestTreeFindNextOrdering(t *testing.T) {
	tr, _ := openTestTree(t, 256)

	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, tr.Add([]byte(k), []byte(k+"-v")))
	}

	k, v, err := tr.FindNext([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(k))
	assert.Equal(t, "b-v", string(v))

	k, v, err = tr.FindNext([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(k))
	assert.Equal(t, "b-v", string(v))

	k, v, err = tr.FindNext([]byte("f"))
	require.NoError(t, err)
	assert.Equal(t, "f", string(k))
	assert.Equal(t, "f-v", string(v))

	_, _, err = tr.FindNext([]byte("z"))
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestTreeManyKeysSurviveInsertAndDelete drives enough keys through a
// small max_page_size to force repeated splits, merges and rebalances,
// then checks every key is findable — and every deleted key is not —
// in sorted order via repeated FindNext walks.
func TestTreeManyKeysSurviveInsertAndDelete(t *testing.T) {
	tr, _ := openTestTree(t, 128)

	const n = 400
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, tr.Add([]byte(k), []byte(k)))
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v, err := tr.Find([]byte(k))
		require.NoError(t, err, "key %s", k)
		assert.Equal(t, k, string(v))
	}

	for i := 0; i < n; i += 2 {
		k := fmt.Sprintf("key-%04d", i)
		ok, err := tr.Delete([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, "key %s", k)
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v, err := tr.Find([]byte(k))
		if i%2 == 0 {
			assert.ErrorIs(t, err, ErrNotFound, "key %s should be gone", k)
		} else {
			require.NoError(t, err, "key %s", k)
			assert.Equal(t, k, string(v))
		}
	}

	var walked []string
	key := []byte("")
	for {
		nk, _, err := tr.FindNext(key)
		if err == ErrNotFound {
			break
		}
		require.NoError(t, err)
		walked = append(walked, string(nk))
		key = append(append([]byte{}, nk...), 0) // smallest key strictly greater than nk
	}

	for i, k := range walked {
		if i > 0 {
			assert.True(t, walked[i-1] < k, "walk not sorted at %d: %s >= %s", i, walked[i-1], k)
		}
	}
	assert.Equal(t, n/2, len(walked))
}

func TestTreeBusyLatchRejectsReentrantMutation(t *testing.T) {
	tr, _ := openTestTree(t, 256)
	tr.busy = true

	err := tr.Add([]byte("a"), []byte("1"))
	assert.ErrorIs(t, err, ErrBusy)

	_, err = tr.Delete([]byte("a"))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestTreeRootCollapseAfterMerges(t *testing.T) {
	tr, store := openTestTree(t, 96)

	const n = 60
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%03d", i)
		require.NoError(t, tr.Add([]byte(k), []byte(k)))
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%03d", i)
		ok, err := tr.Delete([]byte(k))
		require.NoError(t, err)
		require.True(t, ok)
	}

	meta, err := store.getMeta(0)
	require.NoError(t, err)

	root, err := store.getPage(meta.RootID)
	require.NoError(t, err)
	assert.True(t, root.IsLeaf)
	assert.Empty(t, root.Entries)
}
