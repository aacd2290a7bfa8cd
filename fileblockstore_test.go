package bptree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestFileBlockStore(t *testing.T, maxPageSize int) *FileBlockStore {
	path := filepath.Join(t.TempDir(), "blocks.db")

	f, err := OpenFileBlockStore(path, maxPageSize)
	require.NoError(t, err)

	t.Cleanup(func() { f.Close() })

	return f
}

func TestFileBlockStorePutGetRoundTrip(t *testing.T) {
	f := openTestFileBlockStore(t, 256)

	require.NoError(t, f.Put(3, []byte("hello")))
	require.NoError(t, f.Put(7, []byte("world, a bit longer")))

	got, err := f.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = f.Get(7)
	require.NoError(t, err)
	assert.Equal(t, "world, a bit longer", string(got))
}

func TestFileBlockStoreGetMissingIsNotFound(t *testing.T) {
	f := openTestFileBlockStore(t, 256)

	_, err := f.Get(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBlockStorePutRejectsOversizedPage(t *testing.T) {
	f := openTestFileBlockStore(t, 8)

	err := f.Put(1, make([]byte, 9))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileBlockStoreSlotsGrowPastInitialMapping(t *testing.T) {
	f := openTestFileBlockStore(t, 64)

	// fileBlockStoreInitialSlots is 64; id 200 forces MmapBack to grow
	// its mapping well past the initial size.
	require.NoError(t, f.Put(200, []byte("far slot")))

	got, err := f.Get(200)
	require.NoError(t, err)
	assert.Equal(t, "far slot", string(got))
}

func TestFileBlockStoreGeneratorSeesEveryWrittenID(t *testing.T) {
	f := openTestFileBlockStore(t, 64)

	ids := []uint64{0, 2, 5, 9}
	for _, id := range ids {
		require.NoError(t, f.Put(id, []byte(fmt.Sprintf("v%d", id))))
	}

	gen, err := f.Generator()
	require.NoError(t, err)

	found := map[uint64]bool{}
	for gen.Next() {
		id, _ := gen.Block()
		found[id] = true
	}
	require.NoError(t, gen.Err())

	for _, id := range ids {
		assert.True(t, found[id], "generator missed id %d", id)
	}
}

func TestFileBlockStoreOptionsReflectNoInternalDelete(t *testing.T) {
	f := openTestFileBlockStore(t, 64)

	opts := f.Options()
	assert.False(t, opts.SupportsInternalDelete)
	assert.Equal(t, 64, opts.MaxPageSize)
}
