package bptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesCodecRoundTrip(t *testing.T) {
	var c BytesCodec

	for _, v := range [][]byte{nil, {}, []byte("x"), []byte("hello, world"), make([]byte, 300)} {
		size := c.Size(v)
		buf := make([]byte, size)

		n := c.Encode(v, buf)
		require.Equal(t, size, n)

		got, consumed, err := c.Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, size, consumed)
		assert.Equal(t, len(v), len(got))
	}
}

func TestBytesCodecDecodeTruncated(t *testing.T) {
	var c BytesCodec

	buf := make([]byte, c.Size([]byte("hello")))
	c.Encode([]byte("hello"), buf)

	_, _, err := c.Decode(buf[:2])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBytesCompareOrdering(t *testing.T) {
	assert.True(t, BytesCompare([]byte("a"), []byte("b")) < 0)
	assert.True(t, BytesCompare([]byte("b"), []byte("a")) > 0)
	assert.Equal(t, 0, BytesCompare([]byte("a"), []byte("a")))
}
