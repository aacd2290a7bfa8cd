package bptree

import (
	"bytes"
	"encoding/binary"
)

type (
	// Comparator orders keys. The tree never compares a nil key; a nil
	// argument is ErrKeyInvalid before the comparator is even called.
	Comparator func(a, b []byte) int

	// Serializer is the domain codec for one value of type K or V: it
	// encodes itself into p (returning the number of bytes written) and
	// decodes itself back out of p (returning the number of bytes
	// consumed). Mirrors the teacher's own Serializer contract
	// (Serialize(p []byte) int / Deserialize(p []byte) (int, error)).
	Serializer interface {
		Serialize(p []byte) int
		Deserialize(p []byte) (int, error)
	}

	// Codec is the pair of functions the tree needs to move a key or
	// value to and from bytes: Size reports the encoded length up
	// front (so the page codec can size its buffer without a dry-run
	// encode), Encode writes into a buffer of exactly that length, and
	// Decode reads a value back out of a byte slice it does not own.
	Codec interface {
		Size(v []byte) int
		Encode(v, p []byte) int
		Decode(p []byte) ([]byte, int, error)
	}
)

// BytesCodec is the default K/V codec: raw length-prefixed []byte, ordered
// by bytes.Compare. OpenTree and OpenStorageDriver fall back to it for a nil
// Codec, and to BytesCompare for a nil Comparator.
type BytesCodec struct{}

func (BytesCodec) Size(v []byte) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], uint64(len(v))) + len(v)
}

func (BytesCodec) Encode(v, p []byte) int {
	n := binary.PutUvarint(p, uint64(len(v)))
	n += copy(p[n:], v)
	return n
}

func (BytesCodec) Decode(p []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(p)
	if n <= 0 {
		return nil, 0, wrap(ErrCorrupt, "malformed varint length")
	}

	end := n + int(l)
	if end > len(p) {
		return nil, 0, wrap(ErrCorrupt, "truncated value: want %d have %d", l, len(p)-n)
	}

	return p[n:end], end, nil
}

// BytesCompare is the default Comparator, usable directly with byte-string
// keys.
func BytesCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}
