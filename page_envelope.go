package bptree

import (
	"encoding/binary"

	"github.com/nikandfor/hacked/low"
)

// Page type tags, §6: every page on disk is encode(id, type_tag, body).
const (
	TagData byte = 1
	TagMeta byte = 2
	TagFree byte = 3
)

// envelope is the self-delimited three-slot wrapper every page shares:
// id, type tag, then a length-prefixed body. Grounded on serialize.go's
// tag-prefixed Serialize/Deserialize pair, generalized from a
// name-string registry to a fixed byte tag since the page codec only ever
// has three variants to tell apart.
type envelope struct {
	id   uint64
	tag  byte
	body []byte
}

// encodeEnvelope serializes e into buf, a low.Buf staging buffer that
// encodeEnvelope resets before writing, mirroring the teacher's use of low.Buf as the
// encode-side scratch space in lsm.go ahead of a block write.
func encodeEnvelope(buf *low.Buf, e envelope) []byte {
	*buf = (*buf)[:0]

	var hdr [binary.MaxVarintLen64*2 + 1]byte
	n := binary.PutUvarint(hdr[:], e.id)
	hdr[n] = e.tag
	n++
	n += binary.PutUvarint(hdr[n:], uint64(len(e.body)))

	buf.Write(hdr[:n])
	buf.Write(e.body)

	return *buf
}

// decodeEnvelope parses the three-slot wrapper out of p. It does not
// validate the tag against a caller expectation; see decodeEnvelopeAs for
// that.
func decodeEnvelope(p []byte) (envelope, error) {
	id, n := binary.Uvarint(p)
	if n <= 0 {
		return envelope{}, wrap(ErrCorrupt, "malformed page id varint")
	}
	p = p[n:]

	if len(p) < 1 {
		return envelope{}, wrap(ErrCorrupt, "page truncated before type tag")
	}
	tag := p[0]
	p = p[1:]

	bl, n := binary.Uvarint(p)
	if n <= 0 {
		return envelope{}, wrap(ErrCorrupt, "malformed body length varint")
	}
	p = p[n:]

	if uint64(len(p)) < bl {
		return envelope{}, wrap(ErrCorrupt, "page body truncated: want %d have %d", bl, len(p))
	}

	return envelope{id: id, tag: tag, body: p[:bl]}, nil
}

// decodeEnvelopeAs decodes p and rejects it unless its tag is want —
// §4.1's "decoding must reject a page whose type tag does not match the
// caller's expectation".
func decodeEnvelopeAs(p []byte, want byte) (envelope, error) {
	e, err := decodeEnvelope(p)
	if err != nil {
		return envelope{}, err
	}

	if e.tag != want {
		return envelope{}, wrap(ErrCorrupt, "page %d: expected tag %d, got %d", e.id, want, e.tag)
	}

	return e, nil
}
