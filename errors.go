package bptree

import (
	"tlog.app/go/errors"
)

var ( // error kinds
	// ErrNotFound means the key is not present in the tree. Not fatal:
	// Find and FindNext return it for an absent key; Delete reports an
	// absent key as ok == false with a nil error instead.
	ErrNotFound = errors.New("not found")

	// ErrBusy means a mutation is already in flight on this tree.
	ErrBusy = errors.New("busy")

	// ErrCorrupt means a page failed to decode, had the wrong type tag,
	// or the tree reached a structurally impossible state (empty
	// internal page, equal-length siblings on an underflow, null
	// separator where one must be non-null). Tree state after this is
	// unspecified.
	ErrCorrupt = errors.New("corrupt")

	// ErrKeyInvalid means the comparator was applied to a nil key.
	ErrKeyInvalid = errors.New("key invalid")

	// ErrBackend means the underlying BlockStore failed a read or write
	// for reasons of its own (I/O error, mmap fault, truncated file).
	// The driver wraps whatever the BlockStore returned with this kind
	// so callers can errors.Is against one stable sentinel regardless
	// of backend.
	ErrBackend = errors.New("backend error")
)

// wrap adds call-site context to err without discarding its identity for
// errors.Is. A nil err stays nil.
func wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return errors.Wrap(err, format, args...)
}
