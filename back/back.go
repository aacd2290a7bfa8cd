package back

import "io"

type (
	Back interface {
		Open(off, size int64, flags int) (Page, error)

		Delete(off, size int64) error

		// Sync flushes any buffered writes to stable storage.
		Sync() error

		// Close releases the backing store.
		Close() error
	}

	Page interface {
		io.Reader
		io.ReaderAt

		io.Writer
		io.WriterAt

		io.Closer
	}
)
