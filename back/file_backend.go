package back

import (
	"os"
	"syscall"
	"unsafe"

	"tlog.app/go/errors"
)

// MmapBack is a Back over one growable local file, the whole of which is
// kept mapped into memory. Grounded on the teacher's mmap_back.go:
// truncate the file to grow it, remap, and hand out *MmapPage windows
// that read and write the mapped slice directly.
type MmapBack struct {
	f *os.File
	d []byte
}

// OpenMmapBack opens (creating if needed) the file at path and maps its
// current contents. size is the minimum initial mapping length (a larger
// existing file is mapped whole); Open grows the mapping on demand as
// higher offsets are requested.
func OpenMmapBack(path string, size int64) (*MmapBack, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open %s", path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat %s", path)
	}
	if st.Size() > size {
		size = st.Size()
	}

	b := &MmapBack{f: f}

	if err := b.ensure(size); err != nil {
		f.Close()
		return nil, err
	}

	return b, nil
}

// ensure grows the file and remaps it if sz exceeds the current mapping.
func (b *MmapBack) ensure(sz int64) error {
	if int64(len(b.d)) >= sz {
		return nil
	}

	if err := b.f.Truncate(sz); err != nil {
		return errors.Wrap(err, "truncate to %d", sz)
	}

	if b.d != nil {
		if err := syscall.Munmap(b.d); err != nil {
			return errors.Wrap(err, "munmap")
		}
	}

	d, err := syscall.Mmap(int(b.f.Fd()), 0, int(sz), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "mmap %d bytes", sz)
	}

	b.d = d

	return nil
}

func (b *MmapBack) Open(off, size int64, flags int) (Page, error) {
	if err := b.ensure(off + size); err != nil {
		return nil, err
	}

	return &MmapPage{b: b, off: off, size: size}, nil
}

// Delete is a no-op beyond bookkeeping elsewhere: a single growable
// mapped file cannot reclaim an interior range without rewriting
// everything after it, so the caller (StorageDriver's recycling
// allocator) is what actually makes the bytes available for reuse.
func (b *MmapBack) Delete(off, size int64) error {
	return nil
}

func (b *MmapBack) Sync() error {
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&b.d[0])), uintptr(len(b.d)), syscall.MS_SYNC)
	if errno != 0 {
		return errors.Wrap(errno, "msync")
	}

	return nil
}

func (b *MmapBack) Close() error {
	if b.d != nil {
		if err := syscall.Munmap(b.d); err != nil {
			return errors.Wrap(err, "munmap")
		}
		b.d = nil
	}

	return b.f.Close()
}

// MmapPage is a fixed [off, off+size) window into the backing mapping.
type MmapPage struct {
	b    *MmapBack
	off  int64
	size int64
	pos  int64
}

func (p *MmapPage) Read(buf []byte) (int, error) {
	n, err := p.ReadAt(buf, p.pos)
	p.pos += int64(n)
	return n, err
}

func (p *MmapPage) ReadAt(buf []byte, off int64) (int, error) {
	if off >= p.size {
		return 0, errors.Wrap(os.ErrInvalid, "read past window end")
	}

	n := copy(buf, p.b.d[p.off+off:p.off+p.size])

	return n, nil
}

func (p *MmapPage) Write(buf []byte) (int, error) {
	n, err := p.WriteAt(buf, p.pos)
	p.pos += int64(n)
	return n, err
}

func (p *MmapPage) WriteAt(buf []byte, off int64) (int, error) {
	if off+int64(len(buf)) > p.size {
		return 0, errors.Wrap(os.ErrInvalid, "write past window end")
	}

	n := copy(p.b.d[p.off+off:p.off+p.size], buf)

	return n, nil
}

func (p *MmapPage) Close() error {
	return nil
}
