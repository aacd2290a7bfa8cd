package bptree

import (
	"fmt"
	"io"
)

// Stats summarizes one tree's page population — the numbers the
// `stats` CLI subcommand prints.
type Stats struct {
	Pages     int
	Leaves    int
	Internals int
	Entries   int
	Depth     int
}

// DumpTree writes a recursive, indented page-by-page walk of the tree
// anchored at metaID to w. Grounded on the teacher's debug.go
// (DebugDump/debugDump), generalized from an offset-addressed single
// file to driver-mediated ids since there is no parent pointer or
// sibling chain to follow implicitly.
func DumpTree(d *StorageDriver, metaID uint64, w io.Writer) error {
	meta, err := d.GetMetadata(metaID)
	if err != nil {
		return wrap(err, "dump: load meta %d", metaID)
	}

	fmt.Fprintf(w, "meta %d: root %d\n", meta.ID, meta.RootID)

	return dumpPage(d, meta.RootID, 0, w)
}

func dumpPage(d *StorageDriver, id uint64, depth int, w io.Writer) error {
	page, err := d.Get(id)
	if err != nil {
		return wrap(err, "dump: load page %d", id)
	}

	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}

	if page.IsLeaf {
		fmt.Fprintf(w, "%sleaf %d: %d entries\n", indent, page.ID, len(page.Entries))
		for _, e := range page.Entries {
			fmt.Fprintf(w, "%s  %q -> %q\n", indent, e.Key, e.Value)
		}

		return nil
	}

	fmt.Fprintf(w, "%sinternal %d: %d pointers\n", indent, page.ID, len(page.Pointers))

	for _, ptr := range page.Pointers {
		if ptr.Separator != nil {
			fmt.Fprintf(w, "%s  separator %q\n", indent, ptr.Separator)
		}

		if err := dumpPage(d, ptr.PageID, depth+1, w); err != nil {
			return err
		}
	}

	return nil
}

// CollectStats walks the tree anchored at metaID and tallies it into a
// Stats value, without printing anything — the backing data for the
// `stats` CLI subcommand.
func CollectStats(d *StorageDriver, metaID uint64) (Stats, error) {
	meta, err := d.GetMetadata(metaID)
	if err != nil {
		return Stats{}, wrap(err, "stats: load meta %d", metaID)
	}

	var s Stats
	if err := collectPageStats(d, meta.RootID, 1, &s); err != nil {
		return Stats{}, err
	}

	return s, nil
}

func collectPageStats(d *StorageDriver, id uint64, depth int, s *Stats) error {
	page, err := d.Get(id)
	if err != nil {
		return wrap(err, "stats: load page %d", id)
	}

	s.Pages++
	if depth > s.Depth {
		s.Depth = depth
	}

	if page.IsLeaf {
		s.Leaves++
		s.Entries += len(page.Entries)
		return nil
	}

	s.Internals++

	for _, ptr := range page.Pointers {
		if err := collectPageStats(d, ptr.PageID, depth+1, s); err != nil {
			return err
		}
	}

	return nil
}
