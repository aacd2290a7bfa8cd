// +build linux darwin

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/nikandfor/bptree"
	"github.com/nikandfor/cli"
	"github.com/nikandfor/tlog"
)

func main() {
	cli.App = cli.Command{
		Name:   "bptreectl",
		Before: before,
		Flags: []*cli.Flag{
			cli.NewFlag("verbocity,v", "", "tlog verbocity topics"),
			cli.NewFlag("detailed,vv", false, "detailed log"),
			cli.HelpFlag,
			cli.FlagfileFlag,
		},
		Commands: []*cli.Command{{
			Name:   "dump",
			Action: dump,
			Flags: []*cli.Flag{
				cli.NewFlag("file,f", "", "block store file"),
				cli.NewFlag("page-size,ps", "4096", "max page size"),
				cli.NewFlag("meta,m", "0", "meta page id to dump"),
			},
		}, {
			Name:   "stats",
			Action: stats,
			Flags: []*cli.Flag{
				cli.NewFlag("file,f", "", "block store file"),
				cli.NewFlag("page-size,ps", "4096", "max page size"),
				cli.NewFlag("meta,m", "0", "meta page id to summarize"),
			},
		}, {
			Name:   "freelist",
			Action: freelist,
			Flags: []*cli.Flag{
				cli.NewFlag("file,f", "", "block store file"),
				cli.NewFlag("page-size,ps", "4096", "max page size"),
			},
		}},
	}

	cli.RunAndExit(os.Args)
}

func before(c *cli.Command) error {
	if c.Bool("vv") {
		tlog.DefaultLogger = tlog.New(tlog.NewConsoleWriter(tlog.Stderr, tlog.LdetFlags))
	}

	tlog.SetFilter(c.String("v"))
	bptree.SetLogger(tlog.DefaultLogger)

	return nil
}

func openDriver(c *cli.Command) (*bptree.StorageDriver, error) {
	pageSize, err := strconv.Atoi(c.String("page-size"))
	if err != nil {
		return nil, err
	}

	bs, err := bptree.OpenFileBlockStore(c.String("file"), pageSize)
	if err != nil {
		return nil, err
	}

	return bptree.OpenStorageDriver(bs, nil, nil, nil, 0)
}

func metaID(c *cli.Command) (uint64, error) {
	return strconv.ParseUint(c.String("meta"), 10, 64)
}

func dump(c *cli.Command) error {
	d, err := openDriver(c)
	if err != nil {
		return err
	}

	id, err := metaID(c)
	if err != nil {
		return err
	}

	return bptree.DumpTree(d, id, os.Stdout)
}

func stats(c *cli.Command) error {
	d, err := openDriver(c)
	if err != nil {
		return err
	}

	id, err := metaID(c)
	if err != nil {
		return err
	}

	s, err := bptree.CollectStats(d, id)
	if err != nil {
		return err
	}

	fmt.Printf("pages      %6d\n", s.Pages)
	fmt.Printf("leaves     %6d\n", s.Leaves)
	fmt.Printf("internals  %6d\n", s.Internals)
	fmt.Printf("entries    %6d\n", s.Entries)
	fmt.Printf("depth      %6d\n", s.Depth)

	return nil
}

func freelist(c *cli.Command) error {
	d, err := openDriver(c)
	if err != nil {
		return err
	}

	it, err := d.Generator()
	if err != nil {
		return err
	}

	for it.Next() {
		id, p := it.Block()
		fmt.Printf("%6x  %6d bytes\n", id, len(p))
	}

	return it.Err()
}
