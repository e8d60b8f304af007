package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/evanphx/rafos/loader"
	"github.com/evanphx/rafos/mm"
)

func dump(w io.Writer, path string, words bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	img, err := loader.Parse(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\n[image]\n")
	fmt.Fprintf(w, "entry=%#x base=%#x brk=%#x\n", img.Entry, img.Base, img.StartBrk)

	fmt.Fprintf(w, "\n[segments]\n")

	tr := tabwriter.NewWriter(w, 4, 8, 1, ' ', 0)
	for i, seg := range img.Segments {
		fmt.Fprintf(tr, "%d\t%#x\t%#x\t%s\tfilesz=%#x memsz=%#x\n",
			i, seg.Addr, seg.End(), seg.Flags, len(seg.Data), seg.MemSize)
	}
	tr.Flush()

	if !words {
		return nil
	}

	for _, seg := range img.Segments {
		if !seg.Flags.Has(mm.VMExec) {
			continue
		}

		fmt.Fprintf(w, "\n%#x <code>:\n", seg.Addr)

		tr = tabwriter.NewWriter(w, 4, 8, 1, ' ', 0)
		for off := 0; off+4 <= len(seg.Data); off += 4 {
			word := binary.LittleEndian.Uint32(seg.Data[off:])
			fmt.Fprintf(tr, "  %x\t%08x\n", seg.Addr+uint64(off), word)
		}
		tr.Flush()
	}

	return nil
}
