package fs

import (
	"io"
	"strings"
)

type Dirent struct {
	Name   string
	Parent *Dirent
	Inode  *Inode
}

func (d *Dirent) Reader() (io.ReadSeeker, error) {
	return d.Inode.Ops.Reader(d.Inode)
}

// Path rebuilds the absolute path the dirent was reached by.
func (d *Dirent) Path() string {
	var parts []string

	for cur := d; cur != nil && cur.Parent != nil; cur = cur.Parent {
		parts = append(parts, cur.Name)
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	return "/" + strings.Join(parts, "/")
}
