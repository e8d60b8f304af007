// Package tarfs serves a read-only filesystem out of an in-memory tar
// archive.
package tarfs

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/fs"
	"github.com/evanphx/rafos/log"
	"github.com/pkg/errors"
)

type entry struct {
	hdr   *tar.Header
	inode *fs.Inode
}

func (e *entry) String() string {
	return spew.Sdump(e.hdr)
}

type Dir struct {
	fs.StandardDirOps
	Unstable fs.InodeUnstableAttr
	Children map[string]*fs.Inode
	Order    []string
}

func newDir() *Dir {
	return &Dir{
		Unstable: fs.InodeUnstableAttr{Perms: 0755, Links: 2},
		Children: make(map[string]*fs.Inode),
	}
}

func (d *Dir) AddChild(name string, inode *fs.Inode) {
	if _, ok := d.Children[name]; !ok {
		d.Order = append(d.Order, name)
	}

	d.Children[name] = inode
}

type File struct {
	fs.StandardFileOps
	Unstable fs.InodeUnstableAttr
	Body     []byte
}

type TarFS struct {
	Device *fs.Device
	root   *fs.Inode

	entries []*entry
}

func (t *TarFS) dir(inode *fs.Inode) (*Dir, error) {
	dir, ok := inode.Ops.(*Dir)
	if !ok {
		return nil, abi.ErrNotDirectory
	}

	return dir, nil
}

// findParent returns the directory that holds name, creating any missing
// intermediate directories.
func (t *TarFS) findParent(name string) (*Dir, error) {
	dirName := path.Dir(name)

	parent, err := t.dir(t.root)
	if err != nil {
		return nil, err
	}

	if dirName == "." || dirName == "/" {
		return parent, nil
	}

	for _, sec := range strings.Split(dirName, "/") {
		ch, ok := parent.Children[sec]
		if !ok {
			ch = fs.NewInode(t.Device.StableAttr(fs.Directory), newDir())
			parent.AddChild(sec, ch)
		}

		dir, err := t.dir(ch)
		if err != nil {
			return nil, errors.Wrapf(err, "tar entry %s", name)
		}

		parent = dir
	}

	return parent, nil
}

func (t *TarFS) lookup(name string) (*fs.Inode, bool) {
	cur := t.root

	for _, sec := range strings.Split(name, "/") {
		dir, ok := cur.Ops.(*Dir)
		if !ok {
			return nil, false
		}

		cur, ok = dir.Children[sec]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

func cleanName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.Trim(name, "/")

	if name == "." {
		return ""
	}

	return path.Clean("/" + name)[1:]
}

func NewTarFS(r io.Reader) (*TarFS, error) {
	tr := tar.NewReader(r)

	t := &TarFS{Device: fs.NewAnonDevice()}
	t.root = fs.NewInode(t.Device.StableAttr(fs.Directory), newDir())

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, errors.Wrapf(err, "reading tar")
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "reading tar entry %s", hdr.Name)
		}

		us := fs.InodeUnstableAttr{
			ModificationTime: hdr.ModTime,
			GroupID:          hdr.Gid,
			UserID:           hdr.Uid,
			Perms:            int(os.FileMode(hdr.Mode).Perm()),
			Size:             hdr.Size,
			Links:            1,
		}

		name := cleanName(hdr.Name)

		if name == "" {
			dir, _ := t.dir(t.root)
			us.Links = 2
			dir.Unstable = us
			continue
		}

		parent, err := t.findParent(name)
		if err != nil {
			return nil, err
		}

		base := path.Base(name)

		var inode *fs.Inode

		switch hdr.Typeflag {
		case tar.TypeDir:
			if existing, ok := parent.Children[base]; ok {
				dir, err := t.dir(existing)
				if err != nil {
					return nil, errors.Wrapf(err, "tar entry %s", name)
				}

				us.Links = 2
				dir.Unstable = us
				inode = existing
			} else {
				dir := newDir()
				us.Links = 2
				dir.Unstable = us
				inode = fs.NewInode(t.Device.StableAttr(fs.Directory), dir)
			}
		case tar.TypeLink:
			target, ok := t.lookup(cleanName(hdr.Linkname))
			if !ok {
				return nil, errors.Wrapf(abi.ErrNoEntry, "hard link %s -> %s", name, hdr.Linkname)
			}

			if f, ok := target.Ops.(*File); ok {
				f.Unstable.Links++
			}

			inode = target
		case tar.TypeSymlink:
			us.Size = int64(len(hdr.Linkname))
			inode = fs.NewInode(t.Device.StableAttr(fs.Symlink), &File{
				Unstable: us,
				Body:     []byte(hdr.Linkname),
			})
		default:
			attr := t.Device.StableAttr(fs.RegularFile)
			attr.SetType(hdr.FileInfo().Mode())

			inode = fs.NewInode(attr, &File{
				Unstable: us,
				Body:     data,
			})
		}

		parent.AddChild(base, inode)

		e := &entry{hdr: hdr, inode: inode}
		t.entries = append(t.entries, e)

		log.L.Trace("tarfs entry", "name", name, "type", inode.StableAttr.Type, "entry", e)
	}

	return t, nil
}

func (t *TarFS) Root() (*fs.Inode, error) {
	return t.root, nil
}

// Len is the number of archive entries the filesystem was built from.
func (t *TarFS) Len() int {
	return len(t.entries)
}

func (d *Dir) LookupChild(ctx context.Context, inode *fs.Inode, name string) (*fs.Inode, error) {
	inode, ok := d.Children[name]
	if !ok {
		return nil, errors.Wrapf(abi.ErrNoEntry, "name: %s", name)
	}

	return inode, nil
}

func (d *Dir) UnstableAttr(ctx context.Context, inode *fs.Inode) (*fs.InodeUnstableAttr, error) {
	return &d.Unstable, nil
}

func (d *Dir) ReadDir(ctx context.Context, inode *fs.Inode, offset int, emit fs.DirEmitter) error {
	if offset >= len(d.Order) {
		return nil
	}

	for _, ent := range d.Order[offset:] {
		if !emit.EmitEntry(ent, d.Children[ent]) {
			break
		}
	}

	return nil
}

func (f *File) UnstableAttr(ctx context.Context, inode *fs.Inode) (*fs.InodeUnstableAttr, error) {
	return &f.Unstable, nil
}

func (f *File) ReadLink(ctx context.Context, inode *fs.Inode) (string, error) {
	if inode.StableAttr.Type != fs.Symlink {
		return "", abi.ErrNotSymlink
	}

	return string(f.Body), nil
}

func (f *File) Reader(inode *fs.Inode) (io.ReadSeeker, error) {
	return bytes.NewReader(f.Body), nil
}
