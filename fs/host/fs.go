// Package host exposes a directory of the host as a read-only root
// filesystem.
package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/fs"
	"github.com/evanphx/rafos/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type HostFS struct {
	Device *fs.Device
	root   *fs.Inode
}

func statToStableAttr(dev *fs.Device, st *unix.Stat_t) fs.InodeStableAttr {
	var attr fs.InodeStableAttr
	attr.BlockSize = int64(st.Blksize)
	attr.DeviceID = dev.ID
	attr.InodeID = st.Ino

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		attr.Type = fs.RegularFile
	case unix.S_IFDIR:
		attr.Type = fs.Directory
	case unix.S_IFLNK:
		attr.Type = fs.Symlink
	case unix.S_IFIFO:
		attr.Type = fs.Pipe
	case unix.S_IFCHR:
		attr.Type = fs.CharacterDevice
	default:
		attr.Type = fs.Anonymous
	}

	return attr
}

func lstat(path string) (*unix.Stat_t, error) {
	var st unix.Stat_t

	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT {
			return nil, errors.Wrapf(abi.ErrNoEntry, "host path %s", path)
		}

		return nil, errors.Wrapf(err, "stat %s", path)
	}

	return &st, nil
}

func NewHostFS(path string) (*HostFS, error) {
	h := &HostFS{
		Device: fs.NewAnonDevice(),
	}

	log.L.Trace("creating host fs", "path", path)

	st, err := lstat(path)
	if err != nil {
		log.L.Error("error stating hostfs path", "error", err)
		return nil, err
	}

	inode, err := h.newInode(path, st)
	if err != nil {
		return nil, err
	}

	if !inode.IsDir() {
		return nil, errors.Wrapf(abi.ErrNotDirectory, "host root %s", path)
	}

	h.root = inode

	return h, nil
}

func (h *HostFS) newInode(path string, st *unix.Stat_t) (*fs.Inode, error) {
	attr := statToStableAttr(h.Device, st)

	fp := FSPath{Path: path}

	if attr.Type == fs.Directory {
		return fs.NewInode(attr, &Dir{host: h, FSPath: fp}), nil
	}

	return fs.NewInode(attr, &Entry{FSPath: fp}), nil
}

func (h *HostFS) Root() (*fs.Inode, error) {
	return h.root, nil
}

type FSPath struct {
	Path string
}

func (p *FSPath) UnstableAttr(ctx context.Context, inode *fs.Inode) (*fs.InodeUnstableAttr, error) {
	st, err := lstat(p.Path)
	if err != nil {
		return nil, err
	}

	var us fs.InodeUnstableAttr
	us.ModificationTime = time.Unix(st.Mtim.Unix())
	us.GroupID = int(st.Gid)
	us.UserID = int(st.Uid)
	us.Perms = int(st.Mode & 0777)
	us.Size = st.Size
	us.Links = uint64(st.Nlink)

	return &us, nil
}

type Dir struct {
	fs.StandardDirOps
	FSPath

	host *HostFS
}

type Entry struct {
	fs.StandardFileOps
	FSPath
}

func (e *Entry) ReadLink(ctx context.Context, inode *fs.Inode) (string, error) {
	if inode.StableAttr.Type != fs.Symlink {
		return "", abi.ErrNotSymlink
	}

	return os.Readlink(e.Path)
}

func (e *Entry) Reader(inode *fs.Inode) (io.ReadSeeker, error) {
	return os.Open(e.Path)
}

func (d *Dir) LookupChild(ctx context.Context, inode *fs.Inode, name string) (*fs.Inode, error) {
	log.L.Trace("lookup child on host fs", "dir", d.Path, "name", name)

	cp := filepath.Join(d.Path, name)

	st, err := lstat(cp)
	if err != nil {
		return nil, err
	}

	return d.host.newInode(cp, st)
}

func (d *Dir) ReadDir(ctx context.Context, inode *fs.Inode, offset int, emit fs.DirEmitter) error {
	ents, err := os.ReadDir(d.Path)
	if err != nil {
		return err
	}

	if offset >= len(ents) {
		return nil
	}

	for _, ent := range ents[offset:] {
		cp := filepath.Join(d.Path, ent.Name())

		st, err := lstat(cp)
		if err != nil {
			return err
		}

		child, err := d.host.newInode(cp, st)
		if err != nil {
			return err
		}

		if !emit.EmitEntry(ent.Name(), child) {
			break
		}
	}

	return nil
}
