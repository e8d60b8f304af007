package fs

import (
	"context"
	"path"
	"strings"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// MaxSymlinkHops bounds symlink expansion during a single lookup.
const MaxSymlinkHops = 40

const DefaultDirentCacheSize = 1024

type MountNamespace struct {
	Root        *Dirent
	DirentCache *lru.ARCCache
}

func NewMountNamespace(root *Inode, cacheSize int) (*MountNamespace, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultDirentCacheSize
	}

	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, err
	}

	m := &MountNamespace{
		DirentCache: cache,
	}

	m.SetRoot(root)

	return m, nil
}

func (m *MountNamespace) SetRoot(i *Inode) {
	m.Root = &Dirent{Inode: i}
	m.DirentCache.Purge()
}

// Resolve makes p absolute against cwd.
func Resolve(cwd, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}

	if cwd == "" {
		cwd = "/"
	}

	return path.Join(cwd, p)
}

// LookupPath resolves path, following symlinks in every component
// including the last.
func (m *MountNamespace) LookupPath(ctx context.Context, path string) (*Dirent, error) {
	return m.lookup(ctx, path, true, 0)
}

// LookupDirent resolves path without following a trailing symlink.
func (m *MountNamespace) LookupDirent(ctx context.Context, path string) (*Dirent, error) {
	return m.lookup(ctx, path, false, 0)
}

func (m *MountNamespace) lookup(ctx context.Context, p string, follow bool, hops int) (*Dirent, error) {
	if hops > MaxSymlinkHops {
		return nil, errors.Wrapf(abi.ErrSymlinkLoop, "path: %s", p)
	}

	p = Resolve("/", p)

	key := p[1:]
	if key == "" {
		return m.Root, nil
	}

	var cur *Dirent

	if val, ok := m.DirentCache.Get(key); ok {
		cur = val.(*Dirent)
	} else {
		sections := strings.Split(key, "/")

		cur = m.Root

		for i, part := range sections {
			if cur.Inode.StableAttr.Type == Symlink {
				target, err := m.linkTarget(ctx, cur)
				if err != nil {
					return nil, err
				}

				rest := path.Join(append([]string{target}, sections[i:]...)...)

				return m.lookup(ctx, rest, follow, hops+1)
			}

			if !cur.Inode.IsDir() {
				return nil, errors.Wrapf(abi.ErrNotDirectory, "component: %s", cur.Name)
			}

			inode, err := cur.Inode.Ops.LookupChild(ctx, cur.Inode, part)
			if err != nil {
				return nil, errors.Wrapf(err, "looking up %s", p)
			}

			cur = &Dirent{Inode: inode, Parent: cur, Name: part}
		}

		m.DirentCache.Add(key, cur)
	}

	if follow && cur.Inode.StableAttr.Type == Symlink {
		target, err := m.linkTarget(ctx, cur)
		if err != nil {
			return nil, err
		}

		log.L.Trace("following symlink", "path", p, "target", target)

		return m.lookup(ctx, target, follow, hops+1)
	}

	return cur, nil
}

// linkTarget returns the absolute path a symlink dirent points at.
func (m *MountNamespace) linkTarget(ctx context.Context, d *Dirent) (string, error) {
	target, err := d.Inode.Ops.ReadLink(ctx, d.Inode)
	if err != nil {
		return "", err
	}

	dir := "/"
	if d.Parent != nil {
		dir = d.Parent.Path()
	}

	return Resolve(dir, target), nil
}

// ReadDirNames lists a directory in the order its filesystem reports.
func ReadDirNames(ctx context.Context, d *Dirent) ([]string, error) {
	var names []string

	err := d.Inode.Ops.ReadDir(ctx, d.Inode, 0, DirEmitterFunc(func(name string, _ *Inode) bool {
		names = append(names, name)
		return true
	}))

	if err != nil {
		return nil, err
	}

	return names, nil
}
