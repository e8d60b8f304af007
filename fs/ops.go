package fs

import (
	"context"
	"io"

	"github.com/evanphx/rafos/abi"
)

// StandardDirOps supplies the file-only operations for directories.
type StandardDirOps struct{}

func (StandardDirOps) ReadLink(ctx context.Context, inode *Inode) (string, error) {
	return "", abi.ErrNotSymlink
}

func (StandardDirOps) Reader(inode *Inode) (io.ReadSeeker, error) {
	return nil, abi.ErrIsDirectory
}

// StandardFileOps supplies the directory-only operations for everything
// that is not a directory.
type StandardFileOps struct{}

func (StandardFileOps) LookupChild(ctx context.Context, inode *Inode, name string) (*Inode, error) {
	return nil, abi.ErrNotDirectory
}

func (StandardFileOps) ReadDir(ctx context.Context, inode *Inode, offset int, emit DirEmitter) error {
	return abi.ErrNotDirectory
}
