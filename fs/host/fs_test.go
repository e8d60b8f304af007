package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/fs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestHostFS(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "init"), []byte("image"), 0755))
	require.NoError(t, os.Symlink("init", filepath.Join(dir, "bin", "sh")))

	h, err := NewHostFS(dir)
	require.NoError(t, err)

	root, err := h.Root()
	require.NoError(t, err)

	ns, err := fs.NewMountNamespace(root, 0)
	require.NoError(t, err)

	d, err := ns.LookupPath(ctx, "/bin/sh")
	require.NoError(t, err)
	require.Equal(t, fs.RegularFile, d.Inode.StableAttr.Type)

	r, err := d.Reader()
	require.NoError(t, err)
	defer r.(io.Closer).Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "image", string(data))

	attr, err := d.Inode.Ops.UnstableAttr(ctx, d.Inode)
	require.NoError(t, err)
	require.Equal(t, int64(5), attr.Size)
	require.Equal(t, 0755, attr.Perms)

	bin, err := ns.LookupPath(ctx, "/bin")
	require.NoError(t, err)

	names, err := fs.ReadDirNames(ctx, bin)
	require.NoError(t, err)
	require.Equal(t, []string{"init", "sh"}, names)

	_, err = ns.LookupPath(ctx, "/nope")
	require.Equal(t, abi.ErrNoEntry, errors.Cause(err))

	_, err = NewHostFS(filepath.Join(dir, "bin", "init"))
	require.Equal(t, abi.ErrNotDirectory, errors.Cause(err))
}
