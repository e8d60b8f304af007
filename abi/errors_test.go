package abi

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestToErrno(t *testing.T) {
	require.Equal(t, int64(0), ToErrno(nil))
	require.Equal(t, ECHILD, ToErrno(ErrNoChild))
	require.Equal(t, EINVAL, ToErrno(errors.Wrapf(ErrInvalidArgs, "len=%d", 0)))
	require.Equal(t, ENOEXEC, ToErrno(errors.Wrapf(ErrELFInvalidHeader, "machine")))
	require.Equal(t, EIO, ToErrno(io.ErrUnexpectedEOF))
}
