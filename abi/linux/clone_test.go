package linux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneFlags(t *testing.T) {
	f := CLONE_VM | CLONE_SIGHAND | CloneFlags(SIGCHLD)

	require.True(t, f.Has(CLONE_VM|CLONE_SIGHAND))
	require.False(t, f.Has(CLONE_THREAD))
	require.Equal(t, SIGCHLD, f.Signal())
	require.Equal(t, "VM|SIGHAND|SIGCHLD", f.String())
}

func TestWaitOptions(t *testing.T) {
	require.True(t, (WNOHANG | WALL).ValidWait4())
	require.False(t, WEXITED.ValidWait4())
	require.False(t, WaitOptions(0x100).ValidWait4())
	require.Equal(t, int32(0x700), ExitStatus(7))
}
