package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/kernel"
	"github.com/evanphx/rafos/syscalls"
	"github.com/stretchr/testify/require"
)

func TestDemoImage(t *testing.T) {
	image, err := demoImage()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.CPUs = 2
	cfg.MemoryFrames = 2048

	var out bytes.Buffer

	k, err := kernel.NewKernel(kernel.Options{
		Config:   cfg,
		Syscalls: &syscalls.Invoker{},
		Stdout:   &out,
	})
	require.NoError(t, err)

	task, err := k.SpawnImage("/init", image, []string{"init"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- k.Run(ctx)
	}()

	code, err := k.WaitReaped(ctx, task.Ref())
	require.NoError(t, err)
	require.Equal(t, int32(0), code)

	cancel()
	require.NoError(t, <-done)

	require.Equal(t, demoWorkers, strings.Count(out.String(), workerMsg))
	require.True(t, strings.HasSuffix(out.String(), doneMsg))
}

func TestMountRoot(t *testing.T) {
	m, err := mountRoot("")
	require.NoError(t, err)
	require.Nil(t, m)

	m, err = mountRoot(t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, m.Root)

	_, err = mountRoot("/does/not/exist")
	require.Error(t, err)
}
