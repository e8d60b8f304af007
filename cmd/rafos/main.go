package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/fs"
	"github.com/evanphx/rafos/fs/host"
	"github.com/evanphx/rafos/fs/tarfs"
	"github.com/evanphx/rafos/kernel"
	clog "github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/syscalls"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

type closeProtect struct {
	*os.File
}

func (_ closeProtect) Close() error {
	return nil
}

var (
	fConfig = pflag.StringP("config", "c", "", "TOML file describing the machine")
	fRoot   = pflag.StringP("root", "r", "", "tar archive or directory to mount as the root")
	fCPUs   = pflag.IntP("cpus", "n", 0, "number of cores, overriding the config")
	fDumpMM = pflag.Bool("dump-mm", false, "print the first process's address space before starting")
	fStdin  = pflag.Bool("stdin", false, "attach stdin even when it is a terminal")
)

// consoleInput decides what console reads see. A read from a terminal
// holds its core until a line arrives, so a terminal is only attached on
// request.
func consoleInput() io.Reader {
	if term.IsTerminal(int(os.Stdin.Fd())) && !*fStdin {
		return nil
	}

	return os.Stdin
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()

	if *fConfig != "" {
		var err error
		cfg, err = config.Load(*fConfig)
		if err != nil {
			return nil, err
		}
	}

	if *fCPUs > 0 {
		cfg.CPUs = *fCPUs
	}

	if *fRoot != "" {
		cfg.RootFS = *fRoot
	}

	return cfg, cfg.Validate()
}

// mountRoot mounts a host directory as is, anything else is read as a
// tar archive.
func mountRoot(path string) (*fs.MountNamespace, error) {
	if path == "" {
		return nil, nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var root *fs.Inode

	if fi.IsDir() {
		hfs, err := host.NewHostFS(path)
		if err != nil {
			return nil, err
		}

		root, err = hfs.Root()
		if err != nil {
			return nil, err
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		defer f.Close()

		tfs, err := tarfs.NewTarFS(f)
		if err != nil {
			return nil, err
		}

		root, err = tfs.Root()
		if err != nil {
			return nil, err
		}
	}

	return fs.NewMountNamespace(root, 0)
}

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	clog.SetLevel(cfg.LogLevel)
	clog.EnableDebug()

	mount, err := mountRoot(cfg.RootFS)
	if err != nil {
		log.Fatal(err)
	}

	k, err := kernel.NewKernel(kernel.Options{
		Config:   cfg,
		Syscalls: &syscalls.Invoker{L: clog.L},
		Mount:    mount,
		Stdin:    consoleInput(),
		Stdout:   closeProtect{os.Stdout},
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var task *kernel.Task

	if mount == nil {
		clog.L.Info("no root filesystem given, running the built-in demo")

		image, err := demoImage()
		if err != nil {
			log.Fatal(err)
		}

		task, err = k.SpawnImage("/init", image, []string{"init"})
		if err != nil {
			log.Fatal(err)
		}
	} else {
		cmd := cfg.Init
		args := cfg.InitArgs

		if inputArgs := pflag.Args(); len(inputArgs) > 0 {
			cmd = inputArgs[0]
			args = inputArgs[1:]
		}

		args = append([]string{filepath.Base(cmd)}, args...)

		task, err = k.Spawn(ctx, cmd, args)
		if err != nil {
			log.Fatal(err)
		}
	}

	if *fDumpMM {
		spew.Dump(task.MM().Areas())
	}

	ctx, cancel := context.WithCancel(ctx)

	var g errgroup.Group

	g.Go(func() error {
		return k.Run(ctx)
	})

	code, err := k.WaitReaped(ctx, task.Ref())

	cancel()

	if werr := g.Wait(); werr != nil {
		log.Fatal(werr)
	}

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	if err != nil {
		log.Fatal(err)
	}

	clog.L.Debug("init exited", "code", code)

	os.Exit(int(code))
}
