package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// RAMBase is the physical address of the first frame.
	RAMBase uint64 = 0x8000_0000

	// Trampoline is the shared code page at the very top of every address
	// space. Trap frames sit directly below it, one page per task id.
	Trampoline uint64 = 0xFFFF_FFFF_FFFF_F000

	// LowMaxVA is the highest address a user mapping may touch.
	LowMaxVA uint64 = 0xFFFF_FFFF

	UserStackBase = LowMaxVA + 1

	// ELFBaseRelocate is where position independent images that link at 0
	// are placed.
	ELFBaseRelocate uint64 = 0x8000_0000

	MaxCPUs = 8

	KernelStackSize  = 0x4000
	KernelStackPages = KernelStackSize >> PageShift

	MaxMapCount    = 256
	DefaultFDLimit = 0x100

	UserHeapSize  = 0x20000
	UserStackSize = 0x8000
)

// Config describes the simulated machine and the first process to start.
type Config struct {
	CPUs         int `toml:"cpus"`
	MemoryFrames int `toml:"memory_frames"`

	KernelStackPages int `toml:"kernel_stack_pages"`
	MaxMapCount      int `toml:"max_map_count"`
	UserHeapSize     int `toml:"user_heap_size"`
	UserStackSize    int `toml:"user_stack_size"`
	FDLimit          int `toml:"fd_limit"`

	// Timeslice is the number of user instructions a task may retire before
	// it is forced through the yield path. Zero, the default, disables
	// forced yields so tasks only give up a core by yielding, blocking or
	// exiting.
	Timeslice int `toml:"timeslice"`

	RootFS   string   `toml:"rootfs"`
	Init     string   `toml:"init"`
	InitArgs []string `toml:"init_args"`

	LogLevel string `toml:"log_level"`
}

func Default() *Config {
	return &Config{
		CPUs:             4,
		MemoryFrames:     8192,
		KernelStackPages: KernelStackPages,
		MaxMapCount:      MaxMapCount,
		UserHeapSize:     UserHeapSize,
		UserStackSize:    UserStackSize,
		FDLimit:          DefaultFDLimit,
		Init:             "/init",
		LogLevel:         "info",
	}
}

var ErrInvalidConfig = errors.New("invalid config")

// Load reads a TOML file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	if err := Parse(string(data), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Parse(data string, cfg *Config) error {
	if _, err := toml.Decode(data, cfg); err != nil {
		return errors.Wrapf(err, "decoding config")
	}

	return cfg.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.CPUs < 1 || c.CPUs > MaxCPUs:
		return errors.Wrapf(ErrInvalidConfig, "cpus must be between 1 and %d, got %d", MaxCPUs, c.CPUs)
	case c.MemoryFrames < 64:
		return errors.Wrapf(ErrInvalidConfig, "memory_frames too small: %d", c.MemoryFrames)
	case c.KernelStackPages < 1:
		return errors.Wrapf(ErrInvalidConfig, "kernel_stack_pages must be positive")
	case c.MaxMapCount < 1:
		return errors.Wrapf(ErrInvalidConfig, "max_map_count must be positive")
	case c.UserHeapSize%PageSize != 0 || c.UserStackSize%PageSize != 0:
		return errors.Wrapf(ErrInvalidConfig, "heap and stack sizes must be page aligned")
	case c.UserStackSize < PageSize:
		return errors.Wrapf(ErrInvalidConfig, "user_stack_size must be at least a page")
	case c.FDLimit < 3:
		return errors.Wrapf(ErrInvalidConfig, "fd_limit must leave room for stdio")
	case c.Timeslice < 0:
		return errors.Wrapf(ErrInvalidConfig, "timeslice must not be negative")
	}

	return nil
}
