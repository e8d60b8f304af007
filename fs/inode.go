package fs

import (
	"context"
	"io"
	"os"
	"time"
)

// InodeType enumerates types of Inodes.
type InodeType int

const (
	// RegularFile is a regular file.
	RegularFile InodeType = iota

	// Directory is a directory.
	Directory

	// Symlink is a symbolic link.
	Symlink

	// Pipe is a pipe (named or regular).
	Pipe

	// CharacterDevice is a character device.
	CharacterDevice

	// Anonymous is an anonymous type when none of the above apply.
	Anonymous
)

// String returns a human-readable representation of the InodeType.
func (n InodeType) String() string {
	switch n {
	case RegularFile:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Pipe:
		return "pipe"
	case CharacterDevice:
		return "character-device"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

type InodeStableAttr struct {
	// Type is the InodeType of a InodeOps.
	Type InodeType

	// DeviceID is the device on which a InodeOps resides.
	DeviceID uint64

	// InodeID uniquely identifies InodeOps on its device.
	InodeID uint64

	// BlockSize is the block size of data backing this InodeOps.
	BlockSize int64
}

func (attr *InodeStableAttr) SetType(mode os.FileMode) {
	switch mode & os.ModeType {
	case 0:
		attr.Type = RegularFile
	case os.ModeDir:
		attr.Type = Directory
	case os.ModeSymlink:
		attr.Type = Symlink
	case os.ModeNamedPipe:
		attr.Type = Pipe
	case os.ModeDevice | os.ModeCharDevice:
		attr.Type = CharacterDevice
	default:
		attr.Type = Anonymous
	}
}

// InodeUnstableAttr contains Inode attributes that may change over the
// lifetime of the Inode.
type InodeUnstableAttr struct {
	// Size is the file size in bytes.
	Size int64

	// Perms is the protection (read/write/execute for user/group/other).
	Perms int

	UserID, GroupID int

	ModificationTime time.Time

	// Links is the number of hard links.
	Links uint64
}

// DirEmitter receives directory entries from ReadDir. Returning false stops
// the listing.
type DirEmitter interface {
	EmitEntry(name string, inode *Inode) bool
}

type DirEmitterFunc func(name string, inode *Inode) bool

func (f DirEmitterFunc) EmitEntry(name string, inode *Inode) bool {
	return f(name, inode)
}

type InodeOps interface {
	LookupChild(ctx context.Context, inode *Inode, name string) (*Inode, error)
	ReadDir(ctx context.Context, inode *Inode, offset int, emit DirEmitter) error
	UnstableAttr(ctx context.Context, inode *Inode) (*InodeUnstableAttr, error)
	ReadLink(ctx context.Context, inode *Inode) (string, error)
	Reader(inode *Inode) (io.ReadSeeker, error)
}

type Inode struct {
	StableAttr InodeStableAttr

	Ops InodeOps
}

func NewInode(attr InodeStableAttr, ops InodeOps) *Inode {
	return &Inode{
		StableAttr: attr,
		Ops:        ops,
	}
}

func (i *Inode) IsDir() bool {
	return i.StableAttr.Type == Directory
}
