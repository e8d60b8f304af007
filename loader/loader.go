package loader

import (
	"github.com/evanphx/rafos/log"
	"github.com/evanphx/rafos/mm"
	hclog "github.com/hashicorp/go-hclog"
)

// Start is where a freshly loaded program begins executing.
type Start struct {
	Entry uint64
	Stack
}

type Loader struct {
	L         hclog.Logger
	StackSize uint64

	cache *Cache
}

func NewLoader(cache *Cache, stackSize uint64) *Loader {
	return &Loader{
		L:         log.L,
		StackSize: stackSize,
		cache:     cache,
	}
}

// Load places the image in data into space and builds its stack. space
// should be empty; on error it is left partially filled and the caller
// discards it.
func (l *Loader) Load(space *mm.MM, data []byte, args []string) (*Start, error) {
	var (
		img *Image
		err error
	)

	if l.cache != nil {
		img, err = l.cache.Parse(data)
	} else {
		img, err = Parse(data)
	}

	if err != nil {
		return nil, err
	}

	if err := img.Place(space); err != nil {
		return nil, err
	}

	stack, err := SetupStack(space, l.StackSize, args)
	if err != nil {
		return nil, err
	}

	l.L.Trace("image-loaded", "entry", img.Entry, "brk", img.StartBrk, "sp", stack.SP, "argc", stack.Argc)

	return &Start{Entry: img.Entry, Stack: *stack}, nil
}
