package loader

import (
	"encoding/binary"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/mm"
	"github.com/pkg/errors"
)

// Stack describes the initial user stack: sp points at argc, followed by
// the argv pointers, a NULL, and an empty environment.
type Stack struct {
	SP   uint64
	Argc int
	Argv uint64
}

// SetupStack maps a stack of size bytes ending at config.UserStackBase and
// writes the argument vector onto it.
func SetupStack(space *mm.MM, size uint64, args []string) (*Stack, error) {
	base := config.UserStackBase - size
	top := config.UserStackBase - 8

	need := uint64(len(args)+3)*8 + 16
	for _, a := range args {
		need += uint64(len(a) + 1)
	}

	if need > size/2 {
		return nil, errors.Wrapf(abi.ErrInvalidArgs, "arguments need %d bytes of stack", need)
	}

	err := space.AllocWriteVMA(nil, base, top, mm.VMRead|mm.VMWrite|mm.VMUser)
	if err != nil {
		return nil, err
	}

	sp := top
	ptrs := make([]uint64, len(args))

	for i := len(args) - 1; i >= 0; i-- {
		sp -= uint64(len(args[i]) + 1)
		if err := space.WriteBytes(sp, append([]byte(args[i]), 0)); err != nil {
			return nil, err
		}
		ptrs[i] = sp
	}

	words := 1 + len(args) + 1 + 1

	sp = (sp - uint64(words)*8) &^ 0xf

	buf := make([]byte, words*8)
	binary.LittleEndian.PutUint64(buf, uint64(len(args)))
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], p)
	}

	if err := space.WriteBytes(sp, buf); err != nil {
		return nil, err
	}

	return &Stack{SP: sp, Argc: len(args), Argv: sp + 8}, nil
}
