package mm

import (
	"testing"

	"github.com/evanphx/rafos/memory"
	"github.com/stretchr/testify/require"
)

func fixedArea(t *testing.T, fa *memory.FrameAllocator, start, end uint64) (*VMArea, []*memory.Frame) {
	vma, err := NewFixed(fa, start, end, rw)
	require.NoError(t, err)

	return vma, append([]*memory.Frame(nil), vma.frames...)
}

type span struct {
	start, end uint64
}

func spanOf(v *VMArea) *span {
	if v == nil {
		return nil
	}

	return &span{v.Start, v.End}
}

func TestSplit(t *testing.T) {
	cases := []struct {
		name       string
		start, end uint64
		kept       span
		cut, rest  *span
	}{
		{"range below the area", 0x0000, 0x1000, span{0x1000, 0x6000}, nil, nil},
		{"range above the area", 0x6000, 0x8000, span{0x1000, 0x6000}, nil, nil},
		{"range covers the area", 0x0000, 0x8000, span{0x1000, 0x6000}, nil, nil},
		{"interior cut", 0x3000, 0x5000, span{0x1000, 0x3000}, &span{0x3000, 0x5000}, &span{0x5000, 0x6000}},
		{"right trim", 0x4000, 0x8000, span{0x1000, 0x4000}, &span{0x4000, 0x6000}, nil},
		{"left trim", 0x0000, 0x2000, span{0x2000, 0x6000}, &span{0x1000, 0x2000}, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fa := memory.NewFrameAllocator(memory.NewPhysicalMemory(0x8000_0000, 16))

			vma, frames := fixedArea(t, fa, 0x1000, 0x6000)

			cut, rest := vma.Split(c.start, c.end)

			require.Equal(t, c.kept, *spanOf(vma))
			require.Equal(t, c.cut, spanOf(cut))
			require.Equal(t, c.rest, spanOf(rest))

			// Every frame ends up in exactly one piece, at its original page.
			seen := map[*memory.Frame]bool{}
			for _, piece := range []*VMArea{vma, cut, rest} {
				if piece == nil {
					continue
				}

				require.Equal(t, piece.Pages(), len(piece.frames))

				for i, f := range piece.frames {
					require.False(t, seen[f])
					seen[f] = true

					require.Same(t, frames[pageIndex(0x1000, piece.Start)+i], f)
				}
			}

			require.Len(t, seen, len(frames))
		})
	}
}

func TestSplitPiecesDoNotAlias(t *testing.T) {
	fa := memory.NewFrameAllocator(memory.NewPhysicalMemory(0x8000_0000, 16))

	vma, _ := fixedArea(t, fa, 0x1000, 0x6000)
	cut, _ := vma.Split(0x3000, 0x5000)

	vma.extend(0x4000)
	require.Nil(t, vma.frames[2])
	require.NotNil(t, cut.frames[0])
}

func TestNewLazyRejectsEmpty(t *testing.T) {
	_, err := NewLazy(0x2000, 0x2000, rw)
	require.Error(t, err)

	_, err = NewLazy(0x1000, 0x2000, 0)
	require.Error(t, err)

	vma, err := NewLazy(0x1000, 0x3000, rw)
	require.NoError(t, err)
	require.Equal(t, 2, vma.Pages())
	require.Equal(t, 0, vma.Resident())
}
