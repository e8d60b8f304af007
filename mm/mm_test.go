package mm

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/evanphx/rafos/abi"
	"github.com/evanphx/rafos/abi/linux"
	"github.com/evanphx/rafos/config"
	"github.com/evanphx/rafos/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func testPlatform(frames int) *Platform {
	pm := memory.NewPhysicalMemory(config.RAMBase, frames)
	return NewPlatform(memory.NewFrameAllocator(pm))
}

func userSpace(t *testing.T, p *Platform) *MM {
	mm, err := New(p, false)
	require.NoError(t, err)
	return mm
}

const rw = VMRead | VMWrite | VMUser

func TestAddressSpace(t *testing.T) {
	n := neko.Modern(t)

	n.It("finds a gap above an occupied range", func(t *testing.T) {
		p := testPlatform(256)
		p.HeapSize = 0x1000

		mm := userSpace(t, p)

		_, err := mm.AllocVMA(0x1000, 0x2000, rw, false)
		require.NoError(t, err)

		start, err := mm.AllocVMA(0, PageSize, rw, true)
		require.NoError(t, err)
		require.True(t, start >= 0x2000)
		require.Equal(t, uint64(0x2000), start)
	})

	n.It("skips gaps that are too small", func(t *testing.T) {
		p := testPlatform(256)
		p.HeapSize = 0

		mm := userSpace(t, p)

		for _, r := range [][2]uint64{{0x1000, 0x2000}, {0x3000, 0x4000}} {
			_, err := mm.AllocVMA(r[0], r[1], rw, false)
			require.NoError(t, err)
		}

		start, err := mm.FindFreeArea(0x1000, 0x2000)
		require.NoError(t, err)
		require.Equal(t, uint64(0x4000), start)

		start, err = mm.FindFreeArea(0x1000, 0x1000)
		require.NoError(t, err)
		require.Equal(t, uint64(0x2000), start)
	})

	n.It("honors the mmap floor above the program break", func(t *testing.T) {
		p := testPlatform(256)
		mm := userSpace(t, p)
		mm.StartBrk = 0x10000
		mm.Brk = 0x10000

		start, err := mm.FindFreeArea(0, PageSize)
		require.NoError(t, err)
		require.Equal(t, uint64(0x10000)+p.HeapSize, start)
	})

	n.It("splits an area when the middle is unmapped", func(t *testing.T) {
		p := testPlatform(256)
		mm := userSpace(t, p)

		err := mm.AllocWriteVMA(bytes.Repeat([]byte{0xaa}, 0x5000), 0x1000, 0x6000, rw)
		require.NoError(t, err)

		err = mm.DoMunmap(0x3000, 0x2000)
		require.NoError(t, err)

		want := []AreaInfo{
			{Start: 0x1000, End: 0x3000, Flags: rw, Resident: 2},
			{Start: 0x5000, End: 0x6000, Flags: rw, Resident: 1},
		}

		if diff := cmp.Diff(want, mm.Areas()); diff != "" {
			t.Fatalf("areas mismatch (-want +got):\n%s", diff)
		}

		for va := uint64(0x3000); va < 0x5000; va += PageSize {
			_, ok := mm.Translate(va)
			require.False(t, ok, "va %#x still mapped", va)
		}

		b, err := mm.ReadBytes(0x5000, 4)
		require.NoError(t, err)
		require.Equal(t, []byte{0xaa, 0xaa, 0xaa, 0xaa}, b)
	})

	n.It("trims areas from either side", func(t *testing.T) {
		p := testPlatform(256)
		mm := userSpace(t, p)

		require.NoError(t, mm.AllocWriteVMA(nil, 0x1000, 0x4000, rw))
		require.NoError(t, mm.AllocWriteVMA(nil, 0x6000, 0x9000, rw))

		require.NoError(t, mm.DoMunmap(0x3000, 0x4000))

		want := []AreaInfo{
			{Start: 0x1000, End: 0x3000, Flags: rw, Resident: 2},
			{Start: 0x7000, End: 0x9000, Flags: rw, Resident: 2},
		}

		if diff := cmp.Diff(want, mm.Areas()); diff != "" {
			t.Fatalf("areas mismatch (-want +got):\n%s", diff)
		}

		var found bool
		err := mm.GetVMA(0x7000, func(vma *VMArea, pt *PageTable) error {
			found = vma.Start == 0x7000
			return nil
		})
		require.NoError(t, err)
		require.True(t, found)

		err = mm.GetVMA(0x6000, func(*VMArea, *PageTable) error { return nil })
		require.Equal(t, abi.ErrVMANotFound, errors.Cause(err))
	})

	n.It("rejects misaligned munmap", func(t *testing.T) {
		mm := userSpace(t, testPlatform(64))

		err := mm.DoMunmap(0x1001, 0x1000)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))

		err = mm.DoMunmap(0x1000, 0)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))
	})

	n.It("rejects overlapping eager areas", func(t *testing.T) {
		mm := userSpace(t, testPlatform(64))

		require.NoError(t, mm.AllocWriteVMA(nil, 0x1000, 0x3000, rw))

		err := mm.AllocWriteVMA(nil, 0x2000, 0x4000, rw)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))

		err = mm.AllocWriteVMA(nil, 0x5000, 0x5000, rw)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))
	})

	n.It("writes unaligned segment data in place", func(t *testing.T) {
		mm := userSpace(t, testPlatform(64))

		require.NoError(t, mm.AllocWriteVMA([]byte("hello"), 0x1ffe, 0x2003, rw))

		s, err := mm.ReadBytes(0x1ffe, 5)
		require.NoError(t, err)
		require.Equal(t, "hello", string(s))

		areas := mm.Areas()
		require.Equal(t, uint64(0x1000), areas[0].Start)
		require.Equal(t, uint64(0x3000), areas[0].End)
	})

	n.It("allocates lazy pages on first fault", func(t *testing.T) {
		p := testPlatform(64)
		mm := userSpace(t, p)

		_, err := mm.AllocVMA(0x10000, 0x14000, rw, false)
		require.NoError(t, err)

		_, ok := mm.Translate(0x11000)
		require.False(t, ok)

		require.NoError(t, mm.HandlePageFault(0x11008, VMWrite|VMUser))

		pte, ok := mm.TranslatePTE(0x11000)
		require.True(t, ok)
		require.True(t, pte.Flags().Has(PTERead|PTEWrite|PTEUser))

		require.Equal(t, 1, mm.Areas()[0].Resident)
	})

	n.It("treats faults outside areas or permissions as fatal", func(t *testing.T) {
		mm := userSpace(t, testPlatform(64))

		_, err := mm.AllocVMA(0x10000, 0x11000, VMRead|VMUser, false)
		require.NoError(t, err)

		err = mm.HandlePageFault(0x10000, VMWrite|VMUser)
		require.Equal(t, abi.ErrPageFault, errors.Cause(err))

		err = mm.HandlePageFault(0x20000, VMRead|VMUser)
		require.Equal(t, abi.ErrPageFault, errors.Cause(err))

		_, err = mm.GetBufMut(0x10000, 8)
		require.Equal(t, abi.ErrPageFault, errors.Cause(err))
	})

	n.It("reads strings across page boundaries", func(t *testing.T) {
		mm := userSpace(t, testPlatform(64))

		_, err := mm.AllocVMA(0x1000, 0x3000, rw, false)
		require.NoError(t, err)

		require.NoError(t, mm.WriteBytes(0x1ffc, []byte("/bin/init\x00")))

		s, err := mm.GetStr(0x1ffc, 256)
		require.NoError(t, err)
		require.Equal(t, "/bin/init", s)

		_, err = mm.GetStr(0x1ffc, 4)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))
	})

	n.It("copies typed values across the boundary", func(t *testing.T) {
		mm := userSpace(t, testPlatform(64))

		_, err := mm.AllocVMA(0x1000, 0x2000, rw, false)
		require.NoError(t, err)

		require.NoError(t, mm.CopyOut(0x1ff8, int32(0x700)))

		var status int32
		require.NoError(t, mm.CopyIn(0x1ff8, &status))
		require.Equal(t, int32(0x700), status)
	})

	n.It("maps anonymous memory with mmap", func(t *testing.T) {
		p := testPlatform(64)
		mm := userSpace(t, p)

		anon := linux.MAP_PRIVATE | linux.MAP_ANONYMOUS

		start, err := mm.DoMmap(0, 0x2000, linux.PROT_READ|linux.PROT_WRITE, anon, -1, 0)
		require.NoError(t, err)
		require.Equal(t, PageCeil(p.HeapSize), start)

		fixed, err := mm.DoMmap(start+0x1000, 0x1000, linux.PROT_READ, anon|linux.MAP_FIXED, -1, 0)
		require.NoError(t, err)
		require.Equal(t, start+0x1000, fixed)

		areas := mm.Areas()
		require.Len(t, areas, 2)
		require.Equal(t, VMRead|VMUser, areas[1].Flags)

		_, err = mm.DoMmap(0, 0, linux.PROT_READ, anon, -1, 0)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))

		_, err = mm.DoMmap(0x1234, 0x1000, linux.PROT_READ, anon, -1, 0)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))

		_, err = mm.DoMmap(0, 0x1000, linux.PROT_READ, anon|linux.MAP_FIXED, -1, 0)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))

		_, err = mm.DoMmap(0, 0x1000, linux.PROT_READ, linux.MAP_PRIVATE, 3, 0)
		require.Equal(t, abi.ErrInvalidArgs, errors.Cause(err))
	})

	n.It("changes protections on part of an area", func(t *testing.T) {
		mm := userSpace(t, testPlatform(64))

		require.NoError(t, mm.AllocWriteVMA(nil, 0x1000, 0x4000, rw))
		require.NoError(t, mm.Mprotect(0x2000, 0x1000, linux.PROT_READ))

		want := []AreaInfo{
			{Start: 0x1000, End: 0x2000, Flags: rw, Resident: 1},
			{Start: 0x2000, End: 0x3000, Flags: VMRead | VMUser, Resident: 1},
			{Start: 0x3000, End: 0x4000, Flags: rw, Resident: 1},
		}

		if diff := cmp.Diff(want, mm.Areas()); diff != "" {
			t.Fatalf("areas mismatch (-want +got):\n%s", diff)
		}

		pte, ok := mm.TranslatePTE(0x2000)
		require.True(t, ok)
		require.False(t, pte.Writable())

		err := mm.Mprotect(0x8000, 0x1000, linux.PROT_READ)
		require.Error(t, err)
	})

	n.It("refuses to split past the mapping limit", func(t *testing.T) {
		p := testPlatform(64)
		mm := userSpace(t, p)

		require.NoError(t, mm.AllocWriteVMA(nil, 0x1000, 0x5000, rw))
		p.MaxMapCount = mm.MapCount() + 1

		err := mm.Mprotect(0x2000, 0x1000, linux.PROT_READ)
		require.Equal(t, abi.ErrTooManyMappings, errors.Cause(err))

		require.NoError(t, mm.Mprotect(0x1000, 0x1000, linux.PROT_READ))

		err = mm.Mprotect(0x4000, 0x1000, linux.PROT_READ)
		require.Equal(t, abi.ErrTooManyMappings, errors.Cause(err))

		want := []AreaInfo{
			{Start: 0x1000, End: 0x2000, Flags: VMRead | VMUser, Resident: 1},
			{Start: 0x2000, End: 0x5000, Flags: rw, Resident: 3},
		}

		if diff := cmp.Diff(want, mm.Areas()); diff != "" {
			t.Fatalf("areas mismatch (-want +got):\n%s", diff)
		}
	})

	n.It("moves the program break", func(t *testing.T) {
		mm := userSpace(t, testPlatform(64))
		mm.StartBrk = 0x10000
		mm.Brk = 0x10000

		require.Equal(t, uint64(0x10000), mm.SetBrk(0))
		require.Equal(t, uint64(0x12800), mm.SetBrk(0x12800))

		require.NoError(t, mm.WriteBytes(0x12000, []byte{1}))

		areas := mm.Areas()
		require.Len(t, areas, 1)
		require.Equal(t, uint64(0x13000), areas[0].End)

		require.Equal(t, uint64(0x14000), mm.SetBrk(0x14000))
		require.Len(t, mm.Areas(), 1)

		require.Equal(t, uint64(0x11000), mm.SetBrk(0x11000))
		require.Equal(t, uint64(0x11000), mm.Areas()[0].End)

		require.Equal(t, uint64(0x11000), mm.SetBrk(0x100))
	})

	n.It("returns every frame when the last user lets go", func(t *testing.T) {
		p := testPlatform(64)
		before := p.Frames.Free()

		mm := userSpace(t, p)
		require.NoError(t, mm.AllocWriteVMA(nil, 0x1000, 0x4000, rw))

		child, err := mm.Clone()
		require.NoError(t, err)

		mm.Get()
		mm.Put()
		require.True(t, p.Frames.Free() < before)

		mm.Put()
		child.Put()
		require.Equal(t, before, p.Frames.Free())
	})

	n.It("maps the trampoline outside the catalog", func(t *testing.T) {
		p := testPlatform(64)
		tramp, err := p.Frames.Alloc()
		require.NoError(t, err)
		p.Trampoline = tramp

		mm := userSpace(t, p)

		pte, ok := mm.TranslatePTE(config.Trampoline)
		require.True(t, ok)
		require.Equal(t, tramp.PPN(), pte.PPN())
		require.False(t, pte.Flags().Has(PTEUser))
		require.Empty(t, mm.Areas())
	})

	n.It("maps physical memory one to one for kernel spaces", func(t *testing.T) {
		p := testPlatform(64)

		mm, err := New(p, true)
		require.NoError(t, err)

		pm := p.Frames.Memory()
		pa, ok := mm.Translate(pm.Base() + 0x3010)
		require.True(t, ok)
		require.Equal(t, pm.Base()+0x3010, pa)
	})

	n.Meow()
}

func TestCopyOnWrite(t *testing.T) {
	n := neko.Modern(t)

	n.It("gives the child identical contents", func(t *testing.T) {
		p := testPlatform(256)
		parent := userSpace(t, p)

		data := make([]byte, 3*PageSize)
		rand.New(rand.NewSource(1)).Read(data)

		require.NoError(t, parent.AllocWriteVMA(data, 0x10000, 0x13000, rw))
		_, err := parent.AllocVMA(0x20000, 0x24000, rw, false)
		require.NoError(t, err)
		require.NoError(t, parent.WriteBytes(0x21000, []byte("lazy")))

		child, err := parent.Clone()
		require.NoError(t, err)

		if diff := cmp.Diff(parent.Areas(), child.Areas()); diff != "" {
			t.Fatalf("areas differ (-parent +child):\n%s", diff)
		}

		for _, r := range [][2]uint64{{0x10000, 0x13000}, {0x21000, 0x22000}} {
			pb, err := parent.ReadBytes(r[0], int(r[1]-r[0]))
			require.NoError(t, err)

			cb, err := child.ReadBytes(r[0], int(r[1]-r[0]))
			require.NoError(t, err)

			require.Equal(t, pb, cb)
		}

		ppte, _ := parent.TranslatePTE(0x10000)
		cpte, _ := child.TranslatePTE(0x10000)
		require.Equal(t, ppte.PPN(), cpte.PPN())
		require.False(t, ppte.Writable())
		require.False(t, cpte.Writable())
	})

	n.It("isolates writes after the copy", func(t *testing.T) {
		p := testPlatform(256)
		parent := userSpace(t, p)

		require.NoError(t, parent.AllocWriteVMA([]byte("parent"), 0x10000, 0x11000, rw))

		child, err := parent.Clone()
		require.NoError(t, err)

		require.NoError(t, child.HandlePageFault(0x10000, VMWrite|VMUser))
		require.NoError(t, child.WriteBytes(0x10000, []byte("child!")))

		pb, err := parent.ReadBytes(0x10000, 6)
		require.NoError(t, err)
		require.Equal(t, "parent", string(pb))

		// The parent is now the only holder, so its write upgrades in place.
		before, _ := parent.TranslatePTE(0x10000)
		require.NoError(t, parent.WriteBytes(0x10000, []byte("PARENT")))
		after, _ := parent.TranslatePTE(0x10000)
		require.Equal(t, before.PPN(), after.PPN())
		require.True(t, after.Writable())

		cb, err := child.ReadBytes(0x10000, 6)
		require.NoError(t, err)
		require.Equal(t, "child!", string(cb))
	})

	n.It("keeps shared areas shared", func(t *testing.T) {
		p := testPlatform(256)
		parent := userSpace(t, p)

		require.NoError(t, parent.AllocWriteVMA(nil, 0x10000, 0x11000, rw|VMShared))

		child, err := parent.Clone()
		require.NoError(t, err)

		require.NoError(t, child.WriteBytes(0x10000, []byte("both")))

		pb, err := parent.ReadBytes(0x10000, 4)
		require.NoError(t, err)
		require.Equal(t, "both", string(pb))
	})

	n.Meow()
}

// TestRandomMappingsNeverOverlap drives the space through random mmap,
// munmap and mprotect calls and checks the catalog and page table agree.
func TestRandomMappingsNeverOverlap(t *testing.T) {
	p := testPlatform(1024)
	p.HeapSize = 0

	mm := userSpace(t, p)
	rng := rand.New(rand.NewSource(42))

	const window = 64

	for i := 0; i < 500; i++ {
		start := uint64(rng.Intn(window)+1) * PageSize
		length := uint64(rng.Intn(8)+1) * PageSize

		switch rng.Intn(4) {
		case 0:
			mm.AllocVMA(start, start+length, rw, false)
		case 1:
			mm.DoMunmap(start, length)
		case 2:
			mm.Mprotect(start, length, linux.PROT_READ)
		case 3:
			mm.WriteBytes(start, []byte{byte(i)})
		}

		areas := mm.Areas()
		for j := 1; j < len(areas); j++ {
			require.True(t, areas[j-1].End <= areas[j].Start, "overlap %#v %#v", areas[j-1], areas[j])
		}

		for va := uint64(PageSize); va < (window+10)*PageSize; va += PageSize {
			var covered *AreaInfo
			for k := range areas {
				if areas[k].Start <= va && va < areas[k].End {
					covered = &areas[k]
				}
			}

			if _, ok := mm.Translate(va); ok {
				require.NotNil(t, covered, "page %#x mapped outside any area", va)
			}
		}
	}
}
