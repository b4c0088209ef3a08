package task

import (
	"encoding/binary"
	"testing"
)

func readWord(stack []byte, top, sp, addr uint64) uint64 {
	off := addr - sp
	return binary.LittleEndian.Uint64(stack[off : off+8])
}

func TestBuildUserStackSpIs16ByteAligned(t *testing.T) {
	const top = 0x0000_7fff_ffff_f000
	sp, stack := BuildUserStack(top, []string{"init"}, []string{"HOME=/root"}, nil)
	if len(stack) == 0 {
		t.Fatalf("expected non-empty stack")
	}
	if sp%16 != 0 {
		t.Fatalf("expected 16-byte aligned sp, got %#x", sp)
	}
}

func TestBuildUserStackArgcMatchesArgvLength(t *testing.T) {
	const top = 0x0000_7fff_ffff_f000
	argv := []string{"a", "bb", "ccc"}
	sp, stack := BuildUserStack(top, argv, nil, nil)

	argc := readWord(stack, top, sp, sp)
	if argc != uint64(len(argv)) {
		t.Fatalf("expected argc %d, got %d", len(argv), argc)
	}
}

func TestBuildUserStackArgvPointersAreNullTerminated(t *testing.T) {
	const top = 0x0000_7fff_ffff_f000
	argv := []string{"one", "two"}
	sp, stack := BuildUserStack(top, argv, nil, nil)

	// argv pointer array starts one word above argc.
	base := sp + 8
	terminator := readWord(stack, top, sp, base+uint64(len(argv))*8)
	if terminator != AtNull {
		t.Fatalf("expected NULL terminator after argv pointers, got %#x", terminator)
	}
}

func TestBuildUserStackEmptyArgvAndEnvpStillProducesValidStack(t *testing.T) {
	const top = 0x0000_7fff_ffff_f000
	sp, stack := BuildUserStack(top, nil, nil, nil)
	if sp%16 != 0 {
		t.Fatalf("expected aligned sp for empty argv/envp, got %#x", sp)
	}
	argc := readWord(stack, top, sp, sp)
	if argc != 0 {
		t.Fatalf("expected argc 0, got %d", argc)
	}
}

func TestBuildTLSImageSelfPointerDereferencesToItself(t *testing.T) {
	const vBase = 0x0000_7000_0000_0000
	initial := []byte{1, 2, 3, 4}
	image, selfPtr := BuildTLSImage(vBase, initial, 64)

	if selfPtr != vBase+64 {
		t.Fatalf("expected self-pointer at vBase+size, got %#x", selfPtr)
	}
	got := binary.LittleEndian.Uint64(image[64:72])
	if got != selfPtr {
		t.Fatalf("expected the self-pointer slot to hold its own address, got %#x", got)
	}
	if string(image[:len(initial)]) != string(initial) {
		t.Fatalf("expected initial image copied verbatim")
	}
	for _, b := range image[len(initial):64] {
		if b != 0 {
			t.Fatalf("expected zero-filled BSS past the initial image")
		}
	}
}

func TestBuildTLSImageGrowsSizeToFitOversizedInitialImage(t *testing.T) {
	initial := make([]byte, 32)
	image, selfPtr := BuildTLSImage(0x1000, initial, 8)
	if len(image) != 32+8 {
		t.Fatalf("expected size to grow to fit the initial image, got %d", len(image))
	}
	if selfPtr != 0x1000+32 {
		t.Fatalf("expected self-pointer past the grown image, got %#x", selfPtr)
	}
}

func TestCreateThreadWithTLSSetsFSBaseAndGSBaseToSelfPointer(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "tls", Mode: ModeUser})
	th, err := CreateThread(CreateThreadInput{
		Parent:   p,
		TLSImage: []byte{0xAA, 0xBB},
		TLSSize:  16,
		TLSVBase: 0x2000,
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	wantSelf := uint64(0x2000 + 16)
	if th.FSBase != wantSelf || th.GSBase != wantSelf {
		t.Fatalf("expected FSBase/GSBase %#x, got FSBase=%#x GSBase=%#x", wantSelf, th.FSBase, th.GSBase)
	}
	if th.TLS.VBase != 0x2000 || th.TLS.Size != 16 {
		t.Fatalf("expected TLS block VBase=0x2000 Size=16, got %+v", th.TLS)
	}
}
