//go:build linux

package kvmengine

import (
	"encoding/binary"
	"testing"
)

func TestWriteGDTLayout(t *testing.T) {
	mem := make([]byte, 0x10000)
	writeGDT(mem)
	for i, want := range gdtEntries {
		got := binary.LittleEndian.Uint64(mem[gdtAddr+8*i:])
		if got != want {
			t.Fatalf("gdt entry %d = %#x, want %#x", i, got, want)
		}
	}
}

func TestWritePageTablesIdentityMapsLowGigabyte(t *testing.T) {
	mem := make([]byte, 0x200000)
	writePageTables(mem)

	pml4e := binary.LittleEndian.Uint64(mem[pml4Addr:])
	if pml4e&0x03 != 0x03 {
		t.Fatalf("pml4 entry not present+writable: %#x", pml4e)
	}

	pde0 := binary.LittleEndian.Uint64(mem[pdeAddr:])
	if pde0 != 0x83 {
		t.Fatalf("pde[0] = %#x, want 0x83 (present|writable|huge, addr 0)", pde0)
	}

	pde1 := binary.LittleEndian.Uint64(mem[pdeAddr+8:])
	wantPde1 := uint64(pageSize2MB) | 0x83
	if pde1 != wantPde1 {
		t.Fatalf("pde[1] = %#x, want %#x", pde1, wantPde1)
	}
}

func TestBuildE820MapCoversLowMemoryHole(t *testing.T) {
	entries := buildE820Map(256 * 1024 * 1024)
	if len(entries) != 4 {
		t.Fatalf("expected 4 e820 entries, got %d", len(entries))
	}
	if entries[0].Type != e820TypeRAM || entries[0].Addr != 0 {
		t.Fatalf("entry 0 should be low RAM, got %+v", entries[0])
	}
	if entries[1].Type != e820TypeReserved {
		t.Fatalf("entry 1 should be reserved (EBDA/hole), got %+v", entries[1])
	}
	last := entries[3]
	if last.Addr != 0x100000 || last.Type != e820TypeRAM {
		t.Fatalf("entry 3 should be high RAM starting at 1MiB, got %+v", last)
	}
}

func TestBuildE820MapCapsAtThreeGB(t *testing.T) {
	entries := buildE820Map(8 * 1024 * 1024 * 1024)
	last := entries[3]
	if last.Addr+last.Size != 0xc000_0000 {
		t.Fatalf("expected high RAM region capped at 3GiB, got end %#x", last.Addr+last.Size)
	}
}

func TestWriteBootParamsSetsBootSignature(t *testing.T) {
	mem := make([]byte, bootParamsAddr+4096+0x20000)
	writeBootParams(mem, 256*1024*1024, 13, initrdLoadAddr, 4096)
	bp := mem[bootParamsAddr:]
	if binary.LittleEndian.Uint16(bp[bootFlagOff:]) != 0xAA55 {
		t.Fatalf("boot signature not set")
	}
	if bp[bpE820EntriesOff] == 0 {
		t.Fatalf("e820 entry count not set")
	}
	if bp[hdrTypeOfLoaderOff] != typeOfLoaderUndefined {
		t.Fatalf("type_of_loader = %#x, want 0xff", bp[hdrTypeOfLoaderOff])
	}
	if binary.LittleEndian.Uint32(bp[hdrCmdlinePtrOff:]) != cmdlineAddr {
		t.Fatalf("cmdline pointer not set")
	}
	if binary.LittleEndian.Uint32(bp[hdrCmdlineSizeOff:]) != 13 {
		t.Fatalf("cmdline size = %d, want 13", binary.LittleEndian.Uint32(bp[hdrCmdlineSizeOff:]))
	}
	if binary.LittleEndian.Uint32(bp[hdrRamdiskImageOff:]) != initrdLoadAddr {
		t.Fatalf("ramdisk image address not set")
	}
	if binary.LittleEndian.Uint32(bp[hdrRamdiskSizeOff:]) != 4096 {
		t.Fatalf("ramdisk size not set")
	}
}

func TestWriteCmdlineNullTerminates(t *testing.T) {
	mem := make([]byte, cmdlineAddr+64)
	n := writeCmdline(mem, "console=ttyS0")
	if n != 13 {
		t.Fatalf("cmdline length = %d, want 13", n)
	}
	if mem[cmdlineAddr+13] != 0 {
		t.Fatalf("cmdline not null-terminated")
	}
}
