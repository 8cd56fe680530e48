package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/wrm-go/alpha/internal/abi"
)

// buildMinimalELF hand-assembles a minimal 64-bit static executable with
// exactly one PT_LOAD segment, since the retrieval pack has no ELF
// fixture generator and debug/elf has no writer. segData is the on-file
// payload; memSize may exceed len(segData) to model trailing BSS.
func buildMinimalELF(t *testing.T, vaddr uint64, entry uint64, segData []byte, memSize uint64, flags uint32) []byte {
	t.Helper()
	const ehsize = 64
	const phentsize = 56
	const dataOffset = ehsize + phentsize

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, flags)
	binary.Write(&buf, binary.LittleEndian, uint64(dataOffset))
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, vaddr) // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(segData)))
	binary.Write(&buf, binary.LittleEndian, memSize)
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000)) // p_align

	buf.Write(segData)
	return buf.Bytes()
}

func TestLoadParsesEntryAndSegment(t *testing.T) {
	payload := []byte{0x90, 0x90, 0xc3} // nop nop ret
	raw := buildMinimalELF(t, 0x400000, 0x400000, payload, 0x2000, uint32(elf.PF_R|elf.PF_X))

	img, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != 0x400000 {
		t.Fatalf("got entry 0x%x, want 0x400000", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.VAddr != 0x400000 || seg.MemSize != 0x2000 {
		t.Fatalf("segment mismatch: %+v", seg)
	}
	if !bytes.Equal(seg.FileData, payload) {
		t.Fatalf("got file data %v, want %v", seg.FileData, payload)
	}
	if !seg.Access.Contains(abi.AccessRead) || !seg.Access.Contains(abi.AccessExecute) {
		t.Fatalf("expected R+X access, got %v", seg.Access)
	}
	if seg.Access.Contains(abi.AccessWrite) {
		t.Fatalf("did not expect write access, got %v", seg.Access)
	}
}

func TestLoadRejectsNonExecType(t *testing.T) {
	raw := buildMinimalELF(t, 0x1000, 0x1000, []byte{0x90}, 0x1000, uint32(elf.PF_R))
	// Flip e_type from ET_EXEC to ET_DYN (offset 16).
	binary.LittleEndian.PutUint16(raw[16:18], uint16(elf.ET_DYN))

	if _, err := Load(raw); err == nil {
		t.Fatal("expected error for non-ET_EXEC image")
	}
}

func TestLoadRejectsNoLoadSegments(t *testing.T) {
	raw := buildMinimalELF(t, 0x1000, 0x1000, nil, 0, uint32(elf.PF_R))
	// Flip p_type from PT_LOAD to PT_NULL (offset 64).
	binary.LittleEndian.PutUint32(raw[64:68], uint32(elf.PT_NULL))

	if _, err := Load(raw); err == nil {
		t.Fatal("expected error for image with no PT_LOAD segments")
	}
}
