// Package elf parses a flat application image's loadable segments, the
// job spec.md §1 names as an external collaborator ("the ELF loader"). It
// does not allocate frames or copy segment bytes anywhere. original_source's spawn path
// (app/alpha/main.cpp) reads an image by raw section/segment copy from
// its own minimal loader; this package uses the standard library's
// debug/elf reader instead, since no third-party ELF parser appears
// anywhere in the retrieval pack and debug/elf is the idiomatic stdlib
// choice for this job (see DESIGN.md).
package elf

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/wrm-go/alpha/internal/abi"
)

// Segment is one PT_LOAD segment, decoded for the caller
// (internal/apploader), which owns the frame allocation and
// virtual-address bookkeeping.
type Segment struct {
	VAddr    uint64
	MemSize  uint64
	FileData []byte // the on-file bytes; the remainder up to MemSize is BSS (zero)
	Access   abi.AccessMask
}

// Image is a parsed application image: its entry point and every
// PT_LOAD segment in file order.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Load parses raw as an ELF executable and extracts its loadable
// segments. It rejects images that are not 64-bit or whose type is not
// ET_EXEC (it does not look for a PT_INTERP segment), since the root task has no dynamic linker or position-independent
// loader (spec.md's Non-goals exclude demand paging generally, and
// nothing in the original system supports dynamic linking either).
func Load(raw []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("elf: parse: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elf: only 64-bit images are supported")
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("elf: only static executables are supported, got %s", f.Type)
	}

	img := &Image{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("elf: read segment at vaddr=0x%x: %w", prog.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{
			VAddr:    prog.Vaddr,
			MemSize:  prog.Memsz,
			FileData: data,
			Access:   accessFromFlags(prog.Flags),
		})
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("elf: no PT_LOAD segments found")
	}
	return img, nil
}

func accessFromFlags(flags elf.ProgFlag) abi.AccessMask {
	var m abi.AccessMask
	if flags&elf.PF_R != 0 {
		m |= abi.AccessRead
	}
	if flags&elf.PF_W != 0 {
		m |= abi.AccessWrite
	}
	if flags&elf.PF_X != 0 {
		m |= abi.AccessExecute
	}
	return m
}
