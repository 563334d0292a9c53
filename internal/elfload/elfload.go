// Package elfload is the minimal ELF64 walk the process loader needs: header
// validation and PT_LOAD program-header iteration. Anything beyond the load
// view (sections, symbols, relocations) is out of scope.
package elfload

import (
	"encoding/binary"
	"errors"
)

// Program-header types and flags.
const (
	PTLoad = 1

	PFX = 1
	PFW = 2
	PFR = 4
)

const (
	ehdrSize = 64
	phdrSize = 56

	etExec  = 2
	emRiscv = 243
)

// ErrBadImage is returned for anything that is not a little-endian ELF64
// RISC-V executable.
var ErrBadImage = errors.New("elfload: not a loadable RISC-V executable")

// ProgHeader is one ELF64 program header.
type ProgHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// File is a parsed ELF image. Raw aliases the input bytes.
type File struct {
	Entry    uint64
	Pheaders []ProgHeader
	Raw      []byte
}

// New validates and parses an ELF image: 0x7f ELF magic, 64-bit class,
// little-endian, version 1, ET_EXEC, EM_RISCV.
func New(img []byte) (*File, error) {
	if len(img) < ehdrSize {
		return nil, ErrBadImage
	}
	if img[0] != 0x7f || img[1] != 'E' || img[2] != 'L' || img[3] != 'F' {
		return nil, ErrBadImage
	}
	if img[4] != 2 || img[5] != 1 || img[6] != 1 {
		return nil, ErrBadImage
	}
	le := binary.LittleEndian
	if le.Uint16(img[16:]) != etExec ||
		le.Uint16(img[18:]) != emRiscv ||
		le.Uint32(img[20:]) != 1 {
		return nil, ErrBadImage
	}

	phoff := le.Uint64(img[32:])
	phnum := int(le.Uint16(img[56:]))
	if phoff > uint64(len(img)) || uint64(phnum)*phdrSize > uint64(len(img))-phoff {
		return nil, ErrBadImage
	}

	f := &File{
		Entry:    le.Uint64(img[24:]),
		Pheaders: make([]ProgHeader, phnum),
		Raw:      img,
	}
	for i := range f.Pheaders {
		rec := img[phoff+uint64(i)*phdrSize:]
		f.Pheaders[i] = ProgHeader{
			Type:   le.Uint32(rec[0:]),
			Flags:  le.Uint32(rec[4:]),
			Offset: le.Uint64(rec[8:]),
			Vaddr:  le.Uint64(rec[16:]),
			Paddr:  le.Uint64(rec[24:]),
			Filesz: le.Uint64(rec[32:]),
			Memsz:  le.Uint64(rec[40:]),
			Align:  le.Uint64(rec[48:]),
		}
	}
	return f, nil
}

// Segment returns the file bytes of a program header, or ErrBadImage when
// its offsets fall outside the image.
func (f *File) Segment(ph ProgHeader) ([]byte, error) {
	if ph.Offset > uint64(len(f.Raw)) || ph.Filesz > uint64(len(f.Raw))-ph.Offset {
		return nil, ErrBadImage
	}
	return f.Raw[ph.Offset : ph.Offset+ph.Filesz], nil
}

// Build synthesizes a minimal executable from segments, for tooling and
// tests. Segment data is placed back to back after the headers.
func Build(entry uint64, segs []BuildSegment) []byte {
	le := binary.LittleEndian
	off := uint64(ehdrSize + phdrSize*len(segs))

	img := make([]byte, off)
	copy(img, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(img[16:], etExec)
	le.PutUint16(img[18:], emRiscv)
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[24:], entry)
	le.PutUint64(img[32:], ehdrSize)
	le.PutUint16(img[52:], ehdrSize)
	le.PutUint16(img[54:], phdrSize)
	le.PutUint16(img[56:], uint16(len(segs)))

	for i, s := range segs {
		memsz := s.Memsz
		if memsz < uint64(len(s.Data)) {
			memsz = uint64(len(s.Data))
		}
		rec := img[ehdrSize+i*phdrSize:]
		le.PutUint32(rec[0:], PTLoad)
		le.PutUint32(rec[4:], s.Flags)
		le.PutUint64(rec[8:], off)
		le.PutUint64(rec[16:], s.Vaddr)
		le.PutUint64(rec[24:], s.Vaddr)
		le.PutUint64(rec[32:], uint64(len(s.Data)))
		le.PutUint64(rec[40:], memsz)
		le.PutUint64(rec[48:], 0x1000)
		off += uint64(len(s.Data))
	}
	for _, s := range segs {
		img = append(img, s.Data...)
	}
	return img
}

// BuildSegment describes one PT_LOAD segment for Build.
type BuildSegment struct {
	Vaddr uint64
	Flags uint32
	Data  []byte
	// Memsz, when larger than len(Data), adds zero-fill (BSS).
	Memsz uint64
}
