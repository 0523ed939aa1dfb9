// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfobj

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"

	"github.com/joelawrence/klp-convert-go/internal/klpfmt"
)

// Write serializes f's current graph — sections, symbols and relocations,
// after whatever the converter has mutated — to a new ELFCLASS64 ET_REL
// object at path.
func (f *File) Write(path string) error {
	order := f.ByteOrder

	rawIndex := make(map[*Section]int, len(f.Sections))
	for i, s := range f.Sections {
		rawIndex[s] = i + 1 // 0 is the reserved null section
	}
	symIndex := make(map[*Symbol]int, len(f.Symbols))
	for i, s := range f.Symbols {
		symIndex[s] = i
	}
	symtabRaw := len(f.Sections) + 1
	strtabRaw := symtabRaw + 1
	shstrtabRaw := strtabRaw + 1
	numSections := shstrtabRaw + 1

	shstrtab, shName := newStrtab()
	names := make([]uint32, numSections)
	for _, s := range f.Sections {
		names[rawIndex[s]] = shName(s.Name)
	}
	names[symtabRaw] = shName(".symtab")
	names[strtabRaw] = shName(".strtab")
	names[shstrtabRaw] = shName(".shstrtab")

	strtab, symName := newStrtab()
	symtabBytes, err := buildSymtab(order, f.Symbols, rawIndex, symName)
	if err != nil {
		return err
	}

	type laidOut struct {
		offset, size uint64
	}
	layout := make(map[int]laidOut, numSections)

	var body bytes.Buffer
	cursor := uint64(elfHeaderSize)

	place := func(raw int, data []byte, align uint64) {
		if align < 1 {
			align = 1
		}
		cursor = alignUp(cursor, align)
		for uint64(body.Len())+elfHeaderSize < cursor {
			body.WriteByte(0)
		}
		layout[raw] = laidOut{offset: cursor, size: uint64(len(data))}
		body.Write(data)
		cursor += uint64(len(data))
	}

	for _, s := range f.Sections {
		raw := rawIndex[s]
		switch s.Type {
		case elf.SHT_NOBITS:
			layout[raw] = laidOut{offset: cursor, size: s.Size}
		case elf.SHT_RELA:
			data, err := encodeRela64(order, s.Relocs, symIndex)
			if err != nil {
				return fmt.Errorf("elfobj: encoding relocations %s: %w", s.Name, err)
			}
			place(raw, data, align64(s.EntSize, 8))
		default:
			place(raw, s.Data, align64(s.Addralign, 1))
		}
	}
	place(symtabRaw, symtabBytes, 8)
	place(strtabRaw, strtab.Bytes(), 1)
	place(shstrtabRaw, shstrtab.Bytes(), 1)

	shoff := alignUp(cursor, 8)
	for uint64(body.Len())+elfHeaderSize < shoff {
		body.WriteByte(0)
	}

	var out bytes.Buffer
	writeELFHeader(&out, f, order, shoff, numSections, shstrtabRaw)
	out.Write(body.Bytes())

	writeNullShdr(&out, order)
	for _, s := range f.Sections {
		raw := rawIndex[s]
		lo := layout[raw]
		link, info := uint32(0), uint32(0)
		flags := uint64(s.Flags)
		if s.Type == elf.SHT_RELA {
			link, info = uint32(symtabRaw), uint32(rawIndex[s.Target])
		}
		writeShdr(&out, order, names[raw], uint32(s.Type), flags, lo.offset, shdrSize(s, lo), link, info, align64(s.Addralign, 1), s.EntSize)
	}
	writeShdr(&out, order, names[symtabRaw], uint32(elf.SHT_SYMTAB), 0, layout[symtabRaw].offset, layout[symtabRaw].size, uint32(strtabRaw), uint32(f.localCount), 8, sym64Size)
	writeShdr(&out, order, names[strtabRaw], uint32(elf.SHT_STRTAB), 0, layout[strtabRaw].offset, layout[strtabRaw].size, 0, 0, 1, 0)
	writeShdr(&out, order, names[shstrtabRaw], uint32(elf.SHT_STRTAB), 0, layout[shstrtabRaw].offset, layout[shstrtabRaw].size, 0, 0, 1, 0)

	return os.WriteFile(path, out.Bytes(), 0o644)
}

func shdrSize(s *Section, lo struct{ offset, size uint64 }) uint64 {
	if s.Type == elf.SHT_NOBITS {
		return s.Size
	}
	return lo.size
}

const elfHeaderSize = 64

func alignUp(x, align uint64) uint64 {
	if align <= 1 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

func align64(v, dflt uint64) uint64 {
	if v == 0 {
		return dflt
	}
	return v
}

// strtabBuilder accumulates a NUL-terminated string table, deduplicating
// repeated names the way a linker's string-merging pass would.
type strtabBuilder struct {
	buf    bytes.Buffer
	offset map[string]uint32
}

func newStrtab() (*strtabBuilder, func(string) uint32) {
	b := &strtabBuilder{offset: map[string]uint32{}}
	b.buf.WriteByte(0)
	return b, b.intern
}

func (b *strtabBuilder) intern(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := b.offset[s]; ok {
		return off
	}
	off := uint32(b.buf.Len())
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	b.offset[s] = off
	return off
}

func (b *strtabBuilder) Bytes() []byte { return b.buf.Bytes() }

func buildSymtab(order elfByteOrderWriter, syms []*Symbol, rawIndex map[*Section]int, intern func(string) uint32) ([]byte, error) {
	out := make([]byte, len(syms)*sym64Size)
	for i, sym := range syms {
		b := out[i*sym64Size:]
		var nameOff uint32
		var shndx uint16
		switch {
		case sym.Null:
			nameOff, shndx = 0, 0
		case sym.Converted:
			nameOff, shndx = intern(sym.Name), uint16(klpfmt.SHNLivepatch)
		case sym.Section != nil:
			nameOff = intern(sym.Name)
			raw, ok := rawIndex[sym.Section]
			if !ok {
				return nil, fmt.Errorf("elfobj: symbol %q defined in a section not present in the object", sym.Name)
			}
			shndx = uint16(raw)
		default:
			nameOff = intern(sym.Name)
			shndx = 0
		}
		order.PutUint32(b[0:4], nameOff)
		b[4] = byte(sym.Bind)<<4 | byte(sym.Type)
		b[5] = sym.Other
		order.PutUint16(b[6:8], shndx)
		order.PutUint64(b[8:16], sym.Value)
		order.PutUint64(b[16:24], sym.Size)
	}
	return out, nil
}

// encodeRela64 recomputes each relocation's symbol index fresh from
// symIndex (the symbol's current position in File.Symbols) rather than
// trusting any index cached at read time, so that symbols removed during
// annotation extraction never leave the table needing renumbering.
func encodeRela64(order elfByteOrderWriter, relocs []*Reloc, symIndex map[*Symbol]int) ([]byte, error) {
	out := make([]byte, len(relocs)*rela64Size)
	for i, r := range relocs {
		b := out[i*rela64Size:]
		idx, ok := symIndex[r.Symbol]
		if !ok {
			return nil, fmt.Errorf("elfobj: relocation targets a symbol not present in the symbol table")
		}
		order.PutUint64(b[0:8], r.Offset)
		order.PutUint64(b[8:16], uint64(idx)<<32|uint64(r.Type))
		order.PutUint64(b[16:24], uint64(r.Addend))
	}
	return out, nil
}

func writeELFHeader(out *bytes.Buffer, f *File, order elfByteOrderWriter, shoff uint64, numSections, shstrndx int) {
	var ident [16]byte
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = byte(f.Class)
	ident[5] = byte(f.Data)
	ident[6] = 1 // EV_CURRENT
	out.Write(ident[:])

	var hdr [48]byte
	order.PutUint16(hdr[0:2], uint16(elf.ET_REL))
	order.PutUint16(hdr[2:4], uint16(f.Machine))
	order.PutUint32(hdr[4:8], 1) // e_version
	order.PutUint64(hdr[8:16], 0) // e_entry
	order.PutUint64(hdr[16:24], 0) // e_phoff
	order.PutUint64(hdr[24:32], shoff)
	order.PutUint32(hdr[32:36], 0) // e_flags
	order.PutUint16(hdr[36:38], elfHeaderSize)
	order.PutUint16(hdr[38:40], 0) // e_phentsize
	order.PutUint16(hdr[40:42], 0) // e_phnum
	order.PutUint16(hdr[42:44], shdrSizeConst)
	order.PutUint16(hdr[44:46], uint16(numSections))
	order.PutUint16(hdr[46:48], uint16(shstrndx))
	out.Write(hdr[:])
}

const shdrSizeConst = 64

func writeNullShdr(out *bytes.Buffer, order elfByteOrderWriter) {
	var b [shdrSizeConst]byte
	out.Write(b[:])
}

func writeShdr(out *bytes.Buffer, order elfByteOrderWriter, name uint32, typ uint32, flags, offset, size uint64, link, info uint32, align, entsize uint64) {
	var b [shdrSizeConst]byte
	order.PutUint32(b[0:4], name)
	order.PutUint32(b[4:8], typ)
	order.PutUint64(b[8:16], flags)
	order.PutUint64(b[16:24], 0) // sh_addr
	order.PutUint64(b[24:32], offset)
	order.PutUint64(b[32:40], size)
	order.PutUint32(b[40:44], link)
	order.PutUint32(b[44:48], info)
	order.PutUint64(b[48:56], align)
	order.PutUint64(b[56:64], entsize)
	out.Write(b[:])
}

// elfByteOrderWriter is the subset of binary.ByteOrder Write needs.
type elfByteOrderWriter interface {
	PutUint16([]byte, uint16)
	PutUint32([]byte, uint32)
	PutUint64([]byte, uint64)
}
