// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfobj

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/joelawrence/klp-convert-go/arch"
)

const sym64Size = 24 // name(4) + info(1) + other(1) + shndx(2) + value(8) + size(8)
const rela64Size = 24 // offset(8) + info(8) + addend(8)

// Open parses r as an ELFCLASS64 relocatable object using SHT_RELA
// relocations — the shape every livepatch-capable architecture (x86_64,
// arm64, ppc64le, s390x) produces. Other classes and SHT_REL objects are
// rejected; see DESIGN.md.
func Open(r io.ReaderAt) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("elfobj: %w", err)
	}
	if ef.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elfobj: unsupported ELF class %s (only ELFCLASS64 is supported)", ef.Class)
	}
	if ef.Type != elf.ET_REL {
		return nil, fmt.Errorf("elfobj: unsupported ELF type %s (only ET_REL is supported)", ef.Type)
	}

	f := &File{
		Class:     ef.Class,
		Data:      ef.Data,
		Machine:   ef.Machine,
		ByteOrder: ef.ByteOrder,
		Layout:    arch.NewLayout(ef.ByteOrder, 8),
	}

	symtabIdx, strtabIdx, err := findSymtab(ef)
	if err != nil {
		return nil, err
	}

	// Build the kept-section list (everything except the null section,
	// the symbol table, its linked string table, and the section header
	// string table), indexed by raw ELF section number for Link/Info
	// resolution.
	var kept []*Section
	raw2sec := make(map[int]*Section, len(ef.Sections))
	for i, es := range ef.Sections {
		if i == 0 || i == symtabIdx || i == strtabIdx || isShstrtab(es) {
			continue
		}
		if es.Type == elf.SHT_REL {
			return nil, fmt.Errorf("elfobj: unsupported relocation section %s (only SHT_RELA is supported)", es.Name)
		}
		sec := &Section{
			Name:      es.Name,
			Type:      es.Type,
			Flags:     es.Flags,
			EntSize:   es.Entsize,
			Addralign: es.Addralign,
			Size:      es.Size,
		}
		if es.Type != elf.SHT_NOBITS && es.Type != elf.SHT_RELA && es.Type != elf.SHT_NULL {
			data, err := es.Data()
			if err != nil {
				return nil, fmt.Errorf("elfobj: reading section %s: %w", es.Name, err)
			}
			sec.Data = data
		}
		raw2sec[i] = sec
		kept = append(kept, sec)
	}
	f.Sections = kept

	// Resolve RELA sections' targets and parse their entries. This is a
	// second pass because a RELA section's Info may reference a section
	// at a higher raw index than itself.
	symtab := ef.Sections[symtabIdx]
	symtabBytes, err := symtab.Data()
	if err != nil {
		return nil, fmt.Errorf("elfobj: reading symbol table: %w", err)
	}
	strtab := ef.Sections[strtabIdx]
	strtabBytes, err := strtab.Data()
	if err != nil {
		return nil, fmt.Errorf("elfobj: reading string table: %w", err)
	}

	syms, localCount, err := parseSymtab(f.ByteOrder, symtabBytes, strtabBytes, raw2sec, uint32(symtab.Info))
	if err != nil {
		return nil, err
	}
	f.Symbols = syms
	f.localCount = localCount

	for i, es := range ef.Sections {
		sec, ok := raw2sec[i]
		if !ok || es.Type != elf.SHT_RELA {
			continue
		}
		if target, ok := raw2sec[int(es.Info)]; ok {
			sec.Target = target
		}
		data, err := es.Data()
		if err != nil {
			return nil, fmt.Errorf("elfobj: reading relocations %s: %w", es.Name, err)
		}
		relocs, err := parseRela64(f.ByteOrder, data, syms)
		if err != nil {
			return nil, fmt.Errorf("elfobj: parsing relocations %s: %w", es.Name, err)
		}
		sec.Relocs = relocs
	}

	return f, nil
}

// isShstrtab reports whether es is the section header string table. The Go
// standard library doesn't expose e_shstrndx, but every toolchain that
// produces kernel objects names this section ".shstrtab" by convention.
func isShstrtab(es *elf.Section) bool {
	return es.Type == elf.SHT_STRTAB && es.Name == ".shstrtab"
}

// findSymtab locates the single SHT_SYMTAB section and the SHT_STRTAB
// section it links to.
func findSymtab(ef *elf.File) (symtabIdx, strtabIdx int, err error) {
	symtabIdx = -1
	for i, es := range ef.Sections {
		if es.Type == elf.SHT_SYMTAB {
			if symtabIdx != -1 {
				return 0, 0, fmt.Errorf("elfobj: object has more than one SHT_SYMTAB section")
			}
			symtabIdx = i
			strtabIdx = int(es.Link)
		}
	}
	if symtabIdx == -1 {
		return 0, 0, fmt.Errorf("elfobj: object has no symbol table")
	}
	if strtabIdx <= 0 || strtabIdx >= len(ef.Sections) || ef.Sections[strtabIdx].Type != elf.SHT_STRTAB {
		return 0, 0, fmt.Errorf("elfobj: symbol table links to a non-string-table section")
	}
	return symtabIdx, strtabIdx, nil
}

func cstring(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	b = b[off:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseSymtab(order elfByteOrder, symtabBytes, strtabBytes []byte, raw2sec map[int]*Section, shInfo uint32) ([]*Symbol, int, error) {
	if len(symtabBytes)%sym64Size != 0 {
		return nil, 0, fmt.Errorf("elfobj: symbol table size %d is not a multiple of %d", len(symtabBytes), sym64Size)
	}
	count := len(symtabBytes) / sym64Size
	syms := make([]*Symbol, count)
	for i := 0; i < count; i++ {
		b := symtabBytes[i*sym64Size:]
		nameOff := order.Uint32(b[0:4])
		info := b[4]
		other := b[5]
		shndx := order.Uint16(b[6:8])
		value := order.Uint64(b[8:16])
		size := order.Uint64(b[16:24])

		sym := &Symbol{
			Name:  cstring(strtabBytes, nameOff),
			Value: value,
			Size:  size,
			Bind:  elf.SymBind(info >> 4),
			Type:  elf.SymType(info & 0xf),
			Other: other,
			Null:  i == 0,
		}
		if sec, ok := raw2sec[int(shndx)]; ok {
			sym.Section = sec
		}
		syms[i] = sym
	}
	return syms, int(shInfo), nil
}

func parseRela64(order elfByteOrder, data []byte, syms []*Symbol) ([]*Reloc, error) {
	if len(data)%rela64Size != 0 {
		return nil, fmt.Errorf("size %d is not a multiple of %d", len(data), rela64Size)
	}
	n := len(data) / rela64Size
	relocs := make([]*Reloc, n)
	for i := 0; i < n; i++ {
		b := data[i*rela64Size:]
		off := order.Uint64(b[0:8])
		info := order.Uint64(b[8:16])
		addend := int64(order.Uint64(b[16:24]))

		symIdx := uint32(info >> 32)
		typ := uint32(info)

		var sym *Symbol
		if int(symIdx) < len(syms) {
			sym = syms[symIdx]
		}
		relocs[i] = &Reloc{Offset: off, Type: typ, Addend: addend, Symbol: sym}
	}
	return relocs, nil
}

// elfByteOrder is the subset of binary.ByteOrder parseSymtab/parseRela64
// need; declared locally so this file doesn't need to import
// encoding/binary just for the parameter type.
type elfByteOrder interface {
	Uint16([]byte) uint16
	Uint32([]byte) uint32
	Uint64([]byte) uint64
}
