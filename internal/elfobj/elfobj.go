// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfobj is the ELF collaborator the livepatch converter consumes:
// it opens a relocatable object into an in-memory graph of sections, symbols
// and relocations, and writes a mutated graph back out. The converter core
// never parses or serializes ELF itself — it edits the graph, through the
// operations this package exposes (create a relocation section, move a
// relocation, rename a symbol, remove a section or symbol).
//
// Unlike github.com/aclements/go-obj/obj, which this package's read path is
// grounded on, the graph here is mutable and round-trips: Write serializes
// whatever File.Sections/File.Symbols looks like after the core has edited
// it, not just the bytes that were read in.
package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/joelawrence/klp-convert-go/arch"
)

// A File is the in-memory graph of one ELF relocatable object.
type File struct {
	Class     elf.Class
	Data      elf.Data
	Machine   elf.Machine
	ByteOrder binary.ByteOrder
	Layout    arch.Layout

	// Sections holds every section the converter can see or create,
	// excluding the null section, the symbol table, its linked string
	// table, and the section header string table — those are write-time
	// bookkeeping, not part of the graph the core operates on.
	Sections []*Section

	// Symbols holds every symbol in the object's single symbol table,
	// including index 0, the reserved null symbol.
	Symbols []*Symbol

	// localCount is the symbol table's sh_info: one past the index of
	// the last STB_LOCAL symbol. Conversion never reorders symbols, so
	// this only needs to shrink when a local symbol below the boundary
	// is removed.
	localCount int
}

// A Section is a named region of an ELF object: either ordinary content
// (code, data, notes, ...) or a RELA relocation section.
type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	EntSize   uint64
	Addralign uint64

	// Data holds the raw bytes of a non-relocation section. It is nil
	// for SHT_RELA sections, whose content is Relocs instead, and for
	// SHT_NOBITS sections, whose logical size is Size.
	Data []byte
	Size uint64

	// Target is the section an SHT_RELA section's entries apply to. Nil
	// for every non-relocation section.
	Target *Section

	// Relocs holds this section's relocation entries, in file order.
	// Only meaningful when Type == elf.SHT_RELA.
	Relocs []*Reloc
}

// A Symbol is one entry of the object's symbol table.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Bind  elf.SymBind
	Type  elf.SymType
	Other uint8

	// Section is the symbol's defining section, or nil if the symbol is
	// undefined, absolute, or has been converted to livepatch form.
	Section *Section

	// Null is true only for Symbols[0], the reserved null symbol that
	// every ELF symbol table carries at index 0.
	Null bool

	// Converted is true once the rewriter has renamed this symbol into
	// its livepatch wire form. Write emits a converted symbol with the
	// livepatch pseudo-section index as st_shndx and its new Name
	// interned into the output string table.
	Converted bool
}

// A Reloc is one relocation entry within a Section.
type Reloc struct {
	Offset uint64
	Type   uint32
	Addend int64
	Symbol *Symbol

	// KlpTarget is set by the rewriter once this relocation has been
	// resolved: the livepatch relocation section it will be moved into.
	// Nil means "not yet converted".
	KlpTarget *Section
}

// FindSection returns the section named name, or nil.
func (f *File) FindSection(name string) *Section {
	for _, s := range f.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// RelocsFor returns the SHT_RELA section whose Target is sec, or nil if sec
// has no relocations applied to it.
func (f *File) RelocsFor(sec *Section) *Section {
	for _, s := range f.Sections {
		if s.Type == elf.SHT_RELA && s.Target == sec {
			return s
		}
	}
	return nil
}

// CreateRelaSection creates (and registers) a new, empty SHT_RELA section
// named name, applying to target. The caller is responsible for setting any
// additional header flags (e.g. the livepatch flag).
func (f *File) CreateRelaSection(name string, target *Section) *Section {
	sec := &Section{
		Name:    name,
		Type:    elf.SHT_RELA,
		EntSize: 24,
		Target:  target,
	}
	f.Sections = append(f.Sections, sec)
	return sec
}

// MoveReloc removes r from from.Relocs and appends it to to.Relocs. It
// panics if r is not found in from.Relocs, since that indicates a bug in
// the caller's bookkeeping, not a user-correctable error.
func (f *File) MoveReloc(r *Reloc, from, to *Section) {
	for i, cur := range from.Relocs {
		if cur == r {
			from.Relocs = append(from.Relocs[:i], from.Relocs[i+1:]...)
			to.Relocs = append(to.Relocs, r)
			return
		}
	}
	panic(fmt.Sprintf("elfobj: relocation not found in section %s", from.Name))
}

// RemoveSection deletes sec from the graph. Any relocations still pointing
// at sec as their Target become meaningless; callers must clear or move
// them first.
func (f *File) RemoveSection(sec *Section) {
	for i, s := range f.Sections {
		if s == sec {
			f.Sections = append(f.Sections[:i], f.Sections[i+1:]...)
			return
		}
	}
}

// RemoveRelocsTo deletes, from every section in the graph, every relocation
// that targets sym.
func (f *File) RemoveRelocsTo(sym *Symbol) {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		kept := sec.Relocs[:0]
		for _, r := range sec.Relocs {
			if r.Symbol != sym {
				kept = append(kept, r)
			}
		}
		sec.Relocs = kept
	}
}

// RemoveSymbol deletes sym from the symbol table.
func (f *File) RemoveSymbol(sym *Symbol) {
	for i, s := range f.Symbols {
		if s == sym {
			if s.Bind == elf.STB_LOCAL && i < f.localCount {
				f.localCount--
			}
			f.Symbols = append(f.Symbols[:i], f.Symbols[i+1:]...)
			return
		}
	}
}

// ConvertSymbol rewrites sym in place into its livepatch wire form: its
// name becomes newName, its defining section is cleared, and it is marked
// Converted so Write emits the livepatch pseudo-section index as its
// st_shndx and writes newName into the output string table.
func (f *File) ConvertSymbol(sym *Symbol, newName string) {
	sym.Name = newName
	sym.Section = nil
	sym.Converted = true
}
