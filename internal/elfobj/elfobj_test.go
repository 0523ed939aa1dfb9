// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/joelawrence/klp-convert-go/arch"
)

func syntheticFile() *File {
	f := &File{
		Class:     elf.ELFCLASS64,
		Data:      elf.ELFDATA2LSB,
		Machine:   elf.EM_X86_64,
		ByteOrder: binary.LittleEndian,
		Layout:    arch.NewLayout(binary.LittleEndian, 8),
	}
	text := &Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Data: []byte{0x90, 0x90, 0x90, 0x90}}
	f.Sections = []*Section{text}

	null := &Symbol{Null: true}
	fn := &Symbol{Name: "livepatch_fix", Value: 0, Size: 4, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: text}
	f.Symbols = []*Symbol{null, fn}
	f.localCount = 1

	rela := f.CreateRelaSection(".rela.text", text)
	rela.Relocs = []*Reloc{{Offset: 0, Type: 1, Addend: 0, Symbol: fn}}
	return f
}

func TestWriteOpenRoundTrip(t *testing.T) {
	f := syntheticFile()

	dir := t.TempDir()
	path := filepath.Join(dir, "obj.o")
	if err := f.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, err := Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got.Class != elf.ELFCLASS64 || got.Machine != elf.EM_X86_64 {
		t.Fatalf("Class/Machine = %v/%v", got.Class, got.Machine)
	}
	text := got.FindSection(".text")
	if text == nil {
		t.Fatalf("missing .text section")
	}
	if !bytes.Equal(text.Data, []byte{0x90, 0x90, 0x90, 0x90}) {
		t.Fatalf(".text data = %x", text.Data)
	}

	var fn *Symbol
	for _, s := range got.Symbols {
		if s.Name == "livepatch_fix" {
			fn = s
		}
	}
	if fn == nil {
		t.Fatalf("symbol livepatch_fix not found after round trip")
	}
	if fn.Section != text {
		t.Fatalf("livepatch_fix.Section = %v, want %v", fn.Section, text)
	}

	rela := got.RelocsFor(text)
	if rela == nil || len(rela.Relocs) != 1 {
		t.Fatalf("RelocsFor(.text) = %v", rela)
	}
	if rela.Relocs[0].Symbol != fn {
		t.Fatalf("reloc symbol = %v, want %v", rela.Relocs[0].Symbol, fn)
	}
}

func TestConvertSymbolSentinel(t *testing.T) {
	f := syntheticFile()
	fn := f.Symbols[1]
	f.ConvertSymbol(fn, ".klp.sym.vmlinux.livepatch_fix,0")

	if !fn.Converted || fn.Section != nil {
		t.Fatalf("ConvertSymbol did not clear Section or set Converted")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "obj.o")
	if err := f.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	syms, err := ef.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	var found bool
	for _, s := range syms {
		if s.Name == ".klp.sym.vmlinux.livepatch_fix,0" {
			found = true
			if s.Section != elf.SHN_UNDEF && uint16(s.Section) != 0xff20 {
				t.Fatalf("converted symbol section index = %v", s.Section)
			}
		}
	}
	if !found {
		t.Fatalf("converted symbol name not present via debug/elf (st_name sentinel mishandled)")
	}
}

func TestRemoveSymbolAdjustsLocalCount(t *testing.T) {
	f := syntheticFile()
	local := &Symbol{Name: "local_helper", Bind: elf.STB_LOCAL, Type: elf.STT_FUNC, Section: f.Sections[0]}
	f.Symbols = append([]*Symbol{f.Symbols[0], local}, f.Symbols[1:]...)
	f.localCount = 2

	f.RemoveSymbol(local)
	if f.localCount != 1 {
		t.Fatalf("localCount = %d, want 1", f.localCount)
	}
}
