package convert

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/joelawrence/klp-convert-go/arch"
	"github.com/joelawrence/klp-convert-go/internal/catalog"
	"github.com/joelawrence/klp-convert-go/internal/elfobj"
	"github.com/joelawrence/klp-convert-go/internal/klpfmt"
)

func writeSynthetic(t *testing.T, path string) {
	t.Helper()
	f := &elfobj.File{
		Class:     elf.ELFCLASS64,
		Data:      elf.ELFDATA2LSB,
		Machine:   elf.EM_X86_64,
		ByteOrder: binary.LittleEndian,
		Layout:    arch.NewLayout(binary.LittleEndian, 8),
	}
	text := &elfobj.Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Data: []byte{0x90, 0x90, 0x90, 0x90}}
	f.Sections = []*elfobj.Section{text}

	undef := &elfobj.Symbol{Name: "patched_fn", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}
	f.Symbols = []*elfobj.Symbol{{Null: true}, undef}

	rela := f.CreateRelaSection(".rela.text", text)
	rela.Relocs = []*elfobj.Reloc{{Offset: 0, Type: 1, Symbol: undef}}

	if err := f.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()

	inputPath := filepath.Join(dir, "patch.o")
	writeSynthetic(t, inputPath)

	symbolsPath := filepath.Join(dir, "symbols.klp")
	if err := os.WriteFile(symbolsPath, []byte(catalog.VersionTag+"\n*vmlinux\npatched_fn\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	outputPath := filepath.Join(dir, "patch.klp.o")
	res, err := Run(Options{
		SymbolsPath: symbolsPath,
		InputPath:   inputPath,
		OutputPath:  outputPath,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SymbolsConverted != 1 || res.RelocsMoved != 1 {
		t.Fatalf("res = %+v", res)
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, err := elfobj.Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Open output: %v", err)
	}

	want := klpfmt.RelaSectionName("vmlinux", ".text")
	sec := got.FindSection(want)
	if sec == nil || len(sec.Relocs) != 1 {
		t.Fatalf("output missing %s: %v", want, sec)
	}

	var convertedName string
	for _, s := range got.Symbols {
		if s.Name != "" && s.Name != "patched_fn" {
			convertedName = s.Name
		}
	}
	wantName := klpfmt.SymName("vmlinux", "patched_fn", 0)
	if convertedName != wantName {
		t.Fatalf("converted symbol name = %q, want %q", convertedName, wantName)
	}
}

func TestRunUnresolvedSymbolFails(t *testing.T) {
	dir := t.TempDir()

	inputPath := filepath.Join(dir, "patch.o")
	writeSynthetic(t, inputPath)

	symbolsPath := filepath.Join(dir, "symbols.klp")
	if err := os.WriteFile(symbolsPath, []byte(catalog.VersionTag+"\n*vmlinux\nsome_other_fn\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Run(Options{
		SymbolsPath: symbolsPath,
		InputPath:   inputPath,
		OutputPath:  filepath.Join(dir, "patch.klp.o"),
	})
	if err == nil {
		t.Fatalf("expected error for unresolved symbol")
	}
}
