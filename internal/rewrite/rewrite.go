// Package rewrite performs the actual livepatch conversion: renaming
// resolved symbols into their wire form and moving the relocations that
// reference them into per-object, per-base-section ".klp.rela" sections.
package rewrite

import (
	"debug/elf"
	"fmt"

	"github.com/joelawrence/klp-convert-go/internal/annotation"
	"github.com/joelawrence/klp-convert-go/internal/elfobj"
	"github.com/joelawrence/klp-convert-go/internal/klpfmt"
	"github.com/joelawrence/klp-convert-go/internal/resolve"
)

// Options configures conversion policy decisions the original tool left
// implicit or commented out.
type Options struct {
	// RejectROAfterInit rejects relocations whose base section is
	// ".data..ro_after_init": data marked read-only after module init
	// has no business being patched by a livepatch relocation. Off by
	// default for compatibility; see DESIGN.md.
	RejectROAfterInit bool
}

// A PositionOverflowError reports a resolved sympos too wide to encode in
// klpfmt.MaxPositionDigits decimal digits.
type PositionOverflowError struct {
	Symbol string
	Pos    int
}

func (e *PositionOverflowError) Error() string {
	return fmt.Sprintf("rewrite: %s: resolved sympos %d does not fit in %d digits", e.Symbol, e.Pos, klpfmt.MaxPositionDigits)
}

// Stats summarizes one Convert call.
type Stats struct {
	SymbolsConverted int
	RelocsMoved      int
	SectionsRemoved  int
}

type pendingMove struct {
	reloc    *elfobj.Reloc
	from, to *elfobj.Section
}

type pendingRename struct {
	object string
	pos    int
}

// Convert resolves and rewrites every eligible relocation in f. It
// returns the conversion's structural result plus one error per
// relocation that failed to resolve or was rejected by policy — those
// accumulate rather than abort, since they're data problems with one
// reference, not a malformed object. A caller that wants zero tolerance
// for such errors should treat a non-empty error slice as fatal itself.
func Convert(f *elfobj.File, resolver *resolve.Resolver, anns []annotation.Annotation, opts Options) (*Stats, []error) {
	stats := &Stats{}
	var errs []error

	renamed := map[*elfobj.Symbol]pendingRename{}
	var moves []pendingMove
	klpRela := map[string]*elfobj.Section{}
	touched := map[*elfobj.Section]bool{}

	annotationSections := map[*elfobj.Section]bool{}
	for _, a := range anns {
		annotationSections[a.Section] = true
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA || sec.Target == nil {
			continue
		}
		if annotationSections[sec.Target] || klpfmt.IsKlpRelaSection(sec.Name) {
			continue
		}
		baseName := sec.Target.Name

		for _, reloc := range sec.Relocs {
			sym := reloc.Symbol
			if sym == nil || sym.Null || sym.Converted || sym.Section != nil || sym.Name == klpfmt.TOCSymbol {
				continue
			}

			res, err := resolver.Resolve(sym)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := klpfmt.ValidatePosition(res.Pos); err != nil {
				errs = append(errs, &PositionOverflowError{Symbol: sym.Name, Pos: res.Pos})
				continue
			}
			if !supportedSection(res.Object, baseName) {
				errs = append(errs, fmt.Errorf("rewrite: %s: section %s is not convertible for object %s", sym.Name, baseName, res.Object))
				continue
			}
			if opts.RejectROAfterInit && baseName == roAfterInitSection {
				errs = append(errs, fmt.Errorf("rewrite: %s: refusing to convert a relocation into read-only-after-init section %s", sym.Name, baseName))
				continue
			}

			klpRelaName := klpfmt.RelaSectionName(res.Object, baseName)
			target, ok := klpRela[klpRelaName]
			if !ok {
				target = f.CreateRelaSection(klpRelaName, sec.Target)
				target.Flags |= klpfmt.SHFRelaLivepatch
				target.EntSize = sec.EntSize
				klpRela[klpRelaName] = target
			}

			reloc.KlpTarget = target
			moves = append(moves, pendingMove{reloc: reloc, from: sec, to: target})
			touched[sec] = true
			if _, ok := renamed[sym]; !ok {
				renamed[sym] = pendingRename{object: res.Object, pos: res.Pos}
			}
		}
	}

	for sym, pr := range renamed {
		f.ConvertSymbol(sym, klpfmt.SymName(pr.object, sym.Name, pr.pos))
		stats.SymbolsConverted++
	}
	for _, m := range moves {
		f.MoveReloc(m.reloc, m.from, m.to)
		stats.RelocsMoved++
	}

	for sec := range touched {
		if len(sec.Relocs) == 0 {
			f.RemoveSection(sec)
			stats.SectionsRemoved++
		}
	}

	removeAnnotationSections(f, anns, stats)

	return stats, errs
}

// roAfterInitSection is the base section name the kernel uses for data
// marked __ro_after_init.
const roAfterInitSection = ".data..ro_after_init"

// allowedBaseSections are the only base sections a relocation is ever
// converted against: the ordinary data/text/toc sections a livepatch
// replacement function can plausibly reference. Anything else —
// .init.data, .exit.text, and the like — is rejected as "conversion not
// supported", matching the original tool's section allowlist.
var allowedBaseSections = map[string]bool{
	".data":   true,
	".rodata": true,
	".sdata":  true,
	".text":   true,
	".toc":    true,
}

// supportedSection reports whether relocations in baseName are eligible
// for livepatch conversion against object. __jump_table entries encode
// static-key/jump-label metadata that only the core kernel image
// (vmlinux) owns the runtime patching machinery for; a loadable module's
// jump table is never converted. .data..ro_after_init is a variant of
// .data, gated separately by Options.RejectROAfterInit rather than here.
func supportedSection(object, baseName string) bool {
	if baseName == "__jump_table" {
		return object == "vmlinux"
	}
	if baseName == roAfterInitSection {
		return true
	}
	return allowedBaseSections[baseName]
}

// removeAnnotationSections deletes every ".klp.module_relocs.<object>"
// section consumed by anns, its paired relocation section, and any
// symbol the loader fabricated inside it — mirroring clear_sympos_symbols
// matching by section identity, not by name.
func removeAnnotationSections(f *elfobj.File, anns []annotation.Annotation, stats *Stats) {
	seen := map[*elfobj.Section]bool{}
	for _, a := range anns {
		if seen[a.Section] {
			continue
		}
		seen[a.Section] = true

		for _, sym := range append([]*elfobj.Symbol(nil), f.Symbols...) {
			if sym.Section == a.Section {
				f.RemoveRelocsTo(sym)
				f.RemoveSymbol(sym)
			}
		}
		if rela := f.RelocsFor(a.Section); rela != nil {
			f.RemoveSection(rela)
			stats.SectionsRemoved++
		}
		f.RemoveSection(a.Section)
		stats.SectionsRemoved++
	}
}
