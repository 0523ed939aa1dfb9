// Package annotation extracts and sanity-checks the developer-written
// sympos annotations a livepatch source file carries for symbols whose
// definition is ambiguous (duplicated across translation units, or
// otherwise not uniquely named).
//
// Annotations live in a ".klp.module_relocs.<object>" section: a tightly
// packed array of native-endian 32-bit sympos values, one per annotated
// reference. The paired ".rela.klp.module_relocs.<object>" relocation
// section supplies, at the matching byte offset, the symbol each sympos
// value disambiguates.
package annotation

import (
	"fmt"

	"github.com/joelawrence/klp-convert-go/internal/elfobj"
	"github.com/joelawrence/klp-convert-go/internal/klpfmt"
)

const recordSize = 4

// An Annotation pairs one developer-supplied sympos with the symbol it
// disambiguates, and the bookkeeping the rewriter needs to delete the
// annotation's own section once it has been consumed.
type Annotation struct {
	Object  string
	Symbol  *elfobj.Symbol
	SymPos  int
	Section *elfobj.Section // the ".klp.module_relocs.<object>" section this came from
	Reloc   *elfobj.Reloc   // the relocation in the paired .rela section
}

// Extract collects every annotation present in f. Any malformed section
// (wrong size, no paired relocation section) or record (no relocation at
// its offset) aborts extraction entirely with an error, since that
// indicates the object wasn't produced by a compatible compiler pass.
func Extract(f *elfobj.File) ([]Annotation, error) {
	var out []Annotation
	for _, sec := range f.Sections {
		object, ok := klpfmt.ObjectFromModuleRelocsName(sec.Name)
		if !ok {
			continue
		}
		rela := f.RelocsFor(sec)
		if rela == nil {
			return nil, fmt.Errorf("annotation: section %s has no paired relocation section %s",
				sec.Name, klpfmt.ModuleRelocsRelaPrefix+object)
		}
		if len(sec.Data)%recordSize != 0 {
			return nil, fmt.Errorf("annotation: section %s size %d is not a multiple of %d",
				sec.Name, len(sec.Data), recordSize)
		}
		n := len(sec.Data) / recordSize

		relocByOffset := make(map[uint64]*elfobj.Reloc, len(rela.Relocs))
		for _, r := range rela.Relocs {
			relocByOffset[r.Offset] = r
		}

		for i := 0; i < n; i++ {
			off := uint64(i * recordSize)
			sympos := f.Layout.Uint32(sec.Data[off : off+recordSize])
			r, ok := relocByOffset[off]
			if !ok || r.Symbol == nil {
				return nil, fmt.Errorf("annotation: section %s record %d at offset %d has no matching relocation",
					sec.Name, i, off)
			}
			out = append(out, Annotation{
				Object:  object,
				Symbol:  r.Symbol,
				SymPos:  int(sympos),
				Section: sec,
				Reloc:   r,
			})
		}
	}
	return out, nil
}
