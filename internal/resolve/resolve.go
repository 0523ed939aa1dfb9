// Package resolve turns an undefined reference in the object being
// converted into a concrete (object, symbol, position) triple: the
// catalog entry the kernel's livepatch loader should bind it to at
// patch-apply time.
package resolve

import (
	"fmt"
	"strings"

	"github.com/joelawrence/klp-convert-go/internal/annotation"
	"github.com/joelawrence/klp-convert-go/internal/catalog"
	"github.com/joelawrence/klp-convert-go/internal/elfobj"
)

// A Resolution names the catalog entry a symbol was bound to.
type Resolution struct {
	Object string
	Name   string
	Pos    int // 0 means "the catalog's sole definition"; N>=1 is 1-based
}

// A Resolver resolves undefined symbols against a catalog and a set of
// developer sympos annotations, caching by symbol identity so a symbol
// referenced by many relocations is only resolved once.
type Resolver struct {
	cat  *catalog.Catalog
	anns map[*elfobj.Symbol]annotation.Annotation
	seen map[*elfobj.Symbol]Resolution
}

// New builds a Resolver from a catalog and the annotations extracted
// from the object being converted.
func New(cat *catalog.Catalog, anns []annotation.Annotation) *Resolver {
	r := &Resolver{
		cat:  cat,
		anns: make(map[*elfobj.Symbol]annotation.Annotation, len(anns)),
		seen: map[*elfobj.Symbol]Resolution{},
	}
	for _, a := range anns {
		// A symbol can carry more than one annotation (e.g. two
		// different objects' .klp.module_relocs sections both
		// happening to reference it); take the first one seen, per
		// the resolution order spec.md describes.
		if _, ok := r.anns[a.Symbol]; !ok {
			r.anns[a.Symbol] = a
		}
	}
	return r
}

// Resolve returns sym's Resolution, computing and caching it on first
// use.
func (r *Resolver) Resolve(sym *elfobj.Symbol) (Resolution, error) {
	if res, ok := r.seen[sym]; ok {
		return res, nil
	}
	res, err := r.resolve(sym)
	if err != nil {
		return Resolution{}, err
	}
	r.seen[sym] = res
	return res, nil
}

func (r *Resolver) resolve(sym *elfobj.Symbol) (Resolution, error) {
	if a, ok := r.anns[sym]; ok {
		return r.resolveAnnotated(sym, a)
	}
	return r.resolveUnannotated(sym)
}

func (r *Resolver) resolveAnnotated(sym *elfobj.Symbol, a annotation.Annotation) (Resolution, error) {
	entries := r.cat.Lookup(a.Object, sym.Name)
	if len(entries) == 0 {
		return Resolution{}, fmt.Errorf("resolve: %s: no catalog entry for %s in object %s", sym.Name, sym.Name, a.Object)
	}
	if _, ok := r.cat.At(a.Object, sym.Name, a.SymPos); !ok {
		return Resolution{}, fmt.Errorf("resolve: %s: sympos %d out of range, object %s defines %d candidate(s):\n%s",
			sym.Name, a.SymPos, a.Object, len(entries), candidateHint(a.Object, sym.Name, len(entries)))
	}
	return Resolution{Object: a.Object, Name: sym.Name, Pos: a.SymPos}, nil
}

func (r *Resolver) resolveUnannotated(sym *elfobj.Symbol) (Resolution, error) {
	entries := r.cat.ByName(sym.Name)
	switch len(entries) {
	case 0:
		return Resolution{}, fmt.Errorf("resolve: %s: not found in catalog", sym.Name)
	case 1:
		return Resolution{Object: entries[0].Object, Name: sym.Name, Pos: 0}, nil
	default:
		return Resolution{}, fmt.Errorf("resolve: %s: ambiguous, %d candidates across objects; add a sympos annotation:\n%s",
			sym.Name, len(entries), ambiguityHint(entries))
	}
}

// candidateHint renders the KLP_MODULE_RELOC/KLP_SYMPOS macro pair the
// developer would write to disambiguate, matching the macros the kernel's
// livepatch headers expose.
func candidateHint(object, name string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "KLP_MODULE_RELOC(%s) {\n", object)
	for pos := 1; pos <= n; pos++ {
		fmt.Fprintf(&b, "\tKLP_SYMPOS(%s, %d);\n", name, pos)
	}
	b.WriteString("};")
	return b.String()
}

func ambiguityHint(entries []catalog.Entry) string {
	byObject := map[string]int{}
	for _, e := range entries {
		byObject[e.Object]++
	}
	var b strings.Builder
	for obj, n := range byObject {
		b.WriteString(candidateHint(obj, entries[0].Name, n))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
