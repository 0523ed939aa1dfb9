package resolve

import (
	"strings"
	"testing"

	"github.com/joelawrence/klp-convert-go/internal/annotation"
	"github.com/joelawrence/klp-convert-go/internal/catalog"
	"github.com/joelawrence/klp-convert-go/internal/elfobj"
)

func mustCatalog(t *testing.T, text string) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load(strings.NewReader(text))
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	return c
}

func TestResolveUnannotatedUnique(t *testing.T) {
	cat := mustCatalog(t, catalog.VersionTag+"\n*vmlinux\nunique_fn\n")
	r := New(cat, nil)

	sym := &elfobj.Symbol{Name: "unique_fn"}
	res, err := r.Resolve(sym)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res != (Resolution{Object: "vmlinux", Name: "unique_fn", Pos: 0}) {
		t.Fatalf("got %+v", res)
	}
}

func TestResolveUnannotatedAmbiguous(t *testing.T) {
	cat := mustCatalog(t, catalog.VersionTag+"\n*vmlinux\ndup_fn\n*mod_a\ndup_fn\n")
	r := New(cat, nil)

	sym := &elfobj.Symbol{Name: "dup_fn"}
	if _, err := r.Resolve(sym); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}

func TestResolveAnnotated(t *testing.T) {
	cat := mustCatalog(t, catalog.VersionTag+"\n*vmlinux\ndup_fn\ndup_fn\n")
	sym := &elfobj.Symbol{Name: "dup_fn"}
	anns := []annotation.Annotation{{Object: "vmlinux", Symbol: sym, SymPos: 2}}
	r := New(cat, anns)

	res, err := r.Resolve(sym)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res != (Resolution{Object: "vmlinux", Name: "dup_fn", Pos: 2}) {
		t.Fatalf("got %+v", res)
	}
}

func TestResolveAnnotatedTakesFirstWhenSymbolSharedAcrossObjects(t *testing.T) {
	cat := mustCatalog(t, catalog.VersionTag+"\n*vmlinux\nshared_fn\n*mod_a\nshared_fn\n")
	sym := &elfobj.Symbol{Name: "shared_fn"}
	anns := []annotation.Annotation{
		{Object: "vmlinux", Symbol: sym, SymPos: 1},
		{Object: "mod_a", Symbol: sym, SymPos: 1},
	}
	r := New(cat, anns)

	res, err := r.Resolve(sym)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res != (Resolution{Object: "vmlinux", Name: "shared_fn", Pos: 1}) {
		t.Fatalf("got %+v, want the first annotation's object (vmlinux)", res)
	}
}

func TestResolveAnnotatedOutOfRange(t *testing.T) {
	cat := mustCatalog(t, catalog.VersionTag+"\n*vmlinux\ndup_fn\n")
	sym := &elfobj.Symbol{Name: "dup_fn"}
	anns := []annotation.Annotation{{Object: "vmlinux", Symbol: sym, SymPos: 5}}
	r := New(cat, anns)

	if _, err := r.Resolve(sym); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestResolveCaches(t *testing.T) {
	cat := mustCatalog(t, catalog.VersionTag+"\n*vmlinux\nunique_fn\n")
	r := New(cat, nil)
	sym := &elfobj.Symbol{Name: "unique_fn"}

	r1, err := r.Resolve(sym)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r2, err := r.Resolve(sym)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("cached resolution differs: %+v vs %+v", r1, r2)
	}
}
