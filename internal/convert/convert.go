// Package convert drives one end-to-end conversion: load the catalog,
// open the object, extract and sanity-check annotations, resolve and
// rewrite relocations, and write the converted object back out.
package convert

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joelawrence/klp-convert-go/internal/annotation"
	"github.com/joelawrence/klp-convert-go/internal/catalog"
	"github.com/joelawrence/klp-convert-go/internal/elfobj"
	"github.com/joelawrence/klp-convert-go/internal/resolve"
	"github.com/joelawrence/klp-convert-go/internal/rewrite"
)

// Options configures one conversion run.
type Options struct {
	// SymbolsPath is the symbols.klp catalog to resolve against.
	SymbolsPath string
	// InputPath is the relocatable object to convert.
	InputPath string
	// OutputPath is where the converted object is written.
	OutputPath string

	// FailOnOrphanAnnotation escalates an orphan-annotation warning
	// (annotation.CheckOptions.FailOnOrphan) to a fatal error.
	FailOnOrphanAnnotation bool
	// RejectROAfterInit forwards to rewrite.Options.
	RejectROAfterInit bool

	Logger *slog.Logger
}

// Result summarizes a successful conversion.
type Result struct {
	SymbolsConverted int
	RelocsMoved      int
	SectionsRemoved  int
	Warnings         []annotation.Warning
}

// Run executes one conversion. Structural problems (an unparsable
// catalog or object, a malformed annotation section) abort immediately.
// Per-relocation resolution failures are collected until rewriting has
// otherwise completed, each one is logged, and a single error carrying
// their count and the first failure is returned, so one bad reference
// doesn't hide the rest of the run's diagnostics.
func Run(opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	symbolsFile, err := os.Open(opts.SymbolsPath)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	defer symbolsFile.Close()

	cat, err := catalog.Load(symbolsFile)
	if err != nil {
		return nil, fmt.Errorf("convert: loading catalog: %w", err)
	}
	log.Debug("catalog loaded", "entries", len(cat.Entries))

	input, err := os.Open(opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	defer input.Close()

	f, err := elfobj.Open(input)
	if err != nil {
		return nil, fmt.Errorf("convert: opening %s: %w", opts.InputPath, err)
	}

	anns, err := annotation.Extract(f)
	if err != nil {
		return nil, fmt.Errorf("convert: extracting annotations: %w", err)
	}
	log.Debug("annotations extracted", "count", len(anns))

	warnings, err := annotation.Check(f, anns, annotation.CheckOptions{FailOnOrphan: opts.FailOnOrphanAnnotation})
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	for _, w := range warnings {
		log.Warn("orphan annotation", "object", w.Object, "symbol", w.Symbol)
	}

	resolver := resolve.New(cat, anns)
	stats, convErrs := rewrite.Convert(f, resolver, anns, rewrite.Options{RejectROAfterInit: opts.RejectROAfterInit})
	for _, e := range convErrs {
		log.Error("relocation not converted", "error", e)
	}
	if len(convErrs) > 0 {
		return nil, fmt.Errorf("convert: %d relocation(s) failed to resolve: %w", len(convErrs), convErrs[0])
	}

	if err := f.Write(opts.OutputPath); err != nil {
		return nil, fmt.Errorf("convert: writing %s: %w", opts.OutputPath, err)
	}

	log.Info("conversion complete",
		"symbols_converted", stats.SymbolsConverted,
		"relocs_moved", stats.RelocsMoved,
		"sections_removed", stats.SectionsRemoved,
	)

	return &Result{
		SymbolsConverted: stats.SymbolsConverted,
		RelocsMoved:      stats.RelocsMoved,
		SectionsRemoved:  stats.SectionsRemoved,
		Warnings:         warnings,
	}, nil
}
