// Package catalog loads the symbols.klp catalog: the list of symbol
// definitions, grouped by defining object, that the resolver matches
// annotations against.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/joelawrence/klp-convert-go/internal/klpfmt"
)

// VersionTag is the literal first line every catalog file must carry.
const VersionTag = "klp-convert-symbol-data.0.1"

// Entry is one symbol definition within one object, numbered by the order
// it appears in the catalog relative to same-named symbols in that object.
type Entry struct {
	Object   string
	Name     string
	Position int // 1-based; the Nth definition of Name within Object
	Exported bool
}

// Catalog is the parsed symbols.klp file, indexed for resolver lookups.
type Catalog struct {
	Entries []Entry

	// byObjectName maps (object, name) to every entry recorded for that
	// pair, in catalog order, so the resolver can both disambiguate by
	// position and report "N candidates" diagnostics.
	byObjectName map[string][]Entry

	// byName maps a bare symbol name to every object that defines it,
	// for the common case of an unannotated reference that must be
	// globally unique across the whole catalog to resolve.
	byName map[string][]Entry
}

func key(object, name string) string { return object + "\x00" + name }

// Load parses r as a symbols.klp catalog.
func Load(r io.Reader) (*Catalog, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return nil, fmt.Errorf("catalog: empty input, want version tag %q", VersionTag)
	}
	if first := strings.TrimSpace(sc.Text()); first != VersionTag {
		return nil, fmt.Errorf("catalog: unrecognized version tag %q, want %q", first, VersionTag)
	}

	c := &Catalog{byObjectName: map[string][]Entry{}, byName: map[string][]Entry{}}
	counts := map[string]int{}

	var object string
	lineNo := 1
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "*") {
			object = strings.TrimPrefix(line, "*")
			if object == "" {
				return nil, fmt.Errorf("catalog: line %d: empty object name", lineNo)
			}
			continue
		}
		if object == "" {
			return nil, fmt.Errorf("catalog: line %d: symbol %q appears before any object marker", lineNo, line)
		}

		name := line
		exported := strings.HasPrefix(name, klpfmt.ExportedPrefix)

		k := key(object, name)
		counts[k]++
		e := Entry{Object: object, Name: name, Position: counts[k], Exported: exported}
		c.Entries = append(c.Entries, e)
		c.byObjectName[k] = append(c.byObjectName[k], e)
		c.byName[name] = append(c.byName[name], e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return c, nil
}

// Lookup returns every catalog entry recorded for (object, name), in
// catalog order (so index i holds position i+1's entry).
func (c *Catalog) Lookup(object, name string) []Entry {
	return c.byObjectName[key(object, name)]
}

// At returns the entry at the given 1-based position for (object, name),
// or ok=false if no such position was recorded.
func (c *Catalog) At(object, name string, pos int) (Entry, bool) {
	entries := c.Lookup(object, name)
	if pos < 1 || pos > len(entries) {
		return Entry{}, false
	}
	return entries[pos-1], true
}

// Count returns how many times (object, name) was recorded in the
// catalog.
func (c *Catalog) Count(object, name string) int {
	return len(c.Lookup(object, name))
}

// ByName returns every entry recorded for name across every object, for
// resolving an unannotated reference that must be globally unique.
func (c *Catalog) ByName(name string) []Entry {
	return c.byName[name]
}
