// Package klpfmt holds the wire-format constants and name encodings that the
// kernel's livepatch loader expects from a converted module: the section and
// symbol name prefixes, the reserved section/symbol indices, and the
// position-digit limit.
package klpfmt

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// ModuleRelocsPrefix names a section carrying developer sympos
	// annotations for one object, e.g. ".klp.module_relocs.vmlinux".
	ModuleRelocsPrefix = ".klp.module_relocs."

	// ModuleRelocsRelaPrefix names the paired relocation section that
	// supplies the target symbol for each annotation record.
	ModuleRelocsRelaPrefix = ".rela.klp.module_relocs."

	// RelaPrefix names a converted livepatch relocation section, followed
	// by "<object>.<base-section>".
	RelaPrefix = ".klp.rela."

	// SymPrefix names a converted livepatch symbol, followed by
	// "<object>.<name>,<position>".
	SymPrefix = ".klp.sym."

	// ExportedPrefix marks a catalog entry as an exported kernel symbol.
	ExportedPrefix = "__ksymtab_"

	// TOCSymbol is the architecture-reserved ppc64le TOC symbol, never
	// rewritten.
	TOCSymbol = ".TOC."

	// ModuleNameLen mirrors the kernel's MODULE_NAME_LEN, bounding how
	// much of a ".klp.module_relocs.<object>" suffix we'll accept.
	ModuleNameLen = 56

	// MaxPositionDigits bounds the decimal encoding of a sympos. The
	// original tool silently overflowed a 4-byte buffer past this; this
	// implementation rejects the input instead (see spec Open Questions).
	MaxPositionDigits = 3

	// SHNLivepatch is the reserved st_shndx value the kernel module
	// loader recognizes as "resolve this at patch-apply time".
	SHNLivepatch = 0xff20

	// SHFRelaLivepatch is the sh_flags bit that marks a relocation
	// section for livepatch cross-object resolution.
	SHFRelaLivepatch = 0x00100000

	// SentinelNameIndex is the all-ones st_name sentinel that marks a
	// converted symbol whose new name is held out-of-band rather than at
	// a string-table offset. elfobj records that state as
	// Symbol.Converted instead of in st_name, and Write interns the
	// converted name into the output string table, so this value never
	// appears in a written object.
	SentinelNameIndex = 0xffffffff
)

// RelaSectionName builds the name of the livepatch relocation section that
// should carry relocations resolved against (object, baseSection).
func RelaSectionName(object, baseSection string) string {
	return RelaPrefix + object + "." + baseSection
}

// SymName builds the wire-form name a converted symbol is renamed to.
// pos must already have been validated to fit within MaxPositionDigits
// decimal digits by the caller.
func SymName(object, name string, pos int) string {
	return fmt.Sprintf("%s%s.%s,%d", SymPrefix, object, name, pos)
}

// ValidatePosition checks that pos can be encoded in MaxPositionDigits
// decimal digits.
func ValidatePosition(pos int) error {
	if pos < 0 || len(strconv.Itoa(pos)) > MaxPositionDigits {
		return fmt.Errorf("sympos %d does not fit in %d digits", pos, MaxPositionDigits)
	}
	return nil
}

// ObjectFromModuleRelocsName extracts the object name from a
// ".klp.module_relocs.<object>" section name, bounded to ModuleNameLen
// bytes. It reports ok=false if sname isn't such a section.
func ObjectFromModuleRelocsName(sname string) (object string, ok bool) {
	if !strings.HasPrefix(sname, ModuleRelocsPrefix) {
		return "", false
	}
	object = strings.TrimPrefix(sname, ModuleRelocsPrefix)
	if object == "" || len(object) > ModuleNameLen-1 {
		return "", false
	}
	return object, true
}

// IsKlpRelaSection reports whether sname already names a converted
// livepatch relocation section, so the rewriter doesn't reprocess it.
func IsKlpRelaSection(sname string) bool {
	return strings.HasPrefix(sname, RelaPrefix)
}
