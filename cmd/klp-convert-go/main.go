// Command klp-convert-go converts the relocations in a compiled kernel
// livepatch module's object file into the form the kernel's livepatch
// module loader expects, resolving ambiguous symbol references against a
// symbols.klp catalog.
package main

func main() {
	Execute()
}
