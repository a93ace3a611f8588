// Package pagetable implements the Page-Table Layer (PT): the
// hardware-independent walk/map/unmap/translate contract spec.md §4.2
// describes, plugged into one of two architecture-specific encodings
// (riscv64, loongarch64) through the Format interface.
package pagetable

// MapPerm is the abstract permission set spec.md §3 defines, independent
// of either architecture's bit positions.
type MapPerm uint8

const (
	PermR MapPerm = 1 << iota
	PermW
	PermX
	PermU
	PermC // currently COW-protected
)

func (p MapPerm) Has(bit MapPerm) bool { return p&bit != 0 }
func (p MapPerm) With(bit MapPerm) MapPerm { return p | bit }
func (p MapPerm) Without(bit MapPerm) MapPerm { return p &^ bit }
