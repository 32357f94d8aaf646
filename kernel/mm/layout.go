package mm

import "github.com/DraftedDev/Subatomic-OS/kernel"

var (
	// ErrInvalidLayout is returned by NewLayout when the alignment is not a
	// power of two or the size overflows once rounded up to the alignment.
	ErrInvalidLayout = &kernel.Error{Module: "mm", Message: "invalid allocation layout"}
)

// Layout describes the size and alignment of a heap allocation. Callers must
// pass the same layout to Dealloc and Realloc that they used to allocate the
// block.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// NewLayout validates and returns a Layout. An alignment of 0 is treated as
// 1.
func NewLayout(size, align uintptr) (Layout, *kernel.Error) {
	if align == 0 {
		align = 1
	}

	if align&(align-1) != 0 || size > ^uintptr(0)-(align-1) {
		return Layout{}, ErrInvalidLayout
	}

	return Layout{Size: size, Align: align}, nil
}

// WithSize returns a copy of the layout with a different size.
func (l Layout) WithSize(size uintptr) Layout {
	l.Size = size
	return l
}
