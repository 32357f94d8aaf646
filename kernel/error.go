package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that point to an Error value so that returning them never touches
// the heap; the memory subsystem reports failures long before an allocator
// exists. Errors are compared by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
