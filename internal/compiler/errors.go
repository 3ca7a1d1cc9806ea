package compiler

import "fmt"

// CompileError is raised by this package for conditions that stop a single
// fragment's compilation (pkg/asm failures are passed through as their own
// *asm.FatalError instead): an unsupported AST node, a bad
// argument count, an operator applied to operand types it doesn't support.
// Offset is a source-file byte offset when one is known; since this package
// is handed an already-built internal/ast.Module rather than source text,
// it is usually 0 and Msg alone
// carries the detail.
type CompileError struct {
	Offset int
	Msg    string
}

func (e *CompileError) Error() string {
	if e.Offset != 0 {
		return fmt.Sprintf("compile error at offset %d: %s", e.Offset, e.Msg)
	}
	return "compile error: " + e.Msg
}

func compileErrorf(format string, args ...interface{}) error {
	return &CompileError{Msg: fmt.Sprintf(format, args...)}
}
