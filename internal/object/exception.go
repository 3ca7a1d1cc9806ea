package object

import "fmt"

// Exception wraps a raised heap instance so the Go-side driver (cmd/nsjit)
// can surface an uncaught exception the same way any other Go error is
// reported; runtime exceptions are heap instances with a class_id field.
//
// This package does not itself model a class hierarchy or __init__/message
// construction (that lives in internal/compiler once a real object model is
// threaded through Raise); Exception is the reporting-side wrapper around
// whatever class id and message a caller already has in hand.
type Exception struct {
	ClassID uint64
	Class   string
	Message string
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}
