package freeze

import (
	"errors"
	"fmt"
)

// Error definitions for the freeze package.
var (
	ErrControlFlow     = errors.New("control flow ops cannot be frozen")
	ErrUnknownNode     = errors.New("reference to unknown node")
	ErrUnknownFunction = errors.New("call to unknown function")
	ErrCycle           = errors.New("graph contains a cycle")
	ErrVariable        = errors.New("variable value unavailable")
	ErrBadReference    = errors.New("malformed tensor reference")
)

// FreezeError reports why a signature could not be frozen. Node is the node
// being processed when freezing failed, if any.
type FreezeError struct {
	Signature string
	Node      string
	Err       error
}

func (e *FreezeError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("freeze: signature %q: %v", e.Signature, e.Err)
	}
	return fmt.Sprintf("freeze: signature %q: node %q: %v", e.Signature, e.Node, e.Err)
}

func (e *FreezeError) Unwrap() error {
	return e.Err
}
