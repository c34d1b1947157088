package savedmodel

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for the savedmodel package.
var (
	ErrNotDirectory      = errors.New("not a directory")
	ErrNoMetaGraph       = errors.New("no meta graph matches the requested tags")
	ErrVariableNotFound  = errors.New("variable not found in checkpoint")
	ErrNoVariables       = errors.New("model has no variables checkpoint")
	ErrSignatureNotFound = errors.New("signature not found")
)

// LoadError reports a bundle that is missing or cannot be read.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("savedmodel: failed to load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NoSignatureError reports that no signature could be selected.
type NoSignatureError struct {
	Candidates []string
}

func (e *NoSignatureError) Error() string {
	return fmt.Sprintf("savedmodel: model exposes no signatures (tried %s)", strings.Join(e.Candidates, ", "))
}
