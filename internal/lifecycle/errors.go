package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateComponent is recorded as a warning; registration still succeeds.
	ErrDuplicateComponent = errors.New("duplicate component")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrComponentStart     = errors.New("component start failed")
	ErrComponentStop      = errors.New("component stop failed")
	ErrUnknownComponent   = errors.New("unknown component")
)

// CycleError names the components forming a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDependencyCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrDependencyCycle }

// StartError aborts StartAll. Components started before it stay running.
type StartError struct {
	Component string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrComponentStart, e.Component, e.Err)
}

func (e *StartError) Unwrap() []error { return []error{ErrComponentStart, e.Err} }
