package build

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCodeArchive is returned when a build is requested without a
	// code archive.
	ErrMissingCodeArchive = errors.New("code archive is required")
	// ErrUnsafeArchiveEntry is returned when an archive entry would resolve
	// outside the build workspace.
	ErrUnsafeArchiveEntry = errors.New("archive entry escapes workspace")
	// ErrToolUnavailable is returned when the container build tool is not on
	// the host.
	ErrToolUnavailable = errors.New("container build tool not found")
)

// Error is a build failure carrying the captured tool output so the caller
// who triggered the build can see the diagnostics.
type Error struct {
	Stage  string
	Output string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("build failed at %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
