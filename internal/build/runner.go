package build

import (
	"bytes"
	"context"
	"os/exec"
)

// Runner invokes the container build tool. Arguments are always passed as a
// vector; nothing here goes through a shell, so user-supplied values cannot be
// interpolated into a command line.
type Runner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

// NewRunner returns the default subprocess runner.
func NewRunner() Runner { return execRunner{} }

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run executes the command and returns its combined output, which is kept on
// failure for diagnostics.
func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.String(), err
}
