// Package command runs external programs and captures their output.
package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// Result is the captured outcome of one external command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Spec describes a command invocation.
type Spec struct {
	Name string
	Args []string
	// Env is appended to the current process environment.
	Env []string
	Dir string
}

// Runner executes commands. Non-zero exits are reported in Result, not as an
// error; the error is reserved for failures to start the program.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode < 0 {
				res.ExitCode = 1
			}
			return res, nil
		}
		res.ExitCode = 1
		return res, err
	}
	return res, nil
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, spec Spec) (Result, error)

func (f Func) Run(ctx context.Context, spec Spec) (Result, error) { return f(ctx, spec) }
