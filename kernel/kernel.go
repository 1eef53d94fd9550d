// Package kernel drives the privileged networking tools (ip, wg, tc,
// iptables) on behalf of the tunnel manager and the exit reconciler.
//
// Every operation goes through a Runner so callers can be exercised without
// root. Commands run to completion; there is no cancellation.
package kernel

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Output is what a finished command wrote.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes one command line.
type Runner interface {
	Run(name string, args ...string) (*Output, error)
}

// CommandError is returned when a privileged command fails. Stderr holds the
// diagnostic output of the tool.
type CommandError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q failed: %v: %s", e.Cmd, e.Err, e.Stderr)
	}
	return fmt.Sprintf("command %q failed: %v", e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ErrStderr marks a command that exited cleanly but still complained.
var ErrStderr = errors.New("unexpected output on stderr")

type ExecRunner struct{}

func (ExecRunner) Run(name string, args ...string) (*Output, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		return out, &CommandError{
			Cmd:    CommandLine(name, args...),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return out, nil
}

func CommandLine(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

type Kernel struct {
	runner Runner
	log    *slog.Logger
}

func New(runner Runner, logger *slog.Logger) *Kernel {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		runner: runner,
		log:    logger.With("component", "kernel"),
	}
}

func (k *Kernel) run(name string, args ...string) (*Output, error) {
	k.log.Debug("running command", "cmd", CommandLine(name, args...))
	out, err := k.runner.Run(name, args...)
	if err != nil {
		var cerr *CommandError
		if errors.As(err, &cerr) {
			return out, err
		}
		return out, &CommandError{Cmd: CommandLine(name, args...), Err: err}
	}
	if out == nil {
		out = &Output{}
	}
	return out, nil
}

// runStrict additionally fails when the tool wrote to stderr. ip link set
// reports some failures this way while still exiting zero.
func (k *Kernel) runStrict(name string, args ...string) (*Output, error) {
	out, err := k.run(name, args...)
	if err != nil {
		return out, err
	}
	if stderr := strings.TrimSpace(string(out.Stderr)); stderr != "" {
		return out, &CommandError{Cmd: CommandLine(name, args...), Stderr: stderr, Err: ErrStderr}
	}
	return out, nil
}

// alreadyExists reports whether a failed ip command only complained that the
// object is already there.
func alreadyExists(err error) bool {
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		return false
	}
	return strings.Contains(cerr.Stderr, "File exists")
}
