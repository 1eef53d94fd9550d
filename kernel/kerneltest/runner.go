// Package kerneltest provides a scripted kernel.Runner for tests.
package kerneltest

import (
	"strings"
	"sync"

	"github.com/caldog20/calmesh/kernel"
)

type rule struct {
	prefix string
	stdout string
	stderr string
	fail   bool
}

// Runner records every command line and answers from rules matched by
// command line prefix. Later rules take precedence. Unmatched commands
// succeed with no output.
type Runner struct {
	mu    sync.Mutex
	rules []rule
	calls []string
}

func NewRunner() *Runner {
	return &Runner{}
}

// Respond makes commands starting with prefix succeed with stdout.
func (r *Runner) Respond(prefix, stdout string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, stdout: stdout})
}

// Fail makes commands starting with prefix exit non-zero with stderr.
func (r *Runner) Fail(prefix, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, stderr: stderr, fail: true})
}

func (r *Runner) Run(name string, args ...string) (*kernel.Output, error) {
	line := kernel.CommandLine(name, args...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, line)

	for i := len(r.rules) - 1; i >= 0; i-- {
		rl := r.rules[i]
		if !strings.HasPrefix(line, rl.prefix) {
			continue
		}
		out := &kernel.Output{Stdout: []byte(rl.stdout), Stderr: []byte(rl.stderr)}
		if rl.fail {
			return out, &kernel.CommandError{Cmd: line, Stderr: rl.stderr, Err: kernel.ErrCommandFailed}
		}
		return out, nil
	}
	return &kernel.Output{}, nil
}

// Calls returns a copy of every command line run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// CallsWithPrefix returns the recorded command lines starting with prefix.
func (r *Runner) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
