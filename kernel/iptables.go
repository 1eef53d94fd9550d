package kernel

import (
	"errors"
	"os/exec"
)

// EnsureIptablesRule appends rule to chain in table unless an identical rule
// is already present (iptables -C exits non-zero when it is not).
func (k *Kernel) EnsureIptablesRule(table, chain string, rule ...string) (bool, error) {
	check := append([]string{"-w", "-t", table, "-C", chain}, rule...)
	_, err := k.run("iptables", check...)
	if err == nil {
		return false, nil
	}
	if !isExitError(err) {
		return false, err
	}

	add := append([]string{"-w", "-t", table, "-A", chain}, rule...)
	if _, err := k.run("iptables", add...); err != nil {
		return false, err
	}
	return true, nil
}

// isExitError distinguishes "the tool ran and said no" from "the tool could
// not run at all".
func isExitError(err error) bool {
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		return false
	}
	var exitErr *exec.ExitError
	if errors.As(cerr.Err, &exitErr) {
		return true
	}
	return errors.Is(cerr.Err, ErrCommandFailed)
}

// ErrCommandFailed reports a non-zero exit from a Runner that does not spawn
// real processes.
var ErrCommandFailed = errors.New("command exited non-zero")
