package main

import (
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	kexec "k8s.io/utils/exec"
)

// Executor runs a single host command and returns its combined output.
// A non-zero exit status is reported as *CommandError.
type Executor interface {
	Execute(name string, args ...string) (string, error)
}

// hostExecutor runs commands on the local host.
type hostExecutor struct {
	runner kexec.Interface
	log    *slog.Logger
}

// NewHostExecutor returns an Executor backed by runner.
func NewHostExecutor(runner kexec.Interface, log *slog.Logger) Executor {
	return &hostExecutor{runner: runner, log: log}
}

func (h *hostExecutor) Execute(name string, args ...string) (string, error) {
	cmdline := commandLine(name, args...)
	h.log.Debug("Executing", "cmd", cmdline)

	out, err := h.runner.Command(name, args...).CombinedOutput()
	if err != nil {
		code := -1
		var exitErr kexec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
		}
		h.log.Debug("Command failed", "cmd", cmdline, "status", code, "output", strings.TrimSpace(string(out)))

		return string(out), &CommandError{
			Command:  cmdline,
			Output:   strings.TrimSpace(string(out)),
			ExitCode: code,
			Err:      err,
		}
	}

	return string(out), nil
}

func commandLine(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

// exitStatus returns the exit status carried by err, or -1.
func exitStatus(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// isAbsent reports whether err means the object the command addressed does not exist.
func isAbsent(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return cmdErr.outputContains("does not exist", "Cannot find device", "No such file or directory")
}

// isExists reports whether err means the object the command tried to create is already there.
func isExists(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return cmdErr.outputContains("File exists")
}
