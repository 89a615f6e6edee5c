package main

import (
	"fmt"
	"strings"
)

// CommandError is returned by an Executor when a command exits non-zero.
type CommandError struct {
	Command  string
	Output   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// outputContains reports whether the command output mentions any of the given fragments.
func (e *CommandError) outputContains(fragments ...string) bool {
	for _, f := range fragments {
		if strings.Contains(e.Output, f) {
			return true
		}
	}
	return false
}

// AllocationError reports a CIDR that cannot be parsed or carved.
type AllocationError struct {
	CIDR   string
	Reason string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("cannot allocate from %s: %s", e.CIDR, e.Reason)
}

// NameCollisionError reports a device that exists under a derived name but
// belongs to something else.
type NameCollisionError struct {
	Name  string
	Owner string
	Want  string
}

func (e *NameCollisionError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "an untagged device"
	}
	return fmt.Sprintf("device %s is already in use by %s (want %s)", e.Name, owner, e.Want)
}

// LinkError reports a failed bridge, namespace or veth primitive.
type LinkError struct {
	Op     string
	Device string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// DiscoveryError reports live state that could not be read back from the host.
type DiscoveryError struct {
	Target string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to discover %s: %v", e.Target, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// NoSubnetsError reports a peering attempt against a VPC without subnets.
type NoSubnetsError struct {
	VPC string
}

func (e *NoSubnetsError) Error() string {
	return fmt.Sprintf("vpc %s has no subnets to peer", e.VPC)
}

// PrecursorMissingError reports an operation attempted before its dependency exists.
type PrecursorMissingError struct {
	Op      string
	Missing string
}

func (e *PrecursorMissingError) Error() string {
	return fmt.Sprintf("%s: %s does not exist", e.Op, e.Missing)
}
