package testcluster

import (
	"errors"
	"fmt"
	"time"
)

// Orchestration errors.
var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("timed out")

	// ErrProcessExited is matched by every *ExitError.
	ErrProcessExited = errors.New("process exited")

	// ErrNotRunning indicates the process was already stopped or closed.
	ErrNotRunning = errors.New("process is not running")

	// ErrExecutableNotFound indicates the server executable is missing or not executable.
	ErrExecutableNotFound = errors.New("no such executable")

	// ErrMetaclusterClosed indicates the metacluster was already closed.
	ErrMetaclusterClosed = errors.New("metacluster is closed")

	// ErrClusterStopped indicates the cluster was stopped and detached from its metacluster.
	ErrClusterStopped = errors.New("cluster is stopped")

	// ErrNotMember indicates a cluster or process does not belong where the operation expects.
	ErrNotMember = errors.New("not a member")

	// ErrIndexOutOfRange indicates a positional lookup past the member count.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrInvalidOption indicates an unusable combination of constructor options.
	ErrInvalidOption = errors.New("invalid option")
)

// TimeoutError reports a bounded wait that ran out.
type TimeoutError struct {
	// Op describes what was being waited for.
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for %s", e.After, e.Op)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ExitError reports a process that exited when it should not have, or with
// the wrong code.
type ExitError struct {
	Op   string
	Code int
}

func (e *ExitError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("process stopped unexpectedly with return code %d", e.Code)
	}
	return fmt.Sprintf("process stopped unexpectedly with return code %d %s", e.Code, e.Op)
}

func (e *ExitError) Is(target error) bool {
	return target == ErrProcessExited
}
