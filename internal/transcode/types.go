// Package transcode runs the external transcoder and prober binaries as
// subprocesses and owns the temp files their invocations produce.
package transcode

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrBinaryNotFound is matched by every spawn failure.
var ErrBinaryNotFound = errors.New("binary not found")

// Invocation describes one subprocess run.
type Invocation struct {
	Binary string
	Args   []string

	// OnProgressLine receives each diagnostic line from stderr. Lines are
	// split on \n or \r, so carriage-return progress updates arrive one by one.
	OnProgressLine func(line string)

	// Stdout receives the process's standard output. Nil discards it.
	Stdout io.Writer
}

// ExitResult is the structured outcome of a subprocess.
type ExitResult struct {
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r ExitResult) IsSuccess() bool { return r.ExitCode == 0 }

// ProcessSpawnError is returned when the binary is missing or cannot be executed.
type ProcessSpawnError struct {
	Binary string
	Err    error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("cannot start %s: %v", e.Binary, e.Err)
}

func (e *ProcessSpawnError) Unwrap() []error {
	return []error{ErrBinaryNotFound, e.Err}
}

// ExitError reports a non-zero exit.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Check converts a non-zero ExitResult into an *ExitError.
func Check(result ExitResult) error {
	if result.IsSuccess() {
		return nil
	}
	return &ExitError{Code: result.ExitCode, StderrTail: result.StderrTail}
}

// ProbeParseError is returned when prober output has no usable dimensions.
type ProbeParseError struct {
	Output string
	Err    error
}

func (e *ProbeParseError) Error() string {
	return fmt.Sprintf("cannot parse probe output: %v", e.Err)
}

func (e *ProbeParseError) Unwrap() error { return e.Err }

// Dimensions are the intrinsic size of a video stream.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}
