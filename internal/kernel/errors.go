package kernel

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned for submissions still pending when their
// connection is closed, and for Execute calls on a closed connection.
var ErrConnectionClosed = errors.New("kernel connection closed")

// CommandFailedError is a failure reported by the kernel. Error returns the
// kernel's message unchanged so hosts can display it as-is.
type CommandFailedError struct {
	Token   string
	Message string
}

func (e *CommandFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command %s failed", e.Token)
	}
	return e.Message
}

// SubmissionError is a failure to deliver a command to the kernel. Error
// returns the transport's message unchanged.
type SubmissionError struct {
	Token string
	Err   error
}

func (e *SubmissionError) Error() string { return e.Err.Error() }

func (e *SubmissionError) Unwrap() error { return e.Err }
