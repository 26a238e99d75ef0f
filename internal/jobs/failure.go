package jobs

import (
	"errors"
	"fmt"
)

type FailureKind int

const (
	FailureTimeout FailureKind = iota + 1
	FailureDisconnect
	FailureRemote
	FailureCanceled
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureDisconnect:
		return "disconnect"
	case FailureRemote:
		return "remote"
	case FailureCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout      = errors.New("jobs: timed out")
	ErrDisconnected = errors.New("jobs: session disconnected")
	ErrRemote       = errors.New("jobs: remote failure")
	ErrCanceled     = errors.New("jobs: canceled")
)

// Failure is the error a sink receives when its job does not complete.
type Failure struct {
	Kind  FailureKind
	Space Space
	ID    uint64
	Err   error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("jobs: %s job %d failed (%s): %v", f.Space, f.ID, f.Kind, f.Err)
	}
	return fmt.Sprintf("jobs: %s job %d failed (%s)", f.Space, f.ID, f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches the sentinel for the failure kind.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return f.Kind == FailureTimeout
	case ErrDisconnected:
		return f.Kind == FailureDisconnect
	case ErrRemote:
		return f.Kind == FailureRemote
	case ErrCanceled:
		return f.Kind == FailureCanceled
	}
	return false
}

func Canceled(err error) *Failure {
	return &Failure{Kind: FailureCanceled, Err: err}
}
