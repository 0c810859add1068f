package provision

import (
	"errors"
	"fmt"
)

// Precondition failures. None of these is retried.
var (
	ErrNoPrimaryBranch    = errors.New("project has no primary branch")
	ErrNoDatabases        = errors.New("branch has no databases")
	ErrNoRoles            = errors.New("branch has no roles")
	ErrEmptyConnectionURI = errors.New("control plane returned an empty connection uri")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrPrimaryBranch      = errors.New("refusing to delete the primary branch")
)

// ErrInvalidBranchName is wrapped by every ValidateBranchName failure
var ErrInvalidBranchName = errors.New("invalid branch name")

// Stage names the step of the provisioning pipeline that failed
type Stage string

const (
	StageResolve Stage = "resolve"
	StageDestroy Stage = "destroy"
	StageCreate  Stage = "create"
	StageConnect Stage = "connect"
)

// StageError annotates a failure with the pipeline stage that produced it
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsPrecondition reports whether err is one of the fatal precondition failures
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNoPrimaryBranch) ||
		errors.Is(err, ErrNoDatabases) ||
		errors.Is(err, ErrNoRoles) ||
		errors.Is(err, ErrEmptyConnectionURI)
}
