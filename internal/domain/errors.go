package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrBusy             = errors.New("bot is busy")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemplateCopy     = errors.New("template copy failed")
	ErrManifestRewrite  = errors.New("manifest rewrite failed")
	ErrBuild            = errors.New("image build failed")
	ErrDeploy           = errors.New("deployment failed")
	ErrReadinessTimeout = errors.New("readiness timeout")
)

// Pipeline stages.
const (
	StageMaterialize = "materialize"
	StageBuild       = "build"
	StageApply       = "apply"
	StageReadiness   = "readiness"
	StageTeardown    = "teardown"
)

// StageError is a pipeline failure classified by one of the stage sentinels.
type StageError struct {
	Stage  string
	Kind   error
	Err    error
	Detail string
}

// NewStageError builds a StageError; detail carries tool diagnostics, if any.
func NewStageError(stage string, kind, err error, detail string) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err, Detail: detail}
}

func (e *StageError) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Detail != "" {
		msg = msg + "\n" + e.Detail
	}
	return msg
}

// Is matches the stage sentinel.
func (e *StageError) Is(target error) bool {
	return target == e.Kind
}

func (e *StageError) Unwrap() error {
	return e.Err
}
