package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the loop wraps exactly one of these,
// so callers can branch with errors.Is.
var (
	// ErrConfiguration indicates an invalid or missing parameter.
	ErrConfiguration = errors.New("mlipal: invalid configuration")

	// ErrResourceNotFound indicates a referenced file or directory does not exist.
	ErrResourceNotFound = errors.New("mlipal: resource not found")

	// ErrExternalProcess indicates a trainer, predictor or labeler exited non-zero.
	ErrExternalProcess = errors.New("mlipal: external process failed")

	// ErrArtifactMismatch indicates a checkpoint is not an inference-ready model.
	ErrArtifactMismatch = errors.New("mlipal: checkpoint is not an inference artifact")

	// ErrDataIntegrity indicates an empty or inconsistent dataset where data is required.
	ErrDataIntegrity = errors.New("mlipal: data integrity violation")
)

// Error attaches an operation and optional path to an error kind.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Configf returns a configuration error for op.
func Configf(op, format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// Integrityf returns a data integrity error for op.
func Integrityf(op, format string, args ...any) error {
	return &Error{Kind: ErrDataIntegrity, Op: op, Err: fmt.Errorf(format, args...)}
}

// NotFound returns a resource-not-found error carrying the exact path.
func NotFound(op, path string) error {
	return &Error{Kind: ErrResourceNotFound, Op: op, Path: path}
}

// Config wraps err as a configuration error.
func Config(op string, err error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: err}
}

// ProcessError reports a subprocess that exited non-zero.
type ProcessError struct {
	Name     string
	ExitCode int
	Tail     string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s: %s exited with code %d", ErrExternalProcess.Error(), e.Name, e.ExitCode)
	if e.Tail != "" {
		msg += "\n" + e.Tail
	}
	return msg
}

func (e *ProcessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalProcess}
	}
	return []error{ErrExternalProcess, e.Err}
}

// ArtifactMismatchError names the offending checkpoint and, when one exists,
// the exported model that should be used instead.
type ArtifactMismatchError struct {
	Checkpoint string
	Suggestion string
	Detail     string
}

func (e *ArtifactMismatchError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrArtifactMismatch.Error(), e.Checkpoint)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Suggestion != "" {
		msg += "; use " + e.Suggestion
	} else {
		msg += "; export it to a .model file first"
	}
	return msg
}

func (e *ArtifactMismatchError) Unwrap() error {
	return ErrArtifactMismatch
}

// Kind reports a short label for the error kind of err, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrResourceNotFound):
		return "resource_not_found"
	case errors.Is(err, ErrExternalProcess):
		return "external_process"
	case errors.Is(err, ErrArtifactMismatch):
		return "artifact_mismatch"
	case errors.Is(err, ErrDataIntegrity):
		return "data_integrity"
	default:
		return "internal"
	}
}
