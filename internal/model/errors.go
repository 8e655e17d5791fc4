package model

import (
	"context"
	"errors"

	"inferd/internal/worker"
)

// ErrNotLoaded is returned by Run before a successful Load.
var ErrNotLoaded = errors.New("model not loaded")

// LoadError reports that a model or its encoder could not be materialized.
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string { return "load model " + e.Model + ": " + e.Err.Error() }

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is (or wraps) a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// InferenceError reports a failure inside encode, generate or decode.
type InferenceError struct {
	Model string
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return "inference " + e.Stage + " (" + e.Model + "): " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsInferenceError reports whether err is (or wraps) an InferenceError.
func IsInferenceError(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}

// wrapInference leaves admission and context errors untouched so callers can
// map them to back-pressure and timeout responses.
func wrapInference(model, stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, worker.ErrBusy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &InferenceError{Model: model, Stage: stage, Err: err}
}
