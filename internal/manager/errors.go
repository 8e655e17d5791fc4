package manager

import (
	"errors"
	"net/http"
	"time"

	"inferd/internal/model"
	"inferd/internal/worker"
)

// ErrNotLoaded is returned by the generation entry points before a model is
// initialized.
var ErrNotLoaded = model.ErrNotLoaded

// IsNotLoaded reports whether err means no model is held.
func IsNotLoaded(err error) bool { return errors.Is(err, ErrNotLoaded) }

// tooBusyError signals queue overflow or admission timeout for 429 mapping.
type tooBusyError struct{ model string }

func (e tooBusyError) Error() string { return "too busy: " + e.model }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb) || errors.Is(err, worker.ErrBusy)
}

// timeoutError reports that a generation exceeded the configured limit.
type timeoutError struct {
	model string
	after time.Duration
}

func (e timeoutError) Error() string {
	return "generation timed out after " + e.after.String() + ": " + e.model
}

func (e timeoutError) StatusCode() int { return http.StatusGatewayTimeout }

// IsTimeout reports whether err is a generation timeout (return 504).
func IsTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te)
}

// IsLoadFailure reports whether err is a model load failure (return 503).
func IsLoadFailure(err error) bool { return model.IsLoadError(err) }

// IsInferenceFailure reports whether err came from encode, generate or
// decode (return 500).
func IsInferenceFailure(err error) bool { return model.IsInferenceError(err) }
