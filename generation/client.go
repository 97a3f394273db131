// Package generation abstracts the text generation backend a stage
// calls to produce candidate artifacts.
//
// Failures are classified as transient (worth retrying: timeouts, rate
// limits, upstream overload) or permanent (retrying cannot help: bad
// request, bad credentials). The runner treats the two very differently,
// so every error leaving this package carries a classification.
package generation

import (
	"context"
	"errors"
	"net/http"

	"github.com/BaSui01/stageflow/types"
)

// Client generates text for a prompt. Implementations must respect
// context cancellation and deadlines.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Transient wraps cause as a retryable generation failure.
func Transient(message string, cause error) error {
	return types.NewError(types.ErrTransientGeneration, message).
		WithRetryable(true).
		WithCause(cause)
}

// Permanent wraps cause as a non-retryable generation failure.
func Permanent(message string, cause error) error {
	return types.NewError(types.ErrPermanentGeneration, message).
		WithRetryable(false).
		WithCause(cause)
}

// Classify maps a generation error to a failure kind. Context timeouts
// and cancellations count as transient; anything unclassified defaults
// to transient so an unknown infrastructure hiccup does not kill a run.
func Classify(err error) types.FailureKind {
	if err == nil {
		return types.FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.FailureTransient
	}
	switch types.GetErrorCode(err) {
	case types.ErrPermanentGeneration:
		return types.FailurePermanent
	case types.ErrTransientGeneration:
		return types.FailureTransient
	}
	if types.IsRetryable(err) {
		return types.FailureTransient
	}
	return types.FailureTransient
}

// classifyStatus maps an upstream HTTP status to a failure constructor.
func classifyStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
