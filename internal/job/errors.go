package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/ledger"
	"github.com/hbomb79/Harmony/internal/resolve"
	"github.com/hbomb79/Harmony/internal/tool"
)

type ErrorKind int

const (
	NotOwner ErrorKind = iota
	NotWhitelisted
	UnsupportedMediaType
	ExternalToolFailure
	Timeout
	ResultNotFound
	DuplicateArtifact
	PersistenceError
	Cancelled
	// Internal covers local failures (such as the staging directory being
	// unavailable) which are not attributable to the request or the tool.
	Internal
)

func (kind ErrorKind) String() string {
	switch kind {
	case NotOwner:
		return "NOT_OWNER"
	case NotWhitelisted:
		return "NOT_WHITELISTED"
	case UnsupportedMediaType:
		return "UNSUPPORTED_MEDIA_TYPE"
	case ExternalToolFailure:
		return "EXTERNAL_TOOL_FAILURE"
	case Timeout:
		return "TIMEOUT"
	case ResultNotFound:
		return "RESULT_NOT_FOUND"
	case DuplicateArtifact:
		return "DUPLICATE_ARTIFACT"
	case PersistenceError:
		return "PERSISTENCE_ERROR"
	case Cancelled:
		return "CANCELLED"
	case Internal:
		return "INTERNAL"
	}

	return fmt.Sprintf("UNKNOWN[%d]", kind)
}

// IsAuthorization reports whether the kind is an authorization failure
func (kind ErrorKind) IsAuthorization() bool {
	return kind == NotOwner || kind == NotWhitelisted
}

// Error is the structured failure reported for a job. ExitCode is only
// meaningful for ExternalToolFailure.
type Error struct {
	Kind     ErrorKind
	Detail   string
	ExitCode int
	cause    error
}

func (err *Error) Error() string {
	if err.Kind == ExternalToolFailure {
		return fmt.Sprintf("%s (exit code %d): %s", err.Kind, err.ExitCode, err.Detail)
	}

	return fmt.Sprintf("%s: %s", err.Kind, err.Detail)
}

func (err *Error) Unwrap() error {
	return err.cause
}

// classifyError converts an error from any stage of the pipeline
// in to the structured job Error.
func classifyError(err error) *Error {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr
	}

	classified := &Error{Detail: err.Error(), cause: err}

	var toolErr *tool.FailureError
	switch {
	case errors.As(err, &toolErr):
		classified.Kind = ExternalToolFailure
		classified.ExitCode = toolErr.ExitCode
		classified.Detail = toolErr.StderrExcerpt
	case errors.Is(err, access.ErrNotOwner):
		classified.Kind = NotOwner
	case errors.Is(err, access.ErrNotWhitelisted):
		classified.Kind = NotWhitelisted
	case errors.Is(err, dispatch.ErrUnsupportedMediaType), errors.Is(err, dispatch.ErrEmptyTarget):
		classified.Kind = UnsupportedMediaType
	case errors.Is(err, tool.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		classified.Kind = Timeout
	case errors.Is(err, tool.ErrCancelled), errors.Is(err, context.Canceled):
		classified.Kind = Cancelled
	case errors.Is(err, resolve.ErrResultNotFound):
		classified.Kind = ResultNotFound
	case errors.Is(err, resolve.ErrDuplicateArtifact):
		classified.Kind = DuplicateArtifact
	case errors.Is(err, ledger.ErrPersistence):
		classified.Kind = PersistenceError
	default:
		classified.Kind = Internal
	}

	return classified
}
