package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for failure classification. Callers tag errors with one of
// these via Wrap and later classify with errors.Is.
var (
	// ErrUnsupportedConversion marks a conversion request with no matching
	// strategy. Reported before any engine is invoked.
	ErrUnsupportedConversion = errors.New("unsupported conversion")

	// ErrCodecFailure marks an external engine error. The engine diagnostic
	// is preserved in the wrapped error chain.
	ErrCodecFailure = errors.New("codec failure")

	// ErrIntegrity marks a digest or authentication-tag mismatch. Artifacts
	// carrying this marker must not be trusted.
	ErrIntegrity = errors.New("integrity error")

	// ErrStorageExhausted marks disk pressure that persisted past a sweep.
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrDeletionFailure marks a failed file removal. The owning record is
	// retained for retry.
	ErrDeletionFailure = errors.New("deletion failure")

	ErrValidation = errors.New("validation error")
	ErrTimeout    = errors.New("timeout")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrValidation
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classification returns the short name used for an error marker in logs and
// per-item batch reports.
func Classification(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedConversion):
		return "unsupported_conversion"
	case errors.Is(err, ErrCodecFailure):
		return "codec_failure"
	case errors.Is(err, ErrIntegrity):
		return "integrity_error"
	case errors.Is(err, ErrStorageExhausted):
		return "storage_exhausted"
	case errors.Is(err, ErrDeletionFailure):
		return "deletion_failure"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return "failure"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
