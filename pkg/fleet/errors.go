package fleet

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig matches every ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError is returned before any API call when inputs are unusable.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidConfig) hold.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// QueryError wraps a failed Compute API call.
type QueryError struct {
	Op        string // API operation, e.g. "DescribeInstances"
	Code      string // provider error code when known
	Retryable bool   // true only for the documented throttling/consistency codes
	Err       error
}

func (e *QueryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a QueryError classified as retryable.
func IsRetryable(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Retryable
}
