package compute

import (
	"errors"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// retryableCodes are the only provider error codes retried within a budget.
// Everything else surfaces immediately.
var retryableCodes = map[string]bool{
	"RequestLimitExceeded":      true,
	"Throttling":                true,
	"ThrottlingException":       true,
	"RequestThrottled":          true,
	"RequestThrottledException": true,
	"TooManyRequestsException":  true,
}

// describeRetryableCodes are additionally retryable when polling an instance:
// a freshly launched instance may not be visible yet.
var describeRetryableCodes = map[string]bool{
	"InvalidInstanceID.NotFound": true,
}

func classify(op string, err error) error {
	return classifyWith(op, err, nil)
}

func classifyWith(op string, err error, extra map[string]bool) error {
	if err == nil {
		return nil
	}
	qe := &fleet.QueryError{Op: op, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		qe.Code = apiErr.ErrorCode()
		qe.Retryable = retryableCodes[qe.Code] || extra[qe.Code]
	}
	return qe
}
