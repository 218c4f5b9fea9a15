package waiter

import (
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// ErrTimeout matches every TimeoutError.
var ErrTimeout = errors.New("timed out waiting for instance")

// Stage is the point of the readiness sequence the waiter was in.
type Stage string

const (
	StagePolling        Stage = "polling"
	StageAddressPending Stage = "address_pending"
	StagePortChecking   Stage = "port_checking"
	StageSettling       Stage = "settling"
	StageReady          Stage = "ready"
)

// TimeoutError is returned when the deadline passes before the instance is ready.
// A port that never opens is reported here too, with Stage set to StagePortChecking.
type TimeoutError struct {
	InstanceID string
	Stage      Stage
	LastState  fleet.InstanceState // empty if no describe call ever succeeded
	Address    string
	Port       int
	Elapsed    time.Duration
	Cause      error // last query or probe error, if any
}

func (e *TimeoutError) Error() string {
	state := string(e.LastState)
	if state == "" {
		state = "unknown"
	}
	msg := fmt.Sprintf("timed out after %s waiting for instance %s (stage %s, last state %s", e.Elapsed, e.InstanceID, e.Stage, state)
	if e.Port != 0 {
		msg += fmt.Sprintf(", port %s:%d", e.Address, e.Port)
	}
	msg += ")"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
