package supervisor

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type restartKind int

const (
	restartExponential restartKind = iota
	restartFixed
	restartNever
)

// RestartPolicy decides what the supervisor does with a runnable that returned or panicked while it was expected
// to keep running.
type RestartPolicy struct {
	kind     restartKind
	interval time.Duration
}

// RestartExponential restarts a dead runnable with an exponential backoff capped at the backoff's MaxInterval.
func RestartExponential() RestartPolicy {
	return RestartPolicy{kind: restartExponential}
}

// RestartFixed restarts a dead runnable after a constant delay.
func RestartFixed(interval time.Duration) RestartPolicy {
	return RestartPolicy{kind: restartFixed, interval: interval}
}

// RestartNever leaves a dead runnable dead. Its group siblings are not canceled either, so a failing task only
// takes itself down.
func RestartNever() RestartPolicy {
	return RestartPolicy{kind: restartNever}
}

func (p RestartPolicy) String() string {
	switch p.kind {
	case restartExponential:
		return "exponential"
	case restartFixed:
		return fmt.Sprintf("fixed(%s)", p.interval)
	case restartNever:
		return "never"
	}
	return "unknown"
}

// newBackOff returns the backoff used between restarts. For RestartNever it is never consulted.
func (p RestartPolicy) newBackOff() backoff.BackOff {
	switch p.kind {
	case restartFixed:
		return backoff.NewConstantBackOff(p.interval)
	default:
		// MaxElapsedTime of 0 caps the backoff at MaxInterval instead of giving up.
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		return bo
	}
}
