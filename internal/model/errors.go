package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNoVertices is returned when a curve has no vertices to evaluate.
	ErrNoVertices = errors.New("no active vertices")
	// ErrNoBracket is returned when an aggregate curve has no pair of
	// vertices straddling zero net power.
	ErrNoBracket = errors.New("no vertex pair brackets zero net power")
	// ErrNoPrice is returned when no marginal price source is available for
	// an interval.
	ErrNoPrice = errors.New("no marginal price available")
	// ErrNotMonotone is returned when a curve's power decreases as price
	// increases.
	ErrNotMonotone = errors.New("curve is not monotone in price")
	// ErrMalformedSignal is returned when a record set cannot produce a
	// balance point.
	ErrMalformedSignal = errors.New("malformed transactive signal")
)

// ConfigError reports a configuration problem that is fatal to its owner.
type ConfigError struct {
	Owner  string
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s: invalid configuration", e.Owner)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
