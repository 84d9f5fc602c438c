package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/watermon/internal/device"
)

// dialError classifies a failed dial. A dial that ran out of time is both a refused
// connection and a timeout so callers can match either.
func dialError(address string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", &device.ConnectionError{
			State: device.Refused,
			Msg:   fmt.Sprintf("no answer from %q", address),
			Err:   err,
		}, device.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	norm := device.NormalizeError(err)
	var cerr *device.ConnectionError
	if errors.As(norm, &cerr) {
		return norm
	}
	return &device.ConnectionError{
		State: device.Refused,
		Msg:   fmt.Sprintf("failed to connect to device with address %q", address),
		Err:   err,
	}
}
