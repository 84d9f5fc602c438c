package main

import (
	"errors"
	"fmt"

	"github.com/srg/watermon/internal/device"
	"github.com/srg/watermon/internal/poller"
	"github.com/srg/watermon/internal/store"
	"github.com/srg/watermon/pkg/config"
)

// Command-level errors
var (
	// ErrNoSample indicates a one-shot read ended without a decoded sample
	ErrNoSample = errors.New("no sample received from the valve")
)

// FormatUserError turns an error returned by a command into the message printed to the
// user. The most specific cause wins; unknown errors are printed as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var (
		verr  *config.ValidationError
		perr  *device.ProtocolError
		serr  *store.StorageError
		fatal *poller.FatalPollerError
	)
	switch {
	case errors.As(err, &verr):
		return fmt.Sprintf("%s (see --help or the configuration file)", verr.Error())
	case device.IsConnectionState(err, device.BluetoothOff):
		return "Bluetooth is turned off; turn it on and try again"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not supported on this platform"
	case errors.As(err, &perr):
		return fmt.Sprintf("%s; is the address a supported smart valve?", perr.Error())
	case errors.As(err, &fatal) && fatal.Attempts > 0:
		return fmt.Sprintf("%s; check that the valve is powered and in range", fatal.Error())
	case errors.As(err, &serr):
		return fmt.Sprintf("%s; check the database settings", serr.Error())
	default:
		return err.Error()
	}
}
