package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/srg/watermon/internal/smartvalve"
)

// State is the lifecycle state of a Session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a connection to one smart valve.
//
// A session moves Disconnected -> Connecting -> Connected -> Subscribed and falls back to
// Disconnected when the link drops or Disconnect is called; it may then be connected again.
// Close is terminal.
type Session interface {
	// Connect dials the valve. It fails with a *ConnectionError on timeout or refusal.
	Connect(ctx context.Context, address string, timeout time.Duration) error

	// Subscribe enables notifications on the valve's UART TX characteristic.
	// It fails with a *ProtocolError when the UART service or characteristics are absent.
	Subscribe(ctx context.Context) error

	// Request discards any stale pages and sends a command to the valve.
	Request(ctx context.Context, cmd smartvalve.Command) error

	// NextRecord waits for the next assembled page. It returns ErrTimeout when nothing
	// arrives in time and ErrDisconnected when the link drops while waiting.
	NextRecord(ctx context.Context, timeout time.Duration) (smartvalve.RawRecord, error)

	// Disconnect drops the link and returns the session to Disconnected
	Disconnect() error

	// Close releases the session. It is idempotent and safe from any state.
	Close() error

	State() State
}

// ProtocolError reports a peer that does not expose the expected GATT layout,
// usually the wrong device or an unsupported firmware.
type ProtocolError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
	Msg      string
}

func (e *ProtocolError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("protocol error: %s", e.Msg)
	}
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("protocol error: %s not found", e.Resource)
	case 1:
		return fmt.Sprintf("protocol error: %s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("protocol error: %s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

// ConnectionState represents the specific kind of connection failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
	Refused          ConnectionState = "refused"
	Disconnected     ConnectionState = "disconnected"
	Closed           ConnectionState = "closed"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
	Err   error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
	ErrDisconnected     = &ConnectionError{State: Disconnected}
	ErrClosed           = &ConnectionError{State: Closed}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// IsLinkFailure reports whether err means the session must be reconnected before it
// can be used again: a connection problem, a protocol mismatch or a silent peer.
func IsLinkFailure(err error) bool {
	if err == nil {
		return false
	}
	var cerr *ConnectionError
	var perr *ProtocolError
	return errors.As(err, &cerr) || errors.As(err, &perr) || errors.Is(err, ErrTimeout)
}
