package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/watermon/internal/device"
	"github.com/srg/watermon/internal/groutine"
	"github.com/srg/watermon/internal/smartvalve"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultQueueSize is the number of assembled pages buffered between the notification
	// handler and the poll loop
	DefaultQueueSize = 32

	// DefaultMTU is the ATT MTU offered to the valve after subscribing
	DefaultMTU = 517

	// maxChunkSize is the largest write the valve accepts on an unnegotiated link
	maxChunkSize = 20
)

// Nordic UART service exposed by the valve
var (
	UARTServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	// UARTTxCharUUID is the TX characteristic (valve -> host), notify
	UARTTxCharUUID = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
	// UARTRxCharUUID is the RX characteristic (host -> valve), write
	UARTRxCharUUID = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
)

// ----------------------------
// UART Session
// ----------------------------

// Session is a device.Session over go-ble talking to the valve's UART service
type Session struct {
	logger *logrus.Logger

	// dev is created on the first dial and kept until Close; the Linux HCI socket is
	// exclusive, so a second device cannot be opened while this one lives
	devMutex sync.Mutex
	dev      ble.Device

	connMutex sync.Mutex
	state     device.State
	address   string
	client    ble.Client
	txChar    *ble.Characteristic
	rxChar    *ble.Characteristic
	lost      chan struct{} // closed when the current link goes away
	stopWatch context.CancelFunc

	writeMutex sync.Mutex

	asmMutex  sync.Mutex
	assembler *smartvalve.Assembler
	pages     *device.RingChannel[smartvalve.RawRecord]
}

var _ device.Session = (*Session)(nil)

// NewSession creates a disconnected session
func NewSession(logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		logger:    logger,
		state:     device.StateDisconnected,
		assembler: smartvalve.NewAssembler(),
		pages:     device.NewRingChannel[smartvalve.RawRecord](DefaultQueueSize),
	}
}

// State returns the current lifecycle state
func (s *Session) State() device.State {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()
	return s.state
}

// Connect dials the valve at address
func (s *Session) Connect(ctx context.Context, address string, timeout time.Duration) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("device address is empty")
	}

	s.connMutex.Lock()
	switch s.state {
	case device.StateClosed:
		s.connMutex.Unlock()
		return device.ErrClosed
	case device.StateConnecting, device.StateConnected, device.StateSubscribed:
		s.connMutex.Unlock()
		s.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}
	s.state = device.StateConnecting
	s.address = address
	s.connMutex.Unlock()

	client, err := s.dial(ctx, address, timeout)

	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	if err != nil {
		if s.state == device.StateConnecting {
			s.state = device.StateDisconnected
		}
		return err
	}

	// Close raced with the dial
	if s.state != device.StateConnecting {
		_ = client.CancelConnection()
		return device.ErrClosed
	}

	s.client = client
	s.state = device.StateConnected
	s.lost = make(chan struct{})
	s.watchLink(client)

	s.logger.WithField("address", address).Info("BLE device connected")
	return nil
}

func (s *Session) dial(ctx context.Context, address string, timeout time.Duration) (ble.Client, error) {
	s.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	dev, err := s.bleDevice()
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := dev.Dial(dialCtx, ble.NewAddr(address))
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Failed to dial BLE device")
		return nil, dialError(address, err)
	}
	return client, nil
}

// bleDevice returns the session's BLE device, creating it on first use
func (s *Session) bleDevice() (ble.Device, error) {
	s.devMutex.Lock()
	defer s.devMutex.Unlock()

	if s.dev != nil {
		return s.dev, nil
	}
	// Close stops the device after marking the session closed
	if s.State() == device.StateClosed {
		return nil, device.ErrClosed
	}

	// Create a BLE device using the factory (allows for mocking in tests)
	dev, err := DeviceFactory()
	if err != nil {
		s.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	s.dev = dev
	return dev, nil
}

// releaseDevice stops the BLE device, if one was created
func (s *Session) releaseDevice() error {
	s.devMutex.Lock()
	dev := s.dev
	s.dev = nil
	s.devMutex.Unlock()

	if dev == nil {
		return nil
	}
	if err := dev.Stop(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to stop BLE device")
		return fmt.Errorf("failed to stop BLE device: %w", device.NormalizeError(err))
	}
	return nil
}

// watchLink cancels the session when the peer drops the link.
// Must be called with connMutex held.
func (s *Session) watchLink(client ble.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel

	disconnected := client.Disconnected()
	if disconnected == nil {
		s.logger.Debug("Client does not report disconnections")
		return
	}

	groutine.Go(ctx, "ble-disconnect-monitor", func(ctx context.Context) {
		select {
		case <-disconnected:
			s.linkLost(client)
		case <-ctx.Done():
		}
	})
}

func (s *Session) linkLost(client ble.Client) {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	// A stale monitor of a previous link
	if s.client != client {
		return
	}

	s.logger.WithField("address", s.address).Warn("BLE device reported disconnection")
	s.dropLocked()
}

// dropLocked forgets the current link. Must be called with connMutex held.
func (s *Session) dropLocked() ble.Client {
	client := s.client

	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	if s.lost != nil {
		close(s.lost)
		s.lost = nil
	}
	s.client = nil
	s.txChar = nil
	s.rxChar = nil
	if s.state != device.StateClosed {
		s.state = device.StateDisconnected
	}

	s.resetInbound()
	return client
}

// Subscribe discovers the UART service and enables TX notifications
func (s *Session) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	switch s.state {
	case device.StateSubscribed:
		return nil
	case device.StateConnected:
	case device.StateClosed:
		return device.ErrClosed
	default:
		return device.ErrNotConnected
	}

	profile, err := s.client.DiscoverProfile(true)
	if err != nil {
		s.logger.WithField("error", err).Error("Failed to discover profile")
		return fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	tx, rx, err := findUART(profile)
	if err != nil {
		return err
	}

	// Larger MTU lets the valve send whole pages; the default 23 still works
	if mtu, err := s.client.ExchangeMTU(DefaultMTU); err != nil {
		s.logger.WithField("error", err).Debug("MTU exchange failed, using default")
	} else {
		s.logger.WithField("mtu", mtu).Debug("MTU negotiated")
	}

	s.resetInbound()
	if err := s.client.Subscribe(tx, false, s.handleNotification); err != nil {
		s.logger.WithFields(logrus.Fields{
			"char_uuid": tx.UUID.String(),
			"error":     err,
		}).Error("Failed to subscribe to TX characteristic")
		return fmt.Errorf("failed to subscribe to TX characteristic: %w", device.NormalizeError(err))
	}

	s.txChar = tx
	s.rxChar = rx
	s.state = device.StateSubscribed

	s.logger.WithField("service", tx.UUID.String()).Info("Subscribed to valve UART notifications")
	return nil
}

func findUART(profile *ble.Profile) (tx, rx *ble.Characteristic, err error) {
	var svc *ble.Service
	if profile != nil {
		for _, candidate := range profile.Services {
			if candidate.UUID.Equal(UARTServiceUUID) {
				svc = candidate
				break
			}
		}
	}
	if svc == nil {
		return nil, nil, &device.ProtocolError{Resource: "service", UUIDs: []string{UARTServiceUUID.String()}}
	}

	for _, char := range svc.Characteristics {
		switch {
		case char.UUID.Equal(UARTTxCharUUID):
			tx = char
		case char.UUID.Equal(UARTRxCharUUID):
			rx = char
		}
	}

	if tx == nil {
		return nil, nil, &device.ProtocolError{Resource: "characteristic", UUIDs: []string{UARTServiceUUID.String(), UARTTxCharUUID.String()}}
	}
	if rx == nil {
		return nil, nil, &device.ProtocolError{Resource: "characteristic", UUIDs: []string{UARTServiceUUID.String(), UARTRxCharUUID.String()}}
	}
	if tx.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, nil, &device.ProtocolError{Msg: "TX characteristic does not support notifications"}
	}
	return tx, rx, nil
}

// handleNotification runs on the go-ble event goroutine; it only assembles pages
func (s *Session) handleNotification(data []byte) {
	s.asmMutex.Lock()
	records, _ := s.assembler.Feed(data)
	s.asmMutex.Unlock()

	for _, rec := range records {
		if s.pages.Send(rec) {
			s.logger.WithField("dropped_total", s.pages.Overwritten()).Warn("Page queue full, dropped oldest page")
		}
	}
}

// resetInbound discards partially assembled and queued pages
func (s *Session) resetInbound() {
	s.asmMutex.Lock()
	s.assembler.Reset()
	s.asmMutex.Unlock()
	s.pages.Drain()
}

// Request sends a command to the valve via the RX characteristic
func (s *Session) Request(ctx context.Context, cmd smartvalve.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.connMutex.Lock()
	if s.state != device.StateSubscribed {
		state := s.state
		s.connMutex.Unlock()
		if state == device.StateClosed {
			return device.ErrClosed
		}
		return device.ErrNotConnected
	}
	client, rx := s.client, s.rxChar
	s.connMutex.Unlock()

	// Pages of an earlier, abandoned request must not be mistaken for the answer
	s.resetInbound()

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	data := []byte{byte(cmd)}
	for len(data) > 0 {
		n := len(data)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		if err := client.WriteCharacteristic(rx, data[:n], false); err != nil {
			return fmt.Errorf("failed to write command %q: %w", cmd, device.NormalizeError(err))
		}
		data = data[n:]
	}

	s.logger.WithField("command", cmd.String()).Debug("Command sent")
	return nil
}

// NextRecord waits for the next assembled page
func (s *Session) NextRecord(ctx context.Context, timeout time.Duration) (smartvalve.RawRecord, error) {
	// Pages queued on the current link are delivered first; a dropped link has
	// already discarded its queue
	if rec, ok := s.pages.TryReceive(); ok {
		return rec, nil
	}

	s.connMutex.Lock()
	state, lost := s.state, s.lost
	s.connMutex.Unlock()

	switch state {
	case device.StateSubscribed:
	case device.StateClosed:
		return nil, device.ErrClosed
	case device.StateDisconnected:
		return nil, device.ErrDisconnected
	default:
		return nil, device.ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-s.pages.C():
		return rec, nil
	case <-lost:
		return nil, device.ErrDisconnected
	case <-timer.C:
		return nil, fmt.Errorf("no record within %s: %w", timeout, device.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect drops the link; the session may be connected again afterwards
func (s *Session) Disconnect() error {
	s.connMutex.Lock()
	if s.client == nil {
		s.connMutex.Unlock()
		s.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	tx := s.txChar
	client := s.dropLocked()
	s.connMutex.Unlock()

	s.logger.WithField("address", s.address).Info("Disconnecting BLE device...")

	// Network calls happen outside the lock
	var errs []error
	if tx != nil {
		if err := client.Unsubscribe(tx, false); err != nil {
			s.logger.WithField("error", err).Debug("Failed to unsubscribe from TX characteristic")
		}
	}
	if err := client.CancelConnection(); err != nil {
		errs = append(errs, device.NormalizeError(err))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return err
	}
	s.logger.Info("BLE device disconnected")
	return nil
}

// Close disconnects, stops the BLE device and makes the session unusable. Safe to
// call repeatedly.
func (s *Session) Close() error {
	err := s.Disconnect()

	s.connMutex.Lock()
	s.state = device.StateClosed
	s.connMutex.Unlock()

	return errors.Join(err, s.releaseDevice())
}
