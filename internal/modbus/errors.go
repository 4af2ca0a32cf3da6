package modbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/simonvetter/modbus"
)

var (
	// ErrTimeout means the device did not answer within the client timeout.
	ErrTimeout = errors.New("modbus request timed out")
	// ErrDeviceOffline means the device or the gateway in front of it is
	// unreachable.
	ErrDeviceOffline = errors.New("modbus device offline")
	// ErrUnauthorized means the device answered but refused the function or
	// register address.
	ErrUnauthorized = errors.New("modbus request refused by device")
)

// Classify tags err with one of the package sentinels while keeping the
// original error in the chain. Errors it does not recognise are returned
// unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error
	switch {
	case errors.Is(err, modbus.ErrRequestTimedOut),
		errors.Is(err, os.ErrDeadlineExceeded),
		isNetTimeout(err):
		sentinel = ErrTimeout
	case errors.Is(err, modbus.ErrIllegalFunction),
		errors.Is(err, modbus.ErrIllegalDataAddress):
		sentinel = ErrUnauthorized
	case errors.Is(err, modbus.ErrGWPathUnavailable),
		errors.Is(err, modbus.ErrGWTargetFailedToRespond),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed),
		isDialError(err):
		sentinel = ErrDeviceOffline
	default:
		return err
	}

	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// IsRetryable reports whether reconnecting may fix err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrDeviceOffline)
}
