package offline

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	"fintrack/internal/remote"
)

// IsConnectivityError reports whether err means the remote store could not
// be reached at all. Any answer from the store, readable or not, a caller
// cancellation, and unrecognised errors are application-level.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var respErr *remote.ResponseError
	if errors.As(err, &respErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transportErr *remote.TransportError
	if errors.As(err, &transportErr) {
		return true
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
