package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound reports that an update or delete matched no record.
var ErrNotFound = errors.New("record not found")

// APIError is a structured rejection returned by the remote store. Any error
// of this type means the server was reached.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: http %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match a 404 rejection.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// TransportError wraps a failure that produced no HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ResponseError reports a response whose body could not be read or decoded.
// The server answered, so the request may have been applied.
type ResponseError struct {
	StatusCode int
	Op         string
	Err        error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("remote: %s: http %d: unreadable response: %v", e.Op, e.StatusCode, e.Err)
}
