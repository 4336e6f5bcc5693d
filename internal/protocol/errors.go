package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionNotReady is returned for requests issued before authentication completes.
	ErrConnectionNotReady = errors.New("connection not ready")
	// ErrConnectionLost is returned for requests in flight when the transport closes.
	ErrConnectionLost = errors.New("connection lost")
	// ErrRequestTimeout is returned when no response arrives before the request deadline.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrHandshakeTimeout is returned when authentication does not complete in time.
	ErrHandshakeTimeout = errors.New("authentication handshake timed out")
	// ErrAlreadyConnected is returned by Connect while a connection is open or opening.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrUnsupportedScheme is returned for endpoints that are not ws, wss or tcp.
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
)

// RemoteError is a structured rejection returned by the controller.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("controller rejected request: %s", e.Code)
	}
	return fmt.Sprintf("controller rejected request: %s: %s", e.Code, e.Message)
}

// AuthError reports that the controller refused the access token.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Message
}
