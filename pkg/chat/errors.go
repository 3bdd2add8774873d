package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSessionClosed is returned when writing to a session that was torn down.
var ErrSessionClosed = errors.New("chat session closed")

// AuthError reports a failed login handshake. Rejected distinguishes bad
// credentials from an unreachable host; both are retried.
type AuthError struct {
	Provider string
	Rejected bool
	Err      error
}

func (e *AuthError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("%s: credentials rejected: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionLostError reports that the websocket closed, cleanly or not.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	if e.Err == nil {
		return "connection lost"
	}
	return "connection lost: " + e.Err.Error()
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// DeliveryError reports a failed send. Retryable is set when the transport
// closed or the server failed, as opposed to the server rejecting the message.
type DeliveryError struct {
	ChannelID string
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected frame. The frame is dropped.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsRetryableDelivery reports whether err is a DeliveryError worth parking in
// the pending slot.
func IsRetryableDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Retryable
}

// RetryableStatus reports whether an HTTP status from a send is worth a
// retry on the next session.
func RetryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}
