// Package client implements the client side of the gateway session
// protocol: the per-role connection state machine with handshake,
// challenge auth, heartbeats and reconnect, plus the per-topic state
// version tracker.
package client

import "fmt"

// AuthError is a terminal challenge/credential failure. The connection
// will not retry after one.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (%s): %s", e.Code, e.Message)
}

// TimeoutError fails a single request that saw no response in time. The
// connection itself remains usable.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return "request timed out: " + e.Method
}

// DisconnectedError fails every in-flight request when the socket drops
// unexpectedly. Requests are not retried transparently; callers resend
// after the connection is Ready again.
type DisconnectedError struct{}

func (e *DisconnectedError) Error() string {
	return "connection lost"
}

// CancelledError fails in-flight requests on explicit disconnect or
// session teardown.
type CancelledError struct{}

func (e *CancelledError) Error() string {
	return "request cancelled"
}

// VersionGapError reports a missed state update for a topic. Not fatal:
// the connection resyncs with a fresh snapshot.
type VersionGapError struct {
	Topic string
	Have  int64
	Got   int64
}

func (e *VersionGapError) Error() string {
	return fmt.Sprintf("state version gap on %s: have %d, got %d", e.Topic, e.Have, e.Got)
}
