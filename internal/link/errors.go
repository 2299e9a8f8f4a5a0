package link

import "errors"

var (
	// ErrNoCredentials aborts a call before any network action.
	ErrNoCredentials = errors.New("no device credentials configured")

	// ErrTimeout and ErrNegativeAck are reported through Result.Err and
	// Session.Err, never as the call's returned error.
	ErrTimeout     = errors.New("timed out waiting for response")
	ErrNegativeAck = errors.New("error response received")

	ErrChannelBusy  = errors.New("channel already has an active listener")
	ErrNotConnected = errors.New("transport connection lost")
)
