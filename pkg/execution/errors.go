/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: errors.go
Description: Sentinel errors returned by the transport layer.
*/

package execution

import "errors"

var (
	// ErrInvalidConfig is returned when a transport is built from bad settings
	ErrInvalidConfig = errors.New("execution: invalid transport config")
	// ErrCancelled is returned when the caller's context ends before or during a send
	ErrCancelled = errors.New("execution: send cancelled")
	// ErrTransportClosed is returned by Send after Close
	ErrTransportClosed = errors.New("execution: transport closed")
	// ErrNoHostSender is returned when the host requester is selected without a sender
	ErrNoHostSender = errors.New("execution: host sender not provided")
)
