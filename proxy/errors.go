package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when the proxy is running.
	ErrAlreadyRunning = errors.New("proxy: already running")

	// ErrAlreadyStopped is returned by Stop when the proxy is not running.
	ErrAlreadyStopped = errors.New("proxy: already stopped")

	// ErrBufferOverflow is reported when a request body is larger than the
	// configured request buffer. The client gets 413 Request Entity Too
	// Large.
	ErrBufferOverflow = errors.New("proxy: request exceeds buffer size")

	// ErrAuthenticationFailed is reported when a client presents missing or
	// wrong credentials. The client gets 407 Proxy Authentication Required.
	ErrAuthenticationFailed = errors.New("proxy: authentication failed")
)

// BindError is returned by Start when the listening socket cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("proxy: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
