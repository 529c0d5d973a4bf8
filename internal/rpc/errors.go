// internal/rpc/errors.go
package rpc

import "fmt"

// StartupError means the provider subprocess failed to launch or complete
// the initialize handshake. The session is unusable; connecting is retried
// lazily on next use.
type StartupError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *StartupError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("start %s: %v (stderr: %s)", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("start %s: %v", e.Command, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// TransportError means an I/O or framing failure mid-call. It invalidates
// the session; the next call reconnects once before propagating.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by the provider. The session
// remains valid.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
