// Package cmgrerrors defines the error taxonomy used across the artifact
// server: ConfigError, IOError, TarError, RemoteError, and ChannelError.
// Each is a distinct type so that the supervisor can decide, by type
// switch, whether an error is a startup-fatal configuration problem or a
// runtime-fatal operational one, while still printing a full wrapped error
// chain (via github.com/pkg/errors).
package cmgrerrors

import "errors"

// ConfigError indicates invalid CLI options, a missing required backend
// option, or an unparseable KEY=VALUE backend option. Always fatal at
// startup.
type ConfigError struct {
	cause error
}

// NewConfigError wraps cause as a ConfigError.
func NewConfigError(cause error) *ConfigError {
	return &ConfigError{cause: cause}
}

func (e *ConfigError) Error() string { return "configuration error: " + e.cause.Error() }
func (e *ConfigError) Unwrap() error { return e.cause }

// IOError indicates a filesystem read/write/walk failure. Fatal except for
// the documented "path already absent" squash on removals.
type IOError struct {
	cause error
}

// NewIOError wraps cause as an IOError.
func NewIOError(cause error) *IOError {
	return &IOError{cause: cause}
}

func (e *IOError) Error() string { return "I/O error: " + e.cause.Error() }
func (e *IOError) Unwrap() error { return e.cause }

// TarError indicates a gzip/tar decoding failure during extraction. Fatal
// for the affected build.
type TarError struct {
	cause error
}

// NewTarError wraps cause as a TarError.
func NewTarError(cause error) *TarError {
	return &TarError{cause: cause}
}

func (e *TarError) Error() string { return "tar error: " + e.cause.Error() }
func (e *TarError) Unwrap() error { return e.cause }

// RemoteError indicates an object-store or CDN call failure. Propagated
// from the backend's event loop; terminates the process.
type RemoteError struct {
	cause error
}

// NewRemoteError wraps cause as a RemoteError.
func NewRemoteError(cause error) *RemoteError {
	return &RemoteError{cause: cause}
}

func (e *RemoteError) Error() string { return "remote error: " + e.cause.Error() }
func (e *RemoteError) Unwrap() error { return e.cause }

// ChannelError indicates a send on a closed channel. Always fatal: it
// signals an invariant violation rather than a normal shutdown (a receive
// that returns !ok is the normal shutdown path and is not represented as an
// error at all).
type ChannelError struct {
	cause error
}

// NewChannelError wraps cause as a ChannelError.
func NewChannelError(cause error) *ChannelError {
	return &ChannelError{cause: cause}
}

func (e *ChannelError) Error() string { return "channel error: " + e.cause.Error() }
func (e *ChannelError) Unwrap() error { return e.cause }

// Chain formats err as a full cause chain, one cause per line, for the
// supervisor's fatal-error printout.
func Chain(err error) string {
	var out string
	for err != nil {
		if out != "" {
			out += "\n  caused by: "
		}
		out += err.Error()
		err = errors.Unwrap(err)
	}
	return out
}
