package delivery

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoDelivery is returned by SendMail when no destination domain accepted the message.
	ErrNoDelivery = errors.New("no domain accepted the message")
	// ErrInvalidSender indicates the envelope sender did not parse as a mailbox.
	ErrInvalidSender = errors.New("invalid sender address")
	// ErrNoRecipients indicates no recipient address survived parsing.
	ErrNoRecipients = errors.New("no valid recipients")

	errNoMXRecords = errors.New("no usable MX records")
)

// ResolutionError reports that no mail exchanger could be determined for a domain.
type ResolutionError struct {
	Domain string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("MX lookup failed for %s: %v", e.Domain, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ConnectError reports that every MX candidate of a domain refused or timed out.
type ConnectError struct {
	Domain string
	Hosts  []string
	Err    error // Last dial error.
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to any SMTP server for %s (tried %s): %v", e.Domain, strings.Join(e.Hosts, ", "), e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError is a negative (4xx/5xx) or malformed server reply.
type ProtocolError struct {
	Code    int
	Message string
	// Command is the last command sent before the reply, empty for the greeting.
	Command string
}

func (e *ProtocolError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("smtp: malformed reply %q", e.Message)
	}
	if e.Command == "" {
		return fmt.Sprintf("smtp: server responded with code %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("smtp: server responded with code %d to %s: %s", e.Code, e.Command, e.Message)
}

// Temporary reports whether the reply was a transient (4xx) failure.
func (e *ProtocolError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// TLSUpgradeError is a failed STARTTLS handshake. It is logged and the
// session continues in plaintext; it never ends up in an Outcome.
type TLSUpgradeError struct {
	Host string
	Err  error
}

func (e *TLSUpgradeError) Error() string {
	return fmt.Sprintf("starttls with %s: %v", e.Host, e.Err)
}

func (e *TLSUpgradeError) Unwrap() error { return e.Err }
