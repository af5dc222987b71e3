// Package sessionerr defines the error taxonomy shared by the session
// engine. Values are distinguished by Code, not by message text, so callers
// classify by Code (via Is or a *Error type assertion) instead of string
// matching.
package sessionerr

import "fmt"

// Code is a closed set of session-level failure classes.
type Code string

const (
	InvalidCredentials Code = "InvalidCredentials"
	AuthMethodDisabled Code = "AuthMethodDisabled"
	AuthExhausted      Code = "AuthExhausted"
	ConnectFailed      Code = "ConnectFailed"
	KeyShapeInvalid    Code = "KeyShapeInvalid"
	PassphraseRequired Code = "PassphraseRequired"
	ShellOpenFailed    Code = "ShellOpenFailed"
	ProtocolError      Code = "ProtocolError"
	Internal           Code = "Internal"
)

// userMessage holds the fixed, user-visible text for each code. Internal
// causes are never interpolated into these.
var userMessage = map[Code]string{
	InvalidCredentials: "Invalid credentials",
	AuthMethodDisabled: "Authentication method disabled",
	AuthExhausted:      "All authentication methods failed",
	ConnectFailed:      "", // caller fills in host:port or underlying cause
	KeyShapeInvalid:    "Invalid private key format",
	PassphraseRequired: "Encrypted private key requires a passphrase",
	ShellOpenFailed:    "Shell error",
	ProtocolError:      "", // never surfaced verbatim
	Internal:           "Unexpected failure",
}

// Error is a classified session failure. Cause, when present, is the
// underlying error wrapped for logging; it is never included verbatim in
// the user-visible message except where the taxonomy explicitly allows it
// (ConnectFailed may embed the network cause).
type Error struct {
	Code    Code
	Message string // user-visible text; falls back to the code's default when empty
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// UserMessage returns the text that may be shown to the client.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if m, ok := userMessage[e.Code]; ok && m != "" {
		return m
	}
	return "Unexpected failure"
}

// New constructs a classified error with an explicit user-visible message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs a classified error around an underlying cause. The cause
// is available via errors.Unwrap for logging and never appears in
// UserMessage.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err is a *Error with the given code.
func Is(err error, code Code) bool {
	var se *Error
	if e, ok := err.(*Error); ok {
		se = e
	} else {
		return false
	}
	return se.Code == code
}
