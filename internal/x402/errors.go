package x402

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrBackend             = errors.New("backend error")
	ErrSettlementAmbiguity = errors.New("settlement ambiguity")
)

// ConfigurationError reports an endpoint setup that cannot produce valid
// payment requirements.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string        { return e.Msg }
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// ProtocolViolation reports a payment the gateway rejects. Message is the
// client-facing text sent in the 402 body.
type ProtocolViolation struct {
	Message string
	Reasons []string
	Err     error
}

func (e *ProtocolViolation) Error() string        { return e.Message }
func (e *ProtocolViolation) Unwrap() error        { return e.Err }
func (e *ProtocolViolation) Is(target error) bool { return target == ErrProtocolViolation }

// Reject builds a ProtocolViolation with the given client-facing message.
func Reject(message string, reasons ...string) *ProtocolViolation {
	return &ProtocolViolation{Message: message, Reasons: reasons}
}

// BackendError reports a failed call to the payment backend or directory.
type BackendError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BackendError) Unwrap() error        { return e.Err }
func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// SettlementAmbiguityError reports that a settlement call was issued but no
// result came back. Funds may or may not have moved.
type SettlementAmbiguityError struct {
	Err error
}

func (e *SettlementAmbiguityError) Error() string {
	if e.Err == nil {
		return "settlement outcome unknown"
	}
	return "settlement outcome unknown: " + e.Err.Error()
}

func (e *SettlementAmbiguityError) Unwrap() error        { return e.Err }
func (e *SettlementAmbiguityError) Is(target error) bool { return target == ErrSettlementAmbiguity }
