package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const passwordErrorText = "password error"

// SignalError is a relay or peer reported failure received on the signaling
// channel.
type SignalError struct {
	Code   ErrorCode
	Detail string
}

func (e *SignalError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("signaling error %s", e.Code)
	}
	return fmt.Sprintf("signaling error %s: %s", e.Code, e.Detail)
}

func (e *SignalError) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

// Retryable reports whether the supervisor should schedule a reconnect.
func (e *SignalError) Retryable() bool {
	return e.Code == ErrDeviceOffline
}

// ParseSignalError maps an error or p2p-error payload onto the code table.
// The relay sends bare numbers, the storage device sends text.
func ParseSignalError(event Event, data json.RawMessage) *SignalError {
	raw := strings.TrimSpace(string(data))

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		raw = strings.TrimSpace(text)
	}

	if event == EventP2PError && strings.EqualFold(raw, passwordErrorText) {
		return &SignalError{Code: ErrPassword, Detail: raw}
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return &SignalError{Code: ErrUnknown, Detail: raw}
	}

	code := ErrorCode(n)
	if code.String() == "UNKNOWN" {
		return &SignalError{Code: ErrUnknown, Detail: raw}
	}
	return &SignalError{Code: code}
}

// PasswordErrorPayload is what the storage role sends when the secret does
// not match.
func PasswordErrorPayload() json.RawMessage {
	return StringPayload(passwordErrorText)
}

// ErrorPayload renders a relay error code payload.
func ErrorPayload(code ErrorCode) json.RawMessage {
	return json.RawMessage(code.Wire())
}
