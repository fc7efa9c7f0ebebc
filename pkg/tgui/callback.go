package tgui

import (
	"errors"
	"fmt"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

var (
	ErrCallbackDataTooLong = errors.New("tgui: callback data too long")
	ErrBadCallbackData     = errors.New("tgui: malformed callback data")
)

// Data formats callback data as "scope:action:payload". The payload may
// contain ':' but scope and action may not.
func Data(scope, action, payload string) (string, error) {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if scope == "" || action == "" || strings.ContainsRune(scope, ':') || strings.ContainsRune(action, ':') {
		return "", fmt.Errorf("%w: scope=%q action=%q", ErrBadCallbackData, scope, action)
	}
	s := scope + ":" + action
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", fmt.Errorf("%w: %d bytes", ErrCallbackDataTooLong, len(s))
	}
	return s, nil
}

// ParseData splits data produced by Data.
func ParseData(data string) (scope, action, payload string, err error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", ErrBadCallbackData
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, nil
}
