// Package server defines close codes and utility helpers that are reused
// across connection and registry logic.
package server

import "strings"

// Application close codes sent when the server ends a session.
const (
	CloseSuperseded        = 4000
	CloseCredentialExpired = 4001
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
