package smtpserver

import "fmt"

// Error is a reply a DataSink can return to control exactly what the
// client sees, instead of the engine's generic default. The AUTH command
// does not inspect it: an error from an AuthCallback is handled as an
// internal failure. Code is the three-digit SMTP reply code; EnhancedCode
// is the RFC 3463 enhanced status code (e.g. "5.7.1"); Message is the
// human-readable text.
type Error struct {
	Code         int
	EnhancedCode string
	Message      string
}

func (e *Error) Error() string {
	if e.EnhancedCode == "" {
		return fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
}

// Temporary reports whether the error represents a 4xx (transient)
// condition, as opposed to a 5xx (permanent) one.
func (e *Error) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

func (e *Error) reply() string {
	if e.EnhancedCode == "" {
		return e.Message
	}
	return e.EnhancedCode + " " + e.Message
}
