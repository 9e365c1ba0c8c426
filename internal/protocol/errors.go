package protocol

import "fmt"

// Error kinds with their numeric code ranges, as carried in NACK responses.
const (
	KindContextError   = "CONTEXT-ERROR"   // 10000–19999
	KindDomainError    = "DOMAIN-ERROR"    // 20000–29999
	KindPolicyError    = "POLICY-ERROR"    // 30000–39999
	KindBusinessError  = "BUSINESS-ERROR"  // 40000–49999
	KindTechnicalError = "TECHNICAL-ERROR" // 50000–59999
)

// Concrete codes used across the engines.
const (
	CodeSignatureInvalid  = 10001
	CodeVersionMismatch   = 10002
	CodeInvalidUUID       = 10003
	CodeStaleTimestamp    = 10004
	CodeExpiredTTL        = 10005
	CodeMissingField      = 10006
	CodeUnknownProvider   = 20001
	CodeDuplicateMessage  = 30001
	CodeUnauthorized      = 30002
	CodeInvalidTransition = 40001
	CodeInvalidValue      = 40002
	CodeUpstreamTimeout   = 50001
	CodeStorageFailure    = 50002
)

// Error is the structured protocol error carried in a NACK.
type Error struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%d: %s", e.Type, e.Code, e.Message)
}

func NewError(kind string, code int, format string, args ...any) *Error {
	return &Error{Type: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}
