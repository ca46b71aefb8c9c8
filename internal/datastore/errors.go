package datastore

import "fmt"

// Error represents an API error returned by the chat store.
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %d, msg: %s", e.Code, e.Msg)
}

// Common error codes.
const (
	CodeSuccess = 0

	CodeInvalidParam   = 1001
	CodeInternalServer = 1002
	CodeUnauthorized   = 1003
	CodeForbidden      = 1004
	CodeNotFound       = 1005

	CodeMessageRejected = 4001
	CodeConvNotFound    = 4002
)
