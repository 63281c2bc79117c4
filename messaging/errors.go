package messaging

import "github.com/pkg/errors"

// Reply codes that control surfaces map to statuses.
const (
	CodeAlreadyRunning = "ALREADY_RUNNING"
	CodeNotRunning     = "NOT_RUNNING"
)

// CodedError is an error that keeps a machine-readable code across the bus.
type CodedError struct {
	Code string
	Msg  string
}

// NewCodedError returns a sentinel error carrying code.
func NewCodedError(code, msg string) *CodedError {
	return &CodedError{Code: code, Msg: msg}
}

func (e *CodedError) Error() string { return e.Msg }

// ErrorCode returns the code of the first CodedError in err's chain, or "".
func ErrorCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	return ""
}
