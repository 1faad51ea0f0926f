package csvimport

import "fmt"

// Error は利用者に返せるコードとメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

const (
	codeInvalidInput  = "INVALID_INPUT"
	codeLimitExceeded = "LIMIT_EXCEEDED"
	codeInvalidCSV    = "INVALID_CSV"
	codeJobNotFound   = "JOB_NOT_FOUND"
	codeJobRunning    = "JOB_RUNNING"
)
