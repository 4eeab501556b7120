package port

import (
	"errors"
	"fmt"
)

// Code classifies transport failures.
type Code int

const (
	Success      Code = 0
	NotReady     Code = 0x15
	AccessFailed Code = 0x1F
	OpenFailed   Code = 0x6E
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case NotReady:
		return "NotReady"
	case AccessFailed:
		return "AccessFailed"
	case OpenFailed:
		return "OpenFailed"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Result is the error returned by failing port operations. Operation names
// what was attempted, e.g. "COM open" or "COM setChannel 3".
type Result struct {
	Operation string `json:"operation"`
	Code      Code   `json:"code"`
	Reason    string `json:"reason"`
}

func (r Result) Error() string {
	return fmt.Sprintf("%s >> %s (%s)", r.Operation, r.Code, r.Reason)
}

// CodeOf returns the Code carried by err. A nil error is Success, and errors
// that are not a Result count as AccessFailed.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r.Code
	}
	return AccessFailed
}
