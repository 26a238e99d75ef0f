package protocol

import "fmt"

// Result is the server's outcome code carried in the routing header and
// in some bodies.
type Result int32

const (
	ResultInvalid            Result = 0
	ResultOK                 Result = 1
	ResultFail               Result = 2
	ResultNoConnection       Result = 3
	ResultInvalidPassword    Result = 5
	ResultLoggedInElsewhere  Result = 6
	ResultInvalidProtocol    Result = 7
	ResultInvalidParam       Result = 8
	ResultBusy               Result = 10
	ResultInvalidState       Result = 11
	ResultAccessDenied       Result = 15
	ResultTimeout            Result = 16
	ResultServiceUnavailable Result = 20
	ResultNotLoggedOn        Result = 21
	ResultInvalidSession     Result = 27
	ResultTryAnotherServer   Result = 48
	ResultRateLimited        Result = 84
	ResultAuthArtifactStale  Result = 88
)

var resultNames = map[Result]string{
	ResultInvalid:            "Invalid",
	ResultOK:                 "OK",
	ResultFail:               "Fail",
	ResultNoConnection:       "NoConnection",
	ResultInvalidPassword:    "InvalidPassword",
	ResultLoggedInElsewhere:  "LoggedInElsewhere",
	ResultInvalidProtocol:    "InvalidProtocol",
	ResultInvalidParam:       "InvalidParam",
	ResultBusy:               "Busy",
	ResultInvalidState:       "InvalidState",
	ResultAccessDenied:       "AccessDenied",
	ResultTimeout:            "Timeout",
	ResultServiceUnavailable: "ServiceUnavailable",
	ResultNotLoggedOn:        "NotLoggedOn",
	ResultInvalidSession:     "InvalidSession",
	ResultTryAnotherServer:   "TryAnotherServer",
	ResultRateLimited:        "RateLimited",
	ResultAuthArtifactStale:  "AuthArtifactStale",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int32(r))
}

// ResultError wraps a non-OK result so callers can errors.As it.
type ResultError struct {
	Result Result
	Op     string
}

func (e ResultError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("protocol: result %s", e.Result)
	}
	return fmt.Sprintf("protocol: %s: result %s", e.Op, e.Result)
}

// InvalidatesIdentity reports results after which the cached session
// identity must not be reused.
func (r Result) InvalidatesIdentity() bool {
	switch r {
	case ResultInvalidPassword, ResultInvalidSession, ResultLoggedInElsewhere, ResultAuthArtifactStale:
		return true
	default:
		return false
	}
}

// Retryable reports results worth another connection attempt.
func (r Result) Retryable() bool {
	switch r {
	case ResultServiceUnavailable, ResultTryAnotherServer, ResultBusy, ResultTimeout, ResultNoConnection:
		return true
	default:
		return false
	}
}
