package cli

import (
	"fmt"

	apperrors "optsim/internal/errors"
	"optsim/internal/trading"
)

// Process exit codes. A clean day, a calibration failure and a contract
// resolution failure each have their own.
const (
	ExitOK                = 0
	ExitError             = 1
	ExitCleanDay          = 0
	ExitCalibrationFailed = 3
	ExitResolutionFailed  = 4
)

// ExitCodeError carries a process exit code out of a command.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ec *ExitCodeError
	if apperrors.As(err, &ec) {
		return ec.Code
	}
	return ExitError
}

// isResolutionFailure reports errors raised while locating the session's
// contracts or their stored data.
func isResolutionFailure(err error) bool {
	return apperrors.Is(err, apperrors.ErrNoContractFound) || apperrors.Is(err, apperrors.ErrDataNotFound)
}

// dayVerdict classifies one replayed day: its exit code and a message.
func dayVerdict(day trading.DayResult) (int, string) {
	switch {
	case day.Err != nil && isResolutionFailure(day.Err):
		return ExitResolutionFailed, "contract resolution failed: " + day.Err.Error()
	case day.Result == nil && day.Err != nil:
		return ExitError, "failed: " + day.Err.Error()
	case day.Result == nil:
		return ExitError, "no result"
	}

	r := day.Result
	switch r.Outcome {
	case trading.OutcomeTraded:
		return ExitOK, fmt.Sprintf("%d trades", len(r.Trades))
	case trading.OutcomeCleanDay:
		return ExitCleanDay, "clean day: no entry triggered"
	case trading.OutcomeNoOp:
		return ExitCleanDay, fmt.Sprintf("no tradable legs (skipped %v)", r.Skipped)
	case trading.OutcomeCalibrationFailed:
		msg := "calibration failed"
		if day.Err != nil {
			msg += ": " + day.Err.Error()
		}
		return ExitCalibrationFailed, msg
	}
	msg := "session failed"
	if day.Err != nil {
		msg += ": " + day.Err.Error()
	}
	return ExitError, msg
}
