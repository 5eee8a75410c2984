package model

import "errors"

// Error taxonomy shared across the pipeline. Callers match with errors.Is.
var (
	// ErrDataUnavailable means a required market or stake value is missing or
	// non-positive. It aborts the cycle before any transfer is built.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrCalibrationUnreachable means the bonus target lies outside what the
	// curve can produce. The engine clamps and logs; it never aborts on this.
	ErrCalibrationUnreachable = errors.New("calibration target unreachable")

	// ErrEncodingInvalid means an amount was about to be submitted with a
	// malformed hex encoding.
	ErrEncodingInvalid = errors.New("amount encoding invalid")

	// ErrSubmissionRejected is a ledger-level rejection for a single recipient,
	// or a failure before anything was broadcast. Either way the transfer did
	// not happen and may be resent.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrSubmissionUnknown means the transfer may have been broadcast but no
	// answer came back (timeout, cancellation, lost connection).
	ErrSubmissionUnknown = errors.New("submission outcome unknown")

	// ErrVerificationMismatch means the ledger reported success but no matching
	// asset transfer event was found.
	ErrVerificationMismatch = errors.New("verification mismatch")

	ErrAlreadyExecuted     = errors.New("run already executed for this date")
	ErrRunIncomplete       = errors.New("run started but not completed; use resend")
	ErrInsufficientBalance = errors.New("insufficient sender balance for payout")
	ErrMarketAnomaly       = errors.New("market parameters tripped the anomaly guard")
	ErrPolicyMismatch      = errors.New("distribution policy does not match live protocol fee")
	ErrTransferModeUnset   = errors.New("transfer mode must be chosen explicitly (separate or combined)")
	ErrRunNotFound         = errors.New("no run recorded for this date")
	ErrModeMismatch        = errors.New("transfer mode differs from the one the run was executed with")
)
