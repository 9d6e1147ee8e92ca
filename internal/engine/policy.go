package engine

// Failure codes validators may report against a request.
const (
	// FailCodeKeyUnavailable means the validator permanently lost access
	// to the requested key.
	FailCodeKeyUnavailable = "key_unavailable"

	// FailCodeKeyMismatch means the requested key tag does not match any
	// key the validator holds for the epoch.
	FailCodeKeyMismatch = "key_mismatch"

	// FailCodeEpochRejected means the validator refuses to sign for the
	// request's epoch.
	FailCodeEpochRejected = "epoch_rejected"
)

// FailurePolicy decides whether a validator-reported error code is
// unrecoverable for the request. Non-fatal reports are logged and
// dropped; the request keeps waiting for quorum or times out.
type FailurePolicy func(code string) bool

// DefaultFailurePolicy treats explicit key and epoch rejections as fatal
// and everything else as transient.
func DefaultFailurePolicy(code string) bool {
	switch code {
	case FailCodeKeyUnavailable, FailCodeKeyMismatch, FailCodeEpochRejected:
		return true
	default:
		return false
	}
}
