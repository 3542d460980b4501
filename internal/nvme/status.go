package nvme

// IsRetryable reports whether a failed command may be resubmitted.
//
// Only a generic ABORTED_BY_REQUEST without DNR qualifies. Every other
// generic code, every other status code type and anything carrying DNR is
// final. Codes such as NAMESPACE_NOT_READY are deliberately not on the list.
func IsRetryable(cpl *Completion) bool {
	if cpl.DNR() {
		return false
	}

	switch cpl.SCT() {
	case SCTGeneric:
		switch cpl.SC() {
		case SCAbortedByRequest:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// Outcome is the classification of a completion.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps a completion to success, retryable error or fatal error.
func Classify(cpl *Completion) Outcome {
	if !cpl.IsError() {
		return OutcomeSuccess
	}
	if IsRetryable(cpl) {
		return OutcomeRetryable
	}
	return OutcomeFatal
}
