package core

import "errors"

// ErrorKind classifies a daemon error for the purposes of retry policy and
// state-machine transitions (spec taxonomy): transient errors trigger
// backoff and retry, authentication/resource errors block without retry
// until user action, invariant violations and fatal errors always force
// the fail-safe firewall.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindAuthentication
	KindResourceExhaustion
	KindInvariantViolation
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthentication:
		return "authentication"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindedError wraps an underlying error with an ErrorKind so callers across
// package boundaries can branch on it with errors.As instead of string
// matching or sentinel comparison.
type KindedError struct {
	Kind ErrorKind
	Op   string // component/operation that raised it, e.g. "wireguard.connect"
	Err  error
}

func (e *KindedError) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *KindedError) Unwrap() error { return e.Err }

// Transient wraps err as a KindTransient error.
func Transient(op string, err error) error {
	return &KindedError{Kind: KindTransient, Op: op, Err: err}
}

// Authentication wraps err as a KindAuthentication error.
func Authentication(op string, err error) error {
	return &KindedError{Kind: KindAuthentication, Op: op, Err: err}
}

// ResourceExhausted wraps err as a KindResourceExhaustion error (e.g. OS
// denied a privileged operation, out of fds, route table full).
func ResourceExhausted(op string, err error) error {
	return &KindedError{Kind: KindResourceExhaustion, Op: op, Err: err}
}

// InvariantViolation wraps err as a KindInvariantViolation error — the
// program observed a state it believes cannot happen.
func InvariantViolation(op string, err error) error {
	return &KindedError{Kind: KindInvariantViolation, Op: op, Err: err}
}

// Fatal wraps err as a KindFatal error — unrecoverable, the state machine
// must apply the fail-safe firewall and surface BlockReasonInternal (or a
// more specific reason) rather than retry.
func Fatal(op string, err error) error {
	return &KindedError{Kind: KindFatal, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindTransient for
// errors that were never classified — an unclassified error is assumed
// retryable rather than silently escalated to fatal.
func KindOf(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindTransient
}

// BlockReasonFor maps an error's kind to the BlockReason the state machine
// should record when it gives up retrying and enters TunnelError.
func BlockReasonFor(err error) BlockReason {
	switch KindOf(err) {
	case KindAuthentication:
		return BlockReasonAuthFailed
	case KindResourceExhaustion:
		return BlockReasonNoFirewall
	case KindInvariantViolation, KindFatal:
		return BlockReasonInternal
	default:
		return BlockReasonInternal
	}
}
