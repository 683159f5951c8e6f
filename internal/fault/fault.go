// Package fault carries the error classification shared by every adapter in
// the replies engine. Orchestrators branch on a Kind, never on vendor error
// types: the DynamoDB, SQS, Secrets Manager, OpenAI and Twilio adapters all
// translate their failures into one of the kinds below before returning.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes the engine distinguishes.
type Kind int

const (
	// KindUnknown is the zero value for errors that carry no classification.
	KindUnknown Kind = iota
	// KindTransient covers throttling, 5xx, connection and timeout failures.
	// Stage A surfaces these as HTTP 5xx so the provider retries; Stage B
	// leaves the queue message in flight so the broker redelivers.
	KindTransient
	// KindPermanent covers auth, not-found, malformed-input and validation
	// failures that will not succeed on retry.
	KindPermanent
	// KindConfig covers missing tables, secrets, indexes or env vars.
	// Effectively permanent but alert-worthy.
	KindConfig
	// KindValidation covers malformed keys or request parameters rejected by
	// a dependency.
	KindValidation
	// KindLockContention marks benign duplicates: the trigger lock already
	// exists or the processing lock is held by another worker.
	KindLockContention
	// KindLockLost marks a conditional commit that failed after side effects
	// were externally visible. Never retried.
	KindLockLost
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindLockContention:
		return "lock_contention"
	case KindLockLost:
		return "lock_lost"
	default:
		return "unknown"
	}
}

// Error pairs an underlying error with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// With wraps err with the given kind. A nil err yields nil.
func With(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Transient wraps err as KindTransient.
func Transient(err error) error { return With(KindTransient, err) }

// Permanent wraps err as KindPermanent.
func Permanent(err error) error { return With(KindPermanent, err) }

// Config wraps err as KindConfig.
func Config(err error) error { return With(KindConfig, err) }

// Validation wraps err as KindValidation.
func Validation(err error) error { return With(KindValidation, err) }

// KindOf returns the classification of err, walking the wrap chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried by the caller's broker.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
