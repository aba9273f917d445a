// Package apperr classifies failures from provider APIs and sync internals
// so callers can branch on the reason without string-matching log output.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure category.
type Kind int

const (
	// KindAuth means the refresh token was rejected or the access token is
	// permanently invalid. Terminal for the connection until the user
	// re-authenticates.
	KindAuth Kind = iota + 1

	// KindTransient covers network failures, timeouts, 5xx and 429
	// responses. Safe to retry; must not mark the connection needs-reauth.
	KindTransient

	// KindNotFound means a provider resource (subscription, folder,
	// message) no longer exists.
	KindNotFound

	// KindParse means a single remote message payload could not be
	// normalized. Isolated to that message.
	KindParse

	// KindContact means contact resolution failed. Logged, non-fatal.
	KindContact

	// KindWebhookValidation means an inbound notification's client state
	// did not match the stored value. The notification is dropped.
	KindWebhookValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindParse:
		return "parse"
	case KindContact:
		return "contact"
	case KindWebhookValidation:
		return "webhook_validation"
	}
	return "unknown"
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with no underlying cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or 0 if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsAuth(err error) bool      { return KindOf(err) == KindAuth }
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsNotFound(err error) bool  { return KindOf(err) == KindNotFound }
func IsParse(err error) bool     { return KindOf(err) == KindParse }
