package ws

import (
	"errors"

	"github.com/tcriess/lightspeed-session/persistence"
)

// FailureKind classifies why an inbound event was rejected.
type FailureKind string

const (
	KindInvalid       FailureKind = "invalid-request"
	KindAuthorization FailureKind = "authorization"
	KindNotFound      FailureKind = "not-found"
	KindEnded         FailureKind = "session-ended"
	KindModeration    FailureKind = "moderation"
	KindUnavailable   FailureKind = "unavailable"
	KindPersistence   FailureKind = "persistence"
	KindInternal      FailureKind = "internal"
)

// Messages sent to the connection in the error event.
const (
	MsgInvalidRequest   = "invalid request"
	MsgNotAuthorized    = "not authorized for this session"
	MsgNotJoined        = "not joined to this session"
	MsgSessionNotFound  = "session not found"
	MsgSessionEnded     = "session has ended"
	MsgRemovedAbusive   = "removed for abusive language"
	MsgRejectedAbusive  = "message rejected: abusive language"
	MsgNoAIPractice     = "not an ai practice session"
	MsgVoiceUnavailable = "voice is not available"
	MsgInternal         = "internal error"

	ReasonAbusive = "abusive language"
)

// A Failure is a rejected event. Message is what the connection gets to see, Err the underlying cause (if any),
// which is only logged.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return string(f.Kind) + ": " + f.Message + ": " + f.Err.Error()
	}
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(kind FailureKind, message string, err error) *Failure {
	return &Failure{Kind: kind, Message: message, Err: err}
}

func invalidRequest(err error) *Failure {
	return newFailure(KindInvalid, MsgInvalidRequest, err)
}

// storeFailure classifies an error returned by the persister.
func storeFailure(err error) *Failure {
	if errors.Is(err, persistence.ErrNotFound) {
		return newFailure(KindNotFound, MsgSessionNotFound, err)
	}
	return newFailure(KindPersistence, MsgInternal, err)
}

// asFailure converts any error into a Failure, unknown errors become internal failures.
func asFailure(err error) *Failure {
	f := &Failure{}
	if errors.As(err, &f) {
		return f
	}
	return newFailure(KindInternal, MsgInternal, err)
}
