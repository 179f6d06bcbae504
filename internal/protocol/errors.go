package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorKind classifies protocol and session failures. Validation and
// structural kinds are recovered locally with an error reply; InternalMerge
// is fatal to the affected session only.
type ErrorKind string

const (
	KindMalformedFrame     ErrorKind = "MalformedFrame"
	KindUnknownMessageType ErrorKind = "UnknownMessageType"
	KindNotJoined          ErrorKind = "NotJoined"
	KindAlreadyJoined      ErrorKind = "AlreadyJoined"
	KindMissingField       ErrorKind = "MissingField"
	KindInvalidOperation   ErrorKind = "InvalidOperation"
	KindDocumentNotFound   ErrorKind = "DocumentNotFound"
	KindCapacity           ErrorKind = "Capacity"
	KindInternalMerge      ErrorKind = "InternalMerge"
)

// Fatal reports whether the kind tears down the session it occurred in.
func (k ErrorKind) Fatal() bool { return k == KindInternalMerge }

// Error carries a kind plus the human message sent to the peer.
type Error struct {
	Kind    ErrorKind
	Message string
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Frame renders the error reply envelope. Encoding cannot fail for this
// shape, so the frame is returned directly.
func (e *Error) Frame() []byte {
	data, _ := json.Marshal(Envelope{
		Type:      TypeError,
		Data:      map[string]string{"error": e.Message},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	return data
}
