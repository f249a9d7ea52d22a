package kdc

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrDecodeFailed wraps the codec's *krb5.DecodeError.
	ErrDecodeFailed = errors.New("kdc: decode failed")

	// ErrUnsupportedMessageType is matched by every *MessageTypeError.
	ErrUnsupportedMessageType = errors.New("kdc: unsupported message type")

	// ErrRealmMismatch is matched by every *RealmError.
	ErrRealmMismatch = errors.New("kdc: realm mismatch")

	// ErrNoReply means a request processed without error but left no reply.
	ErrNoReply = errors.New("kdc: request produced no reply")
)

// MessageTypeError reports a decoded message that is neither AS-REQ nor
// TGS-REQ.
type MessageTypeError struct {
	Type int
}

func (e *MessageTypeError) Error() string {
	return fmt.Sprintf("kdc: unsupported message type %d", e.Type)
}

func (e *MessageTypeError) Is(target error) bool { return target == ErrUnsupportedMessageType }

// RealmError reports a request for a realm other than the KDC's. Realm is
// empty when the request named none.
type RealmError struct {
	Realm string
	Want  string
}

func (e *RealmError) Error() string {
	if e.Realm == "" {
		return fmt.Sprintf("kdc: request names no realm, serving %q", e.Want)
	}
	return fmt.Sprintf("kdc: request for realm %q, serving %q", e.Realm, e.Want)
}

func (e *RealmError) Is(target error) bool { return target == ErrRealmMismatch }

func errorCodeLabel(code int32) string {
	return strconv.Itoa(int(code))
}
