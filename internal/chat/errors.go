package chat

import (
	"context"
	"errors"

	"github.com/lewisedginton/telefeed/internal/domain"
)

// Errors a Client implementation reports. Implementations wrap them so that
// Classify can map them onto domain error kinds.
var (
	ErrFloodWait          = errors.New("chat: flood wait")
	ErrTimeout            = errors.New("chat: timeout")
	ErrDisconnected       = errors.New("chat: disconnected")
	ErrNotModified        = errors.New("chat: message not modified")
	ErrMessageNotFound    = errors.New("chat: message not found")
	ErrUnauthorized       = errors.New("chat: unauthorized")
	ErrSessionRevoked     = errors.New("chat: session revoked")
	ErrPhoneInvalid       = errors.New("chat: phone number invalid")
	ErrCodeInvalid        = errors.New("chat: verification code invalid")
	ErrCodeExpired        = errors.New("chat: verification code expired")
	ErrUnknownCredentials = errors.New("chat: unknown credential handle")
)

// Classify maps a client error to a domain error kind.
func Classify(err error) domain.Kind {
	switch {
	case err == nil:
		return domain.KindInternal
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSessionRevoked), errors.Is(err, ErrUnknownCredentials):
		return domain.KindProtocolPermanent
	case errors.Is(err, ErrPhoneInvalid), errors.Is(err, ErrCodeInvalid), errors.Is(err, ErrCodeExpired):
		return domain.KindInvalidInput
	case errors.Is(err, ErrFloodWait), errors.Is(err, ErrTimeout), errors.Is(err, ErrDisconnected),
		errors.Is(err, ErrMessageNotFound), errors.Is(err, context.DeadlineExceeded):
		return domain.KindProtocolTransient
	default:
		return domain.KindProtocolTransient
	}
}

// Wrap turns a client error into a *domain.Error classified by Classify.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return domain.E(Classify(err), op, err)
}
