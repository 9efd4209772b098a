package mtproto

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"github.com/lewisedginton/telefeed/internal/chat"
)

// rpcErrors maps Telegram RPC error types onto chat sentinels.
var rpcErrors = map[string]error{
	"PHONE_NUMBER_INVALID":     chat.ErrPhoneInvalid,
	"PHONE_NUMBER_BANNED":      chat.ErrPhoneInvalid,
	"PHONE_NUMBER_UNOCCUPIED":  chat.ErrPhoneInvalid,
	"PHONE_CODE_INVALID":       chat.ErrCodeInvalid,
	"PHONE_CODE_EMPTY":         chat.ErrCodeInvalid,
	"PHONE_CODE_EXPIRED":       chat.ErrCodeExpired,
	"PHONE_CODE_HASH_EMPTY":    chat.ErrCodeExpired,
	"AUTH_KEY_UNREGISTERED":    chat.ErrSessionRevoked,
	"SESSION_REVOKED":          chat.ErrSessionRevoked,
	"SESSION_EXPIRED":          chat.ErrSessionRevoked,
	"USER_DEACTIVATED":         chat.ErrSessionRevoked,
	"USER_DEACTIVATED_BAN":     chat.ErrSessionRevoked,
	"MESSAGE_NOT_MODIFIED":     chat.ErrNotModified,
	"MESSAGE_ID_INVALID":       chat.ErrMessageNotFound,
	"MESSAGE_DELETE_FORBIDDEN": chat.ErrMessageNotFound,
}

// mapError wraps err with op and, when it recognises the failure, with the
// matching chat sentinel so chat.Classify can sort it.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if d, ok := tgerr.AsFloodWait(err); ok {
		return fmt.Errorf("%s: retry in %s: %w: %w", op, d, chat.ErrFloodWait, err)
	}

	var sentinel error
	var rpcErr *tgerr.Error
	switch {
	case errors.As(err, &rpcErr) && rpcErrors[rpcErr.Type] != nil:
		sentinel = rpcErrors[rpcErr.Type]
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return fmt.Errorf("%s: two-step verification is not supported: %w", op, chat.ErrUnauthorized)
	case auth.IsUnauthorized(err):
		sentinel = chat.ErrUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		sentinel = chat.ErrTimeout
	}

	if sentinel == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, err)
}
