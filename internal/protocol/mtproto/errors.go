package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"adcaster/internal/protocol"
)

// mapError turns a gotd error into the protocol taxonomy. Errors that are not
// RPC errors are network failures and therefore transient.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &protocol.RateLimitError{Wait: d}
	}
	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return protocol.ErrPasswordRequired
	case errors.Is(err, auth.ErrPasswordInvalid):
		return protocol.ErrInvalidPassword
	}
	var signUp *auth.SignUpRequired
	if errors.As(err, &signUp) {
		return &protocol.ProviderError{Code: "PHONE_NUMBER_UNOCCUPIED", Reason: "phone number is not registered"}
	}

	rpc, ok := tgerr.As(err)
	if !ok {
		return protocol.Transient(err)
	}
	switch rpc.Type {
	case "SLOWMODE_WAIT":
		return &protocol.RateLimitError{Wait: time.Duration(rpc.Argument) * time.Second}
	case "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY":
		return protocol.ErrInvalidCode
	case "PHONE_CODE_EXPIRED":
		return protocol.ErrCodeExpired
	case "SESSION_PASSWORD_NEEDED":
		return protocol.ErrPasswordRequired
	case "PASSWORD_HASH_INVALID":
		return protocol.ErrInvalidPassword
	case "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED",
		"USER_DEACTIVATED", "USER_DEACTIVATED_BAN", "AUTH_KEY_DUPLICATED":
		return fmt.Errorf("%w: %s", protocol.ErrUnauthorized, rpc.Type)
	case "CHAT_WRITE_FORBIDDEN", "USER_BANNED_IN_CHANNEL", "CHANNEL_PRIVATE",
		"PEER_ID_INVALID", "CHAT_ADMIN_REQUIRED", "CHAT_RESTRICTED", "CHAT_SEND_PLAIN_FORBIDDEN":
		return fmt.Errorf("%w: %s", protocol.ErrPermanent, rpc.Type)
	}
	switch {
	case strings.HasPrefix(rpc.Type, "PHONE_NUMBER_"):
		return &protocol.ProviderError{Code: rpc.Type, Reason: rpc.Message}
	case rpc.Code == 401:
		return fmt.Errorf("%w: %s", protocol.ErrUnauthorized, rpc.Type)
	case rpc.Code >= 500:
		return protocol.Transient(err)
	}
	return fmt.Errorf("%w: %s", protocol.ErrPermanent, rpc.Type)
}
