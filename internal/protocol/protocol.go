// Package protocol is the capability contract the core needs from the messaging
// network: connect with a credential, run the code/password handshake,
// enumerate destinations, send, and report an error class.
package protocol

import (
	"context"
)

type Kind string

const (
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
	KindUser    Kind = "user"
)

type Destination struct {
	ID    int64
	Title string
	Kind  Kind
}

// Eligible reports whether the broadcast loop may post into d.
func (d Destination) Eligible() bool { return d.Kind == KindGroup }

// Dialer opens sessions. A nil secret opens a fresh unauthenticated session;
// otherwise the secret is one previously returned by Session.Export.
type Dialer interface {
	Dial(ctx context.Context, secret []byte) (Session, error)
}

// Session is one live connection. Implementations need not be safe for
// concurrent use; callers serialize per session.
type Session interface {
	// RequestCode asks the network to deliver a one-time code to phone and
	// returns the challenge token that correlates the later SignIn.
	RequestCode(ctx context.Context, phone string) (string, error)
	// SignIn returns nil once authorized, or ErrPasswordRequired,
	// ErrInvalidCode, ErrCodeExpired, a RateLimitError, or a transient error.
	SignIn(ctx context.Context, phone, challenge, code string) error
	// SignInPassword completes a second factor. ErrInvalidPassword on mismatch.
	SignInPassword(ctx context.Context, password string) error

	Authorized(ctx context.Context) (bool, error)
	Destinations(ctx context.Context) ([]Destination, error)
	Send(ctx context.Context, destination int64, text string) error

	// Export serializes the session so it can be redialed later.
	Export(ctx context.Context) ([]byte, error)
	Close() error
}
