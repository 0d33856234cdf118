package linking

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"adcaster/internal/credential"
)

type State string

const (
	StateNone             State = ""
	StateAwaitingPhone    State = "awaiting_phone"
	StateAwaitingCode     State = "awaiting_code"
	StateAwaitingPassword State = "awaiting_password"
	StateLinked           State = "linked"
	StateFailed           State = "failed"
	StateExpired          State = "expired"
)

var (
	ErrInvalidPhone   = errors.New("linking: invalid phone number")
	ErrNoPendingLink  = errors.New("linking: no linking in progress")
	ErrExpired        = errors.New("linking: linking attempt expired")
	ErrWrongState     = errors.New("linking: operation not valid in current state")
	ErrCodeIncomplete = errors.New("linking: code incomplete")
)

const (
	pendingKey     = "link/pending"
	pendingKind    = "pending_link"
	pendingVersion = 1
)

// pendingLink is the persisted attempt. Session is the exported
// unauthenticated session, so the whole record is sealed at rest.
type pendingLink struct {
	Attempt   string    `cbor:"attempt"`
	Phone     string    `cbor:"phone"`
	Session   []byte    `cbor:"session,omitempty"`
	Challenge string    `cbor:"challenge"`
	Code      string    `cbor:"code,omitempty"`
	State     State     `cbor:"state"`
	CreatedAt time.Time `cbor:"created_at"`
	ExpiresAt time.Time `cbor:"expires_at"`
}

// Status is what the front end renders.
type Status struct {
	State      State
	Phone      string // masked
	Digits     int
	CodeLength int
	ExpiresAt  time.Time
	Reason     string
	Account    *credential.Account
}

func (p *pendingLink) status(codeLen int) Status {
	return Status{
		State:      p.State,
		Phone:      MaskPhone(p.Phone),
		Digits:     len(p.Code),
		CodeLength: codeLen,
		ExpiresAt:  p.ExpiresAt,
	}
}

var phonePattern = regexp.MustCompile(`^\+\d{10,15}$`)

// NormalizePhone drops everything but digits and '+' and validates the
// result as +<10..15 digits>.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	phone := b.String()
	if !phonePattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// MaskPhone is credential.MaskPhone.
func MaskPhone(phone string) string { return credential.MaskPhone(phone) }
