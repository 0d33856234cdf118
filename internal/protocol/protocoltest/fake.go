// Package protocoltest provides a scriptable in-memory protocol.Dialer.
package protocoltest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"adcaster/internal/protocol"
)

// Account describes one phone number the fake network knows about.
type Account struct {
	Phone    string
	Code     string
	Password string // non-empty enables the second factor
	Groups   []protocol.Destination
}

type Sent struct {
	Phone       string
	Destination int64
	Text        string
}

// Network is a fake messaging network. Exported fields may be set before use;
// methods are safe for concurrent use.
type Network struct {
	mu       sync.Mutex
	accounts map[string]*Account
	revoked  map[string]bool
	reject   map[string]string
	failures map[string][]error
	sent     []Sent
	opened   int
	closed   int
	doubles  int
	open     map[*session]bool
	seq      int

	// SendHook, if set, runs before a send is recorded. A non-nil error fails the send.
	SendHook func(ctx context.Context, phone string, destination int64) error
}

func NewNetwork(accounts ...Account) *Network {
	n := &Network{
		accounts: map[string]*Account{},
		revoked:  map[string]bool{},
		reject:   map[string]string{},
		failures: map[string][]error{},
		open:     map[*session]bool{},
	}
	for _, a := range accounts {
		a := a
		n.accounts[a.Phone] = &a
	}
	return n
}

func (n *Network) AddAccount(a Account) {
	n.mu.Lock()
	n.accounts[a.Phone] = &a
	n.mu.Unlock()
}

// Reject makes RequestCode for phone fail with a ProviderError carrying reason.
func (n *Network) Reject(phone, reason string) {
	n.mu.Lock()
	n.reject[phone] = reason
	n.mu.Unlock()
}

// Revoke invalidates every session exported for phone.
func (n *Network) Revoke(phone string) {
	n.mu.Lock()
	n.revoked[phone] = true
	n.mu.Unlock()
}

// FailNext queues errors returned by the next calls to op
// ("dial", "request_code", "sign_in", "password", "authorized", "destinations", "send").
func (n *Network) FailNext(op string, errs ...error) {
	n.mu.Lock()
	n.failures[op] = append(n.failures[op], errs...)
	n.mu.Unlock()
}

func (n *Network) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// Sessions reports (opened, closed, still open).
func (n *Network) Sessions() (opened, closed, live int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened, n.closed, len(n.open)
}

// DoubleCloses counts Close calls on already closed sessions.
func (n *Network) DoubleCloses() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.doubles
}

func (n *Network) takeFailure(op string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.failures[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	n.failures[op] = q[1:]
	return err
}

func (n *Network) Dial(ctx context.Context, secret []byte) (protocol.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := n.takeFailure("dial"); err != nil {
		return nil, err
	}
	s := &session{net: n}
	if len(secret) > 0 {
		if err := s.restore(string(secret)); err != nil {
			return nil, err
		}
	}
	n.mu.Lock()
	n.opened++
	n.open[s] = true
	n.mu.Unlock()
	return s, nil
}

type session struct {
	net        *Network
	phone      string
	challenge  string
	needsPass  bool
	authorized bool
	closed     bool
}

// Secrets look like "auth:<phone>" or "pending:<phone>:<challenge>[:2fa]".
func (s *session) restore(secret string) error {
	parts := strings.Split(secret, ":")
	switch {
	case len(parts) == 2 && parts[0] == "auth":
		s.phone, s.authorized = parts[1], true
	case len(parts) >= 3 && parts[0] == "pending":
		s.phone, s.challenge = parts[1], parts[2]
		s.needsPass = len(parts) == 4 && parts[3] == "2fa"
	default:
		return fmt.Errorf("protocoltest: bad secret %q", secret)
	}
	return nil
}

func (s *session) check(ctx context.Context, op string) error {
	if s.closed {
		return errors.New("protocoltest: session closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.net.takeFailure(op)
}

func (s *session) RequestCode(ctx context.Context, phone string) (string, error) {
	if err := s.check(ctx, "request_code"); err != nil {
		return "", err
	}
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if reason, ok := n.reject[phone]; ok {
		return "", &protocol.ProviderError{Code: "PHONE_NUMBER_INVALID", Reason: reason}
	}
	if _, ok := n.accounts[phone]; !ok {
		return "", &protocol.ProviderError{Code: "PHONE_NUMBER_UNOCCUPIED", Reason: "phone number is not registered"}
	}
	n.seq++
	s.phone = phone
	s.challenge = fmt.Sprintf("hash-%d", n.seq)
	return s.challenge, nil
}

func (s *session) SignIn(ctx context.Context, phone, challenge, code string) error {
	if err := s.check(ctx, "sign_in"); err != nil {
		return err
	}
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, ok := n.accounts[phone]
	if !ok || challenge == "" || challenge != s.challenge {
		return protocol.ErrCodeExpired
	}
	if code != acct.Code {
		return protocol.ErrInvalidCode
	}
	if acct.Password != "" {
		s.needsPass = true
		return protocol.ErrPasswordRequired
	}
	s.authorized = true
	delete(n.revoked, phone)
	return nil
}

func (s *session) SignInPassword(ctx context.Context, password string) error {
	if err := s.check(ctx, "password"); err != nil {
		return err
	}
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, ok := n.accounts[s.phone]
	if !ok || !s.needsPass {
		return protocol.ErrUnauthorized
	}
	if password != acct.Password {
		return protocol.ErrInvalidPassword
	}
	s.authorized = true
	s.needsPass = false
	delete(n.revoked, s.phone)
	return nil
}

func (s *session) Authorized(ctx context.Context) (bool, error) {
	if err := s.check(ctx, "authorized"); err != nil {
		return false, err
	}
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	return s.authorized && !n.revoked[s.phone], nil
}

func (s *session) Destinations(ctx context.Context) ([]protocol.Destination, error) {
	if err := s.check(ctx, "destinations"); err != nil {
		return nil, err
	}
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !s.authorized || n.revoked[s.phone] {
		return nil, protocol.ErrUnauthorized
	}
	return append([]protocol.Destination(nil), n.accounts[s.phone].Groups...), nil
}

func (s *session) Send(ctx context.Context, destination int64, text string) error {
	if err := s.check(ctx, "send"); err != nil {
		return err
	}
	n := s.net
	n.mu.Lock()
	hook, phone, ok := n.SendHook, s.phone, s.authorized && !n.revoked[s.phone]
	n.mu.Unlock()
	if !ok {
		return protocol.ErrUnauthorized
	}
	if hook != nil {
		if err := hook(ctx, phone, destination); err != nil {
			return err
		}
	}
	n.mu.Lock()
	n.sent = append(n.sent, Sent{Phone: phone, Destination: destination, Text: text})
	n.mu.Unlock()
	return nil
}

func (s *session) Export(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, errors.New("protocoltest: session closed")
	}
	switch {
	case s.authorized:
		return []byte("auth:" + s.phone), nil
	case s.challenge != "":
		sec := "pending:" + s.phone + ":" + s.challenge
		if s.needsPass {
			sec += ":2fa"
		}
		return []byte(sec), nil
	default:
		return nil, nil
	}
}

func (s *session) Close() error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		n.doubles++
		return errors.New("protocoltest: double close")
	}
	s.closed = true
	n.closed++
	delete(n.open, s)
	return nil
}
