package linking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"adcaster/internal/clock"
	"adcaster/internal/codec"
	"adcaster/internal/credential"
	"adcaster/internal/eventbus"
	"adcaster/internal/keyed"
	"adcaster/internal/protocol"
	"adcaster/internal/retry"
	"adcaster/internal/storage"
	"adcaster/pkg/logx"
)

type Config struct {
	CodeLength int
	PendingTTL time.Duration
	Retry      retry.Policy
}

type Deps struct {
	Store       storage.Store
	Credentials *credential.Store
	Dialer      protocol.Dialer
	Clock       clock.Clock
	Bus         eventbus.Publisher
	Log         logx.Logger
}

// handle is a live unauthenticated session tied to one attempt.
type handle struct {
	attempt string
	sess    protocol.Session
	once    sync.Once
}

func (h *handle) release(log logx.Logger) {
	h.once.Do(func() {
		if err := h.sess.Close(); err != nil {
			log.Debug("close link session", logx.Err(err))
		}
	})
}

type Machine struct {
	cfg   Config
	db    storage.Store
	creds *credential.Store
	dial  protocol.Dialer
	clock clock.Clock
	bus   eventbus.Publisher
	log   logx.Logger

	locks keyed.Mutex[int64]

	mu      sync.Mutex
	handles map[int64]*handle
}

func New(cfg Config, d Deps) *Machine {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 5
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Minute
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = d.Clock
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Machine{
		cfg:     cfg,
		db:      d.Store,
		creds:   d.Credentials,
		dial:    d.Dialer,
		clock:   d.Clock,
		bus:     d.Bus,
		log:     d.Log.With(logx.String("comp", "linking")),
		handles: map[int64]*handle{},
	}
}

func (m *Machine) CodeLength() int { return m.cfg.CodeLength }

func key(owner int64) storage.Key { return storage.Key{Owner: owner, Name: pendingKey} }

func (m *Machine) publish(owner int64, topic string, data any) {
	m.bus.Publish(eventbus.Event{Topic: topic, Owner: owner, Time: m.clock.Now(), Data: data})
}

// ---- persistence ----

func (m *Machine) save(ctx context.Context, owner int64, p *pendingLink) error {
	body, err := codec.Seal(pendingKind, pendingVersion, p)
	if err != nil {
		return err
	}
	sealed, err := m.creds.Vault().Seal(body)
	if err != nil {
		return err
	}
	if err := m.db.Put(ctx, key(owner), sealed); err != nil {
		return fmt.Errorf("linking: save: %w", err)
	}
	return nil
}

// load returns the live attempt. An expired or undecodable record is cleared.
func (m *Machine) load(ctx context.Context, owner int64) (*pendingLink, error) {
	sealed, err := m.db.Get(ctx, key(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoPendingLink
	}
	if err != nil {
		return nil, err
	}
	var p pendingLink
	body, err := m.creds.Vault().Open(sealed)
	if err == nil {
		_, err = codec.OpenInto(pendingKind, pendingVersion, body, &p)
		if err != nil {
			err = fmt.Errorf("%w: %v", credential.ErrCorrupt, err)
		}
	}
	if err != nil {
		m.log.Warn("dropping unreadable pending link", logx.Owner(owner), logx.Err(err))
		m.clear(ctx, owner)
		return nil, err
	}
	if !m.clock.Now().Before(p.ExpiresAt) {
		m.clear(ctx, owner)
		m.publish(owner, "link.expired", nil)
		return nil, ErrExpired
	}
	return &p, nil
}

// clear removes the record and releases any live handle.
func (m *Machine) clear(ctx context.Context, owner int64) {
	if err := m.db.Delete(ctx, key(owner)); err != nil {
		m.log.Warn("delete pending link", logx.Owner(owner), logx.Err(err))
	}
	m.mu.Lock()
	h := m.handles[owner]
	delete(m.handles, owner)
	m.mu.Unlock()
	if h != nil {
		h.release(m.log)
	}
}

// session returns the live handle for p, restoring it from the exported
// state when this process has none (restart) or holds a superseded one.
func (m *Machine) session(ctx context.Context, owner int64, p *pendingLink) (protocol.Session, error) {
	m.mu.Lock()
	h := m.handles[owner]
	m.mu.Unlock()
	if h != nil && h.attempt == p.Attempt {
		return h.sess, nil
	}
	if h != nil {
		m.dropHandle(owner, h)
	}
	var sess protocol.Session
	err := m.retry(ctx, func(ctx context.Context) error {
		var err error
		sess, err = m.dial.Dial(ctx, p.Session)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.keepHandle(owner, &handle{attempt: p.Attempt, sess: sess})
	return sess, nil
}

func (m *Machine) keepHandle(owner int64, h *handle) {
	m.mu.Lock()
	old := m.handles[owner]
	m.handles[owner] = h
	m.mu.Unlock()
	if old != nil && old != h {
		old.release(m.log)
	}
}

func (m *Machine) dropHandle(owner int64, h *handle) {
	m.mu.Lock()
	if m.handles[owner] == h {
		delete(m.handles, owner)
	}
	m.mu.Unlock()
	h.release(m.log)
}

// retry runs fn under the shared policy. Transient and short rate-limit
// errors are retried; everything else surfaces immediately.
func (m *Machine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		switch protocol.Classify(err) {
		case protocol.ClassOK:
			return nil
		case protocol.ClassTransient, protocol.ClassRateLimited:
			m.log.Debug("protocol call failed", logx.Int("attempt", attempt), logx.Err(err))
			return err
		default:
			return retry.NoRetry(err)
		}
	})
}

// ---- operations ----

// Status reports the current attempt. Reading an expired attempt clears it
// and reports StateExpired once.
func (m *Machine) Status(ctx context.Context, owner int64) (Status, error) {
	unlock := m.locks.Lock(owner)
	defer unlock()
	p, err := m.load(ctx, owner)
	switch {
	case errors.Is(err, ErrNoPendingLink):
		return Status{State: StateNone, CodeLength: m.cfg.CodeLength}, nil
	case errors.Is(err, ErrExpired):
		return Status{State: StateExpired, CodeLength: m.cfg.CodeLength}, nil
	case err != nil:
		return Status{}, err
	}
	return p.status(m.cfg.CodeLength), nil
}

// SubmitPhone starts a new attempt, superseding any attempt in flight.
func (m *Machine) SubmitPhone(ctx context.Context, owner int64, raw string) (Status, error) {
	phone, err := NormalizePhone(raw)
	if err != nil {
		return Status{}, err
	}
	unlock := m.locks.Lock(owner)
	defer unlock()

	n, err := m.creds.CountActive(ctx, owner)
	if err != nil {
		return Status{}, err
	}
	if n >= m.creds.MaxAccounts() {
		return Status{}, fmt.Errorf("%w (%d)", credential.ErrAccountLimit, m.creds.MaxAccounts())
	}

	// the previous attempt is abandoned; upstream lets it expire
	m.clear(ctx, owner)

	var sess protocol.Session
	var challenge string
	err = m.retry(ctx, func(ctx context.Context) error {
		var err error
		if sess == nil {
			if sess, err = m.dial.Dial(ctx, nil); err != nil {
				return err
			}
		}
		challenge, err = sess.RequestCode(ctx, phone)
		return err
	})
	h := &handle{attempt: uuid.NewString(), sess: sess}
	if err != nil {
		if sess != nil {
			h.release(m.log)
		}
		return m.failed(owner, phone, err), err
	}

	exported, err := sess.Export(ctx)
	if err != nil {
		h.release(m.log)
		return m.failed(owner, phone, err), err
	}
	now := m.clock.Now().UTC()
	p := &pendingLink{
		Attempt:   h.attempt,
		Phone:     phone,
		Session:   exported,
		Challenge: challenge,
		State:     StateAwaitingCode,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.PendingTTL),
	}
	if err := m.save(ctx, owner, p); err != nil {
		h.release(m.log)
		return Status{}, err
	}
	m.keepHandle(owner, h)
	m.publish(owner, "link.started", MaskPhone(phone))
	m.log.Info("code requested", logx.Owner(owner), logx.String("phone", MaskPhone(phone)))
	return p.status(m.cfg.CodeLength), nil
}

func (m *Machine) failed(owner int64, phone string, err error) Status {
	var pe *protocol.ProviderError
	reason := err.Error()
	if errors.As(err, &pe) {
		reason = pe.Reason
	}
	m.publish(owner, "link.failed", reason)
	m.log.Info("linking failed", logx.Owner(owner), logx.String("phone", MaskPhone(phone)), logx.Err(err))
	return Status{State: StateFailed, Phone: MaskPhone(phone), CodeLength: m.cfg.CodeLength, Reason: reason}
}

// AppendDigit adds one digit to the code buffer. Filling the buffer submits
// the code. Digits beyond the code length are ignored.
func (m *Machine) AppendDigit(ctx context.Context, owner int64, digit byte) (Status, error) {
	if digit < '0' || digit > '9' {
		return Status{}, fmt.Errorf("%w: not a digit", ErrWrongState)
	}
	unlock := m.locks.Lock(owner)
	defer unlock()

	p, err := m.awaitingCode(ctx, owner)
	if err != nil {
		return Status{}, err
	}
	if len(p.Code) >= m.cfg.CodeLength {
		return p.status(m.cfg.CodeLength), nil
	}
	p.Code += string(digit)
	if err := m.save(ctx, owner, p); err != nil {
		return Status{}, err
	}
	if len(p.Code) < m.cfg.CodeLength {
		return p.status(m.cfg.CodeLength), nil
	}
	return m.submitCode(ctx, owner, p)
}

func (m *Machine) RemoveDigit(ctx context.Context, owner int64) (Status, error) {
	unlock := m.locks.Lock(owner)
	defer unlock()

	p, err := m.awaitingCode(ctx, owner)
	if err != nil {
		return Status{}, err
	}
	if p.Code == "" {
		return p.status(m.cfg.CodeLength), nil
	}
	p.Code = p.Code[:len(p.Code)-1]
	if err := m.save(ctx, owner, p); err != nil {
		return Status{}, err
	}
	return p.status(m.cfg.CodeLength), nil
}

// Cancel drops the attempt. Cancelling with nothing in flight is a no-op.
func (m *Machine) Cancel(ctx context.Context, owner int64) error {
	unlock := m.locks.Lock(owner)
	defer unlock()
	if _, err := m.db.Get(ctx, key(owner)); errors.Is(err, storage.ErrNotFound) {
		m.clear(ctx, owner)
		return nil
	}
	m.clear(ctx, owner)
	m.publish(owner, "link.cancelled", nil)
	return nil
}

// SubmitCode verifies a full code buffer.
func (m *Machine) SubmitCode(ctx context.Context, owner int64) (Status, error) {
	unlock := m.locks.Lock(owner)
	defer unlock()
	p, err := m.awaitingCode(ctx, owner)
	if err != nil {
		return Status{}, err
	}
	if len(p.Code) != m.cfg.CodeLength {
		return p.status(m.cfg.CodeLength), ErrCodeIncomplete
	}
	return m.submitCode(ctx, owner, p)
}

func (m *Machine) awaitingCode(ctx context.Context, owner int64) (*pendingLink, error) {
	p, err := m.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	if p.State != StateAwaitingCode {
		return nil, fmt.Errorf("%w: %s", ErrWrongState, p.State)
	}
	return p, nil
}

func (m *Machine) submitCode(ctx context.Context, owner int64, p *pendingLink) (Status, error) {
	sess, err := m.session(ctx, owner, p)
	if err != nil {
		m.clear(ctx, owner)
		return m.failed(owner, p.Phone, err), err
	}
	code := p.Code
	err = m.retry(ctx, func(ctx context.Context) error {
		return sess.SignIn(ctx, p.Phone, p.Challenge, code)
	})

	switch {
	case err == nil:
		return m.finalize(ctx, owner, p, sess)

	case errors.Is(err, protocol.ErrPasswordRequired):
		p.State = StateAwaitingPassword
		p.Code = ""
		if exported, xerr := sess.Export(ctx); xerr == nil && len(exported) > 0 {
			p.Session = exported
		}
		if err := m.save(ctx, owner, p); err != nil {
			return Status{}, err
		}
		m.publish(owner, "link.password_required", nil)
		return p.status(m.cfg.CodeLength), nil

	case errors.Is(err, protocol.ErrInvalidCode):
		p.Code = ""
		if serr := m.save(ctx, owner, p); serr != nil {
			return Status{}, serr
		}
		st := p.status(m.cfg.CodeLength)
		st.Reason = "invalid code"
		return st, err

	default:
		m.clear(ctx, owner)
		return m.failed(owner, p.Phone, err), err
	}
}

// SubmitPassword completes the second factor.
func (m *Machine) SubmitPassword(ctx context.Context, owner int64, password string) (Status, error) {
	unlock := m.locks.Lock(owner)
	defer unlock()

	p, err := m.load(ctx, owner)
	if err != nil {
		return Status{}, err
	}
	if p.State != StateAwaitingPassword {
		return Status{}, fmt.Errorf("%w: %s", ErrWrongState, p.State)
	}
	sess, err := m.session(ctx, owner, p)
	if err != nil {
		m.clear(ctx, owner)
		return m.failed(owner, p.Phone, err), err
	}
	err = m.retry(ctx, func(ctx context.Context) error {
		return sess.SignInPassword(ctx, password)
	})
	switch {
	case err == nil:
		return m.finalize(ctx, owner, p, sess)
	case errors.Is(err, protocol.ErrInvalidPassword):
		st := p.status(m.cfg.CodeLength)
		st.Reason = "invalid password"
		return st, err
	default:
		m.clear(ctx, owner)
		return m.failed(owner, p.Phone, err), err
	}
}

// finalize exports the authorized session into a new LinkedAccount and ends
// the attempt.
func (m *Machine) finalize(ctx context.Context, owner int64, p *pendingLink, sess protocol.Session) (Status, error) {
	secret, err := sess.Export(ctx)
	if err == nil && len(secret) == 0 {
		err = errors.New("linking: authorized session exported empty")
	}
	var acct credential.Account
	if err == nil {
		acct, err = m.creds.Put(ctx, owner, p.Phone, secret)
	}
	m.clear(ctx, owner)
	if err != nil {
		return m.failed(owner, p.Phone, err), err
	}
	m.publish(owner, "link.linked", acct.ID)
	m.log.Info("account linked", logx.Owner(owner), logx.Account(acct.ID), logx.String("phone", MaskPhone(p.Phone)))
	return Status{State: StateLinked, Phone: MaskPhone(p.Phone), CodeLength: m.cfg.CodeLength, Account: &acct}, nil
}

// Close releases every live handle. Persisted attempts survive.
func (m *Machine) Close() {
	m.mu.Lock()
	hs := m.handles
	m.handles = map[int64]*handle{}
	m.mu.Unlock()
	for _, h := range hs {
		h.release(m.log)
	}
}
