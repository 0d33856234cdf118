package linking

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adcaster/internal/clock"
	"adcaster/internal/credential"
	"adcaster/internal/protocol"
	"adcaster/internal/protocol/protocoltest"
	"adcaster/internal/retry"
	"adcaster/internal/storage"
	"adcaster/pkg/logx"
)

const phone = "+15551234567"

type env struct {
	m     *Machine
	net   *protocoltest.Network
	creds *credential.Store
	db    storage.Store
	clock *clock.Fake
	deps  Deps
	cfg   Config
}

func newEnv(t *testing.T, maxAccounts int, accounts ...protocoltest.Account) *env {
	t.Helper()
	sk, _, err := credential.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	vault, err := credential.NewVault(sk)
	if err != nil {
		t.Fatal(err)
	}
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := storage.NewMemory()
	creds := credential.NewStore(db, vault, credential.Options{MaxAccounts: maxAccounts, Clock: fc})
	net := protocoltest.NewNetwork(accounts...)
	deps := Deps{Store: db, Credentials: creds, Dialer: net, Clock: fc, Log: logx.Nop()}
	cfg := Config{
		CodeLength: 5,
		PendingTTL: 5 * time.Minute,
		Retry:      retry.Policy{MaxAttempts: 3, Multiplier: 2, MaxHint: time.Minute},
	}
	return &env{m: New(cfg, deps), net: net, creds: creds, db: db, clock: fc, deps: deps, cfg: cfg}
}

func (e *env) enter(t *testing.T, owner int64, code string) (Status, error) {
	t.Helper()
	var st Status
	var err error
	for i := 0; i < len(code); i++ {
		st, err = e.m.AppendDigit(context.Background(), owner, code[i])
		if i < len(code)-1 && err != nil {
			t.Fatalf("digit %d: %v", i, err)
		}
	}
	return st, err
}

func (e *env) assertNoLeaks(t *testing.T) {
	t.Helper()
	opened, closed, live := e.net.Sessions()
	if live != 0 || opened != closed {
		t.Fatalf("leaked sessions: opened=%d closed=%d live=%d", opened, closed, live)
	}
	if d := e.net.DoubleCloses(); d != 0 {
		t.Fatalf("%d double closes", d)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-4567": phone,
		"+447911123456":     "+447911123456",
	}
	for in, want := range cases {
		got, err := NormalizePhone(in)
		if err != nil || got != want {
			t.Fatalf("NormalizePhone(%q) = %q, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "5551234567", "+123", "+1234567890123456", "phone"} {
		if _, err := NormalizePhone(bad); !errors.Is(err, ErrInvalidPhone) {
			t.Fatalf("NormalizePhone(%q) expected ErrInvalidPhone, got %v", bad, err)
		}
	}
	if got := MaskPhone(phone); got != "+15*******67" {
		t.Fatalf("MaskPhone = %q", got)
	}
}

func TestLinkWithCode(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()

	st, err := e.m.SubmitPhone(ctx, 1, "+1 555 123 4567")
	if err != nil {
		t.Fatalf("submit phone: %v", err)
	}
	if st.State != StateAwaitingCode || st.Digits != 0 || st.CodeLength != 5 {
		t.Fatalf("unexpected status %+v", st)
	}

	for i, d := range []byte("1234") {
		st, err = e.m.AppendDigit(ctx, 1, d)
		if err != nil || st.State != StateAwaitingCode || st.Digits != i+1 {
			t.Fatalf("digit %d: %+v %v", i, st, err)
		}
	}
	st, err = e.m.RemoveDigit(ctx, 1)
	if err != nil || st.Digits != 3 {
		t.Fatalf("remove digit: %+v %v", st, err)
	}
	e.m.AppendDigit(ctx, 1, '4')
	st, err = e.m.AppendDigit(ctx, 1, '5')
	if err != nil {
		t.Fatalf("final digit: %v", err)
	}
	if st.State != StateLinked || st.Account == nil {
		t.Fatalf("expected linked, got %+v", st)
	}

	active, err := e.creds.Active(ctx, 1)
	if err != nil || len(active) != 1 || active[0].Phone != phone {
		t.Fatalf("expected one linked account, got %+v %v", active, err)
	}
	secret, err := e.creds.Get(ctx, 1, active[0].ID)
	if err != nil || string(secret) != "auth:"+phone {
		t.Fatalf("stored secret %q %v", secret, err)
	}
	if st, _ := e.m.Status(ctx, 1); st.State != StateNone {
		t.Fatalf("pending link not cleared: %+v", st)
	}
	e.assertNoLeaks(t)
}

func TestLinkWithPassword(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345", Password: "hunter2"})
	ctx := context.Background()
	if _, err := e.m.SubmitPhone(ctx, 1, phone); err != nil {
		t.Fatal(err)
	}
	st, err := e.enter(t, 1, "12345")
	if err != nil || st.State != StateAwaitingPassword || st.Digits != 0 {
		t.Fatalf("expected awaiting password, got %+v %v", st, err)
	}
	if _, err := e.m.AppendDigit(ctx, 1, '1'); !errors.Is(err, ErrWrongState) {
		t.Fatalf("digit during password step: %v", err)
	}

	st, err = e.m.SubmitPassword(ctx, 1, "wrong")
	if !errors.Is(err, protocol.ErrInvalidPassword) || st.State != StateAwaitingPassword {
		t.Fatalf("wrong password: %+v %v", st, err)
	}
	st, err = e.m.SubmitPassword(ctx, 1, "hunter2")
	if err != nil || st.State != StateLinked {
		t.Fatalf("correct password: %+v %v", st, err)
	}
	if n, _ := e.creds.CountActive(ctx, 1); n != 1 {
		t.Fatalf("expected one account, got %d", n)
	}
	e.assertNoLeaks(t)
}

func TestInvalidCodeAllowsReentry(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)

	for i := 0; i < 4; i++ {
		st, err := e.enter(t, 1, "99999")
		if !errors.Is(err, protocol.ErrInvalidCode) || st.State != StateAwaitingCode || st.Digits != 0 {
			t.Fatalf("round %d: %+v %v", i, st, err)
		}
	}
	if st, err := e.enter(t, 1, "12345"); err != nil || st.State != StateLinked {
		t.Fatalf("expected linked after re-entry: %+v %v", st, err)
	}
	e.assertNoLeaks(t)
}

func TestDigitBoundary(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)

	// simulate a crash between persisting the last digit and verifying
	p, err := e.m.load(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	p.Code = "12345"
	if err := e.m.save(ctx, 1, p); err != nil {
		t.Fatal(err)
	}

	st, err := e.m.AppendDigit(ctx, 1, '7')
	if err != nil || st.Digits != 5 || st.State != StateAwaitingCode {
		t.Fatalf("digit beyond length must be a no-op: %+v %v", st, err)
	}
	if n, _ := e.creds.CountActive(ctx, 1); n != 0 {
		t.Fatalf("no-op digit triggered verification")
	}
	if _, err := e.m.AppendDigit(ctx, 1, 'x'); err == nil {
		t.Fatalf("non-digit accepted")
	}
	st, err = e.m.SubmitCode(ctx, 1)
	if err != nil || st.State != StateLinked {
		t.Fatalf("explicit submit: %+v %v", st, err)
	}
}

func TestSubmitCodeIncomplete(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.m.AppendDigit(ctx, 1, '1')
	if _, err := e.m.SubmitCode(ctx, 1); !errors.Is(err, ErrCodeIncomplete) {
		t.Fatalf("expected ErrCodeIncomplete, got %v", err)
	}
}

func TestResumeAfterRestart(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.m.AppendDigit(ctx, 1, '1')
	e.m.AppendDigit(ctx, 1, '2')

	// a fresh process with the same store and key
	restarted := New(e.cfg, e.deps)
	e.m.Close()

	st, err := restarted.Status(ctx, 1)
	if err != nil || st.State != StateAwaitingCode || st.Digits != 2 {
		t.Fatalf("status after restart: %+v %v", st, err)
	}
	e.m = restarted
	st, err = e.enter(t, 1, "345")
	if err != nil || st.State != StateLinked {
		t.Fatalf("link after restart: %+v %v", st, err)
	}
	e.assertNoLeaks(t)
}

func TestPendingLinkSealedAtRest(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.m.AppendDigit(ctx, 1, '1')
	raw, err := e.db.Get(ctx, key(1))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte(phone)) || bytes.Contains(raw, []byte("pending:")) {
		t.Fatalf("pending link stored in the clear")
	}
}

func TestInvalidPhoneNoStateChange(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	if _, err := e.m.SubmitPhone(ctx, 1, "12-34"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if opened, _, _ := e.net.Sessions(); opened != 0 {
		t.Fatalf("invalid phone opened a session")
	}
	if st, _ := e.m.Status(ctx, 1); st.State != StateNone {
		t.Fatalf("state changed: %+v", st)
	}
}

func TestProviderRejection(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	e.net.Reject(phone, "number is banned")
	ctx := context.Background()

	st, err := e.m.SubmitPhone(ctx, 1, phone)
	var pe *protocol.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if st.State != StateFailed || st.Reason != "number is banned" {
		t.Fatalf("reason not surfaced verbatim: %+v", st)
	}
	if st, _ := e.m.Status(ctx, 1); st.State != StateNone {
		t.Fatalf("failed attempt persisted: %+v", st)
	}
	e.assertNoLeaks(t)
}

func TestSupersedeReleasesOldHandle(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.m.AppendDigit(ctx, 1, '1')
	st, err := e.m.SubmitPhone(ctx, 1, phone)
	if err != nil || st.Digits != 0 {
		t.Fatalf("resubmit: %+v %v", st, err)
	}
	if _, _, live := e.net.Sessions(); live != 1 {
		t.Fatalf("expected one live session, got %d", live)
	}
	if err := e.m.Cancel(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := e.m.Cancel(ctx, 1); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	e.assertNoLeaks(t)
}

func TestConcurrentSubmitPhone(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.m.SubmitPhone(ctx, 1, phone); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, _, live := e.net.Sessions(); live != 1 {
		t.Fatalf("expected exactly one live attempt, got %d", live)
	}
	recs, _ := e.db.FindMany(ctx, storage.Filter{Owner: 1, Prefix: "link/"})
	if len(recs) != 1 {
		t.Fatalf("expected one pending link, got %d", len(recs))
	}
}

func TestExpiry(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.m.AppendDigit(ctx, 1, '1')

	e.clock.Advance(5 * time.Minute)
	if _, err := e.m.AppendDigit(ctx, 1, '2'); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := e.m.AppendDigit(ctx, 1, '2'); !errors.Is(err, ErrNoPendingLink) {
		t.Fatalf("expired link must read as absent, got %v", err)
	}
	e.assertNoLeaks(t)

	st, err := e.m.SubmitPhone(ctx, 1, phone)
	if err != nil || st.State != StateAwaitingCode {
		t.Fatalf("restart after expiry: %+v %v", st, err)
	}
}

func TestExpiryReportedByStatus(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.clock.Advance(6 * time.Minute)
	if st, _ := e.m.Status(ctx, 1); st.State != StateExpired {
		t.Fatalf("expected expired, got %+v", st)
	}
	if st, _ := e.m.Status(ctx, 1); st.State != StateNone {
		t.Fatalf("expected none after expiry, got %+v", st)
	}
}

func TestTransientErrorsRetried(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	blip := protocol.Transient(errors.New("connection reset"))

	e.net.FailNext("request_code", blip, blip)
	if _, err := e.m.SubmitPhone(ctx, 1, phone); err != nil {
		t.Fatalf("two blips must be absorbed: %v", err)
	}
	e.net.FailNext("sign_in", blip)
	if st, err := e.enter(t, 1, "12345"); err != nil || st.State != StateLinked {
		t.Fatalf("transient sign-in: %+v %v", st, err)
	}

	e.net.FailNext("request_code", blip, blip, blip)
	st, err := e.m.SubmitPhone(ctx, 2, phone)
	if !errors.Is(err, protocol.ErrTransient) || st.State != StateFailed {
		t.Fatalf("expected failure after ceiling: %+v %v", st, err)
	}
	e.m.Close()
	e.assertNoLeaks(t)
}

func TestRateLimitWithinCap(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.enter(t, 1, "1234")
	e.net.FailNext("sign_in", &protocol.RateLimitError{Wait: 20 * time.Second})

	type result struct {
		st  Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := e.m.AppendDigit(ctx, 1, '5')
		done <- result{st, err}
	}()
	e.clock.WaitForTimers(1)
	select {
	case <-done:
		t.Fatalf("returned before the provider wait elapsed")
	default:
	}
	e.clock.Advance(20 * time.Second)
	r := <-done
	if r.err != nil || r.st.State != StateLinked {
		t.Fatalf("expected linked after wait: %+v %v", r.st, r.err)
	}
}

func TestRateLimitOverCap(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.net.FailNext("sign_in", &protocol.RateLimitError{Wait: 9999 * time.Second})
	st, err := e.enter(t, 1, "12345")
	if !errors.Is(err, retry.ErrHintTooLong) || st.State != StateFailed {
		t.Fatalf("expected immediate failure: %+v %v", st, err)
	}
	e.assertNoLeaks(t)
}

func TestCodeExpiredFails(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.net.FailNext("sign_in", protocol.ErrCodeExpired)
	st, err := e.enter(t, 1, "12345")
	if !errors.Is(err, protocol.ErrCodeExpired) || st.State != StateFailed {
		t.Fatalf("expected failed: %+v %v", st, err)
	}
	if _, err := e.m.AppendDigit(ctx, 1, '1'); !errors.Is(err, ErrNoPendingLink) {
		t.Fatalf("expected cleared state, got %v", err)
	}
	e.assertNoLeaks(t)
}

func TestPasswordOtherErrorClears(t *testing.T) {
	e := newEnv(t, 5, protocoltest.Account{Phone: phone, Code: "12345", Password: "pw"})
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	e.enter(t, 1, "12345")
	e.net.FailNext("password", protocol.ErrUnauthorized)
	st, err := e.m.SubmitPassword(ctx, 1, "pw")
	if !errors.Is(err, protocol.ErrUnauthorized) || st.State != StateFailed {
		t.Fatalf("expected failed: %+v %v", st, err)
	}
	if _, err := e.m.SubmitPassword(ctx, 1, "pw"); !errors.Is(err, ErrNoPendingLink) {
		t.Fatalf("expected cleared state, got %v", err)
	}
	e.assertNoLeaks(t)
}

func TestAccountCap(t *testing.T) {
	e := newEnv(t, 1,
		protocoltest.Account{Phone: phone, Code: "12345"},
		protocoltest.Account{Phone: "+15557654321", Code: "54321"},
	)
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, phone)
	if st, err := e.enter(t, 1, "12345"); err != nil || st.State != StateLinked {
		t.Fatalf("link: %+v %v", st, err)
	}
	if _, err := e.m.SubmitPhone(ctx, 1, "+15557654321"); !errors.Is(err, credential.ErrAccountLimit) {
		t.Fatalf("expected ErrAccountLimit, got %v", err)
	}
	if _, err := e.m.SubmitPhone(ctx, 2, "+15557654321"); err != nil {
		t.Fatalf("cap must be per owner: %v", err)
	}
}

func TestHardCapAtCreation(t *testing.T) {
	e := newEnv(t, 1,
		protocoltest.Account{Phone: phone, Code: "12345"},
		protocoltest.Account{Phone: "+15557654321", Code: "54321"},
	)
	ctx := context.Background()
	e.m.SubmitPhone(ctx, 1, "+15557654321")
	// another path fills the cap while the code is being typed
	if _, err := e.creds.Put(ctx, 1, phone, []byte("auth:"+phone)); err != nil {
		t.Fatal(err)
	}
	st, err := e.enter(t, 1, "54321")
	if !errors.Is(err, credential.ErrAccountLimit) || st.State != StateFailed {
		t.Fatalf("expected hard cap failure: %+v %v", st, err)
	}
	e.assertNoLeaks(t)
}
