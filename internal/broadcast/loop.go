package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"adcaster/internal/clock"
	"adcaster/internal/credential"
	"adcaster/internal/notifier"
	"adcaster/internal/owner"
	"adcaster/internal/protocol"
	"adcaster/internal/retry"
	"adcaster/internal/stats"
	"adcaster/pkg/logx"
)

// conn is a live session for one linked account; it persists across cycles.
type conn struct {
	acct credential.Account
	sess protocol.Session
}

func (o *Orchestrator) run(ctx context.Context, j *job) {
	conns := map[string]*conn{}
	var failure error
	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("panic: %v", r)
			o.log.Error("broadcast loop panicked", logx.Owner(j.owner), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		o.teardown(ctx, j, conns, failure)
	}()

	log := o.log.With(logx.Owner(j.owner), logx.String("run", j.runID))
	for {
		if ctx.Err() != nil {
			return
		}
		settings, err := o.settings.Get(ctx, j.owner)
		if err != nil {
			if ctx.Err() == nil {
				failure = err
			}
			return
		}
		valid, remaining, err := o.validate(ctx, j, conns)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failure = err
			return
		}
		if remaining == 0 {
			failure = ErrNoAccounts
			return
		}
		if len(valid) == 0 {
			log.Warn("no account reachable this cycle", logx.Int("accounts", remaining))
			if err := clock.Sleep(ctx, o.clock, settings.CycleDelay); err != nil {
				return
			}
			continue
		}

		var sent, failed int64
		for _, c := range valid {
			s, f, err := o.sendAccount(ctx, j, c, settings)
			sent, failed = sent+s, failed+f
			if err != nil {
				return
			}
		}

		cycle := j.cycles.Add(1)
		bg := context.WithoutCancel(ctx)
		o.stats.Add(bg, j.owner, stats.Cycles, 1)
		if err := o.saveState(bg, j.owner, jobKey, j.state(true)); err != nil {
			log.Warn("persist job state", logx.Err(err))
		}
		o.notify.Notify(j.owner, notifier.Event{Kind: notifier.KindCycle, Cycle: cycle, Sent: sent, Failed: failed})
		o.publish(j.owner, "broadcast.cycle", cycle)
		log.Info("cycle complete", logx.Int64("cycle", cycle), logx.Int64("sent", sent), logx.Int64("failed", failed), logx.Duration("delay", settings.CycleDelay))

		if err := clock.Sleep(ctx, o.clock, settings.CycleDelay); err != nil {
			return
		}
	}
}

// validate connects new accounts and rechecks authorization of every active
// one. Unauthorized and corrupt credentials are deactivated for good.
// remaining counts accounts still active afterwards, reachable or not.
func (o *Orchestrator) validate(ctx context.Context, j *job, conns map[string]*conn) (valid []*conn, remaining int, err error) {
	accounts, err := o.creds.Active(ctx, j.owner)
	if err != nil {
		return nil, 0, err
	}
	keep := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		keep[a.ID] = true
	}
	for id, c := range conns {
		if !keep[id] {
			o.disconnect(j.owner, c)
			delete(conns, id)
		}
	}

	remaining = len(accounts)
	for _, a := range accounts {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		c := conns[a.ID]
		if c == nil {
			var gone bool
			c, gone, err = o.connect(ctx, j, a)
			if gone {
				remaining--
			}
			if err != nil {
				continue
			}
			conns[a.ID] = c
		}
		var ok bool
		aerr := o.retry(ctx, j, func(ctx context.Context) error {
			var err error
			ok, err = c.sess.Authorized(ctx)
			return err
		})
		switch {
		case aerr == nil && ok:
			valid = append(valid, c)
		case aerr == nil || protocol.Classify(aerr) == protocol.ClassUnauthorized:
			o.deactivate(ctx, j, a, credential.ReasonUnauthorized)
			o.disconnect(j.owner, c)
			delete(conns, a.ID)
			remaining--
		default:
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			// redial next cycle
			o.log.Warn("account validation failed", logx.Owner(j.owner), logx.Account(a.ID), logx.Err(aerr))
			o.disconnect(j.owner, c)
			delete(conns, a.ID)
		}
	}
	return valid, remaining, nil
}

// connect dials a. gone reports that a is no longer usable at all.
func (o *Orchestrator) connect(ctx context.Context, j *job, a credential.Account) (c *conn, gone bool, err error) {
	secret, err := o.creds.Get(ctx, j.owner, a.ID)
	switch {
	case errors.Is(err, credential.ErrCorrupt):
		o.log.Error("corrupt credential", logx.Owner(j.owner), logx.Account(a.ID), logx.Err(err))
		o.deactivate(ctx, j, a, credential.ReasonCorrupt)
		return nil, true, err
	case errors.Is(err, credential.ErrNotLinked), errors.Is(err, credential.ErrNotFound):
		return nil, true, err
	case err != nil:
		return nil, false, err
	}
	var sess protocol.Session
	err = o.retry(ctx, j, func(ctx context.Context) error {
		var err error
		sess, err = o.dial.Dial(ctx, secret)
		return err
	})
	if err != nil {
		if protocol.Classify(err) == protocol.ClassUnauthorized {
			o.deactivate(ctx, j, a, credential.ReasonUnauthorized)
			return nil, true, err
		}
		if ctx.Err() == nil {
			o.log.Warn("connect failed", logx.Owner(j.owner), logx.Account(a.ID), logx.Err(err))
		}
		return nil, false, err
	}
	return &conn{acct: a, sess: sess}, false, nil
}

func (o *Orchestrator) retry(ctx context.Context, j *job, fn func(ctx context.Context) error) error {
	return j.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		err := fn(ctx)
		switch protocol.Classify(err) {
		case protocol.ClassOK:
			return nil
		case protocol.ClassTransient, protocol.ClassRateLimited:
			return err
		default:
			return retry.NoRetry(err)
		}
	})
}

func (o *Orchestrator) deactivate(ctx context.Context, j *job, a credential.Account, reason string) {
	changed, err := o.creds.Deactivate(context.WithoutCancel(ctx), j.owner, a.ID, reason)
	if err != nil {
		o.log.Warn("deactivate account", logx.Owner(j.owner), logx.Account(a.ID), logx.Err(err))
		return
	}
	if !changed {
		return
	}
	o.log.Warn("account deactivated", logx.Owner(j.owner), logx.Account(a.ID), logx.String("reason", reason))
	o.notify.Notify(j.owner, notifier.Event{Kind: notifier.KindDeactivated, Account: a.MaskedPhone(), Reason: reason})
	o.publish(j.owner, "broadcast.account_deactivated", a.ID)
}

// sendAccount walks one account's destinations. A non-nil error means the
// job was cancelled.
func (o *Orchestrator) sendAccount(ctx context.Context, j *job, c *conn, settings owner.Settings) (sent, failed int64, err error) {
	if ctx.Err() != nil {
		return 0, 0, ctx.Err()
	}
	var dests []protocol.Destination
	err = o.retry(ctx, j, func(ctx context.Context) error {
		var err error
		dests, err = c.sess.Destinations(ctx)
		return err
	})
	if ctx.Err() != nil {
		return 0, 0, ctx.Err()
	}
	if err != nil {
		if protocol.Classify(err) == protocol.ClassUnauthorized {
			o.deactivate(ctx, j, c.acct, credential.ReasonUnauthorized)
		} else {
			o.log.Warn("list destinations failed", logx.Owner(j.owner), logx.Account(c.acct.ID), logx.Err(err))
		}
		return 0, 0, nil
	}

	for _, d := range dests {
		if !d.Eligible() || !settings.Allows(d.ID) {
			continue
		}
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		ok, alive, err := o.sendOne(ctx, j, c, d, settings.Message)
		if ok {
			sent++
		} else {
			failed++
		}
		if err != nil {
			return sent, failed, err
		}
		if !alive {
			return sent, failed, nil
		}
		if err := clock.Sleep(ctx, o.clock, j.jitter()); err != nil {
			return sent, failed, err
		}
	}
	return sent, failed, nil
}

// sendOne sends to one destination. alive is false once the account is
// unauthorized; err is only set when cancelled during a rate-limit wait.
func (o *Orchestrator) sendOne(ctx context.Context, j *job, c *conn, d protocol.Destination, text string) (ok, alive bool, err error) {
	// an issued send runs to completion even if the job is stopped meanwhile
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.SendTimeout)
	serr := c.sess.Send(sendCtx, d.ID, text)
	cancel()

	bg := context.WithoutCancel(ctx)
	ev := notifier.Event{Account: c.acct.MaskedPhone(), Destination: d.ID, Title: d.Title}
	class := protocol.Classify(serr)
	if class == protocol.ClassOK {
		j.sent.Add(1)
		o.stats.Add(bg, j.owner, stats.Sent, 1)
		ev.Kind = notifier.KindSent
		o.notify.Notify(j.owner, ev)
		return true, true, nil
	}

	j.failed.Add(1)
	o.stats.Add(bg, j.owner, stats.Failed, 1)
	log := o.log.With(logx.Owner(j.owner), logx.Account(c.acct.ID), logx.Int64("destination", d.ID))

	switch class {
	case protocol.ClassRateLimited:
		wait, _ := protocol.RateLimitWait(serr)
		ev.Kind, ev.Wait = notifier.KindRateLimited, wait
		o.notify.Notify(j.owner, ev)
		if wait > j.cfg.RateLimitCap {
			log.Warn("rate limit over cap, skipping", logx.Duration("wait", wait), logx.Duration("cap", j.cfg.RateLimitCap))
			return false, true, nil
		}
		log.Info("rate limited, waiting", logx.Duration("wait", wait))
		if err := clock.Sleep(ctx, o.clock, wait); err != nil {
			return false, true, err
		}
		return false, true, nil

	case protocol.ClassUnauthorized:
		ev.Kind, ev.Reason = notifier.KindFailed, "unauthorized"
		o.notify.Notify(j.owner, ev)
		o.deactivate(ctx, j, c.acct, credential.ReasonUnauthorized)
		return false, false, nil

	default:
		ev.Kind, ev.Reason = notifier.KindFailed, describe(serr)
		o.notify.Notify(j.owner, ev)
		log.Info("send failed", logx.String("class", class.String()), logx.Err(serr))
		return false, true, nil
	}
}

func (o *Orchestrator) disconnect(owner int64, c *conn) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("disconnect panicked", logx.Owner(owner), logx.Account(c.acct.ID), logx.Any("panic", r))
		}
	}()
	if err := c.sess.Close(); err != nil {
		o.log.Debug("disconnect", logx.Owner(owner), logx.Account(c.acct.ID), logx.Err(err))
	}
}

// teardown always runs: it closes every connection independently, persists
// the final state and releases the owner's slot.
func (o *Orchestrator) teardown(ctx context.Context, j *job, conns map[string]*conn, failure error) {
	for id, c := range conns {
		o.disconnect(j.owner, c)
		delete(conns, id)
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	final := j.state(false)
	final.StoppedAt = o.clock.Now().UTC()
	final.LastError = describe(failure)
	if err := o.saveState(bg, j.owner, jobKey, final); err != nil {
		o.log.Error("persist final job state", logx.Owner(j.owner), logx.Err(err))
	}
	if err := o.saveState(bg, j.owner, lastRunKey, final); err != nil {
		o.log.Warn("persist last run", logx.Owner(j.owner), logx.Err(err))
	}

	o.jobs.CompareAndDelete(j.owner, j)
	j.cancel()

	ev := notifier.Event{Kind: notifier.KindStopped, Cycle: final.Cycles, Sent: final.Sent, Failed: final.Failed}
	if failure != nil {
		ev.Kind, ev.Reason = notifier.KindJobFailed, final.LastError
		o.log.Warn("broadcast failed", logx.Owner(j.owner), logx.String("run", j.runID), logx.Err(failure))
	} else {
		o.log.Info("broadcast stopped", logx.Owner(j.owner), logx.String("run", j.runID), logx.Int64("cycles", final.Cycles))
	}
	o.notify.Notify(j.owner, ev)
	o.publish(j.owner, "broadcast.stopped", final)
	close(j.done)
}
