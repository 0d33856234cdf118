package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"adcaster/internal/broadcast"
	"adcaster/internal/credential"
	"adcaster/internal/linking"
	"adcaster/internal/owner"
	"adcaster/internal/transport"
	"adcaster/pkg/logx"
)

var commandOrder = []string{
	"start", "link", "cancel", "password", "accounts", "remove",
	"setmsg", "setdelay", "groups", "addgroup", "delgroup", "allgroups",
	"startad", "stopad", "status", "stats",
}

func (r *Router) routes() map[string]command {
	return map[string]command{
		"start":     {"Show help", r.cmdHelp},
		"help":      {"Show help", r.cmdHelp},
		"link":      {"Link an account: /link <phone>", r.cmdLink},
		"cancel":    {"Cancel linking", r.cmdCancel},
		"password":  {"Submit the two-step password", r.cmdPassword},
		"accounts":  {"List linked accounts", r.cmdAccounts},
		"remove":    {"Remove an account: /remove <n>", r.cmdRemove},
		"setmsg":    {"Set the ad message", r.cmdSetMessage},
		"setdelay":  {"Set the cycle delay: /setdelay 60s", r.cmdSetDelay},
		"groups":    {"Show the destination filter", r.cmdGroups},
		"addgroup":  {"Only send to this group id", r.cmdAddGroup},
		"delgroup":  {"Remove a group id from the filter", r.cmdDelGroup},
		"allgroups": {"Send to every group", r.cmdAllGroups},
		"startad":   {"Start broadcasting", r.cmdStart},
		"stopad":    {"Stop broadcasting", r.cmdStop},
		"status":    {"Broadcast status", r.cmdStatus},
		"stats":     {"Delivery counters", r.cmdStats},
	}
}

func (r *Router) help() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(&b, "/%s - %s\n", name, r.commands[name].Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	return r.reply(ctx, req, r.help())
}

const genericError = "Something went wrong, try again later."

// errText maps core errors onto something the user can act on. known is
// false for errors the user cannot do anything about.
func errText(err error) (text string, known bool) {
	text = userText(err)
	return text, text != genericError
}

func userText(err error) string {
	switch {
	case errors.Is(err, linking.ErrInvalidPhone):
		return "That does not look like a phone number. Use the international format, e.g. +15551234567."
	case errors.Is(err, credential.ErrAccountLimit):
		return "You reached the maximum number of linked accounts."
	case errors.Is(err, linking.ErrNoPendingLink):
		return "No linking in progress. Use /link <phone>."
	case errors.Is(err, linking.ErrExpired):
		return "⌛ The linking attempt expired. Start again with /link."
	case errors.Is(err, linking.ErrWrongState):
		return "That step does not apply right now."
	case errors.Is(err, broadcast.ErrAlreadyRunning):
		return "A broadcast is already running. /stopad first."
	case errors.Is(err, broadcast.ErrNoMessage):
		return "Set a message first with /setmsg."
	case errors.Is(err, broadcast.ErrNoAccounts):
		return "Link an account first with /link."
	case errors.Is(err, owner.ErrEmptyMessage):
		return "The message is empty."
	case errors.Is(err, owner.ErrDelayRange):
		return err.Error()
	case errors.Is(err, credential.ErrNotFound):
		return "No such account."
	default:
		return genericError
	}
}

// fail replies with the user-facing text. Only unexpected errors are
// returned, so the request log carries them.
func (r *Router) fail(ctx context.Context, req *Request, err error) error {
	text, known := errText(err)
	if rerr := r.reply(ctx, req, text); rerr != nil {
		return rerr
	}
	if known {
		return nil
	}
	return err
}

// outcome reports whether a linking call produced a status worth rendering.
// Rejections such as a wrong code or a provider refusal come back as a
// status together with the error that caused them.
func outcome(st linking.Status, err error) bool {
	return err == nil || st.State != linking.StateNone
}

func (r *Router) showLink(ctx context.Context, req *Request, st linking.Status) error {
	text, kb := renderLink(st)
	return r.replyKeyboard(ctx, req, text, kb)
}

func (r *Router) cmdLink(ctx context.Context, req *Request) error {
	if req.Args == "" {
		r.expect(req.Owner, inputPhone)
		return r.reply(ctx, req, "Send the phone number to link, e.g. +15551234567.")
	}
	return r.submitPhone(ctx, req, req.Args)
}

func (r *Router) submitPhone(ctx context.Context, req *Request, phone string) error {
	st, err := r.d.Linking.SubmitPhone(ctx, req.Owner, phone)
	if !outcome(st, err) {
		return r.fail(ctx, req, err)
	}
	return r.showLink(ctx, req, st)
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	if err := r.d.Linking.Cancel(ctx, req.Owner); err != nil {
		return r.fail(ctx, req, err)
	}
	return r.reply(ctx, req, "Linking cancelled.")
}

func (r *Router) cmdPassword(ctx context.Context, req *Request) error {
	if req.Args == "" {
		return r.reply(ctx, req, "Usage: /password <password>")
	}
	return r.submitPassword(ctx, req, req.Args)
}

func (r *Router) submitPassword(ctx context.Context, req *Request, password string) error {
	st, err := r.d.Linking.SubmitPassword(ctx, req.Owner, password)
	if !outcome(st, err) {
		return r.fail(ctx, req, err)
	}
	if st.State == linking.StateAwaitingPassword {
		return r.reply(ctx, req, "Wrong password, try again.")
	}
	return r.showLink(ctx, req, st)
}

// onText handles plain messages: an expected follow-up, the password step or
// a code typed instead of tapped.
func (r *Router) onText(ctx context.Context, req *Request) error {
	switch r.take(req.Owner) {
	case inputPhone:
		return r.submitPhone(ctx, req, req.Args)
	case inputMessage:
		return r.setMessage(ctx, req, req.Args)
	}

	st, err := r.d.Linking.Status(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	switch {
	case st.State == linking.StateAwaitingPassword:
		return r.submitPassword(ctx, req, req.Args)
	case st.State == linking.StateAwaitingCode && isDigits(req.Args):
		for i := 0; i < len(req.Args); i++ {
			st, err = r.d.Linking.AppendDigit(ctx, req.Owner, req.Args[i])
			if !outcome(st, err) {
				return r.fail(ctx, req, err)
			}
			if err != nil || st.State != linking.StateAwaitingCode {
				break
			}
		}
		return r.showLink(ctx, req, st)
	}
	return r.reply(ctx, req, r.help())
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (r *Router) onCallback(ctx context.Context, req *Request) error {
	cb := req.Callback
	var (
		st  linking.Status
		err error
	)
	switch data := cb.Data; {
	case data == cbBack:
		st, err = r.d.Linking.RemoveDigit(ctx, req.Owner)
	case data == cbCancel:
		if err = r.d.Linking.Cancel(ctx, req.Owner); err == nil {
			st = linking.Status{State: linking.StateNone}
		}
	case strings.HasPrefix(data, cbDigit) && len(data) == len(cbDigit)+1:
		st, err = r.d.Linking.AppendDigit(ctx, req.Owner, data[len(cbDigit)])
	default:
		return r.d.Chat.AnswerCallback(ctx, cb.ID, "")
	}

	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if !outcome(st, err) {
		_ = r.d.Chat.AnswerCallback(ctx, cb.ID, "")
		text, known := errText(err)
		if e := r.d.Chat.EditText(ctx, ref, text, nil); e != nil {
			return e
		}
		if known {
			return nil
		}
		return err
	}
	if err := r.d.Chat.AnswerCallback(ctx, cb.ID, ""); err != nil {
		r.log.Debug("answer callback", logx.Err(err))
	}
	text, kb := renderLink(st)
	if cb.Data == cbCancel {
		text = "Linking cancelled."
	}
	return r.d.Chat.EditText(ctx, ref, text, &transport.SendOptions{Keyboard: kb})
}

func (r *Router) cmdAccounts(ctx context.Context, req *Request) error {
	accts, err := r.d.Credentials.List(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	if len(accts) == 0 {
		return r.reply(ctx, req, "No accounts linked. Use /link <phone>.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Accounts (max %d active):\n", r.d.Credentials.MaxAccounts())
	for i, a := range accts {
		status := "active"
		if !a.Active {
			status = "inactive: " + a.Reason
		}
		fmt.Fprintf(&b, "%d. %s (%s, linked %s)\n", i+1, a.MaskedPhone(), status, a.CreatedAt.Format("2006-01-02"))
	}
	return r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdRemove(ctx context.Context, req *Request) error {
	n, err := strconv.Atoi(req.Args)
	if err != nil || n < 1 {
		return r.reply(ctx, req, "Usage: /remove <n> (see /accounts)")
	}
	accts, err := r.d.Credentials.List(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	if n > len(accts) {
		return r.fail(ctx, req, credential.ErrNotFound)
	}
	a := accts[n-1]
	if _, err := r.d.Credentials.Remove(ctx, req.Owner, a.ID); err != nil {
		return r.fail(ctx, req, err)
	}
	return r.reply(ctx, req, fmt.Sprintf("Account %s removed.", a.MaskedPhone()))
}

func (r *Router) cmdSetMessage(ctx context.Context, req *Request) error {
	if req.Args == "" {
		r.expect(req.Owner, inputMessage)
		return r.reply(ctx, req, "Send the message to broadcast.")
	}
	return r.setMessage(ctx, req, req.Args)
}

func (r *Router) setMessage(ctx context.Context, req *Request, text string) error {
	if _, err := r.d.Settings.SetMessage(ctx, req.Owner, text); err != nil {
		return r.fail(ctx, req, err)
	}
	msg := "Message saved."
	if r.d.Broadcast.Running(req.Owner) {
		msg += " It applies from the next cycle."
	}
	return r.reply(ctx, req, msg)
}

// parseDelay accepts Go durations ("90s", "2m") and bare seconds.
func parseDelay(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func (r *Router) cmdSetDelay(ctx context.Context, req *Request) error {
	d, err := parseDelay(req.Args)
	if err != nil {
		lim := r.d.Settings.Limits()
		return r.reply(ctx, req, fmt.Sprintf("Usage: /setdelay <duration>, between %s and %s", lim.MinDelay, lim.MaxDelay))
	}
	if _, err := r.d.Settings.SetDelay(ctx, req.Owner, d); err != nil {
		return r.fail(ctx, req, err)
	}
	return r.reply(ctx, req, "Cycle delay set to "+d.String()+".")
}

func (r *Router) cmdGroups(ctx context.Context, req *Request) error {
	st, err := r.d.Settings.Get(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	if !st.Filtered {
		return r.reply(ctx, req, "Sending to every group the accounts are in.")
	}
	if len(st.Destinations) == 0 {
		return r.reply(ctx, req, "⚠️ The group list is empty, so nothing will be sent. /addgroup <group id> to add one, or /allgroups to send to every group.")
	}
	ids := make([]string, 0, len(st.Destinations))
	for _, id := range st.Destinations {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return r.reply(ctx, req, "Sending only to: "+strings.Join(ids, ", "))
}

func groupArg(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return id, err == nil && id != 0
}

func (r *Router) cmdAddGroup(ctx context.Context, req *Request) error {
	id, ok := groupArg(req.Args)
	if !ok {
		return r.reply(ctx, req, "Usage: /addgroup <group id>")
	}
	if _, err := r.d.Settings.AddDestination(ctx, req.Owner, id); err != nil {
		return r.fail(ctx, req, err)
	}
	return r.cmdGroups(ctx, req)
}

func (r *Router) cmdDelGroup(ctx context.Context, req *Request) error {
	id, ok := groupArg(req.Args)
	if !ok {
		return r.reply(ctx, req, "Usage: /delgroup <group id>")
	}
	if _, err := r.d.Settings.RemoveDestination(ctx, req.Owner, id); err != nil {
		return r.fail(ctx, req, err)
	}
	return r.cmdGroups(ctx, req)
}

func (r *Router) cmdAllGroups(ctx context.Context, req *Request) error {
	if _, err := r.d.Settings.ClearDestinations(ctx, req.Owner); err != nil {
		return r.fail(ctx, req, err)
	}
	return r.cmdGroups(ctx, req)
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	if err := r.d.Broadcast.Start(ctx, req.Owner); err != nil {
		return r.fail(ctx, req, err)
	}
	return r.reply(ctx, req, "▶️ Broadcast started. /stopad to stop.")
}

func (r *Router) cmdStop(ctx context.Context, req *Request) error {
	running, err := r.d.Broadcast.Stop(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	if !running {
		return r.reply(ctx, req, "No broadcast is running.")
	}
	return r.reply(ctx, req, "⏹ Broadcast stopped.")
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	st, err := r.d.Broadcast.Status(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	settings, err := r.d.Settings.Get(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	n, err := r.d.Credentials.CountActive(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	var b strings.Builder
	if st.Running {
		fmt.Fprintf(&b, "🟢 Running since %s\n", st.StartedAt.Format(time.RFC822))
	} else {
		b.WriteString("⚪ Not running\n")
		last, ok, err := r.d.Broadcast.LastRun(ctx, req.Owner)
		if err != nil {
			r.log.Warn("load last run", logx.Owner(req.Owner), logx.Err(err))
		}
		if ok && !last.StoppedAt.IsZero() {
			fmt.Fprintf(&b, "Last run stopped %s after %d cycles", last.StoppedAt.Format(time.RFC822), last.Cycles)
			if last.LastError != "" {
				fmt.Fprintf(&b, " (%s)", last.LastError)
			}
			b.WriteString("\n")
		} else if st.LastError != "" {
			fmt.Fprintf(&b, "Last run ended: %s\n", st.LastError)
		}
	}
	fmt.Fprintf(&b, "Cycles %d, sent %d, failed %d\n", st.Cycles, st.Sent, st.Failed)
	fmt.Fprintf(&b, "Accounts %d, delay %s, message %s", n, settings.CycleDelay, yesNo(settings.Message != ""))
	return r.reply(ctx, req, b.String())
}

func yesNo(v bool) string {
	if v {
		return "set"
	}
	return "not set"
}

func (r *Router) cmdStats(ctx context.Context, req *Request) error {
	s, err := r.d.Stats.Snapshot(ctx, req.Owner)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	text := fmt.Sprintf("📊 Sent %d, failed %d, cycles %d, broadcasts %d", s.Sent, s.Failed, s.Cycles, s.Broadcasts)
	if r.admins[req.Owner] {
		t, err := r.d.Stats.Totals(ctx)
		if err != nil {
			return r.fail(ctx, req, err)
		}
		text += fmt.Sprintf("\n🌐 All owners: sent %d, failed %d, cycles %d, running jobs %d", t.Sent, t.Failed, t.Cycles, r.d.Broadcast.ActiveCount())
	}
	return r.reply(ctx, req, text)
}
