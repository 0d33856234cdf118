package notifier

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindSent        Kind = "sent"
	KindFailed      Kind = "failed"
	KindRateLimited Kind = "rate_limited"
	KindCycle       Kind = "cycle"
	KindStarted     Kind = "started"
	KindStopped     Kind = "stopped"
	KindJobFailed   Kind = "job_failed"
	KindDeactivated Kind = "account_deactivated"
	KindLinked      Kind = "linked"
	KindText        Kind = "text"
)

// Event is one orchestrator or linking signal. Fields not relevant to Kind
// stay zero.
type Event struct {
	Kind        Kind
	Account     string // masked phone
	Destination int64
	Title       string
	Cycle       int64
	Sent        int64
	Failed      int64
	Wait        time.Duration
	Reason      string
	Text        string
	At          time.Time
}

// Notifier is what the orchestrator depends on.
type Notifier interface {
	Notify(owner int64, e Event)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(int64, Event) {}

// NotifierFunc adapts a function.
type NotifierFunc func(owner int64, e Event)

func (f NotifierFunc) Notify(owner int64, e Event) { f(owner, e) }

type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type HistoryItem struct {
	At    time.Time
	Owner int64
	Text  string
}

func dest(e Event) string {
	if e.Title != "" {
		return e.Title
	}
	return fmt.Sprint(e.Destination)
}

// Render formats an event as a chat line.
func Render(e Event) string {
	switch e.Kind {
	case KindSent:
		return fmt.Sprintf("✅ %s → %s", e.Account, dest(e))
	case KindFailed:
		return fmt.Sprintf("❌ %s → %s: %s", e.Account, dest(e), e.Reason)
	case KindRateLimited:
		return fmt.Sprintf("⏳ %s → %s: rate limited for %s", e.Account, dest(e), e.Wait)
	case KindCycle:
		return fmt.Sprintf("🔁 cycle %d done (sent %d, failed %d)", e.Cycle, e.Sent, e.Failed)
	case KindStarted:
		return "▶️ broadcast started"
	case KindStopped:
		return fmt.Sprintf("⏹ broadcast stopped after %d cycles (sent %d, failed %d)", e.Cycle, e.Sent, e.Failed)
	case KindJobFailed:
		return fmt.Sprintf("🚨 broadcast stopped: %s (cycles %d, sent %d, failed %d)", e.Reason, e.Cycle, e.Sent, e.Failed)
	case KindDeactivated:
		return fmt.Sprintf("⚠️ account %s deactivated: %s", e.Account, e.Reason)
	case KindLinked:
		return fmt.Sprintf("🔗 account %s linked", e.Account)
	default:
		return strings.TrimSpace(e.Text)
	}
}
