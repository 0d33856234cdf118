package digest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"adcaster/internal/notifier"
	"adcaster/internal/stats"
	"adcaster/internal/storage"
	"adcaster/pkg/logx"
)

type jobs int

func (j jobs) ActiveCount() int { return int(j) }

type inbox struct {
	mu  sync.Mutex
	got map[int64][]string
}

func (b *inbox) Notify(owner int64, e notifier.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.got == nil {
		b.got = map[int64][]string{}
	}
	b.got[owner] = append(b.got[owner], notifier.Render(e))
}

func (b *inbox) count(owner int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got[owner])
}

func newRecorder(t *testing.T) *stats.Recorder {
	t.Helper()
	r := stats.NewRecorder(storage.NewMemory(), logx.Nop())
	ctx := context.Background()
	r.Add(ctx, 5, stats.Sent, 7)
	r.Add(ctx, 6, stats.Sent, 3)
	r.Add(ctx, 6, stats.Failed, 1)
	return r
}

func TestRunOnceSendsTotalsToAdmins(t *testing.T) {
	box := &inbox{}
	s := New(Config{Admins: []int64{1, 2}}, Deps{Stats: newRecorder(t), Jobs: jobs(2), Notifier: box})
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{1, 2} {
		if box.count(id) != 1 {
			t.Fatalf("admin %d got %d digests", id, box.count(id))
		}
	}
	text := box.got[1][0]
	if !strings.Contains(text, "sent 10, failed 1") || !strings.Contains(text, "running jobs 2") {
		t.Fatalf("digest text: %q", text)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(Config{Enabled: true, Schedule: "not a cron", Admins: []int64{1}}, Deps{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected schedule error")
	}
	s = New(Config{Enabled: true, Schedule: "0 9 * * *", Timezone: "Mars/Olympus", Admins: []int64{1}}, Deps{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected timezone error")
	}
}

func TestDisabledDoesNotSchedule(t *testing.T) {
	s := New(Config{Schedule: "* * * * * *", Admins: []int64{1}}, Deps{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Next().IsZero() {
		t.Fatalf("disabled digest is scheduled")
	}
}

func TestScheduleFires(t *testing.T) {
	box := &inbox{}
	s := New(Config{Enabled: true, Schedule: "* * * * * *", Timezone: "UTC", Admins: []int64{9}},
		Deps{Stats: newRecorder(t), Jobs: jobs(0), Notifier: box})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())
	if s.Next().IsZero() {
		t.Fatalf("no next run")
	}
	deadline := time.Now().Add(5 * time.Second)
	for box.count(9) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("digest never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestApplyReschedules(t *testing.T) {
	s := New(Config{}, Deps{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "@daily", Admins: []int64{1}}); err != nil {
		t.Fatal(err)
	}
	if s.Next().IsZero() {
		t.Fatalf("apply did not schedule")
	}
	if err := s.Apply(Config{}); err != nil {
		t.Fatal(err)
	}
	if !s.Next().IsZero() {
		t.Fatalf("apply did not unschedule")
	}
}
