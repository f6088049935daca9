package trigger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/KafClaw/KafMesh/internal/runs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func trackerLauncher(tr *runs.Tracker, got chan<- Request) Launcher {
	return LauncherFunc(func(_ context.Context, req Request) (string, error) {
		got <- req
		return tr.Start(req.SessionID), nil
	})
}

func TestCooldownSuppressesSecondFire(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := runs.NewTracker()
	got := make(chan Request, 4)
	c := New(context.Background(), trackerLauncher(tr, got), Config{Cooldown: 10 * time.Second, Now: clock.Now})

	if !c.OnMessage("critical event", nil) {
		t.Fatal("first critical message should fire")
	}
	clock.Advance(3 * time.Second)
	if c.OnMessage("critical event", nil) {
		t.Fatal("second message inside cooldown must be suppressed")
	}
	c.Wait()

	if n := len(tr.List("", 0)); n != 1 {
		t.Fatalf("expected exactly one run, got %d", n)
	}

	clock.Advance(7 * time.Second)
	if !c.OnMessage("CRITICAL again", nil) {
		t.Fatal("message after cooldown should fire")
	}
	c.Wait()
	if n := len(tr.List("", 0)); n != 2 {
		t.Fatalf("expected two runs, got %d", n)
	}
}

func TestNonMatchingMessagesIgnored(t *testing.T) {
	got := make(chan Request, 1)
	c := New(context.Background(), trackerLauncher(runs.NewTracker(), got), Config{})
	if c.OnMessage("all nominal", nil) {
		t.Error("non-matching content must not fire")
	}
	if !c.Matches("kernel PANIC on inverter") || !c.Matches("Incident #4") {
		t.Error("default keywords should match case-insensitively")
	}
	c.Wait()
}

func TestFiredRequestShape(t *testing.T) {
	got := make(chan Request, 1)
	c := New(context.Background(), trackerLauncher(runs.NewTracker(), got), Config{Keywords: []string{" Alarm "}, SessionID: "ops"})
	if c.Matches("critical") {
		t.Error("custom keywords replace the defaults")
	}
	if !c.OnMessage("smoke alarm in garage", map[string]any{"sender": "router"}) {
		t.Fatal("expected fire")
	}
	c.Wait()
	req := <-got
	if req.SessionID != "ops" || !req.IncludeTopology {
		t.Errorf("unexpected request %+v", req)
	}
	want := "CRITICAL EVENT DETECTED.\nMessage: smoke alarm in garage\nMeta: {\"sender\":\"router\"}\nAction: inspect topology"
	if !strings.HasPrefix(req.Prompt, want) {
		t.Errorf("unexpected prompt %q", req.Prompt)
	}
}

func TestOnMessageDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	c := New(context.Background(), LauncherFunc(func(context.Context, Request) (string, error) {
		<-release
		return "run", nil
	}), Config{})

	done := make(chan bool, 1)
	go func() { done <- c.OnMessage("panic", nil) }()
	select {
	case fired := <-done:
		if !fired {
			t.Error("expected fire")
		}
	case <-time.After(time.Second):
		t.Fatal("OnMessage blocked on the launcher")
	}
	close(release)
	c.Wait()
}
