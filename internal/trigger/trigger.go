// Package trigger fires a planner run when a mesh message looks critical.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultKeywords match case-insensitively anywhere in the content.
var DefaultKeywords = []string{"critical", "panic", "incident"}

// Request is what a fire hands to the loop entry point.
type Request struct {
	Prompt          string
	SessionID       string
	IncludeTopology bool
}

// Launcher schedules a planner run and returns its id.
type Launcher interface {
	Launch(ctx context.Context, req Request) (string, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, req Request) (string, error)

func (f LauncherFunc) Launch(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Config tunes a Critical trigger.
type Config struct {
	Keywords  []string
	Cooldown  time.Duration
	SessionID string
	Now       func() time.Time
}

// Critical is a keyword predicate plus a last-fire cooldown.
type Critical struct {
	launcher  Launcher
	keywords  []string
	cooldown  time.Duration
	sessionID string
	now       func() time.Time
	base      context.Context

	mu       sync.Mutex
	lastFire time.Time
	fired    bool
	wg       sync.WaitGroup
}

// New creates a trigger. base bounds the lifetime of fired runs.
func New(base context.Context, l Launcher, cfg Config) *Critical {
	kw := cfg.Keywords
	if len(kw) == 0 {
		kw = DefaultKeywords
	}
	lowered := make([]string, 0, len(kw))
	for _, k := range kw {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sid := cfg.SessionID
	if sid == "" {
		sid = "critical"
	}
	if base == nil {
		base = context.Background()
	}
	return &Critical{
		launcher:  l,
		keywords:  lowered,
		cooldown:  cfg.Cooldown,
		sessionID: sid,
		now:       now,
		base:      base,
	}
}

// Matches reports whether content contains a critical keyword.
func (c *Critical) Matches(content string) bool {
	lc := strings.ToLower(content)
	for _, k := range c.keywords {
		if strings.Contains(lc, k) {
			return true
		}
	}
	return false
}

// OnMessage tests content and, outside the cooldown window, schedules a run
// without blocking. It reports whether a run was scheduled.
func (c *Critical) OnMessage(content string, meta map[string]any) bool {
	if !c.Matches(content) {
		return false
	}
	now := c.now()
	c.mu.Lock()
	if c.fired && now.Sub(c.lastFire) < c.cooldown {
		since := now.Sub(c.lastFire)
		c.mu.Unlock()
		slog.Info("Critical trigger suppressed", "cooldown", c.cooldown, "since_last", since)
		return false
	}
	c.fired = true
	c.lastFire = now
	c.wg.Add(1)
	c.mu.Unlock()

	req := Request{
		Prompt:          Prompt(content, meta),
		SessionID:       c.sessionID,
		IncludeTopology: true,
	}
	go func() {
		defer c.wg.Done()
		runID, err := c.launcher.Launch(c.base, req)
		if err != nil {
			slog.Error("Critical trigger launch failed", "error", err)
			return
		}
		slog.Info("Critical trigger fired", "run_id", runID, "session", req.SessionID)
	}()
	return true
}

// Wait blocks until every scheduled launch has returned.
func (c *Critical) Wait() {
	c.wg.Wait()
}

// Prompt builds the synthesized incident prompt.
func Prompt(content string, meta map[string]any) string {
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte(fmt.Sprintf("%q", fmt.Sprint(meta)))
	}
	return "CRITICAL EVENT DETECTED.\n" +
		"Message: " + content + "\n" +
		"Meta: " + string(metaJSON) + "\n" +
		"Action: inspect topology, identify affected agents/edges, mitigate, and report summary."
}
