// ABOUTME: Bounded-time cascading cleanup of a protocol client
// ABOUTME: Every step is guarded independently and the whole sequence races a timeout

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chorus-gateway/internal/clock"
	"github.com/2389/chorus-gateway/internal/protocol"
)

// DefaultTeardownTimeout bounds a teardown when no timeout is configured.
const DefaultTeardownTimeout = 5 * time.Second

// Teardown step names.
const (
	StepDetach            = "detach"
	StepLogout            = "logout"
	StepPageClose         = "page.close"
	StepBrowserDisconnect = "browser.disconnect"
	StepBrowserClose      = "browser.close"
	StepDestroy           = "destroy"
)

// StepResult records how one teardown step went.
type StepResult struct {
	Name    string
	Skipped bool  // precondition not met (not connected, no page, ...)
	Err     error // returned error or recovered panic
}

// TeardownReport summarizes a teardown.
type TeardownReport struct {
	SessionID string
	Steps     []StepResult // steps finished before the report was taken
	TimedOut  bool
	Elapsed   time.Duration
}

// Failed returns the steps that errored.
func (r TeardownReport) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// LogValue implements slog.LogValuer.
func (r TeardownReport) LogValue() slog.Value {
	failed := make([]string, 0)
	for _, s := range r.Failed() {
		failed = append(failed, fmt.Sprintf("%s: %v", s.Name, s.Err))
	}
	return slog.GroupValue(
		slog.String("session_id", r.SessionID),
		slog.Int("steps", len(r.Steps)),
		slog.Bool("timed_out", r.TimedOut),
		slog.Duration("elapsed", r.Elapsed),
		slog.Any("failed", failed),
	)
}

type stepLog struct {
	mu    sync.Mutex
	steps []StepResult
}

func (l *stepLog) add(r StepResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, r)
}

func (l *stepLog) snapshot() []StepResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StepResult, len(l.steps))
	copy(out, l.steps)
	return out
}

// runStep calls fn, converting a panic into an error.
func runStep(name string, fn func() error) (res StepResult) {
	res.Name = name
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic: %v", r)
		}
	}()
	res.Err = fn()
	return res
}

// Teardown releases client. The steps run in a background goroutine; if they
// have not finished when timeout elapses on clk, the report is returned with
// TimedOut set and the goroutine is left to finish or leak on its own.
func Teardown(ctx context.Context, sessionID string, client protocol.Client, clk clock.Clock, timeout time.Duration) TeardownReport {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = DefaultTeardownTimeout
	}

	// Background work outlives the caller's context.
	ctx = context.WithoutCancel(ctx)
	start := clk.Now()
	log := &stepLog{}
	finished := make(chan struct{})
	deadline := clk.After(timeout)

	go func() {
		defer close(finished)
		runSteps(ctx, client, log)
	}()

	report := TeardownReport{SessionID: sessionID}
	select {
	case <-finished:
	case <-deadline:
		report.TimedOut = true
	}
	report.Steps = log.snapshot()
	report.Elapsed = clk.Now().Sub(start)
	return report
}

func runSteps(ctx context.Context, client protocol.Client, log *stepLog) {
	log.add(runStep(StepDetach, func() error {
		client.RemoveAllListeners()
		return nil
	}))

	connected := false
	probe := runStep(StepLogout, func() error {
		if p, ok := client.(protocol.ConnectionProber); ok {
			connected = p.IsConnected()
		}
		return nil
	})
	switch {
	case probe.Err != nil:
		log.add(probe)
	case connected:
		log.add(runStep(StepLogout, func() error { return client.Logout(ctx) }))
	default:
		log.add(StepResult{Name: StepLogout, Skipped: true})
	}

	var page protocol.Page
	if h, ok := client.(protocol.PageHolder); ok {
		page = h.Page()
	}
	if page == nil {
		log.add(StepResult{Name: StepPageClose, Skipped: true})
	} else {
		log.add(runStep(StepPageClose, func() error {
			if page.IsClosed() {
				return nil
			}
			return page.Close(ctx)
		}))
	}

	var browser protocol.Browser
	if h, ok := client.(protocol.BrowserHolder); ok {
		browser = h.Browser()
	}
	if browser == nil {
		log.add(StepResult{Name: StepBrowserDisconnect, Skipped: true})
		log.add(StepResult{Name: StepBrowserClose, Skipped: true})
	} else {
		log.add(runStep(StepBrowserDisconnect, browser.Disconnect))
		log.add(runStep(StepBrowserClose, func() error { return browser.Close(ctx) }))
	}

	log.add(runStep(StepDestroy, func() error { return client.Destroy(ctx) }))
}
