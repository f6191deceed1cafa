// Package orchestrator serializes "render a page, wait for the matching
// response, render the next page" into one control loop, even though the
// rendering host reports network activity from its own goroutines.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/download"
	"github.com/JakeFAU/crypko-downloader/internal/metrics"
)

// Config tunes the control loop.
type Config struct {
	// PageURL is a fmt template taking the card id, e.g. "https://crypko.ai/#/card/%s".
	PageURL string
	// Timeout is the idle window measured from the last deadline reset.
	Timeout time.Duration
	// NavigationDelay is the rate-limit cushion before the next page load.
	NavigationDelay time.Duration
	// PollInterval bounds each wait so the deadline is checked periodically.
	PollInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PageURL:         "https://crypko.ai/#/card/%s",
		Timeout:         30 * time.Second,
		NavigationDelay: 2 * time.Second,
		PollInterval:    time.Second,
	}
}

// Orchestrator owns the state shared between the controlling goroutine and
// the event-delivery goroutines. Only ReportOutcome and Run touch it.
type Orchestrator struct {
	cfg    Config
	queue  download.TargetSource
	clock  download.Clock
	logger *zap.Logger

	// wake is a single-slot signal; a pending wake-up is never lost and
	// never accumulates.
	wake chan struct{}

	mu        sync.Mutex
	target    download.Target
	completed bool
	result    download.Code
	deadline  time.Time
	nextURL   string
	nextAt    time.Time
	advance   bool
	successAt time.Time
}

// New builds an Orchestrator that starts on first and pulls later targets
// from queue. queue may be nil for single-artifact runs.
func New(cfg Config, first download.Target, queue download.TargetSource, clock download.Clock, logger *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.PageURL == "" {
		cfg.PageURL = def.PageURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.NavigationDelay < 0 {
		cfg.NavigationDelay = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		queue:  queue,
		clock:  clock,
		logger: logger,
		wake:   make(chan struct{}, 1),
		target: first,
		result: download.CodeUnknown,
	}
}

// Target returns the active download target.
func (o *Orchestrator) Target() download.Target {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.target
}

// PageURL renders the artifact page URL for a card id.
func (o *Orchestrator) PageURL(cardID string) string {
	return fmt.Sprintf(o.cfg.PageURL, cardID)
}

// Touch resets the idle deadline. The queue calls it for every item it pops
// so a long run of skips or direct downloads cannot trip the timeout.
func (o *Orchestrator) Touch() {
	o.mu.Lock()
	o.deadline = o.clock.Now()
	o.mu.Unlock()
}

// ReportOutcome is the single entry point for event-delivery goroutines. It
// only mutates state and wakes the control loop. Success with a queue marks
// the loop to advance; anything else terminates the run. Outcomes after
// termination are ignored.
func (o *Orchestrator) ReportOutcome(code download.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.completed {
		o.logger.Debug("outcome after completion ignored", zap.Stringer("code", code))
		return
	}
	metrics.ObserveOutcome(code.String())
	if code == download.CodeSuccess && o.queue != nil {
		if !o.advance {
			o.advance = true
			o.successAt = o.clock.Now()
		}
		o.signal()
		return
	}
	o.completeLocked(code)
	o.signal()
}

// Completed reports whether the run has terminated and with which code.
func (o *Orchestrator) Completed() (bool, download.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed, o.result
}

func (o *Orchestrator) completeLocked(code download.Code) {
	o.result = code
	o.completed = true
	o.nextURL = ""
	o.nextAt = time.Time{}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run drives navigation until the run completes and returns the final code.
// It must be called from the goroutine that owns nav. ctx cancellation ends
// the run with CodeUnknown.
func (o *Orchestrator) Run(ctx context.Context, nav download.Navigator) download.Code {
	start := o.clock.Now()
	defer func() {
		metrics.ObserveRunDuration(o.clock.Now().Sub(start).Seconds())
	}()

	o.mu.Lock()
	if !o.completed {
		o.deadline = start
		o.nextURL = o.PageURL(o.target.ID)
		o.nextAt = start
	}
	o.mu.Unlock()

	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	for {
		act := o.step()
		switch act.kind {
		case actDone:
			o.logger.Info("run finished", zap.Stringer("code", act.code), zap.Int("exit_code", int(act.code)))
			return act.code
		case actAdvance:
			o.advanceQueue(ctx)
			continue
		case actNavigate:
			o.navigate(ctx, nav, act.url)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(act.wait)
		select {
		case <-o.wake:
		case <-timer.C:
		case <-ctx.Done():
			o.logger.Warn("run interrupted", zap.Error(ctx.Err()))
			o.mu.Lock()
			if !o.completed {
				o.completeLocked(download.CodeUnknown)
			}
			o.mu.Unlock()
		}
	}
}

type actionKind int

const (
	actWait actionKind = iota
	actNavigate
	actAdvance
	actDone
)

// action is what the control loop does next.
type action struct {
	kind actionKind
	url  string
	wait time.Duration
	code download.Code
}

// step evaluates the shared state once.
func (o *Orchestrator) step() action {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.completed {
		return action{kind: actDone, code: o.result}
	}
	if o.advance {
		return action{kind: actAdvance}
	}

	now := o.clock.Now()
	if now.Sub(o.deadline) > o.cfg.Timeout {
		o.logger.Warn("timeout", zap.Duration("idle", now.Sub(o.deadline)), zap.String("card_id", o.target.ID))
		metrics.ObserveOutcome(download.CodeTimeout.String())
		o.completeLocked(download.CodeTimeout)
		return action{kind: actDone, code: o.result}
	}

	if o.nextURL != "" && !now.Before(o.nextAt) {
		url := o.nextURL
		o.nextURL = ""
		o.nextAt = time.Time{}
		return action{kind: actNavigate, url: url}
	}

	wait := o.cfg.PollInterval
	if o.nextURL != "" {
		if until := o.nextAt.Sub(now); until < wait {
			wait = until
		}
	}
	if until := o.deadline.Add(o.cfg.Timeout).Sub(now); until >= 0 && until < wait {
		// Wake just past the deadline so the timeout is detected promptly.
		wait = until + time.Millisecond
	}
	return action{kind: actWait, wait: wait}
}

// advanceQueue pulls the next target on the control goroutine. The queue may
// touch the filesystem or the network, so mu is not held while it runs.
func (o *Orchestrator) advanceQueue(ctx context.Context) {
	next, ok := o.queue.Next(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.advance = false
	if o.completed {
		return
	}
	if !ok {
		o.completeLocked(download.CodeSuccess)
		return
	}
	now := o.clock.Now()
	o.target = next
	o.deadline = now
	o.nextURL = o.PageURL(next.ID)
	o.nextAt = o.successAt.Add(o.cfg.NavigationDelay)
	o.logger.Info("next target scheduled",
		zap.String("card_id", next.ID),
		zap.String("output", next.OutputPath),
		zap.Time("at", o.nextAt),
	)
}

func (o *Orchestrator) navigate(ctx context.Context, nav download.Navigator, url string) {
	o.logger.Info("navigate", zap.String("url", url))
	metrics.ObserveNavigation()
	if err := nav.Navigate(ctx, url); err != nil {
		o.logger.Error("navigation failed", zap.String("url", url), zap.Error(err))
		o.ReportOutcome(download.CodeInterceptError)
	}
}
