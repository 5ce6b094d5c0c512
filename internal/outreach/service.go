// Package outreach is the dispatch loop: it walks every sender account in
// cycles, resolves each configured group to a live entity and delivers
// templated messages under the per-group daily quota.
package outreach

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"reachbot/internal/notify"
	"reachbot/internal/platform"
	"reachbot/internal/storage"
	logx "reachbot/pkg/logx"
)

var ErrAlreadyRunning = errors.New("outreach: already running")

// Config is the parsed runtime configuration of the dispatcher.
// Zero fields take the defaults from withDefaults.
type Config struct {
	Templates []string

	// Post-send pacing: the normal randomized delay and the shortened
	// catch-up one used when a group has fallen more than one slot behind.
	MinDelay        time.Duration
	MaxDelay        time.Duration
	CatchUpMinDelay time.Duration
	CatchUpMaxDelay time.Duration

	// Pause between two accounts within one cycle.
	AccountDelayMin time.Duration
	AccountDelayMax time.Duration

	FloodPause time.Duration
	EmptyPoll  time.Duration
	CycleRetry time.Duration
	// SliceMax caps a single idle sleep so config/tracker changes are
	// picked up without waiting out a multi-hour gap.
	SliceMax time.Duration

	ActivityWindow int
	DialogLimit    int
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	if c.CatchUpMinDelay <= 0 {
		c.CatchUpMinDelay = 30 * time.Second
	}
	if c.CatchUpMaxDelay <= 0 {
		c.CatchUpMaxDelay = time.Minute
	}
	if c.AccountDelayMin <= 0 {
		c.AccountDelayMin = 5 * time.Second
	}
	if c.AccountDelayMax <= 0 {
		c.AccountDelayMax = 10 * time.Second
	}
	if c.FloodPause <= 0 {
		c.FloodPause = 2 * time.Second
	}
	if c.EmptyPoll <= 0 {
		c.EmptyPoll = time.Minute
	}
	if c.CycleRetry <= 0 {
		c.CycleRetry = 30 * time.Second
	}
	if c.SliceMax <= 0 {
		c.SliceMax = 5 * time.Minute
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 8
	}
	if c.DialogLimit <= 0 {
		c.DialogLimit = 200
	}
	return c
}

// Service runs the dispatch loop. Accounts are always walked sequentially:
// one live session at a time, never two connections for the same credential.
type Service struct {
	store  storage.Store
	dialer platform.Dialer
	notify *notify.Service
	log    logx.Logger

	mu        sync.Mutex
	cfg       Config
	runCancel context.CancelFunc
	runDone   chan struct{}

	now func() time.Time
}

func New(store storage.Store, dialer platform.Dialer, notifier *notify.Service, cfg Config, log logx.Logger) *Service {
	return &Service{
		store:  store,
		dialer: dialer,
		notify: notifier,
		log:    log,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// Apply swaps the runtime configuration; the next cycle picks it up.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the dispatch loop. A second Start while the loop is live
// returns ErrAlreadyRunning and leaves the running loop untouched.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		return ErrAlreadyRunning
	}
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runCancel = cancel
	s.runDone = done
	go func() {
		defer close(done)
		s.run(rctx)
	}()
	s.log.Info("dispatch loop started")
	return nil
}

// Stop halts the loop and waits for the in-flight account to wind down.
// Stopping a stopped service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.runCancel, s.runDone
	s.runCancel, s.runDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.log.Info("dispatch loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// randDelay picks a uniformly random duration in [min, max].
func randDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}
