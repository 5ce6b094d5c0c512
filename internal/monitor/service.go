// Package monitor keeps one live connection per monitoring account and turns
// inbound traffic into recorded leads: direct messages, replies to our posts
// and keyword mentions in groups.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"reachbot/internal/notify"
	"reachbot/internal/platform"
	"reachbot/internal/storage"
	logx "reachbot/pkg/logx"
)

var ErrAlreadyRunning = errors.New("monitor: already running")

// defaultKeywords is the stock watch list applied when none is configured.
var defaultKeywords = []string{
	"web", "website", "dev", "developer", "bot", "software",
	"engineer", "programmer", "build", "develop", "clone",
}

type Config struct {
	Keywords []string

	HealthCheckEvery time.Duration
	ReconnectBackoff time.Duration
	// StartStagger spaces out the initial connections so a fleet of
	// monitors does not dial all at once.
	StartStagger time.Duration
	PreviewLimit int
}

func (c Config) withDefaults() Config {
	if len(c.Keywords) == 0 {
		c.Keywords = defaultKeywords
	}
	if c.HealthCheckEvery <= 0 {
		c.HealthCheckEvery = 5 * time.Minute
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 10 * time.Second
	}
	if c.StartStagger <= 0 {
		c.StartStagger = 2 * time.Second
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = 750
	}
	return c
}

type Service struct {
	store  storage.Store
	dialer platform.Dialer
	notify *notify.Service
	log    logx.Logger

	mu        sync.Mutex
	cfg       Config
	runCancel context.CancelFunc
	runWG     *sync.WaitGroup
}

func New(store storage.Store, dialer platform.Dialer, notifier *notify.Service, cfg Config, log logx.Logger) *Service {
	return &Service{
		store:  store,
		dialer: dialer,
		notify: notifier,
		log:    log,
		cfg:    cfg.withDefaults(),
	}
}

// Apply swaps the runtime configuration. Keyword and preview changes take
// effect immediately; timing changes apply from the next reconnect.
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

// Start connects every monitoring account known right now, one goroutine
// each. Accounts added later are picked up on the next Stop/Start cycle.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	rctx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	s.runCancel = cancel
	s.runWG = wg
	stagger := s.cfg.StartStagger
	s.mu.Unlock()

	accounts, err := s.store.Accounts(ctx, storage.RoleMonitor)
	if err != nil {
		s.mu.Lock()
		s.runCancel, s.runWG = nil, nil
		s.mu.Unlock()
		cancel()
		return err
	}
	if len(accounts) == 0 {
		s.log.Info("no monitoring accounts configured")
		return nil
	}

	for i := range accounts {
		acct := accounts[i]
		delay := time.Duration(i) * stagger
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !sleepCtx(rctx, delay) {
				return
			}
			s.runAccount(rctx, &acct)
		}()
	}
	s.log.Info("session monitor started", logx.Int("accounts", len(accounts)))
	return nil
}

// Stop tears every monitoring connection down and waits for the goroutines.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, wg := s.runCancel, s.runWG
	s.runCancel, s.runWG = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("session monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

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
