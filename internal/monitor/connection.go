package monitor

import (
	"context"
	"fmt"
	"time"

	"reachbot/internal/platform"
	"reachbot/internal/storage"
	logx "reachbot/pkg/logx"
)

// runAccount keeps one account connected until the context ends. Transient
// failures back off and redial forever; only a fatal session error gives up,
// removing the account on the way out.
func (s *Service) runAccount(ctx context.Context, acct *storage.Account) {
	log := s.log.With(logx.String("account", acct.Label()))

	for ctx.Err() == nil {
		cfg := s.config()

		client, err := s.dialer.Dial(ctx, acct.Session)
		if err != nil {
			log.Error("dial failed", logx.Err(err), logx.Duration("retry", cfg.ReconnectBackoff))
			if !sleepCtx(ctx, cfg.ReconnectBackoff) {
				return
			}
			continue
		}
		if err := client.Connect(ctx); err != nil {
			if platform.Classify(err) == platform.ClassCritical {
				s.removeAccount(ctx, acct, err, log)
				return
			}
			log.Error("connect failed", logx.Err(err), logx.Duration("retry", cfg.ReconnectBackoff))
			if !sleepCtx(ctx, cfg.ReconnectBackoff) {
				return
			}
			continue
		}

		log.Info("monitoring connection up")
		s.watch(ctx, client, acct, cfg, log)
		if err := client.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("close failed", logx.Err(err))
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("monitoring connection lost, reconnecting",
			logx.Duration("backoff", cfg.ReconnectBackoff))
		if !sleepCtx(ctx, cfg.ReconnectBackoff) {
			return
		}
	}
}

// watch consumes events until the connection dies, a health check fails or
// the context ends.
func (s *Service) watch(ctx context.Context, client platform.Client, acct *storage.Account, cfg Config, log logx.Logger) {
	ticker := time.NewTicker(cfg.HealthCheckEvery)
	defer ticker.Stop()
	events := client.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !client.Connected() {
				log.Warn("health check failed")
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, client, acct, ev, log)
		}
	}
}

func (s *Service) removeAccount(ctx context.Context, acct *storage.Account, cause error, log logx.Logger) {
	log.Error("fatal session error, removing account", logx.Err(cause))
	s.notifyAllOperators(ctx, fmt.Sprintf(
		"🚫 Monitoring account %s hit a fatal session error and was removed:\n%v", acct.Label(), cause))
	if err := s.store.DeleteAccount(ctx, acct.Number); err != nil {
		log.Error("account removal failed", logx.Err(err))
	}
}

func (s *Service) notifyAllOperators(ctx context.Context, text string) {
	ids, err := s.store.OperatorIDs(ctx)
	if err != nil {
		s.log.Error("loading operator ids failed", logx.Err(err))
		return
	}
	s.notify.Operators(ctx, ids, text)
}
