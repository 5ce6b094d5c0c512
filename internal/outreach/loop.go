package outreach

import (
	"context"
	"time"

	"reachbot/internal/quota"
	"reachbot/internal/storage"
	logx "reachbot/pkg/logx"
)

func (s *Service) run(ctx context.Context) {
	for ctx.Err() == nil {
		cfg := s.config()

		accounts, err := s.store.Accounts(ctx, storage.RoleSender)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("loading sender accounts failed", logx.Err(err))
			s.notifyAllOperators(ctx, "⚠️ Reading sender accounts from storage failed: "+err.Error())
			if !sleepCtx(ctx, cfg.CycleRetry) {
				return
			}
			continue
		}
		if len(accounts) == 0 {
			s.log.Debug("no sender accounts", logx.Duration("next_poll", cfg.EmptyPoll))
			if !sleepCtx(ctx, cfg.EmptyPoll) {
				return
			}
			continue
		}

		for i := range accounts {
			if ctx.Err() != nil {
				return
			}
			s.processAccount(ctx, &accounts[i], cfg)
			if i < len(accounts)-1 {
				if !sleepCtx(ctx, randDelay(cfg.AccountDelayMin, cfg.AccountDelayMax)) {
					return
				}
			}
		}

		s.waitNext(ctx, cfg)
	}
}

// waitNext sleeps until some group somewhere is due again. The wait is taken
// in bounded slices with a fresh store scan after each one, so new accounts
// and external tracker edits shorten the nap instead of being missed.
func (s *Service) waitNext(ctx context.Context, cfg Config) {
	for ctx.Err() == nil {
		wait, anyLeft, err := s.nextWait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("scanning schedules failed", logx.Err(err))
			s.notifyAllOperators(ctx, "⚠️ Scanning group schedules failed: "+err.Error())
			sleepCtx(ctx, cfg.CycleRetry)
			return
		}
		if anyLeft && wait <= 0 {
			return
		}
		d := wait
		if !anyLeft {
			d = untilNextDay(s.now())
			s.log.Info("all quotas exhausted for today", logx.Duration("sleep", d))
		}
		slice := d
		if slice > cfg.SliceMax {
			slice = cfg.SliceMax
		}
		if !sleepCtx(ctx, slice) {
			return
		}
		if anyLeft && d <= cfg.SliceMax {
			return
		}
	}
}

// nextWait scans every sender group and returns the shortest time until one
// becomes ready. anyLeft is false when every group is exhausted for today.
func (s *Service) nextWait(ctx context.Context) (time.Duration, bool, error) {
	accounts, err := s.store.Accounts(ctx, storage.RoleSender)
	if err != nil {
		return 0, false, err
	}
	now := s.now()
	var (
		best    time.Duration
		anyLeft bool
	)
	for ai := range accounts {
		for gi := range accounts[ai].Groups {
			g := &accounts[ai].Groups[gi]
			wait, ok := quota.NextReady(g, now)
			if !ok {
				continue
			}
			if wait <= 0 {
				return 0, true, nil
			}
			if !anyLeft || wait < best {
				best = wait
			}
			anyLeft = true
		}
	}
	return best, anyLeft, nil
}

// untilNextDay is the gap until shortly after local midnight, when trackers
// roll over to a fresh date key.
func untilNextDay(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 1, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}

func (s *Service) notifyAllOperators(ctx context.Context, text string) {
	ids, err := s.store.OperatorIDs(ctx)
	if err != nil {
		s.log.Error("loading operator ids failed", logx.Err(err))
		return
	}
	s.notify.Operators(ctx, ids, text)
}
